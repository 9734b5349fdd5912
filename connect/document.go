package connect

import (
	"sync"

	"github.com/golang/glog"
	"github.com/tiendc/go-deepcopy"

	"github.com/bringyour/nbsync/protocol"
)

// the document after a batch. `Root` is shared and must be treated as read only.
type DocumentRevision struct {
	Revision uint64
	Root     any
	// nil for a reset
	Patches []protocol.Patch
}

type RevisionFunction = func(revision *DocumentRevision)

type ConflictFunction = func(err *PatchConflictError)

// Document owns the live tree. Batches are applied in call order and either fully or not at all.
type Document struct {
	// serializes `Apply` and `Reset` so that revision callbacks run in revision order
	applyLock sync.Mutex

	stateLock sync.RWMutex
	root      any
	revision  uint64

	revisionCallbacks *CallbackList[RevisionFunction]
	conflictCallbacks *CallbackList[ConflictFunction]
}

func NewDocument(root any) *Document {
	if root == nil {
		root = map[string]any{}
	}
	return &Document{
		root:              root,
		revisionCallbacks: NewCallbackList[RevisionFunction](),
		conflictCallbacks: NewCallbackList[ConflictFunction](),
	}
}

func (self *Document) AddRevisionCallback(revisionCallback RevisionFunction) func() {
	callbackId := self.revisionCallbacks.Add(revisionCallback)
	return func() {
		self.revisionCallbacks.Remove(callbackId)
	}
}

func (self *Document) AddConflictCallback(conflictCallback ConflictFunction) func() {
	callbackId := self.conflictCallbacks.Add(conflictCallback)
	return func() {
		self.conflictCallbacks.Remove(callbackId)
	}
}

// Apply applies one batch. On conflict the tree is unchanged and the conflict callbacks are called.
func (self *Document) Apply(patches []protocol.Patch) error {
	self.applyLock.Lock()
	defer self.applyLock.Unlock()

	self.stateLock.RLock()
	root := self.root
	self.stateLock.RUnlock()

	nextRoot, err := ApplyPatches(root, patches)
	if err != nil {
		patchConflicts.Inc()
		glog.Infof("[d]%s\n", err)
		if conflictErr, ok := err.(*PatchConflictError); ok {
			for _, conflictCallback := range self.conflictCallbacks.Get() {
				HandleError(func() {
					conflictCallback(conflictErr)
				})
			}
		}
		return err
	}

	self.stateLock.Lock()
	self.root = nextRoot
	self.revision += 1
	revision := &DocumentRevision{
		Revision: self.revision,
		Root:     nextRoot,
		Patches:  patches,
	}
	self.stateLock.Unlock()

	patchesApplied.Add(float64(len(patches)))
	glog.V(2).Infof("[d]r%d applied %d\n", revision.Revision, len(patches))
	self.notifyRevision(revision)
	return nil
}

// Reset replaces the whole tree, e.g. from a full snapshot.
func (self *Document) Reset(root any) {
	self.applyLock.Lock()
	defer self.applyLock.Unlock()

	if root == nil {
		root = map[string]any{}
	}

	self.stateLock.Lock()
	self.root = root
	self.revision += 1
	revision := &DocumentRevision{
		Revision: self.revision,
		Root:     root,
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[d]r%d reset\n", revision.Revision)
	self.notifyRevision(revision)
}

func (self *Document) notifyRevision(revision *DocumentRevision) {
	for _, revisionCallback := range self.revisionCallbacks.Get() {
		HandleError(func() {
			revisionCallback(revision)
		})
	}
}

// the current tree. Shared, read only.
func (self *Document) Root() any {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.root
}

func (self *Document) Revision() uint64 {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.revision
}

// Get resolves `path` against the current tree.
func (self *Document) Get(path protocol.Path) (any, bool) {
	return GetPath(self.Root(), path)
}

// Clone returns a deep copy of the current tree that the caller may modify.
func (self *Document) Clone() (any, error) {
	root := self.Root()
	var rootCopy any
	if err := deepcopy.Copy(&rootCopy, &root); err != nil {
		return nil, err
	}
	return rootCopy, nil
}

// GetPath resolves `path` against a json shaped tree.
func GetPath(root any, path protocol.Path) (any, bool) {
	node := root
	for _, segment := range path {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[segment.Key()]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			i, ok := segment.ArrayIndex(len(v), false)
			if !ok {
				return nil, false
			}
			node = v[i]
		default:
			return nil, false
		}
	}
	return node, true
}
