package connect

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"github.com/bringyour/nbsync/protocol"
)

// reports whether the notebook has work in progress
type BusyFunction = func(root any) bool

type NotebookMirrorSettings struct {
	// request the full state when a batch does not apply
	ResyncOnConflict bool
	ResyncTimeout    time.Duration
	BusyFunc         BusyFunction
	BondSettings     *BondSettings
}

func DefaultNotebookMirrorSettings() *NotebookMirrorSettings {
	return &NotebookMirrorSettings{
		ResyncOnConflict: true,
		ResyncTimeout:    30 * time.Second,
		BusyFunc:         DefaultBusyFunc,
		BondSettings:     DefaultBondSettings(),
	}
}

// DefaultBusyFunc is true while any cell result is queued or running.
func DefaultBusyFunc(root any) bool {
	cellResults, ok := GetPath(root, protocol.RequirePath("cell_results"))
	if !ok {
		return false
	}
	cellResultsMap, ok := cellResults.(map[string]any)
	if !ok {
		return false
	}
	for _, cellResult := range cellResultsMap {
		cellResultMap, ok := cellResult.(map[string]any)
		if !ok {
			continue
		}
		if queued, _ := cellResultMap["queued"].(bool); queued {
			return true
		}
		if running, _ := cellResultMap["running"].(bool); running {
			return true
		}
	}
	return false
}

// NotebookMirror keeps a local copy of one notebook in sync with the server.
// It applies `notebook_diff` batches to the document, resynchronizes after a conflict,
// and derives the settle barrier that gates bond updates.
type NotebookMirror struct {
	ctx    context.Context
	cancel context.CancelFunc

	session  *Session
	document *Document
	barrier  *SettleBarrier
	bonds    *BondManager
	settings *NotebookMirrorSettings

	resyncGroup singleflight.Group

	stateLock      sync.Mutex
	pendingUpdates int

	unsubscribes []func()
}

func NewNotebookMirrorWithDefaults(ctx context.Context, session *Session) *NotebookMirror {
	return NewNotebookMirror(ctx, session, DefaultNotebookMirrorSettings())
}

func NewNotebookMirror(ctx context.Context, session *Session, settings *NotebookMirrorSettings) *NotebookMirror {
	cancelCtx, cancel := context.WithCancel(ctx)

	barrier := NewSettleBarrier()
	mirror := &NotebookMirror{
		ctx:      cancelCtx,
		cancel:   cancel,
		session:  session,
		document: NewDocument(nil),
		barrier:  barrier,
		bonds:    NewBondManager(cancelCtx, session, barrier, settings.BondSettings),
		settings: settings,
	}

	mirror.unsubscribes = []func(){
		session.AddUpdateCallback(mirror.update),
		session.AddResolveCallback(mirror.resolved),
		session.AddEstablishedCallback(mirror.established),
		mirror.document.AddConflictCallback(mirror.conflict),
		mirror.document.AddRevisionCallback(func(revision *DocumentRevision) {
			mirror.updateBarrier()
		}),
	}

	return mirror
}

func (self *NotebookMirror) Session() *Session {
	return self.session
}

func (self *NotebookMirror) Document() *Document {
	return self.document
}

func (self *NotebookMirror) Barrier() *SettleBarrier {
	return self.barrier
}

func (self *NotebookMirror) Bonds() *BondManager {
	return self.bonds
}

func (self *NotebookMirror) update(envelope *protocol.Envelope, byMe bool) {
	if envelope.Type != protocol.MessageTypeNotebookDiff {
		glog.V(2).Infof("[m]ignore %s\n", envelope)
		return
	}
	self.applyDiff(envelope)
}

// correlated responses to this client's requests are applied on the reader goroutine too,
// so they keep their place in the stream
func (self *NotebookMirror) resolved(envelope *protocol.Envelope, messageType protocol.MessageType) {
	if envelope.Type != protocol.MessageTypeNotebookDiff {
		return
	}
	self.applyDiff(envelope)
}

func (self *NotebookMirror) applyDiff(envelope *protocol.Envelope) {
	message, err := FromEnvelope(envelope)
	if err != nil {
		glog.Infof("[m]%s = %s\n", envelope, err)
		return
	}
	diff := message.(*protocol.NotebookDiff)
	if len(diff.Patches) == 0 {
		return
	}
	// a conflict is reported to the conflict callbacks
	self.document.Apply(diff.Patches)
}

func (self *NotebookMirror) established(result *protocol.ConnectResult) {
	// updates may have been missed while disconnected
	go self.resync()
}

// runs on the reader goroutine. The resync response is delivered by the same goroutine.
func (self *NotebookMirror) conflict(err *PatchConflictError) {
	if !self.settings.ResyncOnConflict {
		return
	}
	glog.Infof("[m]resync after %s\n", err)
	go self.resync()
}

func (self *NotebookMirror) resync() {
	self.resyncGroup.Do("reset_shared_state", func() (any, error) {
		resyncCtx, resyncCancel := context.WithTimeout(self.ctx, self.settings.ResyncTimeout)
		defer resyncCancel()

		err := self.ResetSharedState(resyncCtx)
		if err != nil && self.ctx.Err() == nil {
			glog.Infof("[m]resync = %s\n", err)
		}
		return nil, err
	})
}

func (self *NotebookMirror) updateBarrier() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	busy := 0 < self.pendingUpdates
	if !busy && self.settings.BusyFunc != nil {
		busy = self.settings.BusyFunc(self.document.Root())
	}
	if busy {
		self.barrier.Begin()
	} else {
		self.barrier.Settle()
	}
}

// request holds the barrier until the response arrives
func (self *NotebookMirror) request(ctx context.Context, body protocol.Body, cellId string) (*protocol.Envelope, error) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.pendingUpdates += 1
	}()
	self.updateBarrier()
	defer func() {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.pendingUpdates -= 1
		}()
		self.updateBarrier()
	}()

	return self.session.Request(ctx, body, cellId)
}

// UpdateNotebook proposes a change. The server answers with the diff it applied.
func (self *NotebookMirror) UpdateNotebook(ctx context.Context, patches []protocol.Patch) error {
	_, err := self.request(ctx, &protocol.UpdateNotebookArgs{
		Patches: patches,
	}, "")
	return err
}

func (self *NotebookMirror) RunCells(ctx context.Context, cellIds []string) error {
	_, err := self.request(ctx, &protocol.RunMultipleCellsArgs{
		CellIds: cellIds,
	}, "")
	return err
}

func (self *NotebookMirror) InterruptAll(ctx context.Context) error {
	_, err := self.request(ctx, &protocol.InterruptAllArgs{}, "")
	return err
}

func (self *NotebookMirror) ShutdownNotebook(ctx context.Context, keepInSession bool) error {
	_, err := self.request(ctx, &protocol.ShutdownNotebookArgs{
		KeepInSession: keepInSession,
	}, "")
	return err
}

// ResetSharedState asks the server for the full notebook state.
// The server answers with a diff that replaces the root.
func (self *NotebookMirror) ResetSharedState(ctx context.Context) error {
	_, err := self.request(ctx, &protocol.ResetSharedStateArgs{}, "")
	return err
}

func (self *NotebookMirror) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.bonds.Close()
	self.cancel()
}
