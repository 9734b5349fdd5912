package connect

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/bringyour/nbsync/protocol"
)

// BondSender is the request side of a session
type BondSender interface {
	Request(ctx context.Context, body protocol.Body, cellId string) (*protocol.Envelope, error)
}

// Barrier resolves when the notebook has no pending work
type Barrier interface {
	Wait(ctx context.Context) error
}

type CommitFunction = func(name string, value any)

type BondSettings struct {
	// delay before a failed value is sent again
	RetryDelay time.Duration
	// zero waits for the response indefinitely
	RequestTimeout time.Duration
}

func DefaultBondSettings() *BondSettings {
	return &BondSettings{
		RetryDelay: 500 * time.Millisecond,
	}
}

// BondPipeline sends the values of one bond to the server.
// At most one `set_bond` request is outstanding. Values that arrive during a round trip
// are coalesced to the latest, and each send waits for the notebook to settle.
type BondPipeline struct {
	name     string
	element  Element
	source   ValueSource
	sender   BondSender
	barrier  Barrier
	settings *BondSettings

	stateLock    sync.Mutex
	committed    any
	hasCommitted bool

	commitCallbacks *CallbackList[CommitFunction]
}

func NewBondPipeline(
	name string,
	element Element,
	source ValueSource,
	sender BondSender,
	barrier Barrier,
	settings *BondSettings,
) *BondPipeline {
	return &BondPipeline{
		name:            name,
		element:         element,
		source:          source,
		sender:          sender,
		barrier:         barrier,
		settings:        settings,
		commitCallbacks: NewCallbackList[CommitFunction](),
	}
}

func (self *BondPipeline) Name() string {
	return self.name
}

func (self *BondPipeline) AddCommitCallback(commitCallback CommitFunction) func() {
	callbackId := self.commitCallbacks.Add(commitCallback)
	return func() {
		self.commitCallbacks.Remove(callbackId)
	}
}

// the last value the server accepted
func (self *BondPipeline) Committed() (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.committed, self.hasCommitted
}

// Run sends values until the element is detached, the source is closed, or `ctx` is done.
func (self *BondPipeline) Run(ctx context.Context) error {
	var pending any
	hasPending := false
	for {
		if !self.element.Attached() {
			glog.V(1).Infof("[b]%s detached\n", self.name)
			return nil
		}
		if err := self.barrier.Wait(ctx); err != nil {
			return err
		}

		if !hasPending {
			value, err := self.source.Next(ctx)
			if errors.Is(err, ErrSourceClosed) {
				glog.V(1).Infof("[b]%s source closed\n", self.name)
				return nil
			} else if err != nil {
				return err
			}
			pending = value
			hasPending = true

			// the pull may block for a long time
			if !self.element.Attached() {
				glog.V(1).Infof("[b]%s detached\n", self.name)
				return nil
			}
			if err := self.barrier.Wait(ctx); err != nil {
				return err
			}
		}

		if committed, ok := self.Committed(); ok && reflect.DeepEqual(committed, pending) {
			glog.V(2).Infof("[b]%s unchanged\n", self.name)
			hasPending = false
			continue
		}

		if err := self.commit(ctx, pending); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bondCommits.WithLabelValues("error").Inc()
			glog.Infof("[b]%s commit = %s\n", self.name, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(self.settings.RetryDelay):
			}
			// retry with the latest value
			if value, ok := self.source.TryNext(); ok {
				pending = value
			}
			continue
		}
		hasPending = false
	}
}

func (self *BondPipeline) commit(ctx context.Context, value any) error {
	_, hasCommitted := self.Committed()
	isFirstValue := !hasCommitted

	requestCtx := ctx
	if 0 < self.settings.RequestTimeout {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, self.settings.RequestTimeout)
		defer cancel()
	}

	glog.V(2).Infof("[b]%s send first=%t\n", self.name, isFirstValue)
	_, err := self.sender.Request(requestCtx, &protocol.SetBondArgs{
		Name:         self.name,
		Value:        value,
		IsFirstValue: isFirstValue,
	}, "")
	if err != nil {
		return err
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.committed = value
		self.hasCommitted = true
	}()
	bondCommits.WithLabelValues("ok").Inc()

	for _, commitCallback := range self.commitCallbacks.Get() {
		HandleError(func() {
			commitCallback(self.name, value)
		})
	}
	return nil
}

type bondHandle struct {
	pipeline *BondPipeline
	cancel   context.CancelFunc
	done     chan struct{}
}

// BondManager runs one pipeline per bond name. Different bonds run concurrently.
type BondManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	sender   BondSender
	barrier  Barrier
	settings *BondSettings

	stateLock sync.Mutex
	bonds     map[string]*bondHandle

	commitCallbacks *CallbackList[CommitFunction]
}

func NewBondManagerWithDefaults(ctx context.Context, sender BondSender, barrier Barrier) *BondManager {
	return NewBondManager(ctx, sender, barrier, DefaultBondSettings())
}

func NewBondManager(
	ctx context.Context,
	sender BondSender,
	barrier Barrier,
	settings *BondSettings,
) *BondManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &BondManager{
		ctx:             cancelCtx,
		cancel:          cancel,
		sender:          sender,
		barrier:         barrier,
		settings:        settings,
		bonds:           map[string]*bondHandle{},
		commitCallbacks: NewCallbackList[CommitFunction](),
	}
}

func (self *BondManager) AddCommitCallback(commitCallback CommitFunction) func() {
	callbackId := self.commitCallbacks.Add(commitCallback)
	return func() {
		self.commitCallbacks.Remove(callbackId)
	}
}

// Register starts a pipeline for the bond. A pipeline already registered under `name` is stopped first.
// The returned function unregisters the bond.
func (self *BondManager) Register(name string, element Element, source ValueSource) func() {
	pipeline := NewBondPipeline(name, element, source, self.sender, self.barrier, self.settings)
	pipeline.AddCommitCallback(func(name string, value any) {
		for _, commitCallback := range self.commitCallbacks.Get() {
			HandleError(func() {
				commitCallback(name, value)
			})
		}
	})

	runCtx, runCancel := context.WithCancel(self.ctx)
	handle := &bondHandle{
		pipeline: pipeline,
		cancel:   runCancel,
		done:     make(chan struct{}),
	}

	self.stateLock.Lock()
	replaced := self.bonds[name]
	self.bonds[name] = handle
	self.stateLock.Unlock()

	if replaced != nil {
		glog.V(1).Infof("[b]%s replace\n", name)
		replaced.cancel()
		<-replaced.done
	}

	glog.V(1).Infof("[b]%s register\n", name)
	go func() {
		defer close(handle.done)
		defer self.remove(name, handle)

		HandleError(func() {
			if err := pipeline.Run(runCtx); err != nil && runCtx.Err() == nil {
				glog.Infof("[b]%s exit = %s\n", name, err)
			}
		})
	}()

	return func() {
		self.remove(name, handle)
		handle.cancel()
		<-handle.done
	}
}

func (self *BondManager) Unregister(name string) bool {
	self.stateLock.Lock()
	handle, ok := self.bonds[name]
	if ok {
		delete(self.bonds, name)
	}
	self.stateLock.Unlock()

	if !ok {
		return false
	}
	handle.cancel()
	<-handle.done
	return true
}

func (self *BondManager) remove(name string, handle *bondHandle) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.bonds[name] == handle {
		delete(self.bonds, name)
	}
}

// the last value the server accepted for the bond
func (self *BondManager) Committed(name string) (any, bool) {
	self.stateLock.Lock()
	handle, ok := self.bonds[name]
	self.stateLock.Unlock()

	if !ok {
		return nil, false
	}
	return handle.pipeline.Committed()
}

// the registered bond names, sorted
func (self *BondManager) Names() []string {
	self.stateLock.Lock()
	names := make([]string, 0, len(self.bonds))
	for name := range self.bonds {
		names = append(names, name)
	}
	self.stateLock.Unlock()

	slices.Sort(names)
	return names
}

// Close stops every pipeline and waits for them to exit.
func (self *BondManager) Close() {
	self.cancel()

	self.stateLock.Lock()
	handles := make([]*bondHandle, 0, len(self.bonds))
	for _, handle := range self.bonds {
		handles = append(handles, handle)
	}
	self.bonds = map[string]*bondHandle{}
	self.stateLock.Unlock()

	for _, handle := range handles {
		<-handle.done
	}
}
