package connect

import (
	"context"
	"sync"
)

// Monitor wakes up every waiter on each `NotifyAll`.
// Waiters take the notify channel before checking their condition, then wait on the channel.
type Monitor struct {
	mutex  sync.Mutex
	notify chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		notify: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.notify
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	// close the update channel and create a new one
	close(self.notify)
	self.notify = make(chan struct{})
}

// SettleBarrier is resolved while there is no pending notebook work.
// `Begin` replaces a resolved barrier with a new unresolved one.
type SettleBarrier struct {
	mutex   sync.Mutex
	settled bool
	done    chan struct{}
}

// starts settled
func NewSettleBarrier() *SettleBarrier {
	done := make(chan struct{})
	close(done)
	return &SettleBarrier{
		settled: true,
		done:    done,
	}
}

func (self *SettleBarrier) Begin() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.settled {
		self.settled = false
		self.done = make(chan struct{})
	}
}

func (self *SettleBarrier) Settle() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.settled {
		self.settled = true
		close(self.done)
	}
}

func (self *SettleBarrier) Settled() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.settled
}

// Wait blocks until the barrier current at the time of the call is resolved.
func (self *SettleBarrier) Wait(ctx context.Context) error {
	self.mutex.Lock()
	done := self.done
	self.mutex.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      []callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	nextCallbacks := make([]callbackEntry[T], 0, len(self.callbacks)+1)
	nextCallbacks = append(nextCallbacks, self.callbacks...)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := make([]callbackEntry[T], 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		if entry.callbackId != callbackId {
			nextCallbacks = append(nextCallbacks, entry)
		}
	}
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}
