package connect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrSourceClosed = errors.New("Source closed.")

// ValueSource is a lazy pull sequence of bond values.
// `Next` blocks until a value newer than the last pulled value exists and returns the latest one.
// Values pushed between pulls are coalesced.
type ValueSource interface {
	Next(ctx context.Context) (any, error)
	// the latest value if one newer than the last pull exists, without blocking
	TryNext() (any, bool)
}

// LatestValue is a coalescing `ValueSource`. Only the most recent push is observed by the next pull.
type LatestValue struct {
	monitor *Monitor

	stateLock     sync.Mutex
	value         any
	version       uint64
	pulledVersion uint64
	closed        bool
}

func NewLatestValue() *LatestValue {
	return &LatestValue{
		monitor: NewMonitor(),
	}
}

// the initial value is available to the first pull
func NewLatestValueWithInitial(value any) *LatestValue {
	latestValue := NewLatestValue()
	latestValue.value = value
	latestValue.version = 1
	return latestValue
}

func (self *LatestValue) Push(value any) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.value = value
		self.version += 1
	}()
	self.monitor.NotifyAll()
}

// values already pushed can still be pulled once after close
func (self *LatestValue) Close() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.closed = true
	}()
	self.monitor.NotifyAll()
}

func (self *LatestValue) TryNext() (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pulledVersion < self.version {
		self.pulledVersion = self.version
		return self.value, true
	}
	return nil, false
}

func (self *LatestValue) Next(ctx context.Context) (any, error) {
	for {
		notify := self.monitor.NotifyChannel()

		self.stateLock.Lock()
		if self.pulledVersion < self.version {
			self.pulledVersion = self.version
			value := self.value
			self.stateLock.Unlock()
			return value, nil
		}
		closed := self.closed
		self.stateLock.Unlock()

		if closed {
			return nil, ErrSourceClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// an input element in the rendered notebook that a bond reads from
type Element interface {
	// false once the element is removed. The bond pipeline stops.
	Attached() bool
}

// ElementHandle is an `Element` that is detached explicitly.
type ElementHandle struct {
	detached atomic.Bool
}

func NewElementHandle() *ElementHandle {
	return &ElementHandle{}
}

func (self *ElementHandle) Attached() bool {
	return !self.detached.Load()
}

func (self *ElementHandle) Detach() {
	self.detached.Store(true)
}

type ElementKind string

const (
	ElementKindDefault  ElementKind = ""
	ElementKindSlider   ElementKind = "slider"
	ElementKindText     ElementKind = "text"
	ElementKindCheckbox ElementKind = "checkbox"
	ElementKindSelect   ElementKind = "select"
	ElementKindButton   ElementKind = "button"
)

type ElementEventType string

const (
	ElementEventInput   ElementEventType = "input"
	ElementEventChange  ElementEventType = "change"
	ElementEventRelease ElementEventType = "release"
	ElementEventBlur    ElementEventType = "blur"
	ElementEventCommit  ElementEventType = "commit"
)

// a raw event from an element. `Value` is the element value after the event.
type ElementEvent struct {
	Type  ElementEventType
	Value any
}

// ElementSource adapts raw element events to a `ValueSource`.
// Sliders commit on release and text inputs on blur or an explicit commit,
// so intermediate values are not sent. Other kinds commit on every input or change.
type ElementSource struct {
	kind   ElementKind
	values *LatestValue

	stateLock sync.Mutex
	current   any
}

func NewElementSource(kind ElementKind) *ElementSource {
	return &ElementSource{
		kind:   kind,
		values: NewLatestValue(),
	}
}

// the initial element value is committed as the first value of the bond
func NewElementSourceWithInitial(kind ElementKind, value any) *ElementSource {
	return &ElementSource{
		kind:    kind,
		values:  NewLatestValueWithInitial(value),
		current: value,
	}
}

func (self *ElementSource) Kind() ElementKind {
	return self.kind
}

// Dispatch records an element event and returns true if it produced a value for the bond.
func (self *ElementSource) Dispatch(event ElementEvent) bool {
	self.stateLock.Lock()
	if event.Value != nil {
		self.current = event.Value
	}
	value := self.current
	self.stateLock.Unlock()

	if !self.commits(event.Type) {
		return false
	}
	self.values.Push(value)
	return true
}

func (self *ElementSource) commits(eventType ElementEventType) bool {
	switch self.kind {
	case ElementKindSlider:
		return eventType == ElementEventRelease
	case ElementKindText:
		return eventType == ElementEventBlur || eventType == ElementEventCommit
	default:
		return eventType == ElementEventInput || eventType == ElementEventChange
	}
}

func (self *ElementSource) Next(ctx context.Context) (any, error) {
	return self.values.Next(ctx)
}

func (self *ElementSource) TryNext() (any, bool) {
	return self.values.TryNext()
}

func (self *ElementSource) Close() {
	self.values.Close()
}
