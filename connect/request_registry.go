package connect

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/nbsync/protocol"
)

// an outstanding request waiting for its correlated response
type PendingRequest struct {
	RequestId   string
	MessageType protocol.MessageType
	CreatedAt   time.Time

	done     chan struct{}
	envelope *protocol.Envelope
	err      error
}

func (self *PendingRequest) Done() <-chan struct{} {
	return self.done
}

// Wait blocks until the request is resolved or rejected, or `ctx` is done.
// The core imposes no timeout. Callers that need one use a ctx deadline.
func (self *PendingRequest) Wait(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case <-self.done:
		return self.envelope, self.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestRegistry correlates requests and responses over a channel with no inherent pairing.
// Entries are not expired or rejected on disconnect, since a reconnect may still deliver the answer.
type RequestRegistry struct {
	mutex   sync.Mutex
	pending map[string]*PendingRequest

	generateId func() string
}

func NewRequestRegistry() *RequestRegistry {
	return &RequestRegistry{
		pending:    map[string]*PendingRequest{},
		generateId: newShortId,
	}
}

// Register returns a request whose id is unique among the outstanding requests.
func (self *RequestRegistry) Register(messageType protocol.MessageType) *PendingRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var requestId string
	for {
		requestId = self.generateId()
		if _, ok := self.pending[requestId]; !ok {
			break
		}
		glog.V(1).Infof("[r]collision %s\n", requestId)
	}

	pendingRequest := &PendingRequest{
		RequestId:   requestId,
		MessageType: messageType,
		CreatedAt:   time.Now(),
		done:        make(chan struct{}),
	}
	self.pending[requestId] = pendingRequest
	requestsOutstanding.Inc()
	return pendingRequest
}

func (self *RequestRegistry) remove(requestId string) *PendingRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	pendingRequest, ok := self.pending[requestId]
	if !ok {
		return nil
	}
	delete(self.pending, requestId)
	requestsOutstanding.Dec()
	return pendingRequest
}

// Resolve fulfills the request. An unknown id (late or duplicate response) is a no-op that returns false.
func (self *RequestRegistry) Resolve(requestId string, envelope *protocol.Envelope) bool {
	return self.resolveWith(requestId, envelope, nil)
}

// `before` runs after the entry is claimed and before the waiter is released
func (self *RequestRegistry) resolveWith(requestId string, envelope *protocol.Envelope, before func(*PendingRequest)) bool {
	pendingRequest := self.remove(requestId)
	if pendingRequest == nil {
		glog.V(1).Infof("[r]resolve unknown %s\n", requestId)
		return false
	}
	if before != nil {
		HandleError(func() {
			before(pendingRequest)
		})
	}
	requestLatency.WithLabelValues(string(pendingRequest.MessageType)).Observe(
		time.Since(pendingRequest.CreatedAt).Seconds(),
	)
	pendingRequest.envelope = envelope
	close(pendingRequest.done)
	glog.V(2).Infof("[r]resolve %s\n", requestId)
	return true
}

func (self *RequestRegistry) Reject(requestId string, err error) bool {
	pendingRequest := self.remove(requestId)
	if pendingRequest == nil {
		return false
	}
	pendingRequest.err = err
	close(pendingRequest.done)
	glog.V(2).Infof("[r]reject %s = %s\n", requestId, err)
	return true
}

// RejectAll rejects every outstanding request and returns how many there were.
func (self *RequestRegistry) RejectAll(err error) int {
	self.mutex.Lock()
	pending := self.pending
	self.pending = map[string]*PendingRequest{}
	self.mutex.Unlock()

	for _, pendingRequest := range pending {
		requestsOutstanding.Dec()
		pendingRequest.err = err
		close(pendingRequest.done)
	}
	return len(pending)
}

// Forget drops a request the caller has abandoned. A later response for it is treated as unknown.
func (self *RequestRegistry) Forget(requestId string) bool {
	return self.remove(requestId) != nil
}

func (self *RequestRegistry) Outstanding() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending)
}
