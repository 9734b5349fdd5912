package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/tiendc/go-deepcopy"

	"github.com/bringyour/nbsync/protocol"
)

var ErrNotConnected = errors.New("Not connected.")
var ErrSessionClosed = errors.New("Session closed.")
var ErrNotebookNotFound = errors.New("Notebook not found.")

type SessionSettings struct {
	TransportSettings *TransportSettings
	// bounds the `connect` round trip on each open
	HandshakeTimeout time.Duration
	Codec            protocol.Codec
	Auth             *ClientAuth
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		TransportSettings: DefaultTransportSettings(),
		HandshakeTimeout:  10 * time.Second,
		Codec:             &protocol.JsonCodec{},
	}
}

// an envelope the client did not request, or a request answered to another client.
// `byMe` is true when this client caused it.
type UpdateFunction = func(envelope *protocol.Envelope, byMe bool)

type ConnectionFunction = func(connected bool)

// called after each successful handshake
type EstablishedFunction = func(result *protocol.ConnectResult)

// called when the bound notebook no longer exists on the server.
// `Send` fails with `ErrNotebookNotFound` until a later handshake finds the notebook.
type NavigationRequiredFunction = func(err error)

// called on the reader goroutine with a correlated response before the waiting request is released
type ResolveFunction = func(envelope *protocol.Envelope, messageType protocol.MessageType)

type SendOptions struct {
	CellId        string
	WantsResponse bool
}

// Session is the logical connection to one notebook.
// It performs the handshake on every physical connect and demultiplexes inbound envelopes
// into correlated responses and unrequested updates.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId   Id
	notebookId string

	settings *SessionSettings

	codec     protocol.Codec
	transport *Transport
	registry  *RequestRegistry

	stateLock sync.Mutex
	// the handshake completed on the open connection
	connected bool
	// the last handshake reported that the notebook does not exist
	navigationRequired bool
	closed             bool
	environment        map[string]any

	updateCallbacks             *CallbackList[UpdateFunction]
	connectionCallbacks         *CallbackList[ConnectionFunction]
	establishedCallbacks        *CallbackList[EstablishedFunction]
	navigationRequiredCallbacks *CallbackList[NavigationRequiredFunction]
	resolveCallbacks            *CallbackList[ResolveFunction]
}

func NewSessionWithDefaults(ctx context.Context, url string, notebookId string) *Session {
	return NewSession(ctx, url, notebookId, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	url string,
	notebookId string,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	codec := settings.Codec
	if codec == nil {
		codec = &protocol.JsonCodec{}
	}

	transportSettings := *settings.TransportSettings
	transportSettings.BinaryMessages = codec.Binary()

	session := &Session{
		ctx:                         cancelCtx,
		cancel:                      cancel,
		clientId:                    NewId(),
		notebookId:                  notebookId,
		settings:                    settings,
		codec:                       codec,
		transport:                   NewTransport(cancelCtx, url, settings.Auth.Header(), &transportSettings),
		registry:                    NewRequestRegistry(),
		updateCallbacks:             NewCallbackList[UpdateFunction](),
		connectionCallbacks:         NewCallbackList[ConnectionFunction](),
		establishedCallbacks:        NewCallbackList[EstablishedFunction](),
		navigationRequiredCallbacks: NewCallbackList[NavigationRequiredFunction](),
		resolveCallbacks:            NewCallbackList[ResolveFunction](),
	}

	session.transport.AddOpenCallback(session.opened)
	session.transport.AddCloseCallback(session.disconnected)
	session.transport.AddReceiveCallback(session.receive)

	return session
}

func (self *Session) ClientId() Id {
	return self.clientId
}

func (self *Session) NotebookId() string {
	return self.notebookId
}

func (self *Session) Transport() *Transport {
	return self.transport
}

func (self *Session) Registry() *RequestRegistry {
	return self.registry
}

// true when the handshake completed on the open connection
func (self *Session) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

// a copy of the environment from the last handshake
func (self *Session) Environment() map[string]any {
	self.stateLock.Lock()
	environment := self.environment
	self.stateLock.Unlock()

	if environment == nil {
		return nil
	}
	var environmentCopy map[string]any
	if err := deepcopy.Copy(&environmentCopy, &environment); err != nil {
		glog.Infof("[s]%s copy environment = %s\n", self.tag(), err)
		return nil
	}
	return environmentCopy
}

func (self *Session) AddUpdateCallback(updateCallback UpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddConnectionCallback(connectionCallback ConnectionFunction) func() {
	callbackId := self.connectionCallbacks.Add(connectionCallback)
	return func() {
		self.connectionCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddEstablishedCallback(establishedCallback EstablishedFunction) func() {
	callbackId := self.establishedCallbacks.Add(establishedCallback)
	return func() {
		self.establishedCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddNavigationRequiredCallback(navigationRequiredCallback NavigationRequiredFunction) func() {
	callbackId := self.navigationRequiredCallbacks.Add(navigationRequiredCallback)
	return func() {
		self.navigationRequiredCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddResolveCallback(resolveCallback ResolveFunction) func() {
	callbackId := self.resolveCallbacks.Add(resolveCallback)
	return func() {
		self.resolveCallbacks.Remove(callbackId)
	}
}

func (self *Session) Start() {
	glog.V(1).Infof("[s]%s start %s\n", self.tag(), self.transport.Url())
	self.transport.Connect()
}

// Close tears down the connection and rejects every outstanding request with `ErrSessionClosed`.
func (self *Session) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.connected = false
	self.stateLock.Unlock()

	self.transport.SetCloseCallbacksEnabled(false)
	self.cancel()
	self.transport.Close()

	if n := self.registry.RejectAll(ErrSessionClosed); 0 < n {
		glog.V(1).Infof("[s]%s closed with %d outstanding\n", self.tag(), n)
	}
}

// Send encodes and writes a message to the server.
// When `WantsResponse` is set the returned request resolves with the correlated response.
// Before the handshake completes on the open connection `ErrNotConnected` is returned,
// and `ErrNotebookNotFound` after the server reported the notebook missing.
// If the connection refuses the write, the request stays registered and `ErrNotConnected` is returned with it.
func (self *Session) Send(body protocol.Body, opts SendOptions) (*PendingRequest, error) {
	return self.send(body, opts, false)
}

// handshake messages bypass the connected check
func (self *Session) send(body protocol.Body, opts SendOptions, handshake bool) (*PendingRequest, error) {
	self.stateLock.Lock()
	closed := self.closed
	connected := self.connected
	navigationRequired := self.navigationRequired
	self.stateLock.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if !handshake {
		if navigationRequired {
			return nil, ErrNotebookNotFound
		}
		if !connected {
			return nil, ErrNotConnected
		}
	}

	envelope, err := ToEnvelope(body)
	if err != nil {
		return nil, err
	}
	envelope.ClientId = self.clientId.String()
	envelope.NotebookId = self.notebookId
	envelope.CellId = opts.CellId

	var pendingRequest *PendingRequest
	if opts.WantsResponse {
		pendingRequest = self.registry.Register(envelope.Type)
		envelope.RequestId = pendingRequest.RequestId
	}

	message, err := EncodeEnvelope(self.codec, envelope)
	if err != nil {
		if pendingRequest != nil {
			self.registry.Forget(pendingRequest.RequestId)
		}
		return nil, err
	}

	if !self.transport.Send(message) {
		glog.V(1).Infof("[s]%s send %s = not connected\n", self.tag(), envelope)
		return pendingRequest, ErrNotConnected
	}
	glog.V(2).Infof("[s]%s send %s\n", self.tag(), envelope)
	return pendingRequest, nil
}

// Request sends and waits for the correlated response.
// The request is forgotten if `ctx` ends first.
// An ack carrying a server error is returned as a `*ServerError`.
func (self *Session) Request(ctx context.Context, body protocol.Body, cellId string) (*protocol.Envelope, error) {
	return self.request(ctx, body, cellId, false)
}

func (self *Session) request(ctx context.Context, body protocol.Body, cellId string, handshake bool) (*protocol.Envelope, error) {
	pendingRequest, err := self.send(body, SendOptions{
		CellId:        cellId,
		WantsResponse: true,
	}, handshake)
	if err != nil {
		if pendingRequest != nil {
			self.registry.Forget(pendingRequest.RequestId)
		}
		return nil, err
	}
	envelope, err := pendingRequest.Wait(ctx)
	if err != nil {
		self.registry.Forget(pendingRequest.RequestId)
		return nil, err
	}
	if err := decodeAck(envelope); err != nil {
		return envelope, err
	}
	return envelope, nil
}

func (self *Session) opened(connectionCtx context.Context, connectionId uint64) {
	go HandleError(func() {
		self.handshake(connectionCtx, connectionId)
	})
}

// handshake runs for one physical connection and ends with it
func (self *Session) handshake(connectionCtx context.Context, connectionId uint64) {
	handshakeCtx, handshakeCancel := context.WithTimeout(connectionCtx, self.settings.HandshakeTimeout)
	defer handshakeCancel()

	request := func() (*protocol.Envelope, error) {
		return self.request(handshakeCtx, &protocol.ConnectArgs{}, "", true)
	}
	var envelope *protocol.Envelope
	var err error
	if glog.V(2) {
		envelope, err = TraceWithReturnError(fmt.Sprintf("[s]%s handshake", self.tag()), request)
	} else {
		envelope, err = request()
	}
	if err != nil {
		if connectionCtx.Err() != nil {
			// the connection ended. The next connection runs its own handshake.
			glog.V(1).Infof("[s]%s handshake (%d) ended with the connection\n", self.tag(), connectionId)
			return
		}
		glog.Infof("[s]%s handshake = %s\n", self.tag(), err)
		self.transport.FailConnection(connectionId, err)
		return
	}

	message, err := FromEnvelope(envelope)
	if err != nil {
		glog.Infof("[s]%s handshake = %s\n", self.tag(), err)
		self.transport.FailConnection(connectionId, err)
		return
	}
	result, ok := message.(*protocol.ConnectResult)
	if !ok {
		err := fmt.Errorf("Unexpected handshake response: %s", envelope.Type)
		glog.Infof("[s]%s handshake = %s\n", self.tag(), err)
		self.transport.FailConnection(connectionId, err)
		return
	}

	if self.notebookId != "" && !result.NotebookExists {
		self.stateLock.Lock()
		self.navigationRequired = true
		self.stateLock.Unlock()

		glog.Infof("[s]%s notebook does not exist\n", self.tag())
		for _, navigationRequiredCallback := range self.navigationRequiredCallbacks.Get() {
			HandleError(func() {
				navigationRequiredCallback(ErrNotebookNotFound)
			})
		}
		return
	}

	self.stateLock.Lock()
	// `disconnected` runs only after the connection ctx is done
	if self.closed || connectionCtx.Err() != nil {
		self.stateLock.Unlock()
		return
	}
	self.connected = true
	self.navigationRequired = false
	self.environment = result.Env
	self.stateLock.Unlock()

	glog.V(1).Infof("[s]%s established\n", self.tag())
	for _, establishedCallback := range self.establishedCallbacks.Get() {
		HandleError(func() {
			establishedCallback(result)
		})
	}
	self.notifyConnection(true)
}

// disconnected reports `false` only when the handshake had completed on the lost connection.
func (self *Session) disconnected(err error) {
	self.stateLock.Lock()
	connected := self.connected
	self.connected = false
	self.stateLock.Unlock()

	if connected {
		self.notifyConnection(false)
	}
}

func (self *Session) notifyConnection(connected bool) {
	for _, connectionCallback := range self.connectionCallbacks.Get() {
		HandleError(func() {
			connectionCallback(connected)
		})
	}
}

// receive runs on the transport reader goroutine, one message at a time in socket order
func (self *Session) receive(message []byte) {
	envelope, err := DecodeEnvelope(self.codec, message)
	if err != nil {
		decodeErrors.Inc()
		glog.Infof("[s]%s receive = %s\n", self.tag(), err)
		self.transport.Fail(err)
		return
	}

	if envelope.NotebookId != "" && self.notebookId != "" && envelope.NotebookId != self.notebookId {
		glog.V(1).Infof("[s]%s discard %s\n", self.tag(), envelope)
		return
	}

	initiatorId, err := ParseId(envelope.InitiatorId)
	byMe := err == nil && initiatorId == self.clientId
	if byMe && envelope.RequestId != "" {
		resolved := self.registry.resolveWith(envelope.RequestId, envelope, func(pendingRequest *PendingRequest) {
			for _, resolveCallback := range self.resolveCallbacks.Get() {
				resolveCallback(envelope, pendingRequest.MessageType)
			}
		})
		if resolved {
			return
		}
	}

	glog.V(2).Infof("[s]%s update %s\n", self.tag(), envelope)
	for _, updateCallback := range self.updateCallbacks.Get() {
		HandleError(func() {
			updateCallback(envelope, byMe)
		})
	}
}

func (self *Session) tag() string {
	return sessionTag(self.clientId, self.notebookId)
}
