package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
)

// transport state machine is:
// TransportStateDisconnected
//
//	-> TransportStateConnecting
//	  -> TransportStateError -> TransportStateDisconnected
//	  -> TransportStateOpen
//	    -> TransportStateError -> TransportStateDisconnected
//	    -> TransportStateClosed -> TransportStateDisconnected
//
// There is no terminal state. `Close` stops the machine.
type TransportState string

const (
	TransportStateDisconnected TransportState = "disconnected"
	TransportStateConnecting   TransportState = "connecting"
	TransportStateOpen         TransportState = "open"
	TransportStateError        TransportState = "error"
	TransportStateClosed       TransportState = "closed"
)

const (
	transportEventDial  = "dial"
	transportEventOpen  = "open"
	transportEventFail  = "fail"
	transportEventClose = "close"
	transportEventReset = "reset"
)

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	// the read deadline, extended on every message and pong
	PongTimeout time.Duration
	// liveness poll interval while disconnected
	ProbeInterval time.Duration
	// direct redial delay after an error, raced against the liveness poll
	ErrorRetryDelay time.Duration
	// consecutive direct redials before recovery waits on the liveness poll alone
	ErrorRetryLimit int
	ProbeTimeout    time.Duration
	// defaults to `ProbeUrl(url)`
	ProbeUrl       string
	SendBufferSize int
	BinaryMessages bool
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingInterval:       10 * time.Second,
		PongTimeout:        30 * time.Second,
		ProbeInterval:      1000 * time.Millisecond,
		ErrorRetryDelay:    500 * time.Millisecond,
		ErrorRetryLimit:    1,
		ProbeTimeout:       2 * time.Second,
		SendBufferSize:     32,
	}
}

// `connectionCtx` ends when this physical connection closes.
// `connectionId` names the connection for `FailConnection`.
type OpenFunction = func(connectionCtx context.Context, connectionId uint64)

// err is the reason the connection ended. Nil or a close error for clean closes.
type CloseFunction = func(err error)

// called in socket order from a single goroutine
type ReceiveFunction = func(message []byte)

// Transport maintains exactly one logical connection to the server and hides physical reconnects.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url    string
	header http.Header

	settings *TransportSettings

	probe *LivenessProbe
	state *fsm.FSM

	stateLock             sync.Mutex
	started               bool
	send                  chan []byte
	sendDone              <-chan struct{}
	failConnection        context.CancelCauseFunc
	connectionId          uint64
	nextConnectionId      uint64
	closeCallbacksEnabled bool

	openCallbacks    *CallbackList[OpenFunction]
	closeCallbacks   *CallbackList[CloseFunction]
	receiveCallbacks *CallbackList[ReceiveFunction]
}

func NewTransportWithDefaults(ctx context.Context, url string, header http.Header) *Transport {
	return NewTransport(ctx, url, header, DefaultTransportSettings())
}

func NewTransport(
	ctx context.Context,
	url string,
	header http.Header,
	settings *TransportSettings,
) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)

	probeUrl := settings.ProbeUrl
	if probeUrl == "" {
		var err error
		probeUrl, err = ProbeUrl(url)
		if err != nil {
			glog.Infof("[t]no probe url for %s = %s\n", url, err)
			probeUrl = url
		}
	}

	transport := &Transport{
		ctx:                   cancelCtx,
		cancel:                cancel,
		url:                   url,
		header:                header,
		settings:              settings,
		probe:                 NewLivenessProbe(probeUrl, header, settings.ProbeTimeout),
		closeCallbacksEnabled: true,
		openCallbacks:         NewCallbackList[OpenFunction](),
		closeCallbacks:        NewCallbackList[CloseFunction](),
		receiveCallbacks:      NewCallbackList[ReceiveFunction](),
	}
	transport.state = fsm.NewFSM(
		string(TransportStateDisconnected),
		fsm.Events{
			{Name: transportEventDial, Src: []string{string(TransportStateDisconnected)}, Dst: string(TransportStateConnecting)},
			{Name: transportEventOpen, Src: []string{string(TransportStateConnecting)}, Dst: string(TransportStateOpen)},
			{Name: transportEventFail, Src: []string{string(TransportStateConnecting), string(TransportStateOpen)}, Dst: string(TransportStateError)},
			{Name: transportEventClose, Src: []string{string(TransportStateConnecting), string(TransportStateOpen)}, Dst: string(TransportStateClosed)},
			{Name: transportEventReset, Src: []string{string(TransportStateError), string(TransportStateClosed)}, Dst: string(TransportStateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				glog.V(2).Infof("[t]%s %s -> %s\n", url, e.Src, e.Dst)
			},
		},
	)
	return transport
}

func (self *Transport) Url() string {
	return self.url
}

func (self *Transport) Probe() *LivenessProbe {
	return self.probe
}

func (self *Transport) State() TransportState {
	return TransportState(self.state.Current())
}

func (self *Transport) AddOpenCallback(openCallback OpenFunction) func() {
	callbackId := self.openCallbacks.Add(openCallback)
	return func() {
		self.openCallbacks.Remove(callbackId)
	}
}

func (self *Transport) AddCloseCallback(closeCallback CloseFunction) func() {
	callbackId := self.closeCallbacks.Add(closeCallback)
	return func() {
		self.closeCallbacks.Remove(callbackId)
	}
}

func (self *Transport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

// Disable the close callbacks before an intentional teardown
// so that consumers do not see the expected close as a lost connection.
func (self *Transport) SetCloseCallbacksEnabled(enabled bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closeCallbacksEnabled = enabled
}

// Connect starts the connection loop. Calling it again has no effect.
func (self *Transport) Connect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.started {
		return
	}
	self.started = true
	go self.run()
}

// Send queues a message on the open connection.
// When there is no open connection the message is dropped and false is returned.
func (self *Transport) Send(message []byte) bool {
	self.stateLock.Lock()
	send := self.send
	sendDone := self.sendDone
	self.stateLock.Unlock()

	if send == nil {
		glog.V(2).Infof("[t]drop %s-> not connected\n", self.url)
		return false
	}
	select {
	case send <- message:
		return true
	case <-sendDone:
		return false
	case <-time.After(self.settings.WriteTimeout):
		glog.Infof("[t]drop %s-> send timeout\n", self.url)
		return false
	}
}

// Fail forcibly closes the open connection with `err` and takes the error recovery path.
func (self *Transport) Fail(err error) bool {
	self.stateLock.Lock()
	failConnection := self.failConnection
	self.stateLock.Unlock()

	if failConnection == nil {
		return false
	}
	failConnection(err)
	return true
}

// FailConnection is `Fail` for one physical connection.
// It has no effect when that connection has already ended.
func (self *Transport) FailConnection(connectionId uint64, err error) bool {
	self.stateLock.Lock()
	failConnection := self.failConnection
	if connectionId != self.connectionId {
		failConnection = nil
	}
	self.stateLock.Unlock()

	if failConnection == nil {
		glog.V(1).Infof("[t]%s fail ended connection %d\n", self.url, connectionId)
		return false
	}
	failConnection(err)
	return true
}

func (self *Transport) Close() {
	self.cancel()
}

func (self *Transport) run() {
	defer self.cancel()

	errorRetryCount := 0
	for {
		self.transition(transportEventDial)
		ws, err := self.dial()
		if err != nil {
			self.transition(transportEventFail)
			self.disconnected(err)
			if self.ctx.Err() != nil {
				return
			}
			errorRetryCount += 1
			if !self.waitForOnline(errorRetryCount <= self.settings.ErrorRetryLimit) {
				return
			}
			continue
		}

		errorRetryCount = 0
		err = self.handle(ws)
		clean := isCleanClose(err)
		if clean {
			self.transition(transportEventClose)
		} else {
			self.transition(transportEventFail)
		}
		self.disconnected(err)
		if self.ctx.Err() != nil {
			return
		}
		if !clean {
			errorRetryCount += 1
		}
		if !self.waitForOnline(!clean && errorRetryCount <= self.settings.ErrorRetryLimit) {
			return
		}
	}
}

func (self *Transport) transition(event string) {
	if err := self.state.Event(context.Background(), event); err != nil {
		glog.V(2).Infof("[t]%s transition %s = %s\n", self.url, event, err)
	}
}

func (self *Transport) dial() (*websocket.Conn, error) {
	connect := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, self.header)
		return ws, err
	}
	if glog.V(2) {
		return TraceWithReturnError(fmt.Sprintf("[t]connect %s", self.url), connect)
	}
	return connect()
}

// handle runs one physical connection and returns why it ended
func (self *Transport) handle(ws *websocket.Conn) error {
	handleCtx, handleCancel := context.WithCancelCause(self.ctx)
	defer handleCancel(nil)

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.nextConnectionId += 1
	connectionId := self.nextConnectionId
	self.send = send
	self.sendDone = handleCtx.Done()
	self.failConnection = handleCancel
	self.connectionId = connectionId
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.send = nil
		self.sendDone = nil
		self.failConnection = nil
		self.connectionId = 0
		self.stateLock.Unlock()
	}()

	messageType := websocket.TextMessage
	if self.settings.BinaryMessages {
		messageType = websocket.BinaryMessage
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)

		pingTicker := time.NewTicker(self.settings.PingInterval)
		defer pingTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(messageType, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.url, err)
					handleCancel(err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", self.url)
			case <-pingTicker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					handleCancel(err)
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.PongTimeout))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)

		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				handleCancel(err)
				return
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.PongTimeout))
			if handleCtx.Err() != nil {
				// the connection was failed while handling the previous message
				return
			}
			glog.V(2).Infof("[tr]%s<-\n", self.url)
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				HandleError(func() {
					receiveCallback(message)
				})
			}
		}
	}()

	self.transition(transportEventOpen)
	transportConnects.Inc()
	glog.V(1).Infof("[t]open %s (%d)\n", self.url, connectionId)
	for _, openCallback := range self.openCallbacks.Get() {
		HandleError(func() {
			openCallback(handleCtx, connectionId)
		})
	}

	<-handleCtx.Done()
	err := context.Cause(handleCtx)
	if errors.Is(err, context.Canceled) {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
	}
	ws.Close()
	// no message from this connection is delivered after the next connection opens
	<-readDone
	<-writeDone
	return err
}

func (self *Transport) disconnected(err error) {
	self.transition(transportEventReset)

	if isCleanClose(err) {
		transportDisconnects.WithLabelValues("clean").Inc()
		glog.V(1).Infof("[t]closed %s\n", self.url)
	} else {
		transportDisconnects.WithLabelValues("error").Inc()
		glog.Infof("[t]disconnected %s = %s\n", self.url, err)
	}

	self.stateLock.Lock()
	closeCallbacksEnabled := self.closeCallbacksEnabled
	self.stateLock.Unlock()

	if closeCallbacksEnabled {
		for _, closeCallback := range self.closeCallbacks.Get() {
			HandleError(func() {
				closeCallback(err)
			})
		}
	}
}

// waitForOnline polls the liveness probe until the server is up.
// After an error a direct redial after `ErrorRetryDelay` races the poll.
// Returns false when the transport is closed.
func (self *Transport) waitForOnline(retryAfterError bool) bool {
	onlineCtx, onlineCancel := context.WithCancel(self.ctx)
	defer onlineCancel()

	online := make(chan struct{})
	go func() {
		if err := self.probe.WaitForOnline(onlineCtx, self.settings.ProbeInterval); err == nil {
			close(online)
		}
	}()

	var retry <-chan time.Time
	if retryAfterError {
		retry = time.After(self.settings.ErrorRetryDelay)
	}

	select {
	case <-self.ctx.Done():
		return false
	case <-online:
		glog.V(1).Infof("[t]online %s\n", self.probe.Url())
		return true
	case <-retry:
		return true
	}
}

func isCleanClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
