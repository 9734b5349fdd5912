package connect

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/bringyour/nbsync/protocol"
)

// testServer is a minimal notebook server.
// It answers the liveness probe and the `connect` handshake, and hands every other envelope to `handler`.
type testServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	online atomic.Bool

	stateLock      sync.Mutex
	notebookExists bool
	env            map[string]any
	conns          []*testConn
	connectCount   int
	handler        func(conn *testConn, envelope *protocol.Envelope)
	// returns true when it handled the `connect` itself
	connectHandler func(conn *testConn, envelope *protocol.Envelope, connectCount int) bool

	received chan *protocol.Envelope
}

type testConn struct {
	ws        *websocket.Conn
	writeLock sync.Mutex
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		t:              t,
		notebookExists: true,
		env:            map[string]any{"version": "1.0.0"},
		received:       make(chan *protocol.Envelope, 1024),
	}
	s.online.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		if !s.online.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(LivenessSentinel))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !s.online.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &testConn{ws: ws}
		s.stateLock.Lock()
		s.conns = append(s.conns, conn)
		s.stateLock.Unlock()
		s.serve(conn)
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (self *testServer) Url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + "/ws"
}

func (self *testServer) SetHandler(handler func(conn *testConn, envelope *protocol.Envelope)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handler = handler
}

func (self *testServer) SetConnectHandler(connectHandler func(conn *testConn, envelope *protocol.Envelope, connectCount int) bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connectHandler = connectHandler
}

func (self *testServer) SetNotebookExists(notebookExists bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.notebookExists = notebookExists
}

func (self *testServer) ConnectCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectCount
}

// the connection most recently opened
func (self *testServer) Conn() *testConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.conns) == 0 {
		return nil
	}
	return self.conns[len(self.conns)-1]
}

// Drop closes every connection without a close frame
func (self *testServer) Drop() {
	self.stateLock.Lock()
	conns := self.conns
	self.conns = nil
	self.stateLock.Unlock()

	for _, conn := range conns {
		conn.ws.UnderlyingConn().Close()
	}
}

func (self *testServer) serve(conn *testConn) {
	defer conn.ws.Close()
	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := (&protocol.JsonCodec{}).Decode(message)
		if err != nil {
			self.t.Logf("server decode = %s", err)
			return
		}
		self.received <- envelope

		if envelope.Type == protocol.MessageTypeConnect {
			self.stateLock.Lock()
			self.connectCount += 1
			connectCount := self.connectCount
			connectHandler := self.connectHandler
			result := &protocol.ConnectResult{
				Env:            self.env,
				NotebookExists: self.notebookExists,
			}
			self.stateLock.Unlock()
			if connectHandler != nil && connectHandler(conn, envelope, connectCount) {
				continue
			}
			conn.Reply(envelope, result)
			continue
		}

		self.stateLock.Lock()
		handler := self.handler
		self.stateLock.Unlock()
		if handler != nil {
			handler(conn, envelope)
		}
	}
}

// Next returns the next envelope of the type the server received
func (self *testServer) Next(messageType protocol.MessageType, timeout time.Duration) *protocol.Envelope {
	deadline := time.After(timeout)
	for {
		select {
		case envelope := <-self.received:
			if envelope.Type == messageType {
				return envelope
			}
		case <-deadline:
			return nil
		}
	}
}

func (self *testConn) Send(envelope *protocol.Envelope) error {
	message, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return self.SendRaw(message)
}

func (self *testConn) SendRaw(message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

// Reply answers `request` with a correlated response
func (self *testConn) Reply(request *protocol.Envelope, message protocol.Body) error {
	envelope, err := protocol.NewResponseEnvelope(message)
	if err != nil {
		return err
	}
	envelope.InitiatorId = request.ClientId
	envelope.RequestId = request.RequestId
	envelope.NotebookId = request.NotebookId
	return self.Send(envelope)
}

// Push sends an update caused by `initiatorId`
func (self *testConn) Push(notebookId string, initiatorId string, message protocol.Body) error {
	envelope, err := protocol.NewResponseEnvelope(message)
	if err != nil {
		return err
	}
	envelope.InitiatorId = initiatorId
	envelope.NotebookId = notebookId
	return self.Send(envelope)
}

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.TransportSettings.ProbeInterval = 50 * time.Millisecond
	settings.TransportSettings.ErrorRetryDelay = 20 * time.Millisecond
	settings.TransportSettings.ProbeTimeout = 500 * time.Millisecond
	settings.HandshakeTimeout = 2 * time.Second
	return settings
}

// waitFor polls `condition` until it holds or `timeout` passes
func waitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if deadline.Before(time.Now()) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
