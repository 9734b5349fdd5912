package connect

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/h2non/gock"
)

func TestProbeUrl(t *testing.T) {
	probeUrl, err := ProbeUrl("ws://localhost:1234/ws?secret=abc")
	assert.Equal(t, err, nil)
	assert.Equal(t, probeUrl, "http://localhost:1234/ping?secret=abc")

	probeUrl, err = ProbeUrl("wss://notebook.test/a/b")
	assert.Equal(t, err, nil)
	assert.Equal(t, probeUrl, "https://notebook.test/a/ping")

	probeUrl, err = ProbeUrl("wss://notebook.test/")
	assert.Equal(t, err, nil)
	assert.Equal(t, probeUrl, "https://notebook.test/ping")

	_, err = ProbeUrl("ftp://notebook.test/")
	assert.NotEqual(t, err, nil)
}

func TestLivenessProbe(t *testing.T) {
	defer gock.Off()

	ctx := context.Background()
	probe := NewLivenessProbe("http://notebook.test/ping", http.Header{"X-Client-Version": []string{"1"}}, time.Second)
	gock.InterceptClient(probe.client)
	defer gock.RestoreClient(probe.client)

	gock.New("http://notebook.test").
		Get("/ping").
		MatchHeader("X-Client-Version", "1").
		Reply(200).
		BodyString("OK!\n")
	assert.Equal(t, probe.Healthy(ctx), true)

	// any other content is not ready
	gock.New("http://notebook.test").
		Get("/ping").
		Reply(200).
		BodyString("starting")
	assert.Equal(t, probe.Healthy(ctx), false)

	gock.New("http://notebook.test").
		Get("/ping").
		Reply(503).
		BodyString("OK!")
	assert.Equal(t, probe.Healthy(ctx), false)

	// no server
	assert.Equal(t, probe.Healthy(ctx), false)

	assert.Equal(t, gock.IsDone(), true)
}

func TestLivenessProbeWaitForOnline(t *testing.T) {
	defer gock.Off()

	probe := NewLivenessProbe("http://notebook.test/ping", nil, time.Second)
	gock.InterceptClient(probe.client)
	defer gock.RestoreClient(probe.client)

	gock.New("http://notebook.test").
		Get("/ping").
		Times(2).
		Reply(503)
	gock.New("http://notebook.test").
		Get("/ping").
		Reply(200).
		BodyString("OK!")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := probe.WaitForOnline(ctx, 10*time.Millisecond)
	assert.Equal(t, err, nil)
	assert.Equal(t, gock.IsDone(), true)

	// gives up with the context
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	err = probe.WaitForOnline(ctx2, 10*time.Millisecond)
	assert.Equal(t, err, context.DeadlineExceeded)
}

func TestIsCleanClose(t *testing.T) {
	assert.Equal(t, isCleanClose(nil), true)
	assert.Equal(t, isCleanClose(context.Canceled), true)
	assert.Equal(t, isCleanClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}), true)
	assert.Equal(t, isCleanClose(&websocket.CloseError{Code: websocket.CloseGoingAway}), true)
	assert.Equal(t, isCleanClose(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}), false)
	assert.Equal(t, isCleanClose(errors.New("read: connection reset")), false)
	assert.Equal(t, isCleanClose(&ProtocolDecodeError{Err: errors.New("bad")}), false)
}

func TestTransportSendWhenDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewTransportWithDefaults(ctx, "ws://127.0.0.1:1/ws", nil)
	defer transport.Close()

	assert.Equal(t, transport.State(), TransportStateDisconnected)
	assert.Equal(t, transport.Send([]byte("x")), false)
	assert.Equal(t, transport.Fail(errors.New("x")), false)
	assert.Equal(t, transport.FailConnection(1, errors.New("x")), false)
	assert.Equal(t, transport.Probe().Url(), "http://127.0.0.1:1/ping")
}

func TestTransportReceiveAndClose(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testSessionSettings().TransportSettings
	transport := NewTransport(ctx, server.Url(), nil, settings)

	type openedConnection struct {
		ctx context.Context
		id  uint64
	}
	opened := make(chan openedConnection, 4)
	closed := make(chan error, 4)
	received := make(chan []byte, 4)
	transport.AddOpenCallback(func(connectionCtx context.Context, connectionId uint64) {
		opened <- openedConnection{ctx: connectionCtx, id: connectionId}
	})
	transport.AddCloseCallback(func(err error) {
		closed <- err
	})
	transport.AddReceiveCallback(func(message []byte) {
		received <- message
	})

	transport.Connect()
	// a second connect has no effect
	transport.Connect()

	var first openedConnection
	select {
	case first = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("not opened")
	}
	assert.Equal(t, transport.State(), TransportStateOpen)
	assert.Equal(t, first.ctx.Err(), nil)

	assert.Equal(t, waitFor(time.Second, func() bool {
		return server.Conn() != nil
	}), true)
	server.Conn().SendRaw([]byte("a"))
	server.Conn().SendRaw([]byte("b"))
	assert.Equal(t, string(<-received), "a")
	assert.Equal(t, string(<-received), "b")

	// a clean close from the server is still a disconnect
	conn := server.Conn()
	conn.writeLock.Lock()
	conn.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.writeLock.Unlock()

	select {
	case err := <-closed:
		assert.Equal(t, isCleanClose(err), true)
	case <-time.After(5 * time.Second):
		t.Fatal("not closed")
	}

	// the connection ctx ends with the connection
	select {
	case <-first.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("connection ctx not done")
	}

	// and reconnects once the probe succeeds
	var second openedConnection
	select {
	case second = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("not reopened")
	}
	assert.NotEqual(t, second.id, first.id)

	// failing the ended connection does not touch the open one
	assert.Equal(t, transport.FailConnection(first.id, errors.New("stale")), false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, transport.State(), TransportStateOpen)
	assert.Equal(t, second.ctx.Err(), nil)
	select {
	case err := <-closed:
		t.Fatalf("unexpected close %s", err)
	default:
	}

	transport.SetCloseCallbacksEnabled(false)
	transport.Close()
	select {
	case err := <-closed:
		t.Fatalf("unexpected close callback %s", err)
	case <-time.After(100 * time.Millisecond):
	}
}
