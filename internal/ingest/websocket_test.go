package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradepilot/companion/internal/store"
)

// fakeConn feeds queued frames to ReadMessage until closed.
type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("eof")
		}
		return websocket.TextMessage, f, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out conns in order, failing when the queue is empty.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func testReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialBackoff:  10 * time.Millisecond,
		MaxBackoff:      40 * time.Millisecond,
		Factor:          2,
		Jitter:          0.2,
		LongOutageAfter: time.Hour,
	}
}

func notificationFrame(id, priority string) []byte {
	return []byte(`{"type":"notification","data":{"id":"` + id + `","type":"pnl_alert","message":"m","priority":"` + priority + `"}}`)
}

func collect(h *Handle) func() []string {
	var mu sync.Mutex
	var ids []string
	h.OnEvent(func(ev Event) {
		mu.Lock()
		ids = append(ids, ev.Notification.ID)
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ids...)
	}
}

func TestHandleDeliversInOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	ch := NewChannel("ws://backend/", dialer, testReconnectConfig(), nil)

	h := ch.Open("0xabc")
	defer h.Close()
	ids := collect(h)

	require.Eventually(t, h.Connected, time.Second, 5*time.Millisecond)

	conn.frames <- notificationFrame("n1", "low")
	conn.frames <- []byte(`{"type":"heartbeat"}`)
	conn.frames <- []byte(`garbage`)
	conn.frames <- notificationFrame("n2", "critical")

	require.Eventually(t, func() bool { return len(ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"n1", "n2"}, ids())

	dialer.mu.Lock()
	assert.Equal(t, "ws://backend/ws/monitor/0xabc", dialer.urls[0])
	dialer.mu.Unlock()
}

func TestHandleReconnectsAfterDrop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	ch := NewChannel("ws://backend", dialer, testReconnectConfig(), nil)

	h := ch.Open("0xabc")
	defer h.Close()
	ids := collect(h)

	require.Eventually(t, h.Connected, time.Second, 5*time.Millisecond)
	first.frames <- notificationFrame("before", "high")
	require.Eventually(t, func() bool { return len(ids()) == 1 }, time.Second, 5*time.Millisecond)

	first.Close()

	require.Eventually(t, func() bool { return dialer.dials.Load() == 2 && h.Connected() }, time.Second, 5*time.Millisecond)
	second.frames <- notificationFrame("after", "high")
	require.Eventually(t, func() bool { return len(ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"before", "after"}, ids())
}

func TestHandleRetriesWhileUnreachable(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel("ws://backend", dialer, testReconnectConfig(), nil)

	h := ch.Open("0xabc")
	require.Eventually(t, func() bool { return dialer.dials.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ConnReconnecting, h.State())
	assert.False(t, h.Connected())

	require.NoError(t, h.Close())
	assert.Equal(t, ConnClosed, h.State())
}

func TestHandleReportsLongOutage(t *testing.T) {
	cfg := testReconnectConfig()
	cfg.LongOutageAfter = 20 * time.Millisecond
	ch := NewChannel("ws://backend", &fakeDialer{}, cfg, nil)

	h := ch.Open("0xabc")
	defer h.Close()

	require.Eventually(t, func() bool { return h.State() == ConnDisconnected }, time.Second, 5*time.Millisecond)
}

func TestCloseStopsCallbacks(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	ch := NewChannel("ws://backend", dialer, testReconnectConfig(), nil)

	h := ch.Open("0xabc")
	var calls atomic.Int32
	h.OnEvent(func(Event) { calls.Add(1) })
	require.Eventually(t, h.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	after := calls.Load()

	select {
	case conn.frames <- notificationFrame("late", "high"):
	default:
	}
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, after, calls.Load())
	assert.Equal(t, ConnClosed, h.State())
	assert.EqualValues(t, 1, dialer.dials.Load(), "no reconnect after close")
}

func TestHandleWithWebsocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, notificationFrame("srv1", "critical"))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testReconnectConfig()
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond
	ch := NewChannel("ws"+strings.TrimPrefix(srv.URL, "http"), nil, cfg, nil)

	events := make(chan Event, 1)
	h := ch.OpenFunc("0xabc", func(ev Event) { events <- ev })
	defer h.Close()

	select {
	case ev := <-events:
		assert.Equal(t, "srv1", ev.Notification.ID)
		assert.Equal(t, store.PriorityCritical, ev.Notification.Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	assert.Equal(t, "/ws/monitor/0xabc", path.Load())

	// Pings keep the otherwise idle connection alive past the read timeout.
	time.Sleep(250 * time.Millisecond)
	assert.True(t, h.Connected())
}
