package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/store"
)

// Reconnection defaults
const (
	InitialBackoff = 5 * time.Second
	MaxBackoff     = 60 * time.Second
	BackoffFactor  = 2.0
	JitterPercent  = 0.2

	// LongOutageAfter is how long a handle may be down before it reports
	// ConnDisconnected instead of ConnReconnecting.
	LongOutageAfter = 2 * time.Minute

	// Heartbeat defaults
	PingInterval = 30 * time.Second
	PongTimeout  = 10 * time.Second

	HandshakeTimeout = 10 * time.Second
)

// ConnState is the state of a live channel handle.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnDisconnected ConnState = "disconnected"
	ConnClosed       ConnState = "closed"
)

// ReconnectConfig tunes backoff and heartbeat behaviour.
type ReconnectConfig struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Factor          float64
	Jitter          float64
	LongOutageAfter time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
}

// DefaultReconnectConfig returns the production defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialBackoff:  InitialBackoff,
		MaxBackoff:      MaxBackoff,
		Factor:          BackoffFactor,
		Jitter:          JitterPercent,
		LongOutageAfter: LongOutageAfter,
		PingInterval:    PingInterval,
		PongTimeout:     PongTimeout,
	}
}

// readTimeout is how long a read may block before the connection is
// considered dead. Pongs extend it.
func (c ReconnectConfig) readTimeout() time.Duration {
	return c.PingInterval + c.PongTimeout
}

// Conn is the transport connection used by a handle. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials gorilla websocket connections.
type WSDialer struct {
	Header      http.Header
	ReadTimeout time.Duration
}

// Dial connects to url. Pongs received on the connection push the read
// deadline forward by ReadTimeout.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial failed with status %d: %v", store.ErrTransport, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial failed: %v", store.ErrTransport, err)
	}

	if d.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(d.ReadTimeout))
		})
	}

	return conn, nil
}

// Channel opens per-subject live update subscriptions.
type Channel struct {
	baseURL string
	dialer  Dialer
	cfg     ReconnectConfig
	tracker *metrics.Tracker
}

// NewChannel creates a Channel dialing subscriptions under baseURL.
func NewChannel(baseURL string, dialer Dialer, cfg ReconnectConfig, tracker *metrics.Tracker) *Channel {
	if dialer == nil {
		dialer = WSDialer{ReadTimeout: cfg.readTimeout()}
	}
	return &Channel{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dialer:  dialer,
		cfg:     cfg,
		tracker: tracker,
	}
}

// SubscriptionURL returns the endpoint for subject.
func (c *Channel) SubscriptionURL(subject store.Subject) string {
	return c.baseURL + "/ws/monitor/" + url.PathEscape(string(subject))
}

// Open starts a subscription for subject. Connecting happens in the
// background and is retried until the handle is closed.
func (c *Channel) Open(subject store.Subject) *Handle {
	return c.OpenFunc(subject, nil)
}

// OpenFunc is Open with the event callback installed before the first dial,
// so no early frame is dropped.
func (c *Channel) OpenFunc(subject store.Subject, onEvent func(Event)) *Handle {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		subject: subject,
		url:     c.SubscriptionURL(subject),
		dialer:  c.dialer,
		cfg:     c.cfg,
		tracker: c.tracker,
		ctx:     ctx,
		cancel:  cancel,
		backoff: c.cfg.InitialBackoff,
		state:   ConnConnecting,
		onEvent: onEvent,
	}
	c.tracker.SetConnectionStatus(string(subject), string(ConnConnecting))

	h.wg.Add(1)
	go h.runLoop()

	return h
}

// Handle is one logical subscription. Events are delivered to the callback
// in arrival order from a single goroutine.
type Handle struct {
	subject store.Subject
	url     string
	dialer  Dialer
	cfg     ReconnectConfig
	tracker *metrics.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conn   Conn

	stateMu   sync.RWMutex
	state     ConnState
	downSince time.Time

	cbMu    sync.RWMutex
	onEvent func(Event)

	closeOnce sync.Once

	// owned by runLoop
	backoff  time.Duration
	attempts int
}

// OnEvent sets the callback for parsed events. Frames arriving before a
// callback is set are dropped.
func (h *Handle) OnEvent(fn func(Event)) {
	h.cbMu.Lock()
	h.onEvent = fn
	h.cbMu.Unlock()
}

// Subject returns the subject this handle subscribes for.
func (h *Handle) Subject() store.Subject {
	return h.subject
}

// State returns the current connection state.
func (h *Handle) State() ConnState {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()

	if h.state == ConnReconnecting && !h.downSince.IsZero() &&
		h.cfg.LongOutageAfter > 0 && time.Since(h.downSince) > h.cfg.LongOutageAfter {
		return ConnDisconnected
	}
	return h.state
}

// Connected reports whether the transport is currently up.
func (h *Handle) Connected() bool {
	return h.State() == ConnConnected
}

// Close stops the subscription. It is idempotent, cancels any pending
// reconnect and returns only after the reader goroutine has exited, so no
// callback runs after Close returns. Close must not be called from inside the
// event callback.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		h.closeConnection()
		h.wg.Wait()
		h.setState(ConnClosed)
		slog.Info("ws_closed", "subject", h.subject.Short())
	})
	return nil
}

// runLoop handles connection, reading, and reconnection.
func (h *Handle) runLoop() {
	defer h.wg.Done()

	for {
		if h.ctx.Err() != nil {
			slog.Debug("ws_loop_stopping", "subject", h.subject.Short(), "reason", "closed")
			return
		}

		if h.attempts > 0 {
			h.tracker.IncrementReconnects()
		}
		h.attempts++

		conn, err := h.connect()
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			slog.Warn("ws_connect_failed", "subject", h.subject.Short(), "error", err, "backoff", h.backoff)
			h.markDown()
			if !h.waitBackoff() {
				return
			}
			continue
		}

		// Read messages until error
		if err := h.readLoop(conn); err != nil && h.ctx.Err() == nil {
			slog.Warn("ws_read_error", "subject", h.subject.Short(), "error", err)
		}

		h.closeConnection()

		if h.ctx.Err() != nil {
			return
		}
		h.markDown()
		if !h.waitBackoff() {
			return
		}
	}
}

// connect establishes the transport connection.
func (h *Handle) connect() (Conn, error) {
	conn, err := h.dialer.Dial(h.ctx, h.url)
	if err != nil {
		return nil, err
	}

	h.connMu.Lock()
	if h.ctx.Err() != nil {
		// Close won the race; do not keep the connection.
		h.connMu.Unlock()
		conn.Close()
		return nil, h.ctx.Err()
	}
	h.conn = conn
	h.connMu.Unlock()

	// Reset backoff on successful connection
	h.backoff = h.cfg.InitialBackoff

	h.stateMu.Lock()
	h.state = ConnConnected
	h.downSince = time.Time{}
	h.stateMu.Unlock()
	h.tracker.SetConnectionStatus(string(h.subject), string(ConnConnected))

	slog.Info("ws_connected", "subject", h.subject.Short(), "endpoint", h.url)

	return conn, nil
}

// readLoop reads frames until the connection fails or the handle closes.
func (h *Handle) readLoop(conn Conn) error {
	stopPing := make(chan struct{})
	defer close(stopPing)

	if h.cfg.PingInterval > 0 {
		h.wg.Add(1)
		go h.pingLoop(conn, stopPing)
	}

	for {
		if h.cfg.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(h.cfg.readTimeout()))
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read error: %v", store.ErrTransport, err)
		}

		if h.ctx.Err() != nil {
			return nil
		}

		h.handleMessage(message)
	}
}

// handleMessage parses a frame and dispatches it to the callback.
func (h *Handle) handleMessage(data []byte) {
	ev, ok, err := ParseEvent(data, time.Now())
	if err != nil {
		slog.Debug("ws_parse_error", "subject", h.subject.Short(), "error", err, "raw", truncate(string(data), 200))
		return
	}
	if !ok {
		slog.Debug("ws_message_ignored", "subject", h.subject.Short(), "type", ev.Type)
		return
	}

	h.cbMu.RLock()
	fn := h.onEvent
	h.cbMu.RUnlock()

	if fn == nil {
		slog.Debug("ws_event_dropped", "subject", h.subject.Short(), "reason", "no callback")
		return
	}
	fn(ev)
}

// pingLoop keeps the connection alive while it is being read.
func (h *Handle) pingLoop(conn Conn, stop <-chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.PongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					slog.Warn("ws_ping_failed", "subject", h.subject.Short(), "error", err)
				}
				conn.Close()
				return
			}
		}
	}
}

// markDown records that the transport is down and a reconnect is pending.
func (h *Handle) markDown() {
	h.stateMu.Lock()
	if h.downSince.IsZero() {
		h.downSince = time.Now()
	}
	h.state = ConnReconnecting
	h.stateMu.Unlock()

	h.tracker.SetConnectionStatus(string(h.subject), string(h.State()))
}

func (h *Handle) setState(s ConnState) {
	h.stateMu.Lock()
	h.state = s
	h.stateMu.Unlock()
	h.tracker.SetConnectionStatus(string(h.subject), string(s))
}

// closeConnection safely closes the transport connection.
func (h *Handle) closeConnection() {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
		slog.Info("ws_disconnected", "subject", h.subject.Short())
	}
}

// waitBackoff waits for the backoff duration with jitter. It returns false
// when the handle was closed while waiting.
func (h *Handle) waitBackoff() bool {
	jitter := time.Duration(float64(h.backoff) * h.cfg.Jitter * (rand.Float64()*2 - 1))
	wait := h.backoff + jitter

	slog.Debug("ws_waiting_backoff", "subject", h.subject.Short(), "duration", wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-h.ctx.Done():
		return false
	case <-timer.C:
	}

	// Increase backoff for next attempt
	factor := h.cfg.Factor
	if factor < 1 {
		factor = 1
	}
	h.backoff = time.Duration(float64(h.backoff) * factor)
	if h.cfg.MaxBackoff > 0 && h.backoff > h.cfg.MaxBackoff {
		h.backoff = h.cfg.MaxBackoff
	}
	return true
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
