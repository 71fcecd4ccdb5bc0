package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradepilot/companion/internal/clock"
	"github.com/tradepilot/companion/internal/detector"
	"github.com/tradepilot/companion/internal/ingest"
	"github.com/tradepilot/companion/internal/store"
)

const subject store.Subject = "0x1234567890abcdef1234567890abcdef12345678"

type fakeBackend struct {
	mu            sync.Mutex
	started       []store.Subject
	stopped       []store.Subject
	addErr        error
	addEntered    chan struct{}
	addGate       chan struct{}
	addedAlerts   []store.PriceAlert
	removedAlerts []string
	health        store.HealthSnapshot
	positions     []store.Position
}

func (b *fakeBackend) StartMonitoring(ctx context.Context, s store.Subject) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, s)
	return nil
}

func (b *fakeBackend) StopMonitoring(ctx context.Context, s store.Subject) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, s)
	return nil
}

func (b *fakeBackend) AddAlert(ctx context.Context, s store.Subject, alert store.PriceAlert) (string, error) {
	if b.addGate != nil {
		b.addEntered <- struct{}{}
		<-b.addGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addErr != nil {
		return "", b.addErr
	}
	b.addedAlerts = append(b.addedAlerts, alert)
	return "remote_" + alert.ID, nil
}

func (b *fakeBackend) reject(err error) {
	b.mu.Lock()
	b.addErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) RemoveAlert(ctx context.Context, s store.Subject, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removedAlerts = append(b.removedAlerts, id)
	return nil
}

func (b *fakeBackend) FetchHealth(ctx context.Context, s store.Subject) (store.HealthSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health, nil
}

func (b *fakeBackend) FetchPositions(ctx context.Context, s store.Subject) ([]store.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions, nil
}

func (b *fakeBackend) removed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.removedAlerts...)
}

type fakePrices struct {
	mu    sync.Mutex
	price decimal.Decimal
}

func (p *fakePrices) set(v string) {
	p.mu.Lock()
	p.price = decimal.RequireFromString(v)
	p.mu.Unlock()
}

func (p *fakePrices) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, nil
}

// pipeConn is a live channel connection fed by the test.
type pipeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.TextMessage, f, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *pipeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *pipeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type pipeDialer struct{ conn *pipeConn }

func (d pipeDialer) Dial(ctx context.Context, url string) (ingest.Conn, error) {
	return d.conn, nil
}

type fixture struct {
	mon     *Monitor
	backend *fakeBackend
	prices  *fakePrices
	conn    *pipeConn
	clk     *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := &pipeConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
	cfg := ingest.DefaultReconnectConfig()
	cfg.PingInterval = 0
	channel := ingest.NewChannel("ws://backend", pipeDialer{conn}, cfg, nil)

	f := &fixture{
		backend: &fakeBackend{
			health: store.HealthSnapshot{Status: store.HealthHealthy, ActiveMonitors: 1},
			positions: []store.Position{
				{ID: "p1", Asset: "AVAX", PnL: decimal.NewFromInt(150)},
			},
		},
		prices: &fakePrices{price: decimal.NewFromInt(25)},
		conn:   conn,
		clk:    clock.NewManual(time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC)),
	}
	f.mon = New(f.backend, f.prices, channel, Config{
		HealthInterval:   30 * time.Second,
		PositionInterval: 10 * time.Second,
		PriceInterval:    15 * time.Second,
		Clock:            f.clk,
	}, nil)

	t.Cleanup(func() { f.mon.Close(context.Background()) })
	return f
}

func TestStartMonitoringWiresPollersAndChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mon.StartMonitoring(ctx, subject))
	require.NoError(t, f.mon.StartMonitoring(ctx, subject), "idempotent")
	assert.Equal(t, []store.Subject{subject}, f.backend.started)

	require.Eventually(t, func() bool { _, _, ok := f.mon.Health(subject); return ok }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { _, _, ok := f.mon.Positions(subject); return ok }, time.Second, time.Millisecond)

	positions, status, _ := f.mon.Positions(subject)
	assert.True(t, status.Running)
	require.Len(t, positions, 1)
	assert.Equal(t, "p1", positions[0].ID)

	require.Eventually(t, func() bool { return f.mon.Connection(subject) == ingest.ConnConnected }, time.Second, time.Millisecond)
	f.conn.frames <- []byte(`{"type":"notification","data":{"type":"liquidation_risk","message":"close to liquidation","priority":"critical"}}`)

	bus := f.mon.Bus(subject)
	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, time.Millisecond)
	n := bus.List()[0]
	assert.Equal(t, store.NotifyLiquidationRisk, n.Type)
	assert.Equal(t, store.PriorityCritical, n.Priority)
}

func TestStopMonitoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mon.StartMonitoring(ctx, subject))
	require.NoError(t, f.mon.StopMonitoring(ctx, subject))
	require.NoError(t, f.mon.StopMonitoring(ctx, subject))

	assert.Equal(t, []store.Subject{subject}, f.backend.stopped)
	assert.Equal(t, ingest.ConnClosed, f.mon.Connection(subject))
	assert.False(t, f.mon.Monitoring(subject))
	_, status, _ := f.mon.Health(subject)
	assert.False(t, status.Running)
	assert.Equal(t, 0, f.clk.ActiveTickers())
}

func TestRefreshFollowsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.mon.Refresh(ctx, subject), ingest.ErrPollerStopped)

	require.NoError(t, f.mon.StartMonitoring(ctx, subject))
	require.NoError(t, f.mon.Refresh(ctx, subject))

	require.NoError(t, f.mon.StopMonitoring(ctx, subject))
	assert.ErrorIs(t, f.mon.Refresh(ctx, subject), ingest.ErrPollerStopped)
}

func TestPriceTickFiresAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mon.StartMonitoring(ctx, subject))
	require.Eventually(t, func() bool { _, _, ok := f.mon.Price(subject); return ok }, time.Second, time.Millisecond)

	id, err := f.mon.AddAlert(ctx, subject, detector.AlertSpec{
		PriceLevel: decimal.NewFromInt(30),
		Direction:  store.DirectionAbove,
	})
	require.NoError(t, err)
	require.Len(t, f.mon.Alerts(subject), 1)

	f.prices.set("31.5")
	f.clk.Advance(15 * time.Second)

	bus := f.mon.Bus(subject)
	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, time.Millisecond)

	n := bus.List()[0]
	assert.Equal(t, store.NotifySystemAlert, n.Type)
	assert.Equal(t, store.PriorityHigh, n.Priority)
	assert.Equal(t, "Price Alert: AVAX price above $30", n.Message)
	assert.Empty(t, f.mon.Alerts(subject))
	require.Eventually(t, func() bool { return len(f.backend.removed()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "remote_"+id, f.backend.removed()[0])
}

func TestAddAlertRejectedRollsBack(t *testing.T) {
	f := newFixture(t)
	f.backend.addErr = &store.RemoteRejection{Status: 400, Reason: "Invalid alert type"}

	_, err := f.mon.AddAlert(context.Background(), subject, detector.AlertSpec{
		PriceLevel: decimal.NewFromInt(20),
		Direction:  store.DirectionBelow,
	})

	var rej *store.RemoteRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Invalid alert type", rej.Reason)
	assert.Empty(t, f.mon.Alerts(subject))
}

type addResult struct {
	id  string
	err error
}

// addAlertBlocked starts AddAlert for an above-20 alert while the price is 25
// and returns once the backend call is in flight.
func addAlertBlocked(t *testing.T, f *fixture) <-chan addResult {
	t.Helper()

	f.backend.addEntered = make(chan struct{})
	f.backend.addGate = make(chan struct{})

	done := make(chan addResult, 1)
	go func() {
		id, err := f.mon.AddAlert(context.Background(), subject, detector.AlertSpec{
			PriceLevel: decimal.NewFromInt(20),
			Direction:  store.DirectionAbove,
		})
		done <- addResult{id, err}
	}()

	select {
	case <-f.backend.addEntered:
	case <-time.After(time.Second):
		t.Fatal("backend call not started")
	}
	return done
}

// tickPrice advances one price interval and waits for the new price to land.
func tickPrice(t *testing.T, f *fixture, price string) {
	t.Helper()
	f.prices.set(price)
	f.clk.Advance(15 * time.Second)
	want := decimal.RequireFromString(price)
	require.Eventually(t, func() bool {
		p, _, _ := f.mon.Price(subject)
		return p.Equal(want)
	}, time.Second, time.Millisecond)
}

func TestAlertNotFiredWhileBackendRejects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.StartMonitoring(context.Background(), subject))
	require.Eventually(t, func() bool { _, _, ok := f.mon.Price(subject); return ok }, time.Second, time.Millisecond)

	done := addAlertBlocked(t, f)
	tickPrice(t, f, "25.5")

	f.backend.reject(&store.RemoteRejection{Status: 400, Reason: "Invalid alert type"})
	close(f.backend.addGate)

	res := <-done
	var rej *store.RemoteRejection
	require.ErrorAs(t, res.err, &rej)

	tickPrice(t, f, "26")
	bus := f.mon.Bus(subject)
	assert.Never(t, func() bool { return bus.Len() > 0 }, 50*time.Millisecond, time.Millisecond)
	assert.Empty(t, f.mon.Alerts(subject))
	assert.Empty(t, f.backend.removed())
}

func TestAlertAcceptedDuringTickKeepsRemoteCopyInSync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.StartMonitoring(context.Background(), subject))
	require.Eventually(t, func() bool { _, _, ok := f.mon.Price(subject); return ok }, time.Second, time.Millisecond)

	done := addAlertBlocked(t, f)
	tickPrice(t, f, "25.5")
	assert.Empty(t, f.mon.Alerts(subject), "pending alert is not listed")

	close(f.backend.addGate)
	res := <-done
	require.NoError(t, res.err)

	f.clk.Advance(15 * time.Second)

	bus := f.mon.Bus(subject)
	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(f.backend.removed()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"remote_" + res.id}, f.backend.removed())
	assert.Equal(t, res.id, bus.List()[0].Data["alert_id"])
}

func TestAddAlertInvalidLevel(t *testing.T) {
	f := newFixture(t)

	_, err := f.mon.AddAlert(context.Background(), subject, detector.AlertSpec{
		PriceLevel: decimal.NewFromInt(-1),
		Direction:  store.DirectionAbove,
	})
	assert.ErrorIs(t, err, store.ErrInvalidAlertSpec)
	assert.Empty(t, f.backend.addedAlerts)
}

func TestRemoveAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mon.AddAlert(ctx, subject, detector.AlertSpec{
		PriceLevel: decimal.NewFromInt(20),
		Direction:  store.DirectionBelow,
	})
	require.NoError(t, err)

	require.NoError(t, f.mon.RemoveAlert(ctx, subject, id))
	assert.Equal(t, []string{"remote_" + id}, f.backend.removed())
	assert.ErrorIs(t, f.mon.RemoveAlert(ctx, subject, id), ErrUnknownAlert)
}

func TestSubjectsAreIsolated(t *testing.T) {
	f := newFixture(t)

	_, err := f.mon.AddAlert(context.Background(), subject, detector.AlertSpec{
		PriceLevel: decimal.NewFromInt(1),
		Direction:  store.DirectionAbove,
	})
	require.NoError(t, err)

	assert.Empty(t, f.mon.Alerts("0xother"))
	assert.NotSame(t, f.mon.Bus(subject), f.mon.Bus("0xother"))
}
