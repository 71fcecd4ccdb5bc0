// Package monitor owns the per-subject monitoring session: the live channel,
// the pollers, the price alerts and the notification bus they feed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradepilot/companion/internal/clock"
	"github.com/tradepilot/companion/internal/detector"
	"github.com/tradepilot/companion/internal/ingest"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/notify"
	"github.com/tradepilot/companion/internal/store"
)

// ErrUnknownAlert is returned for an alert that is no longer held locally.
var ErrUnknownAlert = errors.New("unknown alert")

// Default poll intervals
const (
	DefaultHealthInterval   = 30 * time.Second
	DefaultPositionInterval = 10 * time.Second
	DefaultPriceInterval    = 15 * time.Second

	// remoteCleanupTimeout bounds the backend call made when a local alert fires
	remoteCleanupTimeout = 10 * time.Second
)

// Backend is the monitoring control and data API.
type Backend interface {
	StartMonitoring(ctx context.Context, subject store.Subject) error
	StopMonitoring(ctx context.Context, subject store.Subject) error
	AddAlert(ctx context.Context, subject store.Subject, alert store.PriceAlert) (string, error)
	RemoveAlert(ctx context.Context, subject store.Subject, id string) error
	FetchHealth(ctx context.Context, subject store.Subject) (store.HealthSnapshot, error)
	FetchPositions(ctx context.Context, subject store.Subject) ([]store.Position, error)
}

// PriceSource provides spot prices.
type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// LiveChannel opens live notification subscriptions.
type LiveChannel interface {
	OpenFunc(subject store.Subject, onEvent func(ingest.Event)) *ingest.Handle
}

// Config tunes a Monitor.
type Config struct {
	HealthInterval   time.Duration
	PositionInterval time.Duration
	PriceInterval    time.Duration
	MaxNotifications int
	Clock            clock.Clock
}

// Monitor coordinates monitoring sessions for any number of subjects. No two
// subjects share channel, alert or poll state.
type Monitor struct {
	backend Backend
	channel LiveChannel
	alerts  *detector.AlertEngine
	tracker *metrics.Tracker
	clock   clock.Clock
	cfg     Config

	health    *ingest.Poller[store.HealthSnapshot]
	positions *ingest.Poller[[]store.Position]
	price     *ingest.Poller[decimal.Decimal]

	// opMu serializes StartMonitoring and StopMonitoring
	opMu sync.Mutex

	mu        sync.Mutex
	sessions  map[store.Subject]*ingest.Handle
	buses     map[store.Subject]*notify.Bus
	remoteIDs map[string]string // local alert id -> backend alert id
}

// New creates a Monitor.
func New(backend Backend, prices PriceSource, channel LiveChannel, cfg Config, tracker *metrics.Tracker) *Monitor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = DefaultPositionInterval
	}
	if cfg.PriceInterval <= 0 {
		cfg.PriceInterval = DefaultPriceInterval
	}
	if cfg.MaxNotifications <= 0 {
		cfg.MaxNotifications = notify.DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	m := &Monitor{
		backend:   backend,
		channel:   channel,
		alerts:    detector.NewAlertEngine(tracker),
		tracker:   tracker,
		clock:     cfg.Clock,
		cfg:       cfg,
		sessions:  make(map[store.Subject]*ingest.Handle),
		buses:     make(map[store.Subject]*notify.Bus),
		remoteIDs: make(map[string]string),
	}

	m.health = ingest.NewPoller[store.HealthSnapshot](ingest.SourceHealth, cfg.HealthInterval, backend.FetchHealth, cfg.Clock, tracker)
	m.positions = ingest.NewPoller[[]store.Position](ingest.SourcePositions, cfg.PositionInterval, backend.FetchPositions, cfg.Clock, tracker)
	m.price = ingest.NewPoller[decimal.Decimal](ingest.SourcePrice, cfg.PriceInterval,
		func(ctx context.Context, _ store.Subject) (decimal.Decimal, error) {
			return prices.FetchPrice(ctx, detector.AlertAsset)
		}, cfg.Clock, tracker)
	m.price.OnUpdate(m.onPrice)

	return m
}

// StartMonitoring enables backend monitoring for subject, subscribes to its
// live notifications and starts the pollers. It is a no-op for a subject that
// is already monitored.
func (m *Monitor) StartMonitoring(ctx context.Context, subject store.Subject) error {
	if subject == "" {
		return fmt.Errorf("%w: subject is required", store.ErrInvalidInput)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Monitoring(subject) {
		return nil
	}

	if err := m.backend.StartMonitoring(ctx, subject); err != nil {
		slog.Warn("monitoring_start_failed", "subject", subject.Short(), "error", err)
		return fmt.Errorf("start monitoring: %w", err)
	}

	bus := m.Bus(subject)
	handle := m.channel.OpenFunc(subject, func(ev ingest.Event) {
		bus.Publish(ev.Notification)
	})

	m.mu.Lock()
	m.sessions[subject] = handle
	m.mu.Unlock()

	m.health.Start(subject)
	m.positions.Start(subject)
	m.price.Start(subject)

	slog.Info("monitoring_started", "subject", subject.Short())
	return nil
}

// StopMonitoring stops the pollers, closes the live channel and disables
// backend monitoring. Stopping a subject that is not monitored is a no-op.
func (m *Monitor) StopMonitoring(ctx context.Context, subject store.Subject) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	handle, ok := m.sessions[subject]
	delete(m.sessions, subject)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	m.price.Stop(subject)
	m.positions.Stop(subject)
	m.health.Stop(subject)
	handle.Close()

	slog.Info("monitoring_stopped", "subject", subject.Short())

	if err := m.backend.StopMonitoring(ctx, subject); err != nil {
		return fmt.Errorf("stop monitoring: %w", err)
	}
	return nil
}

// Close stops every session without waiting on the backend for longer than
// ctx allows.
func (m *Monitor) Close(ctx context.Context) error {
	var errs []error
	for _, subject := range m.Subjects() {
		if err := m.StopMonitoring(ctx, subject); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Monitoring reports whether subject has an active session.
func (m *Monitor) Monitoring(subject store.Subject) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[subject]
	return ok
}

// Subjects returns the subjects with an active session.
func (m *Monitor) Subjects() []store.Subject {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]store.Subject, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// AddAlert registers a price alert with the backend and arms it locally once
// the backend accepts. Until then the alert is held disarmed, so a price tick
// during the call cannot fire it. If the backend refuses, the local alert is
// removed again and the backend's error is returned.
func (m *Monitor) AddAlert(ctx context.Context, subject store.Subject, spec detector.AlertSpec) (string, error) {
	alert, err := m.alerts.AddPending(subject, spec, m.clock.Now())
	if err != nil {
		return "", err
	}

	remoteID, err := m.backend.AddAlert(ctx, subject, alert)
	if err != nil {
		m.alerts.RemoveAlert(subject, alert.ID)
		slog.Warn("alert_rejected", "subject", subject.Short(), "alert_id", alert.ID, "error", err)
		return "", err
	}

	// the remote id must be known before the alert can fire
	if remoteID != "" {
		m.mu.Lock()
		m.remoteIDs[alert.ID] = remoteID
		m.mu.Unlock()
	}

	if !m.alerts.Arm(subject, alert.ID) {
		// expired or removed while the backend call was in flight
		m.dropRemote(subject, alert.ID)
		return "", fmt.Errorf("%w: %s", ErrUnknownAlert, alert.ID)
	}

	slog.Info("alert_added",
		"subject", subject.Short(),
		"alert_id", alert.ID,
		"direction", alert.Direction,
		"price_level", alert.PriceLevel.String(),
	)
	return alert.ID, nil
}

// RemoveAlert disarms an alert and removes its backend copy.
func (m *Monitor) RemoveAlert(ctx context.Context, subject store.Subject, id string) error {
	if !m.alerts.RemoveAlert(subject, id) {
		return fmt.Errorf("%w: %s", ErrUnknownAlert, id)
	}

	remoteID, ok := m.takeRemoteID(id)
	if !ok {
		return nil
	}
	if err := m.backend.RemoveAlert(ctx, subject, remoteID); err != nil {
		return fmt.Errorf("remove alert: %w", err)
	}
	return nil
}

// Alerts returns the armed alerts of subject.
func (m *Monitor) Alerts(subject store.Subject) []store.PriceAlert {
	return m.alerts.Alerts(subject)
}

// Bus returns the notification bus of subject, creating it on first use.
// The bus outlives monitoring sessions.
func (m *Monitor) Bus(subject store.Subject) *notify.Bus {
	m.mu.Lock()
	defer m.mu.Unlock()

	bus, ok := m.buses[subject]
	if !ok {
		bus = notify.NewBus(m.cfg.MaxNotifications, m.tracker)
		m.buses[subject] = bus
	}
	return bus
}

// Health returns the latest health snapshot and its freshness.
func (m *Monitor) Health(subject store.Subject) (store.HealthSnapshot, ingest.PollStatus, bool) {
	snap, ok := m.health.Latest(subject)
	return snap, m.health.Status(subject), ok
}

// Positions returns the latest positions and their freshness.
func (m *Monitor) Positions(subject store.Subject) ([]store.Position, ingest.PollStatus, bool) {
	positions, ok := m.positions.Latest(subject)
	return positions, m.positions.Status(subject), ok
}

// Price returns the latest tracked asset price.
func (m *Monitor) Price(subject store.Subject) (decimal.Decimal, ingest.PollStatus, bool) {
	price, ok := m.price.Latest(subject)
	return price, m.price.Status(subject), ok
}

// Connection returns the live channel state of subject.
func (m *Monitor) Connection(subject store.Subject) ingest.ConnState {
	m.mu.Lock()
	handle, ok := m.sessions[subject]
	m.mu.Unlock()

	if !ok {
		return ingest.ConnClosed
	}
	return handle.State()
}

// Refresh reloads positions for subject immediately. It fails with
// ingest.ErrPollerStopped when subject is not monitored.
func (m *Monitor) Refresh(ctx context.Context, subject store.Subject) error {
	return m.positions.Refresh(ctx, subject)
}

// onPrice runs on every successful price sample: expired alerts are dropped,
// then crossed alerts fire in creation order.
func (m *Monitor) onPrice(subject store.Subject, price decimal.Decimal) {
	now := m.clock.Now()

	if n := m.alerts.RemoveExpired(subject, now); n > 0 {
		slog.Info("alerts_expired", "subject", subject.Short(), "count", n)
	}

	fired := m.alerts.Evaluate(subject, price, now)
	if len(fired) == 0 {
		return
	}

	bus := m.Bus(subject)
	for _, alert := range fired {
		n := detector.FiredNotification(alert, price, now)
		bus.Publish(n)

		slog.Info("alert_fired",
			"subject", subject.Short(),
			"alert_id", alert.ID,
			"direction", alert.Direction,
			"price_level", alert.PriceLevel.String(),
			"price", price.String(),
		)

		// The backend would fire its copy too.
		m.dropRemote(subject, alert.ID)
	}
}

// dropRemote removes the backend copy of a local alert, if one was recorded.
// Failures are only logged.
func (m *Monitor) dropRemote(subject store.Subject, id string) {
	remoteID, ok := m.takeRemoteID(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteCleanupTimeout)
	defer cancel()
	if err := m.backend.RemoveAlert(ctx, subject, remoteID); err != nil {
		slog.Debug("remote_alert_cleanup_failed", "alert_id", id, "error", err)
	}
}

func (m *Monitor) takeRemoteID(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remoteID, ok := m.remoteIDs[id]
	delete(m.remoteIDs, id)
	return remoteID, ok
}
