// Package detector evaluates user-defined price alerts against price ticks.
package detector

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/store"
)

// maxExpiryHours bounds expiry so the resulting duration cannot overflow.
const maxExpiryHours = 24 * 365 * 10

// AlertAsset is the asset whose price the alerts watch.
const AlertAsset = "AVAX"

// AlertSpec is a request to create a price alert.
type AlertSpec struct {
	PriceLevel decimal.Decimal
	Direction  store.Direction

	// ExpiryHours is nil or 0 for an alert that never expires
	ExpiryHours *float64
}

// Validate checks the spec and wraps store.ErrInvalidAlertSpec on failure.
func (s AlertSpec) Validate() error {
	if !s.PriceLevel.IsPositive() {
		return fmt.Errorf("%w: price level must be positive, got %s", store.ErrInvalidAlertSpec, s.PriceLevel)
	}

	if s.Direction != store.DirectionAbove && s.Direction != store.DirectionBelow {
		return fmt.Errorf("%w: direction must be above or below, got %q", store.ErrInvalidAlertSpec, s.Direction)
	}

	if s.ExpiryHours != nil {
		h := *s.ExpiryHours
		if math.IsNaN(h) || math.IsInf(h, 0) || h < 0 {
			return fmt.Errorf("%w: expiry hours must be a non-negative number", store.ErrInvalidAlertSpec)
		}
		if h > maxExpiryHours {
			return fmt.Errorf("%w: expiry hours must be at most %d", store.ErrInvalidAlertSpec, maxExpiryHours)
		}
	}

	return nil
}

// expiry returns the absolute expiry for an alert created at now.
func (s AlertSpec) expiry(now time.Time) *time.Time {
	if s.ExpiryHours == nil || *s.ExpiryHours == 0 {
		return nil
	}
	t := now.Add(time.Duration(*s.ExpiryHours * float64(time.Hour)))
	return &t
}

// ParseAlertSpec builds a spec from raw form input. An empty expiry means the
// alert never expires.
func ParseAlertSpec(price, direction, expiryHours string) (AlertSpec, error) {
	var spec AlertSpec

	level, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return spec, fmt.Errorf("%w: price level %q is not a number", store.ErrInvalidAlertSpec, price)
	}
	spec.PriceLevel = level
	spec.Direction = store.Direction(strings.ToLower(strings.TrimSpace(direction)))

	if s := strings.TrimSpace(expiryHours); s != "" {
		h, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return spec, fmt.Errorf("%w: expiry hours %q is not a number", store.ErrInvalidAlertSpec, expiryHours)
		}
		spec.ExpiryHours = &h
	}

	return spec, spec.Validate()
}

// AlertEngine holds price alerts per subject. Only armed alerts are
// evaluated.
type AlertEngine struct {
	mu      sync.Mutex
	alerts  map[store.Subject][]*store.PriceAlert
	tracker *metrics.Tracker
}

// NewAlertEngine creates an empty AlertEngine.
func NewAlertEngine(tracker *metrics.Tracker) *AlertEngine {
	return &AlertEngine{
		alerts:  make(map[store.Subject][]*store.PriceAlert),
		tracker: tracker,
	}
}

// AddAlert validates spec and arms a new alert for subject.
func (e *AlertEngine) AddAlert(subject store.Subject, spec AlertSpec, now time.Time) (string, error) {
	alert, err := e.add(subject, spec, now, true)
	return alert.ID, err
}

// AddPending validates spec and stores a disarmed alert for subject. It is
// not evaluated until Arm is called.
func (e *AlertEngine) AddPending(subject store.Subject, spec AlertSpec, now time.Time) (store.PriceAlert, error) {
	return e.add(subject, spec, now, false)
}

// Arm enables a pending alert. It reports false if the alert is gone.
func (e *AlertEngine) Arm(subject store.Subject, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, alert := range e.alerts[subject] {
		if alert.ID == id {
			alert.Armed = true
			return true
		}
	}
	return false
}

func (e *AlertEngine) add(subject store.Subject, spec AlertSpec, now time.Time, armed bool) (store.PriceAlert, error) {
	if subject == "" {
		return store.PriceAlert{}, fmt.Errorf("%w: subject is required", store.ErrInvalidAlertSpec)
	}
	if err := spec.Validate(); err != nil {
		return store.PriceAlert{}, err
	}

	alert := &store.PriceAlert{
		ID:         "alert_" + uuid.NewString(),
		Subject:    subject,
		PriceLevel: spec.PriceLevel,
		Direction:  spec.Direction,
		Expiry:     spec.expiry(now),
		Armed:      armed,
		CreatedAt:  now,
	}

	e.mu.Lock()
	e.alerts[subject] = append(e.alerts[subject], alert)
	e.mu.Unlock()

	return *alert, nil
}

// Evaluate fires every armed alert of subject whose condition holds at price.
// Fired alerts are removed before they are returned, so a repeated evaluation
// at the same price fires nothing. Alerts past their expiry are dropped
// without firing.
func (e *AlertEngine) Evaluate(subject store.Subject, price decimal.Decimal, now time.Time) []store.PriceAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []store.PriceAlert
	kept := e.alerts[subject][:0]

	for _, alert := range e.alerts[subject] {
		switch {
		case alert.Expired(now):
		case alert.Armed && alert.Crossed(price):
			alert.Armed = false
			fired = append(fired, *alert)
		default:
			kept = append(kept, alert)
		}
	}

	e.store(subject, kept)
	e.tracker.IncrementAlertsFired(len(fired))

	return fired
}

// RemoveExpired silently drops the alerts of subject that expired before now.
func (e *AlertEngine) RemoveExpired(subject store.Subject, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	alerts := e.alerts[subject]
	kept := alerts[:0]
	for _, alert := range alerts {
		if !alert.Expired(now) {
			kept = append(kept, alert)
		}
	}
	removed := len(alerts) - len(kept)

	e.store(subject, kept)
	return removed
}

// RemoveAlert deletes one alert. It reports whether the alert existed.
func (e *AlertEngine) RemoveAlert(subject store.Subject, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	alerts := e.alerts[subject]
	for i, alert := range alerts {
		if alert.ID == id {
			e.store(subject, append(alerts[:i], alerts[i+1:]...))
			return true
		}
	}
	return false
}

// Alerts returns a copy of the armed alerts of subject in creation order.
func (e *AlertEngine) Alerts(subject store.Subject) []store.PriceAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]store.PriceAlert, 0, len(e.alerts[subject]))
	for _, alert := range e.alerts[subject] {
		if alert.Armed {
			out = append(out, *alert)
		}
	}
	return out
}

// store replaces the alert list of subject. Must be called with lock held.
func (e *AlertEngine) store(subject store.Subject, alerts []*store.PriceAlert) {
	if len(alerts) == 0 {
		delete(e.alerts, subject)
		return
	}
	e.alerts[subject] = alerts
}

// FiredNotification builds the notification emitted for a fired alert.
func FiredNotification(alert store.PriceAlert, price decimal.Decimal, now time.Time) store.Notification {
	return store.Notification{
		ID:       "notif_" + uuid.NewString(),
		Type:     store.NotifySystemAlert,
		Message:  fmt.Sprintf("Price Alert: %s price %s $%s", AlertAsset, alert.Direction, alert.PriceLevel.String()),
		Priority: store.PriorityHigh,
		Data: map[string]any{
			"alert_id":      alert.ID,
			"current_price": price.String(),
			"price_level":   alert.PriceLevel.String(),
			"direction":     string(alert.Direction),
		},
		Timestamp: now,
	}
}
