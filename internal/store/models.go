// Package store provides the data models shared by the companion core.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Subject identifies the wallet whose state is being tracked.
// No two subjects share channel, alert or poll state.
type Subject string

// Short returns a shortened form of the subject for logs and display.
func (s Subject) Short() string {
	if len(s) <= 12 {
		return string(s)
	}
	return string(s[:6]) + "..." + string(s[len(s)-4:])
}

// Priority classifies how prominently a notification should be surfaced.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Urgent reports whether the priority warrants a transient alert on top of
// the regular list entry.
func (p Priority) Urgent() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Notification types emitted by the backend and the alert engine.
const (
	NotifyPositionUpdate  = "position_update"
	NotifyOrderExecuted   = "order_executed"
	NotifyOrderCancelled  = "order_cancelled"
	NotifyLiquidationRisk = "liquidation_risk"
	NotifyPnLAlert        = "pnl_alert"
	NotifyFundingRate     = "funding_rate"
	NotifySystemAlert     = "system_alert"
)

// Notification is a single event shown to the user. It is never mutated
// after construction.
type Notification struct {
	// ID is assigned by the producer; it may be empty for server events
	ID string `json:"id,omitempty"`

	// Type is one of the Notify* constants (unknown types are kept as-is)
	Type string `json:"type"`

	// Message is the human-readable text
	Message string `json:"message"`

	// Priority drives toast/banner behaviour in the front-end
	Priority Priority `json:"priority"`

	// Data carries optional structured context
	Data map[string]any `json:"data,omitempty"`

	// Timestamp is when the event was produced
	Timestamp time.Time `json:"timestamp"`
}

// Direction is the side of the threshold a price alert watches.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// PriceAlert is a user-defined threshold on the tracked asset price.
type PriceAlert struct {
	ID         string
	Subject    Subject
	PriceLevel decimal.Decimal
	Direction  Direction

	// Expiry is nil when the alert never expires
	Expiry *time.Time

	// Armed is true until the alert fires
	Armed     bool
	CreatedAt time.Time
}

// Crossed reports whether price satisfies the alert condition.
func (a PriceAlert) Crossed(price decimal.Decimal) bool {
	switch a.Direction {
	case DirectionAbove:
		return price.GreaterThanOrEqual(a.PriceLevel)
	case DirectionBelow:
		return price.LessThanOrEqual(a.PriceLevel)
	}
	return false
}

// Expired reports whether the alert has an expiry that lies before now.
func (a PriceAlert) Expired(now time.Time) bool {
	return a.Expiry != nil && now.After(*a.Expiry)
}

// HealthStatus is the coarse state of the backend or one of its subsystems.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Subsystems reported by the monitoring backend.
const (
	SubsystemPriceFeed          = "price_feed"
	SubsystemPositionMonitoring = "position_monitoring"
)

// HealthError is one entry of the backend's recent error log.
type HealthError struct {
	Timestamp time.Time
	Message   string
}

// HealthSnapshot is the backend health as of one successful poll.
type HealthSnapshot struct {
	Status         HealthStatus
	Subsystems     map[string]HealthStatus
	ActiveMonitors int

	// RecentErrors is oldest first and capped by the sampler
	RecentErrors []HealthError

	// LastUpdate holds the last time each subsystem reported progress
	LastUpdate map[string]time.Time
}

// Age returns how long ago the subsystem last updated. The second result is
// false when the subsystem never reported.
func (h HealthSnapshot) Age(subsystem string, now time.Time) (time.Duration, bool) {
	t, ok := h.LastUpdate[subsystem]
	if !ok || t.IsZero() {
		return 0, false
	}
	return now.Sub(t), true
}

// Position is one open leveraged position as reported by the backend.
type Position struct {
	ID           string          `json:"id"`
	Asset        string          `json:"asset"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	PnL          decimal.Decimal `json:"pnl"`
	Leverage     decimal.Decimal `json:"leverage"`
}

// TxState is the lifecycle state of a Transaction.
type TxState string

const (
	TxInitiated  TxState = "initiated"
	TxInProgress TxState = "in_progress"
	TxCompleted  TxState = "completed"
	TxFailed     TxState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TxState) Terminal() bool {
	return s == TxCompleted || s == TxFailed
}

func (s TxState) rank() int {
	switch s {
	case TxInitiated:
		return 0
	case TxInProgress:
		return 1
	case TxCompleted, TxFailed:
		return 2
	}
	return -1
}

// CanAdvance reports whether moving from s to next keeps the lifecycle
// monotonic. Re-recording the same state is allowed; terminal states are final.
func (s TxState) CanAdvance(next TxState) bool {
	if next.rank() < 0 {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Transaction records one user-confirmed trade intent.
type Transaction struct {
	ID string

	// Request is the verbatim user text that was confirmed
	Request string

	// Asset and Amount are parsed from Request on a best-effort basis
	Asset  string
	Amount string

	State TxState

	// Reason is the failure reason for failed transactions
	Reason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatRole identifies the author of a chat turn.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// ChatTurn is one message in the conversation.
type ChatTurn struct {
	Role    ChatRole
	Content string
}
