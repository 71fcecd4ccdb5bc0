// Package metrics provides real-time metrics tracking for the companion.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "bus",
			Name:      "notifications_published_total",
			Help:      "Notifications published to the bus by priority",
		},
		[]string{"priority"},
	)

	alertsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "alerts",
			Name:      "fired_total",
			Help:      "Price alerts that fired",
		},
	)

	channelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "channel",
			Name:      "reconnects_total",
			Help:      "Live channel reconnect attempts",
		},
	)

	channelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "companion",
			Subsystem: "channel",
			Name:      "connected",
			Help:      "Number of live channel handles currently connected",
		},
	)

	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Poll attempts by source and result",
		},
		[]string{"source", "result"},
	)

	transactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "trade",
			Name:      "transactions_total",
			Help:      "Transaction state transitions",
		},
		[]string{"state"},
	)
)

// Snapshot is a point-in-time view of metrics.
type Snapshot struct {
	Uptime                  time.Duration
	ConnectionStatus        map[string]string // subject -> status
	Reconnects              int64
	NotificationsByPriority map[string]int64
	AlertsFired             int64
	PollSuccesses           map[string]int64
	PollFailures            map[string]int64
	LastPoll                map[string]time.Time
	TransactionsByState     map[string]int64
}

// Tracker provides thread-safe metrics tracking. A nil *Tracker is valid and
// records nothing.
type Tracker struct {
	mu               sync.RWMutex
	startTime        time.Time
	connStatus       map[string]string
	reconnects       int64
	notifications    map[string]int64
	alertsFired      int64
	pollSuccesses    map[string]int64
	pollFailures     map[string]int64
	lastPoll         map[string]time.Time
	transactions     map[string]int64
	connectedHandles map[string]bool
}

// NewTracker creates a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		startTime:        time.Now(),
		connStatus:       make(map[string]string),
		notifications:    make(map[string]int64),
		pollSuccesses:    make(map[string]int64),
		pollFailures:     make(map[string]int64),
		lastPoll:         make(map[string]time.Time),
		transactions:     make(map[string]int64),
		connectedHandles: make(map[string]bool),
	}
}

// SetConnectionStatus records the live channel status for a subject.
func (m *Tracker) SetConnectionStatus(subject, status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connStatus[subject] = status

	connected := status == "connected"
	if connected != m.connectedHandles[subject] {
		if connected {
			channelConnected.Inc()
		} else {
			channelConnected.Dec()
		}
		m.connectedHandles[subject] = connected
	}
}

// IncrementReconnects counts a reconnect attempt.
func (m *Tracker) IncrementReconnects() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
	channelReconnects.Inc()
}

// IncrementNotifications counts a published notification.
func (m *Tracker) IncrementNotifications(priority string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[priority]++
	notificationsPublished.WithLabelValues(priority).Inc()
}

// IncrementAlertsFired counts fired price alerts.
func (m *Tracker) IncrementAlertsFired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertsFired += int64(n)
	alertsFired.Add(float64(n))
}

// RecordPoll counts a poll attempt for the given source.
func (m *Tracker) RecordPoll(source string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.pollFailures[source]++
		pollsTotal.WithLabelValues(source, "failure").Inc()
		return
	}
	m.pollSuccesses[source]++
	m.lastPoll[source] = time.Now()
	pollsTotal.WithLabelValues(source, "success").Inc()
}

// RecordTransaction counts a transaction entering state.
func (m *Tracker) RecordTransaction(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[state]++
	transactionsTotal.WithLabelValues(state).Inc()
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *Tracker) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		Uptime:                  time.Since(m.startTime),
		ConnectionStatus:        copyMap(m.connStatus),
		Reconnects:              m.reconnects,
		NotificationsByPriority: copyMap(m.notifications),
		AlertsFired:             m.alertsFired,
		PollSuccesses:           copyMap(m.pollSuccesses),
		PollFailures:            copyMap(m.pollFailures),
		LastPoll:                copyMap(m.lastPoll),
		TransactionsByState:     copyMap(m.transactions),
	}
}

func copyMap[V any](src map[string]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
