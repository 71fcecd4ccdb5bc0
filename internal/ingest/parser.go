// Package ingest handles the live channel, backend requests and polling loops.
package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tradepilot/companion/internal/store"
)

// EventNotification is the only envelope type acted upon; other types are
// reserved and ignored.
const EventNotification = "notification"

// Envelope is the discriminated frame pushed by the backend.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is a parsed inbound frame.
type Event struct {
	Type         string
	Notification store.Notification
	ReceivedAt   time.Time
}

// wireNotification mirrors the backend's notification dict. Timestamps are
// produced without a zone, so they are parsed by hand.
type wireNotification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// ParseEvent parses a raw frame. The boolean is false for well-formed frames
// whose type is not handled.
func ParseEvent(data []byte, receivedAt time.Time) (Event, bool, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	if env.Type != EventNotification {
		return Event{Type: env.Type}, false, nil
	}

	if len(env.Data) == 0 {
		return Event{}, false, fmt.Errorf("notification frame without data")
	}

	var wn wireNotification
	if err := json.Unmarshal(env.Data, &wn); err != nil {
		return Event{}, false, fmt.Errorf("failed to parse notification: %w", err)
	}

	priority := store.Priority(wn.Priority)
	if !priority.Valid() {
		priority = store.PriorityMedium
	}

	ts := parseTimestamp(wn.Timestamp)
	if ts.IsZero() {
		ts = receivedAt
	}

	return Event{
		Type: env.Type,
		Notification: store.Notification{
			ID:        wn.ID,
			Type:      wn.Type,
			Message:   wn.Message,
			Priority:  priority,
			Data:      wn.Data,
			Timestamp: ts,
		},
		ReceivedAt: receivedAt,
	}, true, nil
}

// parseTimestamp tries multiple timestamp formats. Zone-less values are
// taken as UTC. It returns the zero time when nothing matches.
func parseTimestamp(values ...string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}

	for _, v := range values {
		if v == "" {
			continue
		}

		// Try parsing as Unix timestamp (seconds or milliseconds)
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			if ts > 1e12 {
				return time.UnixMilli(ts).UTC()
			}
			return time.Unix(ts, 0).UTC()
		}

		for _, format := range formats {
			if t, err := time.Parse(format, v); err == nil {
				return t
			}
		}
	}

	return time.Time{}
}
