// Package notify holds the in-memory notification list and fans new
// notifications out to subscribers.
package notify

import (
	"sync"

	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/store"
)

// DefaultCapacity is used when the caller does not configure a bound.
const DefaultCapacity = 200

// Bus is an ordered notification store with synchronous fan-out.
//
// Publish calls are serialized, so every subscriber sees notifications in
// publish order. A subscriber must not call Publish on the same bus from
// inside its callback.
type Bus struct {
	pubMu sync.Mutex // serializes Publish

	mu       sync.RWMutex
	items    []store.Notification // newest first
	capacity int
	subs     []*subscription
	nextID   int

	tracker *metrics.Tracker
}

type subscription struct {
	id int
	fn func(store.Notification)
}

// NewBus creates a bus keeping at most capacity notifications. A capacity of
// zero or less keeps everything.
func NewBus(capacity int, tracker *metrics.Tracker) *Bus {
	return &Bus{
		capacity: capacity,
		tracker:  tracker,
	}
}

// Publish prepends n and invokes every current subscriber with it.
func (b *Bus) Publish(n store.Notification) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	b.items = append(b.items, store.Notification{})
	copy(b.items[1:], b.items)
	b.items[0] = n
	if b.capacity > 0 && len(b.items) > b.capacity {
		// drop oldest
		b.items[len(b.items)-1] = store.Notification{}
		b.items = b.items[:b.capacity]
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.tracker.IncrementNotifications(string(n.Priority))

	for _, s := range subs {
		if b.active(s.id) {
			s.fn(n)
		}
	}
}

// Subscribe registers fn for every subsequent notification. The returned
// function removes the subscription; it is idempotent and safe to call from
// inside fn.
func (b *Bus) Subscribe(fn func(store.Notification)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, &subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// active reports whether the subscription is still registered.
func (b *Bus) active(id int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.id == id {
			return true
		}
	}
	return false
}

// List returns the stored notifications, newest first.
func (b *Bus) List() []store.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]store.Notification, len(b.items))
	copy(out, b.items)
	return out
}

// Filter returns the stored notifications of the given types, newest first.
// With no types it behaves like List.
func (b *Bus) Filter(types ...string) []store.Notification {
	if len(types) == 0 {
		return b.List()
	}

	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []store.Notification
	for _, n := range b.items {
		if want[n.Type] {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of stored notifications.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Urgent reports whether n should additionally be surfaced as a transient
// alert. The bus itself stores and orders all priorities alike.
func Urgent(n store.Notification) bool {
	return n.Priority.Urgent()
}
