package chat

import (
	"fmt"
	"sync"

	"github.com/tradepilot/companion/internal/store"
)

// History is the newest-first list of transactions keyed by id. Entries are
// never removed. Updates must move a transaction's state forward; terminal
// states are final.
type History struct {
	mu    sync.RWMutex
	order []string // newest first
	byID  map[string]store.Transaction
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{
		byID: make(map[string]store.Transaction),
	}
}

// Record inserts tx or replaces the entry with the same id. A replacement
// that would move the state backwards, or out of a terminal state, fails
// with store.ErrStaleTransition and leaves the entry unchanged.
func (h *History) Record(tx store.Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.byID[tx.ID]
	if ok {
		if !existing.State.CanAdvance(tx.State) {
			return fmt.Errorf("%w: %s %s -> %s", store.ErrStaleTransition, tx.ID, existing.State, tx.State)
		}
		h.byID[tx.ID] = tx
		return nil
	}

	h.byID[tx.ID] = tx
	h.order = append([]string{tx.ID}, h.order...)
	return nil
}

// Get returns the transaction with id.
func (h *History) Get(id string) (store.Transaction, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tx, ok := h.byID[id]
	return tx, ok
}

// List returns the transactions newest first.
func (h *History) List() []store.Transaction {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]store.Transaction, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.byID[id])
	}
	return out
}

// Len returns the number of recorded transactions.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}
