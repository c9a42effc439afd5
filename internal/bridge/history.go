package bridge

import (
	"sync"
	"time"

	"github.com/yourorg/checkout-fallback/internal/payment"
)

// Entry is one intent observed during a checkout session.
type Entry struct {
	IntentID        string               `json:"intent_id"`
	Provider        string               `json:"provider"`
	Status          payment.IntentStatus `json:"status"`
	Amount          int64                `json:"amount"`
	Currency        string               `json:"currency"`
	MethodType      string               `json:"method_type"`
	Fallback        bool                 `json:"fallback"`
	WasAutoFallback bool                 `json:"was_auto_fallback"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// History is an append-only log of intents keyed by intent id.
type History struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{index: make(map[string]int)}
}

// Record appends e, or refreshes the status of an intent already seen.
// It reports whether a new entry was added.
func (h *History) Record(e Entry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i, ok := h.index[e.IntentID]; ok {
		if h.entries[i].Status != e.Status {
			h.entries[i].Status = e.Status
			h.entries[i].UpdatedAt = e.UpdatedAt
		}
		return false
	}
	h.index[e.IntentID] = len(h.entries)
	h.entries = append(h.entries, e)
	return true
}

// Entries returns a copy in recording order.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Entry(nil), h.entries...)
}

// Len returns the number of recorded intents.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
