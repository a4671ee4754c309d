// Package changefeed delivers row-change notifications for the workflow
// tables so clients can refresh reactively instead of polling.
package changefeed

import (
	"sync"
	"time"
)

// Tables that publish changes.
const (
	TableTasks         = "tasks"
	TableVerifications = "verification_requests"
	TableReassignments = "reassignment_records"
)

// Change operations.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Change is a single row-level change.
type Change struct {
	Table string    `json:"table"`
	Op    string    `json:"op"`
	ID    string    `json:"id"`
	At    time.Time `json:"at"`
}

// Hub is an in-process fan-out. Publish never blocks.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Change]string // channel -> table filter ("" = all)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Change]string)}
}

// Publish delivers c to every subscriber watching its table.
func (h *Hub) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	h.mu.RLock()
	for ch, table := range h.subs {
		if table != "" && table != c.Table {
			continue
		}
		select {
		case ch <- c:
		default:
			// subscriber is behind; drop to avoid blocking writers
		}
	}
	h.mu.RUnlock()
}

// Subscribe returns a buffered channel receiving changes to table, or to
// every table when table is empty.
func (h *Hub) Subscribe(table string) chan Change {
	ch := make(chan Change, 64)
	h.mu.Lock()
	h.subs[ch] = table
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Change) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
