// Package eventlog is the append-only, hash-chained journal of task
// lifecycle boundary crossings.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Journal event types.
const (
	TypeTaskCreated           = "task.created"
	TypeTaskStarted           = "task.started"
	TypeTaskCompleted         = "task.completed"
	TypeTaskActivity          = "task.activity"
	TypeTaskDeleted           = "task.deleted"
	TypeVerificationRequested = "verification.requested"
	TypeVerificationApproved  = "verification.approved"
	TypeVerificationRejected  = "verification.rejected"
	TypeTaskReviewed          = "task.reviewed"
	TypeTaskReassigned        = "task.reassigned"
)

var ErrNotFound = errors.New("journal event not found")

// Event is a single entry in the journal.
type Event struct {
	ID        string         `json:"id"`        // UUID v7 (time-ordered)
	Type      string         `json:"type"`      // e.g. "task.started"
	Timestamp time.Time      `json:"timestamp"` // when the event occurred
	TaskID    string         `json:"task_id"`
	Actor     string         `json:"actor"` // employee that caused the crossing
	Content   map[string]any `json:"content"`
	Causes    []string       `json:"causes"` // IDs of causing events
	Hash      string         `json:"hash"`   // SHA-256 of canonical form
	PrevHash  string         `json:"prev_hash"`
}

// Journal is the contract for journal persistence.
type Journal interface {
	Append(ctx context.Context, eventType, taskID, actor string, content map[string]any, causes []string) (*Event, error)
	Get(ctx context.Context, id string) (*Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	ByTask(ctx context.Context, taskID string, limit int) ([]Event, error)
	Since(ctx context.Context, afterID string, limit int) ([]Event, error)
	Count(ctx context.Context) (int, error)
	VerifyChain(ctx context.Context) error
	EnsureTable(ctx context.Context) error
}

// ComputeHash computes the chain hash of an event.
func ComputeHash(prevHash, id, eventType, taskID, actor string, timestamp time.Time, contentJSON []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", prevHash, id, eventType, taskID, actor, timestamp.UnixNano(), string(contentJSON))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}

// Chain checks events one at a time, in chronological order.
type Chain struct {
	prev string
	n    int
}

// Next verifies e against the previous event. contentJSON is the stored
// content; the hash is also accepted over its re-marshalled form.
func (c *Chain) Next(e Event, contentJSON []byte) error {
	if e.PrevHash != c.prev {
		return fmt.Errorf("event %d (%s): prev_hash mismatch: got %s, want %s", c.n, e.ID, e.PrevHash, c.prev)
	}
	expected := ComputeHash(c.prev, e.ID, e.Type, e.TaskID, e.Actor, e.Timestamp, contentJSON)
	if e.Hash != expected {
		remarshal, _ := json.Marshal(e.Content)
		expected2 := ComputeHash(c.prev, e.ID, e.Type, e.TaskID, e.Actor, e.Timestamp, remarshal)
		if e.Hash != expected2 {
			return fmt.Errorf("event %d (%s): hash mismatch: got %s, want raw=%s or remarshal=%s", c.n, e.ID, e.Hash, expected, expected2)
		}
	}
	c.prev = e.Hash
	c.n++
	return nil
}
