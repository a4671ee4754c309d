package reassign

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes the two rows a rejection can touch.
type Kind string

const (
	KindRecycled   Kind = "recycled"   // original reset to pending
	KindDerivative Kind = "derivative" // new task for the counterpart
)

var ErrNotFound = errors.New("reassignment record not found")

// Record is an append-only audit row, one per mutated or created task.
type Record struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`        // the task that was reset or created
	SourceTaskID   string    `json:"source_task_id"` // the rejected task
	Kind           Kind      `json:"kind"`
	FromEmployee   string    `json:"from_employee"`
	ToEmployee     string    `json:"to_employee"`
	RejectedBy     string    `json:"rejected_by"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordStore persists reassignment records.
type RecordStore interface {
	Append(ctx context.Context, r *Record) (*Record, error)
	// ByTask returns records where id is the reset/created task or the source.
	ByTask(ctx context.Context, id string) ([]Record, error)
	// ByKey returns the record of kind written under key, or ErrNotFound.
	ByKey(ctx context.Context, key string, kind Kind) (*Record, error)
	EnsureTable(ctx context.Context) error
}
