// Package verification is the ledger of review requests a supervisor raises
// against a completed task, pending an administrator's disposition.
package verification

import (
	"context"
	"errors"
	"time"
)

// Status of a verification request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var (
	ErrNotFound         = errors.New("verification request not found")
	ErrNotPending       = errors.New("verification request already disposed")
	ErrDuplicatePending = errors.New("task already has a pending verification request")
)

// Request is a review ticket. It is never mutated after disposition.
type Request struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	DepartmentID string     `json:"department_id"` // copied from the task for scoped reads
	RequestedBy  string     `json:"requested_by"`
	Status       Status     `json:"status"`
	AdminReason  string     `json:"admin_reason,omitempty"` // rejections only
	CreatedAt    time.Time  `json:"created_at"`
	ApprovedBy   string     `json:"approved_by,omitempty"` // the disposing administrator
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
}

// Disposition closes a pending request.
type Disposition struct {
	AdminID  string
	Approved bool
	Reason   string
}

// Filter narrows List. DepartmentIDs applies unless Unscoped is set; an
// empty DepartmentIDs with Unscoped false matches nothing.
type Filter struct {
	Status        Status
	TaskID        string
	DepartmentIDs []string
	Unscoped      bool
	Limit         int
}

// Store is the contract for ledger persistence.
type Store interface {
	// Create inserts a pending request. Fails with ErrDuplicatePending when
	// the task already has one.
	Create(ctx context.Context, r *Request) (*Request, error)
	Get(ctx context.Context, id string) (*Request, error)
	// PendingForTask returns the open request of a task, or ErrNotFound.
	PendingForTask(ctx context.Context, taskID string) (*Request, error)
	// Resolve closes a pending request; ErrNotPending if already closed.
	Resolve(ctx context.Context, id string, d Disposition) (*Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
	DeleteByTask(ctx context.Context, taskID string) (int, error)
	PendingCount(ctx context.Context) (int, error)
	EnsureTable(ctx context.Context) error
}
