package task

import (
	"context"
	"fmt"
	"time"
)

// Status is a task's position in the lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusApproved   Status = "approved" // terminal
	StatusRejected   Status = "rejected"
)

// statusAwaitingReview is written by older clients. A completed task with an
// open verification request already means "awaiting review", so the value is
// read back as completed and never written.
const statusAwaitingReview = "awaiting_review"

// ParseStatus validates s, folding legacy aliases.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusApproved, StatusRejected:
		return Status(s), nil
	}
	if s == statusAwaitingReview {
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Priority orders tasks for the reviewer's attention.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates s. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown task priority %q", s)
}

// Admin review markers mirrored on the task row.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// Task is a unit of work assigned to exactly one employee.
type Task struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Priority           Priority       `json:"priority"`
	Status             Status         `json:"status"`
	IsActive           bool           `json:"is_active"`   // gate independent of status
	IsRequired         bool           `json:"is_required"` // supervisor-tier tasks only
	Deadline           *time.Time     `json:"deadline,omitempty"`
	Location           map[string]any `json:"location,omitempty"`
	AssignedTo         string         `json:"assigned_to"` // empty while unassigned
	AssignedBy         string         `json:"assigned_by"`
	DepartmentID       string         `json:"department_id"`
	RejectionCount     int            `json:"rejection_count"`
	RejectionReason    string         `json:"rejection_reason"`
	AdminReviewStatus  string         `json:"admin_review_status"`
	CompletionPhotoURL string         `json:"completion_photo_url"`
	ApprovedBy         string         `json:"approved_by"`
	ParentID           string         `json:"parent_id"`       // recycled original, for derivative tasks
	IdempotencyKey     string         `json:"idempotency_key"` // derivative tasks only
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ApprovedAt         *time.Time     `json:"approved_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	Status       Status
	AssignedTo   string
	AssignedBy   string
	DepartmentID string
	ParentID     string
	Limit        int
}

// OptionalColumns may be absent from a schema that lags the application.
var OptionalColumns = []string{"is_required", "admin_review_status", "rejection_reason", "idempotency_key"}

// Store is the contract for task persistence. Update and Transition take
// column-keyed updates; see Apply for the supported keys.
type Store interface {
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, id string, updates map[string]any) (*Task, error)
	// Transition applies updates only while the task is still in from.
	// Returns ErrStaleStatus when another writer moved it first.
	Transition(ctx context.Context, id string, from Status, updates map[string]any) (*Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]Task, error)
	ByIdempotencyKey(ctx context.Context, key string) (*Task, error)
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
	EnsureTable(ctx context.Context) error
}

// Rank orders priorities from low (0) to urgent (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}
