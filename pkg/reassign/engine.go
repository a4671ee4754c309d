// Package reassign decides who receives rejected work next. A rejection
// recycles the original task to its assignee and, when the policy allows,
// spawns a derivative task for the other tier of the same department.
package reassign

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"taskflow/pkg/employee"
	"taskflow/pkg/notify"
	"taskflow/pkg/task"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DerivativeSuffix marks a task spawned for the counterpart tier.
const DerivativeSuffix = " (Attention Required)"

// Outcome summarises a reassignment.
type Outcome string

const (
	OutcomePrimaryOnly Outcome = "primary_only" // no counterpart was due or resolvable
	OutcomeDualTier    Outcome = "dual_tier"
	OutcomePartial     Outcome = "partial" // original reset, counterpart failed
)

// Rejection is the input to Reassign.
type Rejection struct {
	TaskID     string
	RejectedBy string
	Reason     string
	RejectedAt time.Time // stable across retries of the same rejection
}

// Result reports which of the two reassignments happened.
type Result struct {
	OriginalReassigned    bool       `json:"original_reassigned"`
	CounterpartReassigned bool       `json:"counterpart_reassigned"`
	Outcome               Outcome    `json:"outcome"`
	Task                  *task.Task `json:"task,omitempty"` // the recycled original
	CounterpartID         string     `json:"counterpart_id,omitempty"`
	CounterpartTaskID     string     `json:"counterpart_task_id,omitempty"`
	Escalated             bool       `json:"escalated"`
	IdempotencyKey        string     `json:"idempotency_key"`
	CounterpartErr        error      `json:"-"`
}

// IdempotencyKey identifies one rejection of one task.
func IdempotencyKey(taskID string, rejectedAt time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", taskID, rejectedAt.UnixNano())))
	return fmt.Sprintf("%x", h)
}

// Engine is the single reassignment algorithm.
type Engine struct {
	tasks   task.Store
	people  employee.Directory
	records RecordStore
	notify  *notify.Sender
	policy  Policy
}

// New creates an Engine. A nil policy means DualTier.
func New(tasks task.Store, people employee.Directory, records RecordStore, d notify.Dispatcher, policy Policy) *Engine {
	if policy == nil {
		policy = DualTier{}
	}
	return &Engine{
		tasks:   tasks,
		people:  people,
		records: records,
		notify:  notify.NewSender(d),
		policy:  policy,
	}
}

var tracer = otel.Tracer("taskflow/reassign")

// Wait blocks until the engine's queued notifications are dispatched.
func (e *Engine) Wait() {
	e.notify.Wait()
}

// Reassign recycles the rejected task and, policy permitting, creates a
// derivative for the counterpart. Only a failure to reset the original is
// returned as an error; a failed counterpart is reported as OutcomePartial.
func (e *Engine) Reassign(ctx context.Context, rej Rejection) (Result, error) {
	ctx, span := tracer.Start(ctx, "reassign.Reassign")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", rej.TaskID))

	if rej.RejectedAt.IsZero() {
		rej.RejectedAt = time.Now()
	}
	key := IdempotencyKey(rej.TaskID, rej.RejectedAt)
	res := Result{Outcome: OutcomePrimaryOnly, IdempotencyKey: key}

	orig, err := e.tasks.Get(ctx, rej.TaskID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("reassign %s: %w", rej.TaskID, err)
	}
	assignee := orig.AssignedTo
	role := e.roleOf(ctx, assignee)

	recycled, rejections, err := e.recycle(ctx, orig, rej, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	res.OriginalReassigned = true
	res.Task = recycled

	decision := e.policy.Decide(recycled, rejections)
	e.notify.Send(ctx, notify.Notification{
		Title:      "Task rejected",
		Body:       fmt.Sprintf("%q was rejected: %s", orig.Title, rej.Reason),
		Recipients: []string{assignee},
		Kind:       notify.KindTaskRejected,
		Context:    map[string]any{"task_id": orig.ID, "reason": rej.Reason, "rejection_count": rejections},
	})

	if decision.Escalate {
		res.Escalated = true
		e.escalate(ctx, recycled, rejections, rej)
	}

	if decision.SpawnCounterpart {
		e.counterpart(ctx, orig, role, rej, key, &res)
	}

	span.SetAttributes(
		attribute.String("reassign.outcome", string(res.Outcome)),
		attribute.Int("task.rejection_count", rejections),
	)
	return res, nil
}

// recycle resets the original to pending unless this rejection already did.
func (e *Engine) recycle(ctx context.Context, orig *task.Task, rej Rejection, key string) (*task.Task, int, error) {
	if _, err := e.records.ByKey(ctx, key, KindRecycled); err == nil {
		return orig, orig.RejectionCount, nil
	} else if !errors.Is(err, ErrNotFound) {
		log.Printf("reassign: look up record %s: %v", key[:12], err)
	}

	rejections := orig.RejectionCount + 1
	recycled, err := e.tasks.Update(ctx, orig.ID, map[string]any{
		"status":               task.StatusPending,
		"rejection_count":      rejections,
		"rejection_reason":     rej.Reason,
		"is_active":            true,
		"admin_review_status":  task.ReviewRejected,
		"completion_photo_url": "",
		"completed_at":         nil,
		"started_at":           nil,
		"approved_at":          nil,
		"approved_by":          "",
	})
	if err != nil {
		return nil, 0, fmt.Errorf("reassign %s: reset original: %w", orig.ID, err)
	}

	e.appendRecord(ctx, &Record{
		TaskID:         orig.ID,
		SourceTaskID:   orig.ID,
		Kind:           KindRecycled,
		FromEmployee:   orig.AssignedTo,
		ToEmployee:     orig.AssignedTo,
		RejectedBy:     rej.RejectedBy,
		Reason:         rej.Reason,
		IdempotencyKey: key,
	})
	return recycled, rejections, nil
}

// counterpart resolves the other tier and creates (or finds) its derivative.
func (e *Engine) counterpart(ctx context.Context, orig *task.Task, role employee.Role, rej Rejection, key string, res *Result) {
	if orig.DepartmentID == "" {
		return
	}
	var want employee.Role
	switch role {
	case employee.RoleEmployee:
		want = employee.RoleDepartmentHead
	case employee.RoleDepartmentHead:
		want = employee.RoleEmployee
	default:
		return
	}

	candidates, err := e.people.ActiveInDepartment(ctx, orig.DepartmentID, want)
	if err != nil {
		res.Outcome = OutcomePartial
		res.CounterpartErr = fmt.Errorf("resolve counterpart in %s: %w", orig.DepartmentID, err)
		log.Printf("reassign: %s: %v", orig.ID, res.CounterpartErr)
		return
	}
	var cp *employee.Employee
	for i := range candidates {
		if candidates[i].ID != orig.AssignedTo {
			cp = &candidates[i]
			break
		}
	}
	if cp == nil {
		return
	}
	res.CounterpartID = cp.ID

	derived, created, err := e.derive(ctx, orig, cp, rej, key)
	if err != nil {
		res.Outcome = OutcomePartial
		res.CounterpartErr = err
		log.Printf("reassign: %s: counterpart %s: %v", orig.ID, cp.ID, err)
		return
	}
	res.CounterpartReassigned = true
	res.CounterpartTaskID = derived.ID
	res.Outcome = OutcomeDualTier

	if created {
		e.notify.Send(ctx, notify.Notification{
			Title:      "Task reassigned to you",
			Body:       fmt.Sprintf("%q needs attention after a rejection: %s", orig.Title, rej.Reason),
			Recipients: []string{cp.ID},
			Kind:       notify.KindTaskReassigned,
			Context:    map[string]any{"task_id": derived.ID, "parent_id": orig.ID},
		})
	}
}

// derive returns the derivative task for key, creating it when absent.
func (e *Engine) derive(ctx context.Context, orig *task.Task, cp *employee.Employee, rej Rejection, key string) (*task.Task, bool, error) {
	if r, err := e.records.ByKey(ctx, key, KindDerivative); err == nil {
		if t, err := e.tasks.Get(ctx, r.TaskID); err == nil {
			return t, false, nil
		}
	}
	if t, err := e.tasks.ByIdempotencyKey(ctx, key); err == nil {
		e.appendDerivativeRecord(ctx, orig, t, rej, key)
		return t, false, nil
	} else if !task.IsNotFound(err) {
		return nil, false, fmt.Errorf("look up derivative: %w", err)
	}

	d := &task.Task{
		Title:          derivativeTitle(orig.Title),
		Description:    derivativeDescription(orig, rej),
		Priority:       orig.Priority,
		Status:         task.StatusPending,
		IsActive:       true,
		IsRequired:     cp.Role == employee.RoleDepartmentHead,
		Deadline:       orig.Deadline,
		Location:       orig.Location,
		AssignedTo:     cp.ID,
		AssignedBy:     rej.RejectedBy,
		DepartmentID:   orig.DepartmentID,
		ParentID:       orig.ID,
		IdempotencyKey: key,
	}
	created, err := e.tasks.Create(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("create derivative: %w", err)
	}
	e.appendDerivativeRecord(ctx, orig, created, rej, key)
	return created, true, nil
}

func (e *Engine) appendDerivativeRecord(ctx context.Context, orig, derived *task.Task, rej Rejection, key string) {
	e.appendRecord(ctx, &Record{
		TaskID:         derived.ID,
		SourceTaskID:   orig.ID,
		Kind:           KindDerivative,
		FromEmployee:   orig.AssignedTo,
		ToEmployee:     derived.AssignedTo,
		RejectedBy:     rej.RejectedBy,
		Reason:         rej.Reason,
		IdempotencyKey: key,
	})
}

func (e *Engine) escalate(ctx context.Context, t *task.Task, rejections int, rej Rejection) {
	admins, err := e.people.ActiveByRole(ctx, employee.RoleAdmin, employee.RoleSuperAdmin)
	if err != nil {
		log.Printf("reassign: escalate %s: list admins: %v", t.ID, err)
		return
	}
	ids := make([]string, len(admins))
	for i, a := range admins {
		ids[i] = a.ID
	}
	e.notify.Send(ctx, notify.Notification{
		Title:      "Task escalated",
		Body:       fmt.Sprintf("%q has been rejected %d times", t.Title, rejections),
		Recipients: ids,
		Kind:       notify.KindTaskEscalated,
		Context:    map[string]any{"task_id": t.ID, "rejection_count": rejections},
	}, rej.RejectedBy)
}

func (e *Engine) appendRecord(ctx context.Context, r *Record) {
	if _, err := e.records.Append(ctx, r); err != nil {
		log.Printf("reassign: record %s for %s: %v", r.Kind, r.TaskID, err)
	}
}

func (e *Engine) roleOf(ctx context.Context, id string) employee.Role {
	if id == "" {
		return ""
	}
	emp, err := e.people.Get(ctx, id)
	if err != nil {
		log.Printf("reassign: look up assignee %s: %v", id, err)
		return ""
	}
	return emp.Role
}

func derivativeTitle(title string) string {
	if strings.HasSuffix(title, DerivativeSuffix) {
		return title
	}
	return title + DerivativeSuffix
}

func derivativeDescription(orig *task.Task, rej Rejection) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rejected task: %s\n", orig.ID)
	fmt.Fprintf(&sb, "Rejected by: %s\n", rej.RejectedBy)
	fmt.Fprintf(&sb, "Rejected at: %s\n", rej.RejectedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Reason: %s\n", rej.Reason)
	if orig.AssignedTo != "" {
		fmt.Fprintf(&sb, "Originally assigned to: %s\n", orig.AssignedTo)
	}
	if orig.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(orig.Description)
	}
	return sb.String()
}
