// Package workflow is the task lifecycle state machine. It validates every
// transition against the caller's role and the task's state, writes through
// the stores, and hands rejections to the reassignment engine.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"taskflow/pkg/employee"
	"taskflow/pkg/eventlog"
	"taskflow/pkg/notify"
	"taskflow/pkg/reassign"
	"taskflow/pkg/task"
	"taskflow/pkg/verification"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Decision is an administrator's verdict.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision validates s.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case Approve, Reject:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Deps wires a Controller. Journal and Dispatcher may be nil.
type Deps struct {
	Tasks      task.Store
	Requests   verification.Store
	People     employee.Directory
	Engine     *reassign.Engine
	Journal    eventlog.Journal
	Dispatcher notify.Dispatcher
}

// Controller runs the lifecycle. Every operation takes the caller's
// employee id explicitly.
type Controller struct {
	tasks    task.Store
	requests verification.Store
	people   employee.Directory
	engine   *reassign.Engine
	journal  eventlog.Journal
	notify   *notify.Sender
	now      func() time.Time
}

// New creates a Controller.
func New(d Deps) *Controller {
	return &Controller{
		tasks:    d.Tasks,
		requests: d.Requests,
		people:   d.People,
		engine:   d.Engine,
		journal:  d.Journal,
		notify:   notify.NewSender(d.Dispatcher),
		now:      func() time.Time { return time.Now().Truncate(time.Microsecond) },
	}
}

var tracer = otel.Tracer("taskflow/workflow")

// Wait blocks until notifications queued by earlier operations are
// dispatched.
func (c *Controller) Wait() {
	c.notify.Wait()
	if c.engine != nil {
		c.engine.Wait()
	}
}

// NewTask is the input to CreateTask.
type NewTask struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Priority     string         `json:"priority"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	Location     map[string]any `json:"location,omitempty"`
	AssignedTo   string         `json:"assigned_to"`
	DepartmentID string         `json:"department_id"`
	IsRequired   bool           `json:"is_required"`
}

// Disposition is the outcome of an administrator's review.
type Disposition struct {
	Decision     Decision              `json:"decision"`
	Request      *verification.Request `json:"request,omitempty"`
	Task         *task.Task            `json:"task"`
	Reassignment *reassign.Result      `json:"reassignment,omitempty"`
}

// CreateTask assigns new work. Supervisors assign within their own
// department; administrators anywhere in their scope.
func (c *Controller) CreateTask(ctx context.Context, callerID string, in NewTask) (*task.Task, error) {
	ctx, span := c.start(ctx, "workflow.CreateTask", "")
	defer span.End()
	const action = "create"

	caller, err := c.activeEmployee(ctx, callerID)
	if err != nil || (caller.Role != employee.RoleDepartmentHead && !caller.Role.IsAdmin()) {
		return nil, fail(span, &Error{Kind: ErrNotAuthorized, Transition: action, Reason: "only supervisors and administrators assign tasks", Err: err})
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fail(span, &Error{Kind: ErrInvalidInput, Transition: action, Reason: "title is required"})
	}
	prio, err := task.ParsePriority(in.Priority)
	if err != nil {
		return nil, fail(span, &Error{Kind: ErrInvalidInput, Transition: action, Reason: err.Error()})
	}

	var assignee *employee.Employee
	if in.AssignedTo != "" {
		assignee, err = c.activeEmployee(ctx, in.AssignedTo)
		if err != nil {
			return nil, fail(span, &Error{Kind: ErrInvalidInput, Transition: action, Reason: "assignee is not an active employee", Err: err})
		}
	}

	dept := in.DepartmentID
	switch {
	case dept != "":
	case assignee != nil && assignee.DepartmentID != "":
		dept = assignee.DepartmentID
	default:
		dept = caller.DepartmentID
	}
	if caller.Role == employee.RoleDepartmentHead {
		if dept != caller.DepartmentID {
			return nil, fail(span, &Error{Kind: ErrNotAuthorized, Transition: action, Reason: "supervisors assign within their own department"})
		}
		if assignee != nil && assignee.DepartmentID != caller.DepartmentID {
			return nil, fail(span, &Error{Kind: ErrNotAuthorized, Transition: action, Reason: "assignee is outside the supervisor's department"})
		}
	} else if err := c.adminCovers(ctx, caller, dept); err != nil {
		return nil, fail(span, &Error{Kind: ErrNotAuthorized, Transition: action, Reason: err.Error()})
	}

	t := &task.Task{
		Title:        title,
		Description:  in.Description,
		Priority:     prio,
		Status:       task.StatusPending,
		IsActive:     true,
		IsRequired:   in.IsRequired && assignee != nil && assignee.Role == employee.RoleDepartmentHead,
		Deadline:     in.Deadline,
		Location:     in.Location,
		AssignedTo:   in.AssignedTo,
		AssignedBy:   callerID,
		DepartmentID: dept,
	}
	created, err := c.tasks.Create(ctx, t)
	if err != nil {
		return nil, fail(span, &Error{Transition: action, Err: err})
	}
	span.SetAttributes(attribute.String("task.id", created.ID))

	c.record(ctx, eventlog.TypeTaskCreated, created.ID, callerID, map[string]any{
		"title": created.Title, "assigned_to": created.AssignedTo, "department_id": created.DepartmentID,
	})
	c.notify.Send(ctx, notify.Notification{
		Title:      "New task assigned",
		Body:       created.Title,
		Recipients: []string{created.AssignedTo},
		Kind:       notify.KindTaskAssigned,
		Context:    map[string]any{"task_id": created.ID, "priority": string(created.Priority)},
	}, callerID)
	return created, nil
}

// Start moves a pending, active task to in_progress. Only the assignee may
// start it. A second start of the same task fails with ErrInvalidTransition.
func (c *Controller) Start(ctx context.Context, taskID, callerID string) (*task.Task, error) {
	ctx, span := c.start(ctx, "workflow.Start", taskID)
	defer span.End()

	t, err := c.getTask(ctx, taskID, task.ActionStart)
	if err != nil {
		return nil, fail(span, err)
	}
	if t.AssignedTo == "" || t.AssignedTo != callerID {
		return nil, fail(span, &Error{Kind: ErrNotAssignee, TaskID: taskID, Transition: task.ActionStart, From: t.Status})
	}
	if !task.ValidTransition(task.ActionStart, t.Status) {
		return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: taskID, Transition: task.ActionStart, From: t.Status})
	}
	if !t.IsActive {
		return nil, fail(span, &Error{Kind: ErrTaskInactive, TaskID: taskID, Transition: task.ActionStart, From: t.Status})
	}

	updated, err := c.tasks.Transition(ctx, taskID, task.StatusPending, map[string]any{
		"status":     task.StatusInProgress,
		"started_at": c.now(),
	})
	if err != nil {
		return nil, fail(span, c.writeError(err, taskID, task.ActionStart, t.Status))
	}

	c.record(ctx, eventlog.TypeTaskStarted, taskID, callerID, nil)
	c.notify.Send(ctx, notify.Notification{
		Title:      "Task started",
		Body:       fmt.Sprintf("%q is in progress", t.Title),
		Recipients: []string{t.AssignedBy},
		Kind:       notify.KindTaskStarted,
		Context:    map[string]any{"task_id": taskID},
	}, callerID)
	return updated, nil
}

// Complete records proof and moves an in_progress task to completed.
func (c *Controller) Complete(ctx context.Context, taskID, callerID, proofRef string) (*task.Task, error) {
	ctx, span := c.start(ctx, "workflow.Complete", taskID)
	defer span.End()

	t, err := c.getTask(ctx, taskID, task.ActionComplete)
	if err != nil {
		return nil, fail(span, err)
	}
	if t.AssignedTo == "" || t.AssignedTo != callerID {
		return nil, fail(span, &Error{Kind: ErrNotAssignee, TaskID: taskID, Transition: task.ActionComplete, From: t.Status})
	}
	if !task.ValidTransition(task.ActionComplete, t.Status) {
		return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: taskID, Transition: task.ActionComplete, From: t.Status})
	}
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return nil, fail(span, &Error{Kind: ErrMissingProof, TaskID: taskID, Transition: task.ActionComplete, From: t.Status})
	}

	now := c.now()
	updates := map[string]any{
		"status":               task.StatusCompleted,
		"completed_at":         now,
		"completion_photo_url": proofRef,
	}
	if t.StartedAt == nil {
		updates["started_at"] = now
	}
	updated, err := c.tasks.Transition(ctx, taskID, task.StatusInProgress, updates)
	if err != nil {
		return nil, fail(span, c.writeError(err, taskID, task.ActionComplete, t.Status))
	}

	c.record(ctx, eventlog.TypeTaskCompleted, taskID, callerID, map[string]any{"proof": proofRef})
	c.notify.Send(ctx, notify.Notification{
		Title:      "Task completed",
		Body:       fmt.Sprintf("%q is ready for review", t.Title),
		Recipients: append([]string{t.AssignedBy}, c.supervisors(ctx, t.DepartmentID)...),
		Kind:       notify.KindTaskCompleted,
		Context:    map[string]any{"task_id": taskID, "proof": proofRef},
	}, callerID)
	return updated, nil
}

// RequestVerification opens a review request on a completed task. The caller
// must be an active supervisor of the task's department.
func (c *Controller) RequestVerification(ctx context.Context, taskID, supervisorID string) (*verification.Request, error) {
	ctx, span := c.start(ctx, "workflow.RequestVerification", taskID)
	defer span.End()
	const action = task.ActionRequestVerification

	t, err := c.getTask(ctx, taskID, action)
	if err != nil {
		return nil, fail(span, err)
	}
	sup, err := c.activeEmployee(ctx, supervisorID)
	if err != nil || sup.Role != employee.RoleDepartmentHead || t.DepartmentID == "" || sup.DepartmentID != t.DepartmentID {
		return nil, fail(span, &Error{Kind: ErrNotAuthorized, TaskID: taskID, Transition: action, From: t.Status, Reason: "caller is not an active supervisor of the task's department", Err: err})
	}
	if !task.ValidTransition(action, t.Status) {
		return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: taskID, Transition: action, From: t.Status})
	}
	if open, err := c.requests.PendingForTask(ctx, taskID); err == nil {
		return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: taskID, RequestID: open.ID, Transition: action, From: t.Status, Reason: "a verification request is already pending"})
	} else if !errors.Is(err, verification.ErrNotFound) {
		return nil, fail(span, &Error{TaskID: taskID, Transition: action, Err: err})
	}

	req, err := c.requests.Create(ctx, &verification.Request{
		TaskID:       taskID,
		DepartmentID: t.DepartmentID,
		RequestedBy:  supervisorID,
	})
	if err != nil {
		if errors.Is(err, verification.ErrDuplicatePending) {
			return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: taskID, Transition: action, From: t.Status, Reason: "a verification request is already pending", Err: err})
		}
		return nil, fail(span, &Error{TaskID: taskID, Transition: action, Err: err})
	}

	// The supervisor's stamp. Final approval happens on disposition.
	if _, err := c.tasks.Update(ctx, taskID, map[string]any{
		"approved_by":         supervisorID,
		"approved_at":         c.now(),
		"admin_review_status": task.ReviewPending,
	}); err != nil {
		log.Printf("workflow: stamp supervisor approval on %s: %v", taskID, err)
	}

	c.record(ctx, eventlog.TypeVerificationRequested, taskID, supervisorID, map[string]any{"request_id": req.ID})
	c.notify.Send(ctx, notify.Notification{
		Title:      "Verification requested",
		Body:       fmt.Sprintf("%q awaits administrator review", t.Title),
		Recipients: c.admins(ctx),
		Kind:       notify.KindVerificationRequested,
		Context:    map[string]any{"task_id": taskID, "request_id": req.ID, "department_id": t.DepartmentID},
	}, supervisorID)
	return req, nil
}

// DisposeVerification approves or rejects a pending request. Approval
// finalises the task; rejection hands it to the reassignment engine.
func (c *Controller) DisposeVerification(ctx context.Context, requestID, adminID string, decision Decision, reason string) (*Disposition, error) {
	ctx, span := c.start(ctx, "workflow.DisposeVerification", "")
	defer span.End()
	span.SetAttributes(attribute.String("verification.id", requestID))

	action, err := decisionAction(decision)
	if err != nil {
		return nil, fail(span, &Error{Kind: ErrInvalidInput, RequestID: requestID, Reason: err.Error()})
	}
	reason = strings.TrimSpace(reason)
	if decision == Reject && reason == "" {
		return nil, fail(span, &Error{Kind: ErrMissingReason, RequestID: requestID, Transition: action})
	}

	req, err := c.requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, verification.ErrNotFound) {
			return nil, fail(span, &Error{Kind: ErrNotFound, RequestID: requestID, Transition: action, Err: err})
		}
		return nil, fail(span, &Error{RequestID: requestID, Transition: action, Err: err})
	}
	span.SetAttributes(attribute.String("task.id", req.TaskID))
	if err := c.authorizeAdmin(ctx, adminID, req.DepartmentID); err != nil {
		return nil, fail(span, &Error{Kind: ErrNotAuthorized, TaskID: req.TaskID, RequestID: requestID, Transition: action, Reason: err.Error()})
	}
	t, err := c.getTask(ctx, req.TaskID, action)
	if err != nil {
		return nil, fail(span, err)
	}

	// The request is closed before the task is written. A request already
	// closed with the same decision whose task write never landed is resumed
	// rather than refused.
	resolved := req
	switch {
	case req.Status == verification.StatusPending:
		if !task.ValidTransition(action, t.Status) {
			return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: t.ID, RequestID: requestID, Transition: action, From: t.Status})
		}
		resolved, err = c.requests.Resolve(ctx, requestID, verification.Disposition{AdminID: adminID, Approved: decision == Approve, Reason: reason})
		if err != nil {
			if errors.Is(err, verification.ErrNotPending) {
				return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: t.ID, RequestID: requestID, Transition: action, Reason: "request was disposed concurrently", Err: err})
			}
			return nil, fail(span, &Error{TaskID: t.ID, RequestID: requestID, Transition: action, Err: err})
		}
	case unfinished(req, t, decision):
		log.Printf("workflow: resuming %s of request %s on task %s", decision, requestID, t.ID)
		if decision == Reject && req.AdminReason != "" {
			reason = req.AdminReason
		}
	default:
		return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: t.ID, RequestID: requestID, Transition: action, From: t.Status, Reason: "request is already " + string(req.Status)})
	}
	out := &Disposition{Decision: decision, Request: resolved}

	if decision == Approve {
		updated, err := c.tasks.Transition(ctx, t.ID, task.StatusCompleted, map[string]any{
			"status":              task.StatusApproved,
			"approved_at":         c.now(),
			"admin_review_status": task.ReviewApproved,
		})
		if err != nil {
			return nil, fail(span, c.writeError(err, t.ID, action, t.Status))
		}
		out.Task = updated
		c.record(ctx, eventlog.TypeVerificationApproved, t.ID, adminID, map[string]any{"request_id": requestID})
		c.notify.Send(ctx, notify.Notification{
			Title:      "Task approved",
			Body:       fmt.Sprintf("%q was approved", t.Title),
			Recipients: []string{t.AssignedTo, req.RequestedBy},
			Kind:       notify.KindVerificationApproved,
			Context:    map[string]any{"task_id": t.ID, "request_id": requestID},
		}, adminID)
		return out, nil
	}

	rejectedAt := c.now()
	if resolved.ApprovedAt != nil {
		rejectedAt = *resolved.ApprovedAt
	}
	res, err := c.reassign(ctx, t, adminID, reason, rejectedAt)
	if err != nil {
		return nil, fail(span, &Error{TaskID: t.ID, RequestID: requestID, Transition: action, Reason: reason, Err: err})
	}
	out.Task = res.Task
	out.Reassignment = &res
	span.SetAttributes(attribute.String("reassign.outcome", string(res.Outcome)))

	c.record(ctx, eventlog.TypeVerificationRejected, t.ID, adminID, map[string]any{"request_id": requestID, "reason": reason})
	c.notify.Send(ctx, notify.Notification{
		Title:      "Verification rejected",
		Body:       fmt.Sprintf("%q was rejected: %s", t.Title, reason),
		Recipients: []string{req.RequestedBy},
		Kind:       notify.KindVerificationRejected,
		Context:    map[string]any{"task_id": t.ID, "request_id": requestID, "reason": reason},
	}, adminID)
	return out, nil
}

// ReviewTask is the administrator's direct path on a completed task that has
// no open verification request.
func (c *Controller) ReviewTask(ctx context.Context, taskID, adminID string, decision Decision, reason string) (*Disposition, error) {
	ctx, span := c.start(ctx, "workflow.ReviewTask", taskID)
	defer span.End()

	action, err := decisionAction(decision)
	if err != nil {
		return nil, fail(span, &Error{Kind: ErrInvalidInput, TaskID: taskID, Reason: err.Error()})
	}
	reason = strings.TrimSpace(reason)
	if decision == Reject && reason == "" {
		return nil, fail(span, &Error{Kind: ErrMissingReason, TaskID: taskID, Transition: action})
	}

	t, err := c.getTask(ctx, taskID, action)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := c.authorizeAdmin(ctx, adminID, t.DepartmentID); err != nil {
		return nil, fail(span, &Error{Kind: ErrNotAuthorized, TaskID: taskID, Transition: action, From: t.Status, Reason: err.Error()})
	}
	if open, err := c.requests.PendingForTask(ctx, taskID); err == nil {
		return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: taskID, RequestID: open.ID, Transition: action, From: t.Status, Reason: "dispose the pending verification request instead"})
	}

	if decision == Approve {
		if !task.ValidTransition(action, t.Status) {
			return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: taskID, Transition: action, From: t.Status})
		}
		updated, err := c.tasks.Transition(ctx, taskID, task.StatusCompleted, map[string]any{
			"status":              task.StatusApproved,
			"approved_by":         adminID,
			"approved_at":         c.now(),
			"admin_review_status": task.ReviewApproved,
		})
		if err != nil {
			return nil, fail(span, c.writeError(err, taskID, action, t.Status))
		}
		c.record(ctx, eventlog.TypeTaskReviewed, taskID, adminID, map[string]any{"decision": string(decision)})
		c.notify.Send(ctx, notify.Notification{
			Title:      "Task approved",
			Body:       fmt.Sprintf("%q was approved", t.Title),
			Recipients: []string{t.AssignedTo},
			Kind:       notify.KindVerificationApproved,
			Context:    map[string]any{"task_id": taskID},
		}, adminID)
		return &Disposition{Decision: decision, Task: updated}, nil
	}

	// A rejected task whose reset failed earlier may be reviewed again; the
	// rejection time is kept so the engine recognises the retry.
	var rejectedAt time.Time
	switch {
	case task.ValidTransition(action, t.Status):
		marked, err := c.tasks.Transition(ctx, taskID, task.StatusCompleted, map[string]any{
			"status":              task.StatusRejected,
			"rejection_reason":    reason,
			"admin_review_status": task.ReviewRejected,
		})
		if err != nil {
			return nil, fail(span, c.writeError(err, taskID, action, t.Status))
		}
		t, rejectedAt = marked, marked.UpdatedAt
	case t.Status == task.StatusRejected && task.ValidTransition(task.ActionReassign, t.Status):
		rejectedAt = t.UpdatedAt
	default:
		return nil, fail(span, &Error{Kind: ErrInvalidTransition, TaskID: taskID, Transition: action, From: t.Status})
	}

	res, err := c.reassign(ctx, t, adminID, reason, rejectedAt)
	if err != nil {
		return nil, fail(span, &Error{TaskID: taskID, Transition: action, Reason: reason, Err: err})
	}
	c.record(ctx, eventlog.TypeTaskReviewed, taskID, adminID, map[string]any{"decision": string(decision), "reason": reason})
	return &Disposition{Decision: decision, Task: res.Task, Reassignment: &res}, nil
}

// SetActive toggles the activity gate. The task's creator or a covering
// administrator may do it.
func (c *Controller) SetActive(ctx context.Context, taskID, callerID string, active bool) (*task.Task, error) {
	ctx, span := c.start(ctx, "workflow.SetActive", taskID)
	defer span.End()
	const action = "set_active"

	t, err := c.getTask(ctx, taskID, action)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := c.authorizeOwner(ctx, t, callerID); err != nil {
		return nil, fail(span, &Error{Kind: ErrNotAuthorized, TaskID: taskID, Transition: action, Reason: err.Error()})
	}
	if t.IsActive == active {
		return t, nil
	}
	updated, err := c.tasks.Update(ctx, taskID, map[string]any{"is_active": active})
	if err != nil {
		return nil, fail(span, c.writeError(err, taskID, action, t.Status))
	}
	c.record(ctx, eventlog.TypeTaskActivity, taskID, callerID, map[string]any{"is_active": active})
	return updated, nil
}

// DeleteTask removes a task after removing every verification request that
// references it.
func (c *Controller) DeleteTask(ctx context.Context, taskID, callerID string) error {
	ctx, span := c.start(ctx, "workflow.DeleteTask", taskID)
	defer span.End()
	const action = "delete"

	t, err := c.getTask(ctx, taskID, action)
	if err != nil {
		return fail(span, err)
	}
	if err := c.authorizeOwner(ctx, t, callerID); err != nil {
		return fail(span, &Error{Kind: ErrNotAuthorized, TaskID: taskID, Transition: action, Reason: err.Error()})
	}
	n, err := c.requests.DeleteByTask(ctx, taskID)
	if err != nil {
		return fail(span, &Error{TaskID: taskID, Transition: action, Err: err})
	}
	if err := c.tasks.Delete(ctx, taskID); err != nil {
		return fail(span, c.writeError(err, taskID, action, t.Status))
	}
	c.record(ctx, eventlog.TypeTaskDeleted, taskID, callerID, map[string]any{"requests_removed": n})
	return nil
}

// VerificationRequests returns the requests an administrator may see.
// super_admin sees all; an admin with assigned departments sees only those;
// an admin with none is unscoped.
func (c *Controller) VerificationRequests(ctx context.Context, callerID string, status string) ([]verification.Request, error) {
	ctx, span := c.start(ctx, "workflow.VerificationRequests", "")
	defer span.End()

	f := verification.Filter{Status: verification.Status(status)}
	switch f.Status {
	case "", verification.StatusPending, verification.StatusApproved, verification.StatusRejected:
	default:
		return nil, fail(span, &Error{Kind: ErrInvalidInput, Reason: fmt.Sprintf("unknown status %q", status)})
	}

	caller, err := c.activeEmployee(ctx, callerID)
	if err != nil || !caller.Role.IsAdmin() {
		return nil, fail(span, &Error{Kind: ErrNotAuthorized, Reason: "only administrators read the verification ledger", Err: err})
	}
	depts, err := c.scope(ctx, caller)
	if err != nil {
		return nil, fail(span, &Error{Err: err})
	}
	if depts == nil {
		f.Unscoped = true
	} else {
		f.DepartmentIDs = depts
	}
	reqs, err := c.requests.List(ctx, f)
	if err != nil {
		return nil, fail(span, &Error{Err: err})
	}
	return reqs, nil
}

// Task returns a task by id.
func (c *Controller) Task(ctx context.Context, id string) (*task.Task, error) {
	return c.getTask(ctx, id, "")
}

// Tasks lists tasks.
func (c *Controller) Tasks(ctx context.Context, f task.Filter) ([]task.Task, error) {
	tasks, err := c.tasks.List(ctx, f)
	if err != nil {
		return nil, &Error{Err: err}
	}
	return tasks, nil
}

func (c *Controller) reassign(ctx context.Context, t *task.Task, adminID, reason string, rejectedAt time.Time) (reassign.Result, error) {
	res, err := c.engine.Reassign(ctx, reassign.Rejection{
		TaskID:     t.ID,
		RejectedBy: adminID,
		Reason:     reason,
		RejectedAt: rejectedAt,
	})
	if err != nil {
		return res, err
	}
	content := map[string]any{
		"outcome":                string(res.Outcome),
		"original_reassigned":    res.OriginalReassigned,
		"counterpart_reassigned": res.CounterpartReassigned,
		"reason":                 reason,
	}
	if res.CounterpartTaskID != "" {
		content["counterpart_task_id"] = res.CounterpartTaskID
	}
	if res.CounterpartErr != nil {
		content["counterpart_error"] = res.CounterpartErr.Error()
	}
	c.record(ctx, eventlog.TypeTaskReassigned, t.ID, adminID, content)
	return res, nil
}

func (c *Controller) getTask(ctx context.Context, id, action string) (*task.Task, error) {
	t, err := c.tasks.Get(ctx, id)
	if err != nil {
		if task.IsNotFound(err) {
			return nil, &Error{Kind: ErrNotFound, TaskID: id, Transition: action, Err: err}
		}
		return nil, &Error{TaskID: id, Transition: action, Err: err}
	}
	return t, nil
}

// writeError classifies a failed conditional write.
func (c *Controller) writeError(err error, taskID, action string, from task.Status) error {
	switch {
	case errors.Is(err, task.ErrStaleStatus):
		return &Error{Kind: ErrInvalidTransition, TaskID: taskID, Transition: action, From: from, Reason: "task changed concurrently", Err: err}
	case task.IsNotFound(err):
		return &Error{Kind: ErrNotFound, TaskID: taskID, Transition: action, Err: err}
	}
	return &Error{TaskID: taskID, Transition: action, From: from, Err: err}
}

func (c *Controller) activeEmployee(ctx context.Context, id string) (*employee.Employee, error) {
	if id == "" {
		return nil, employee.ErrNotFound
	}
	e, err := c.people.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsActive {
		return nil, fmt.Errorf("employee %s is inactive", id)
	}
	return e, nil
}

// scope returns the departments an administrator is limited to, or nil when
// unscoped.
func (c *Controller) scope(ctx context.Context, admin *employee.Employee) ([]string, error) {
	if admin.Role == employee.RoleSuperAdmin {
		return nil, nil
	}
	depts, err := c.people.AdminDepartments(ctx, admin.ID)
	if err != nil {
		return nil, err
	}
	if len(depts) == 0 {
		return nil, nil
	}
	return depts, nil
}

func (c *Controller) adminCovers(ctx context.Context, admin *employee.Employee, dept string) error {
	depts, err := c.scope(ctx, admin)
	if err != nil {
		return err
	}
	if depts != nil && !slices.Contains(depts, dept) {
		return fmt.Errorf("department %q is outside the administrator's scope", dept)
	}
	return nil
}

func (c *Controller) authorizeAdmin(ctx context.Context, adminID, dept string) error {
	admin, err := c.activeEmployee(ctx, adminID)
	if err != nil {
		return fmt.Errorf("caller is not an active administrator: %w", err)
	}
	if !admin.Role.IsAdmin() {
		return fmt.Errorf("caller is not an administrator")
	}
	return c.adminCovers(ctx, admin, dept)
}

func (c *Controller) authorizeOwner(ctx context.Context, t *task.Task, callerID string) error {
	if callerID != "" && callerID == t.AssignedBy {
		return nil
	}
	if err := c.authorizeAdmin(ctx, callerID, t.DepartmentID); err != nil {
		return fmt.Errorf("only the task's creator or a covering administrator may do this: %w", err)
	}
	return nil
}

func (c *Controller) supervisors(ctx context.Context, dept string) []string {
	if dept == "" {
		return nil
	}
	heads, err := c.people.ActiveInDepartment(ctx, dept, employee.RoleDepartmentHead)
	if err != nil {
		log.Printf("workflow: supervisors of %s: %v", dept, err)
		return nil
	}
	ids := make([]string, len(heads))
	for i, h := range heads {
		ids[i] = h.ID
	}
	return ids
}

func (c *Controller) admins(ctx context.Context) []string {
	admins, err := c.people.ActiveByRole(ctx, employee.RoleAdmin, employee.RoleSuperAdmin)
	if err != nil {
		log.Printf("workflow: list administrators: %v", err)
		return nil
	}
	ids := make([]string, len(admins))
	for i, a := range admins {
		ids[i] = a.ID
	}
	return ids
}

// record appends to the journal. Failures are logged and dropped.
func (c *Controller) record(ctx context.Context, eventType, taskID, actor string, content map[string]any) {
	if c.journal == nil {
		return
	}
	if _, err := c.journal.Append(ctx, eventType, taskID, actor, content, nil); err != nil {
		log.Printf("workflow: journal %s for %s: %v", eventType, taskID, err)
	}
}

func (c *Controller) start(ctx context.Context, name, taskID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if taskID != "" {
		span.SetAttributes(attribute.String("task.id", taskID))
	}
	return ctx, span
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// unfinished reports whether req was closed with decision but the task write
// that follows never happened.
func unfinished(req *verification.Request, t *task.Task, decision Decision) bool {
	switch decision {
	case Approve:
		return req.Status == verification.StatusApproved && t.Status == task.StatusCompleted
	case Reject:
		return req.Status == verification.StatusRejected && (t.Status == task.StatusCompleted || t.Status == task.StatusRejected)
	}
	return false
}

func decisionAction(d Decision) (string, error) {
	switch d {
	case Approve:
		return task.ActionApprove, nil
	case Reject:
		return task.ActionReject, nil
	}
	return "", fmt.Errorf("unknown decision %q", d)
}
