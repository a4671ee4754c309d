package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"taskflow/pkg/employee"
	"taskflow/pkg/eventlog"
	"taskflow/pkg/memstore"
	"taskflow/pkg/notify"
	"taskflow/pkg/reassign"
	"taskflow/pkg/task"
	"taskflow/pkg/verification"
	"taskflow/pkg/workflow"
)

type env struct {
	store *memstore.Store
	rec   *notify.Recorder
	ctl   *workflow.Controller
}

// newEnv seeds department "ops" with a supervisor and a worker, department
// "hr" with a supervisor, an unscoped admin, an admin scoped to hr and a
// super admin.
func newEnv(t *testing.T) *env {
	t.Helper()
	s := memstore.New(nil)
	for _, e := range []employee.Employee{
		{ID: "head", Role: employee.RoleDepartmentHead, DepartmentID: "ops", IsActive: true},
		{ID: "worker", Role: employee.RoleEmployee, DepartmentID: "ops", IsActive: true},
		{ID: "hr-head", Role: employee.RoleDepartmentHead, DepartmentID: "hr", IsActive: true},
		{ID: "admin", Role: employee.RoleAdmin, IsActive: true},
		{ID: "hr-admin", Role: employee.RoleAdmin, IsActive: true},
		{ID: "root", Role: employee.RoleSuperAdmin, IsActive: true},
	} {
		s.People.Add(e)
	}
	s.People.ScopeAdmin("hr-admin", "hr")

	rec := &notify.Recorder{}
	engine := reassign.New(s.Tasks, s.People, s.Records, rec, nil)
	ctl := workflow.New(workflow.Deps{
		Tasks:      s.Tasks,
		Requests:   s.Requests,
		People:     s.People,
		Engine:     engine,
		Journal:    s.Journal,
		Dispatcher: rec,
	})
	return &env{store: s, rec: rec, ctl: ctl}
}

func (e *env) assign(t *testing.T) *task.Task {
	t.Helper()
	tk, err := e.ctl.CreateTask(context.Background(), "head", workflow.NewTask{Title: "Restock shelves", AssignedTo: "worker"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tk
}

func (e *env) completed(t *testing.T) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk := e.assign(t)
	if _, err := e.ctl.Start(ctx, tk.ID, "worker"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := e.ctl.Complete(ctx, tk.ID, "worker", "p1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return done
}

func (e *env) requested(t *testing.T) (*task.Task, *verification.Request) {
	t.Helper()
	tk := e.completed(t)
	req, err := e.ctl.RequestVerification(context.Background(), tk.ID, "head")
	if err != nil {
		t.Fatalf("request verification: %v", err)
	}
	return tk, req
}

// notified waits for queued notifications and returns everyone sent kind.
func (e *env) notified(kind string) map[string]bool {
	e.ctl.Wait()
	out := map[string]bool{}
	for _, n := range e.rec.OfKind(kind) {
		for _, r := range n.Recipients {
			out[r] = true
		}
	}
	return out
}

func TestCreateTask(t *testing.T) {
	e := newEnv(t)
	tk := e.assign(t)
	if tk.Status != task.StatusPending || !tk.IsActive || tk.DepartmentID != "ops" || tk.AssignedBy != "head" {
		t.Fatalf("task = %+v", tk)
	}
	if tk.Priority != task.PriorityMedium {
		t.Fatalf("priority = %s", tk.Priority)
	}
	if !e.notified(notify.KindTaskAssigned)["worker"] {
		t.Fatal("assignee should be notified")
	}
}

func TestCreateTaskAuthorization(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	cases := []struct {
		name   string
		caller string
		in     workflow.NewTask
		kind   error
	}{
		{"worker cannot assign", "worker", workflow.NewTask{Title: "x", AssignedTo: "worker"}, workflow.ErrNotAuthorized},
		{"supervisor outside department", "hr-head", workflow.NewTask{Title: "x", AssignedTo: "worker"}, workflow.ErrNotAuthorized},
		{"scoped admin outside scope", "hr-admin", workflow.NewTask{Title: "x", AssignedTo: "worker"}, workflow.ErrNotAuthorized},
		{"missing title", "head", workflow.NewTask{AssignedTo: "worker"}, workflow.ErrInvalidInput},
		{"bad priority", "head", workflow.NewTask{Title: "x", Priority: "whenever"}, workflow.ErrInvalidInput},
		{"unknown assignee", "admin", workflow.NewTask{Title: "x", AssignedTo: "ghost"}, workflow.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.ctl.CreateTask(ctx, tc.caller, tc.in)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("err = %v, want %v", err, tc.kind)
			}
		})
	}
}

func TestIsRequiredOnlyForSupervisorAssignees(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	w, err := e.ctl.CreateTask(ctx, "admin", workflow.NewTask{Title: "x", AssignedTo: "worker", IsRequired: true})
	if err != nil {
		t.Fatal(err)
	}
	h, err := e.ctl.CreateTask(ctx, "admin", workflow.NewTask{Title: "y", AssignedTo: "head", IsRequired: true})
	if err != nil {
		t.Fatal(err)
	}
	if w.IsRequired || !h.IsRequired {
		t.Fatalf("worker task required=%v, supervisor task required=%v", w.IsRequired, h.IsRequired)
	}
}

func TestStartTwiceIsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk := e.assign(t)

	first, err := e.ctl.Start(ctx, tk.ID, "worker")
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.ctl.Start(ctx, tk.ID, "worker")
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("second start err = %v", err)
	}
	var werr *workflow.Error
	if !errors.As(err, &werr) || werr.TaskID != tk.ID || werr.Transition != task.ActionStart || werr.From != task.StatusInProgress {
		t.Fatalf("error context = %+v", werr)
	}

	got, _ := e.store.Tasks.Get(ctx, tk.ID)
	if !got.StartedAt.Equal(*first.StartedAt) {
		t.Fatal("started_at was rewritten")
	}
	e.ctl.Wait()
	if n := len(e.rec.OfKind(notify.KindTaskStarted)); n != 1 {
		t.Fatalf("task_started notifications = %d, want 1", n)
	}
}

func TestConcurrentStartChangesStateOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk := e.assign(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ctl.Start(ctx, tk.ID, "worker")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, workflow.ErrInvalidTransition):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful starts = %d, want 1", ok)
	}
}

func TestStartGuards(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk := e.assign(t)

	if _, err := e.ctl.Start(ctx, tk.ID, "head"); !errors.Is(err, workflow.ErrNotAssignee) {
		t.Fatalf("non-assignee err = %v", err)
	}
	if _, err := e.ctl.SetActive(ctx, tk.ID, "head", false); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ctl.Start(ctx, tk.ID, "worker"); !errors.Is(err, workflow.ErrTaskInactive) {
		t.Fatalf("inactive err = %v", err)
	}
	if _, err := e.ctl.Start(ctx, "missing", "worker"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestCompleteRequiresProof(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk := e.assign(t)
	e.ctl.Start(ctx, tk.ID, "worker")

	if _, err := e.ctl.Complete(ctx, tk.ID, "worker", "  "); !errors.Is(err, workflow.ErrMissingProof) {
		t.Fatalf("err = %v", err)
	}
	got, _ := e.store.Tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCompleteFromPendingIsInvalid(t *testing.T) {
	e := newEnv(t)
	tk := e.assign(t)
	if _, err := e.ctl.Complete(context.Background(), tk.ID, "worker", "p1"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompleteNotifiesCreator(t *testing.T) {
	e := newEnv(t)
	tk := e.completed(t)
	if tk.Status != task.StatusCompleted || tk.CompletedAt == nil || tk.CompletionPhotoURL != "p1" {
		t.Fatalf("task = %+v", tk)
	}
	if tk.StartedAt == nil || tk.StartedAt.After(*tk.CompletedAt) {
		t.Fatal("started_at must not be after completed_at")
	}
	if !e.notified(notify.KindTaskCompleted)["head"] {
		t.Fatal("creator should be notified")
	}
}

func TestRequestVerificationNotifiesAdmins(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)

	if req.Status != verification.StatusPending || req.TaskID != tk.ID || req.DepartmentID != "ops" || req.RequestedBy != "head" {
		t.Fatalf("request = %+v", req)
	}
	n, _ := e.store.Requests.PendingCount(ctx)
	if n != 1 {
		t.Fatalf("pending = %d", n)
	}
	got := e.notified(notify.KindVerificationRequested)
	for _, id := range []string{"admin", "hr-admin", "root"} {
		if !got[id] {
			t.Fatalf("%s not notified: %v", id, got)
		}
	}
	stamped, _ := e.store.Tasks.Get(ctx, tk.ID)
	if stamped.Status != task.StatusCompleted || stamped.ApprovedBy != "head" || stamped.AdminReviewStatus != task.ReviewPending {
		t.Fatalf("task = %+v", stamped)
	}
}

func TestRequestVerificationGuards(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk := e.completed(t)

	if _, err := e.ctl.RequestVerification(ctx, tk.ID, "hr-head"); !errors.Is(err, workflow.ErrNotAuthorized) {
		t.Fatalf("other department err = %v", err)
	}
	if _, err := e.ctl.RequestVerification(ctx, tk.ID, "worker"); !errors.Is(err, workflow.ErrNotAuthorized) {
		t.Fatalf("worker err = %v", err)
	}
	if _, err := e.ctl.RequestVerification(ctx, tk.ID, "head"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ctl.RequestVerification(ctx, tk.ID, "head"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("second request err = %v", err)
	}
}

func TestConcurrentVerificationRequestsOnePending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk := e.completed(t)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ctl.RequestVerification(ctx, tk.ID, "head")
		}()
	}
	wg.Wait()

	reqs, _ := e.store.Requests.List(ctx, verification.Filter{TaskID: tk.ID, Status: verification.StatusPending, Unscoped: true})
	if len(reqs) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(reqs))
	}
}

func TestRejectReassignsToSupervisor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)

	d, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Reject, "blurry photo")
	if err != nil {
		t.Fatal(err)
	}
	if d.Request.Status != verification.StatusRejected || d.Request.AdminReason != "blurry photo" || d.Request.ApprovedBy != "admin" {
		t.Fatalf("request = %+v", d.Request)
	}
	got, _ := e.store.Tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusPending || got.RejectionCount != 1 || !got.IsActive {
		t.Fatalf("task = %+v", got)
	}
	if got.CompletedAt != nil || got.CompletionPhotoURL != "" {
		t.Fatal("pending task must not carry completion data")
	}
	if d.Reassignment == nil || !d.Reassignment.CounterpartReassigned || d.Reassignment.Outcome != reassign.OutcomeDualTier {
		t.Fatalf("reassignment = %+v", d.Reassignment)
	}
	derived, _ := e.store.Tasks.Get(ctx, d.Reassignment.CounterpartTaskID)
	if derived.AssignedTo != "head" || derived.ParentID != tk.ID {
		t.Fatalf("derivative = %+v", derived)
	}
	if !e.notified(notify.KindVerificationRejected)["head"] {
		t.Fatal("requesting supervisor should hear about the rejection")
	}
	if !e.notified(notify.KindTaskRejected)["worker"] {
		t.Fatal("worker should hear about the rejection")
	}
}

func TestRejectForcesActive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)
	if _, err := e.ctl.SetActive(ctx, tk.ID, "head", false); err != nil {
		t.Fatal(err)
	}

	if _, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Reject, "redo"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.Tasks.Get(ctx, tk.ID)
	if !got.IsActive || got.RejectionCount != 1 {
		t.Fatalf("active=%v count=%d", got.IsActive, got.RejectionCount)
	}
}

func TestApproveFinalises(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)

	d, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Approve, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Request.Status != verification.StatusApproved {
		t.Fatalf("request = %+v", d.Request)
	}
	if d.Task.Status != task.StatusApproved || d.Task.RejectionCount != 0 || d.Task.AdminReviewStatus != task.ReviewApproved {
		t.Fatalf("task = %+v", d.Task)
	}
	if d.Task.ApprovedAt == nil || d.Task.ApprovedAt.Before(*d.Task.CompletedAt) {
		t.Fatal("approved_at must follow completed_at")
	}
	got := e.notified(notify.KindVerificationApproved)
	if !got["worker"] || !got["head"] {
		t.Fatalf("approval recipients = %v", got)
	}

	if _, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Approve, ""); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("second disposition err = %v", err)
	}
	if _, err := e.ctl.Start(ctx, tk.ID, "worker"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("approved task restart err = %v", err)
	}
}

func TestRejectWithoutReasonMutatesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)
	before, _ := e.store.Tasks.Get(ctx, tk.ID)

	_, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Reject, "   ")
	if !errors.Is(err, workflow.ErrMissingReason) {
		t.Fatalf("err = %v", err)
	}
	after, _ := e.store.Tasks.Get(ctx, tk.ID)
	if after.Status != before.Status || after.RejectionCount != 0 || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatal("task was mutated")
	}
	r, _ := e.store.Requests.Get(ctx, req.ID)
	if r.Status != verification.StatusPending {
		t.Fatalf("request status = %s", r.Status)
	}
	if _, err := e.ctl.ReviewTask(ctx, tk.ID, "admin", workflow.Reject, ""); !errors.Is(err, workflow.ErrMissingReason) {
		t.Fatalf("review err = %v", err)
	}
}

func TestScopedAdminCannotDisposeOtherDepartment(t *testing.T) {
	e := newEnv(t)
	_, req := e.requested(t)
	_, err := e.ctl.DisposeVerification(context.Background(), req.ID, "hr-admin", workflow.Approve, "")
	if !errors.Is(err, workflow.ErrNotAuthorized) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.ctl.DisposeVerification(context.Background(), req.ID, "head", workflow.Approve, ""); !errors.Is(err, workflow.ErrNotAuthorized) {
		t.Fatalf("supervisor err = %v", err)
	}
}

func TestVerificationRequestsScope(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.requested(t)

	for _, tc := range []struct {
		caller string
		want   int
	}{
		{"root", 1},
		{"admin", 1}, // no assigned departments: unscoped
		{"hr-admin", 0},
	} {
		reqs, err := e.ctl.VerificationRequests(ctx, tc.caller, "pending")
		if err != nil {
			t.Fatalf("%s: %v", tc.caller, err)
		}
		if len(reqs) != tc.want {
			t.Fatalf("%s sees %d requests, want %d", tc.caller, len(reqs), tc.want)
		}
	}
	if _, err := e.ctl.VerificationRequests(ctx, "head", ""); !errors.Is(err, workflow.ErrNotAuthorized) {
		t.Fatalf("supervisor err = %v", err)
	}
	if _, err := e.ctl.VerificationRequests(ctx, "root", "bogus"); !errors.Is(err, workflow.ErrInvalidInput) {
		t.Fatalf("bad status err = %v", err)
	}
}

func TestReviewTaskDirect(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	ok := e.completed(t)
	d, err := e.ctl.ReviewTask(ctx, ok.ID, "root", workflow.Approve, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Task.Status != task.StatusApproved || d.Task.ApprovedBy != "root" {
		t.Fatalf("approved task = %+v", d.Task)
	}

	bad := e.completed(t)
	d, err = e.ctl.ReviewTask(ctx, bad.ID, "root", workflow.Reject, "wrong aisle")
	if err != nil {
		t.Fatal(err)
	}
	if d.Task.Status != task.StatusPending || d.Task.RejectionCount != 1 || d.Task.RejectionReason != "wrong aisle" {
		t.Fatalf("rejected task = %+v", d.Task)
	}

	pending, req := e.requested(t)
	_, err = e.ctl.ReviewTask(ctx, pending.ID, "root", workflow.Approve, "")
	var werr *workflow.Error
	if !errors.As(err, &werr) || werr.Kind != workflow.ErrInvalidTransition || werr.RequestID != req.ID {
		t.Fatalf("review with open request err = %v", err)
	}
}

func TestReviewRetriesAfterFailedReset(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk := e.completed(t)

	e.store.Tasks.UpdateErr = func(id string, updates map[string]any) error {
		if updates["status"] == task.StatusPending {
			return errors.New("connection lost")
		}
		return nil
	}
	if _, err := e.ctl.ReviewTask(ctx, tk.ID, "root", workflow.Reject, "smudged"); err == nil {
		t.Fatal("expected failure when the reset fails")
	}
	stuck, _ := e.store.Tasks.Get(ctx, tk.ID)
	if stuck.Status != task.StatusRejected {
		t.Fatalf("status = %s, want rejected", stuck.Status)
	}

	e.store.Tasks.UpdateErr = nil
	d, err := e.ctl.ReviewTask(ctx, tk.ID, "root", workflow.Reject, "smudged")
	if err != nil {
		t.Fatal(err)
	}
	if d.Task.Status != task.StatusPending || d.Task.RejectionCount != 1 {
		t.Fatalf("task = %+v", d.Task)
	}
}

func failStatusWrite(status task.Status) func(string, map[string]any) error {
	return func(id string, updates map[string]any) error {
		if updates["status"] == status {
			return errors.New("connection lost")
		}
		return nil
	}
}

func TestDisposeRejectResumesAfterFailedReset(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)

	e.store.Tasks.UpdateErr = failStatusWrite(task.StatusPending)
	if _, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Reject, "blurry photo"); err == nil {
		t.Fatal("expected failure when the reset fails")
	}
	closed, _ := e.store.Requests.Get(ctx, req.ID)
	stuck, _ := e.store.Tasks.Get(ctx, tk.ID)
	if closed.Status != verification.StatusRejected || stuck.Status != task.StatusCompleted || stuck.RejectionCount != 0 {
		t.Fatalf("after failure: request=%s task=%s count=%d", closed.Status, stuck.Status, stuck.RejectionCount)
	}

	e.store.Tasks.UpdateErr = nil
	d, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Reject, "blurry photo")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Task.Status != task.StatusPending || d.Task.RejectionCount != 1 || !d.Reassignment.CounterpartReassigned {
		t.Fatalf("task = %+v reassignment = %+v", d.Task, d.Reassignment)
	}
	if want := reassign.IdempotencyKey(tk.ID, *closed.ApprovedAt); d.Reassignment.IdempotencyKey != want {
		t.Fatalf("key = %s, want the key of the original rejection", d.Reassignment.IdempotencyKey)
	}
	if !e.notified(notify.KindTaskRejected)["worker"] {
		t.Fatal("worker should hear about the rejection once it lands")
	}

	_, err = e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Reject, "blurry photo")
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("third dispose err = %v", err)
	}
	got, _ := e.store.Tasks.Get(ctx, tk.ID)
	if got.RejectionCount != 1 {
		t.Fatalf("rejection_count = %d, want 1", got.RejectionCount)
	}
}

func TestDisposeApproveResumesAfterFailedFinalise(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)

	e.store.Tasks.UpdateErr = failStatusWrite(task.StatusApproved)
	if _, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Approve, ""); err == nil {
		t.Fatal("expected failure when the task write fails")
	}
	e.store.Tasks.UpdateErr = nil

	if _, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Reject, "changed my mind"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("opposite decision on an approved request err = %v", err)
	}
	d, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Approve, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Task.Status != task.StatusApproved || d.Request.Status != verification.StatusApproved {
		t.Fatalf("disposition = %+v", d)
	}
	got, _ := e.store.Tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusApproved {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestSchemaDriftIsRecovered(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.Tasks.DropColumns("admin_review_status", "rejection_reason", "is_required", "idempotency_key")

	tk, req := e.requested(t)
	d, err := e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Reject, "blurry photo")
	if err != nil {
		t.Fatalf("drift must not surface: %v", err)
	}
	got, _ := e.store.Tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusPending || got.RejectionCount != 1 || got.RejectionReason != "" {
		t.Fatalf("task = %+v", got)
	}
	if !d.Reassignment.CounterpartReassigned {
		t.Fatal("derivative should still be created without optional columns")
	}
	if len(e.store.Tasks.Guard().Missing("tasks")) != 4 {
		t.Fatalf("missing = %v", e.store.Tasks.Guard().Missing("tasks"))
	}
}

func TestDeleteCascadesRequests(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)

	if err := e.ctl.DeleteTask(ctx, tk.ID, "worker"); !errors.Is(err, workflow.ErrNotAuthorized) {
		t.Fatalf("worker delete err = %v", err)
	}
	if err := e.ctl.DeleteTask(ctx, tk.ID, "head"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.Requests.Get(ctx, req.ID); !errors.Is(err, verification.ErrNotFound) {
		t.Fatalf("request survived: %v", err)
	}
	if _, err := e.ctl.Task(ctx, tk.ID); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("task survived: %v", err)
	}
}

func TestJournalChain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, req := e.requested(t)
	e.ctl.DisposeVerification(ctx, req.ID, "admin", workflow.Approve, "")

	events, _ := e.store.Journal.ByTask(ctx, tk.ID, 100)
	want := []string{
		eventlog.TypeTaskCreated,
		eventlog.TypeTaskStarted,
		eventlog.TypeTaskCompleted,
		eventlog.TypeVerificationRequested,
		eventlog.TypeVerificationApproved,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
	if err := e.store.Journal.VerifyChain(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestNotificationFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.rec.Err = errors.New("push gateway down")
	tk := e.assign(t)
	if _, err := e.ctl.Start(ctx, tk.ID, "worker"); err != nil {
		t.Fatalf("start failed because of notification: %v", err)
	}
}
