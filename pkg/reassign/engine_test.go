package reassign_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"taskflow/pkg/employee"
	"taskflow/pkg/memstore"
	"taskflow/pkg/notify"
	"taskflow/pkg/reassign"
	"taskflow/pkg/task"
)

type fixture struct {
	store  *memstore.Store
	rec    *notify.Recorder
	engine *reassign.Engine
}

func newFixture(t *testing.T, policy reassign.Policy) *fixture {
	t.Helper()
	s := memstore.New(nil)
	s.People.Add(employee.Employee{ID: "admin", Role: employee.RoleAdmin, IsActive: true})
	s.People.Add(employee.Employee{ID: "head", Role: employee.RoleDepartmentHead, DepartmentID: "ops", IsActive: true})
	s.People.Add(employee.Employee{ID: "worker", Role: employee.RoleEmployee, DepartmentID: "ops", IsActive: true})
	s.People.Add(employee.Employee{ID: "worker2", Role: employee.RoleEmployee, DepartmentID: "ops", IsActive: true})
	rec := &notify.Recorder{}
	return &fixture{
		store:  s,
		rec:    rec,
		engine: reassign.New(s.Tasks, s.People, s.Records, rec, policy),
	}
}

func (f *fixture) completedTask(t *testing.T, assignee, dept string) *task.Task {
	t.Helper()
	started := time.Now().Add(-time.Hour)
	done := time.Now()
	tk, err := f.store.Tasks.Create(context.Background(), &task.Task{
		Title:              "Clean lobby",
		Description:        "Use the blue mop",
		Priority:           task.PriorityHigh,
		Status:             task.StatusCompleted,
		IsActive:           true,
		AssignedTo:         assignee,
		AssignedBy:         "head",
		DepartmentID:       dept,
		CompletionPhotoURL: "https://proof/1.jpg",
		StartedAt:          &started,
		CompletedAt:        &done,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestWorkerRejectionSpawnsSupervisorTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	orig := f.completedTask(t, "worker", "ops")

	res, err := f.engine.Reassign(ctx, reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "blurry photo"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OriginalReassigned || !res.CounterpartReassigned || res.Outcome != reassign.OutcomeDualTier {
		t.Fatalf("result = %+v", res)
	}

	got, _ := f.store.Tasks.Get(ctx, orig.ID)
	if got.Status != task.StatusPending || got.RejectionCount != 1 || !got.IsActive {
		t.Fatalf("original = status %s count %d active %v", got.Status, got.RejectionCount, got.IsActive)
	}
	if got.CompletionPhotoURL != "" || got.CompletedAt != nil || got.StartedAt != nil {
		t.Fatal("completion data should be cleared")
	}
	if got.RejectionReason != "blurry photo" || got.AdminReviewStatus != task.ReviewRejected {
		t.Fatalf("reason=%q review=%q", got.RejectionReason, got.AdminReviewStatus)
	}

	d, err := f.store.Tasks.Get(ctx, res.CounterpartTaskID)
	if err != nil {
		t.Fatal(err)
	}
	if d.AssignedTo != "head" || d.ParentID != orig.ID || d.Status != task.StatusPending || !d.IsActive || !d.IsRequired {
		t.Fatalf("derivative = %+v", d)
	}
	if d.Title != "Clean lobby"+reassign.DerivativeSuffix {
		t.Fatalf("title = %q", d.Title)
	}
	if !strings.Contains(d.Description, "blurry photo") || !strings.Contains(d.Description, "Use the blue mop") {
		t.Fatalf("description = %q", d.Description)
	}

	if n := len(f.store.Records.All()); n != 2 {
		t.Fatalf("records = %d, want 2", n)
	}
	f.engine.Wait()
	if len(f.rec.OfKind(notify.KindTaskRejected)) != 1 || len(f.rec.OfKind(notify.KindTaskReassigned)) != 1 {
		t.Fatalf("notifications = %+v", f.rec.Sent())
	}
}

func TestSupervisorRejectionSpawnsWorkerTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	orig := f.completedTask(t, "head", "ops")

	res, err := f.engine.Reassign(ctx, reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "incomplete"})
	if err != nil {
		t.Fatal(err)
	}
	if res.CounterpartID != "worker" {
		t.Fatalf("counterpart = %q, want the oldest active worker", res.CounterpartID)
	}
	d, _ := f.store.Tasks.Get(ctx, res.CounterpartTaskID)
	if d.IsRequired {
		t.Fatal("worker-tier derivative should not be required")
	}
}

func TestNoCounterpartStillSucceeds(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		assignee string
		dept     string
	}{
		{"null department", "worker", ""},
		{"no supervisor in department", "lonely", "empty"},
		{"unassigned", "", "ops"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.store.People.Add(employee.Employee{ID: "lonely", Role: employee.RoleEmployee, DepartmentID: "empty", IsActive: true})
			orig := f.completedTask(t, tc.assignee, tc.dept)

			res, err := f.engine.Reassign(ctx, reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "redo"})
			if err != nil {
				t.Fatal(err)
			}
			if !res.OriginalReassigned || res.CounterpartReassigned || res.Outcome != reassign.OutcomePrimaryOnly {
				t.Fatalf("result = %+v", res)
			}
			n, _ := f.store.Tasks.Count(ctx)
			if n != 1 {
				t.Fatalf("tasks = %d, want 1", n)
			}
		})
	}
}

func TestInactiveSupervisorIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.store.People.SetActive("head", false)
	orig := f.completedTask(t, "worker", "ops")

	res, err := f.engine.Reassign(ctx, reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "redo"})
	if err != nil {
		t.Fatal(err)
	}
	if res.CounterpartReassigned {
		t.Fatal("inactive supervisor should not receive a derivative")
	}
}

func TestCounterpartFailureIsPartial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	orig := f.completedTask(t, "worker", "ops")
	f.store.Tasks.CreateErr = func(*task.Task) error { return errors.New("connection reset") }

	res, err := f.engine.Reassign(ctx, reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "redo"})
	if err != nil {
		t.Fatalf("partial success must not be an error: %v", err)
	}
	if res.Outcome != reassign.OutcomePartial || !res.OriginalReassigned || res.CounterpartReassigned || res.CounterpartErr == nil {
		t.Fatalf("result = %+v", res)
	}
	got, _ := f.store.Tasks.Get(ctx, orig.ID)
	if got.Status != task.StatusPending {
		t.Fatal("original reset must not be rolled back")
	}
}

func TestOriginalResetFailureIsError(t *testing.T) {
	f := newFixture(t, nil)
	orig := f.completedTask(t, "worker", "ops")
	f.store.Tasks.UpdateErr = func(string, map[string]any) error { return errors.New("disk full") }

	res, err := f.engine.Reassign(context.Background(), reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "redo"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.OriginalReassigned || res.CounterpartReassigned {
		t.Fatalf("result = %+v", res)
	}
}

func TestRetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	orig := f.completedTask(t, "worker", "ops")
	rej := reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "redo", RejectedAt: time.Now()}

	// first attempt: counterpart creation fails after the reset
	f.store.Tasks.CreateErr = func(*task.Task) error { return errors.New("timeout") }
	first, err := f.engine.Reassign(ctx, rej)
	if err != nil || first.Outcome != reassign.OutcomePartial {
		t.Fatalf("first = %+v, %v", first, err)
	}

	f.store.Tasks.CreateErr = nil
	second, err := f.engine.Reassign(ctx, rej)
	if err != nil || second.Outcome != reassign.OutcomeDualTier {
		t.Fatalf("second = %+v, %v", second, err)
	}
	third, err := f.engine.Reassign(ctx, rej)
	if err != nil {
		t.Fatal(err)
	}
	if third.CounterpartTaskID != second.CounterpartTaskID {
		t.Fatal("retry created a second derivative")
	}

	got, _ := f.store.Tasks.Get(ctx, orig.ID)
	if got.RejectionCount != 1 {
		t.Fatalf("rejection_count = %d, want 1 after retries", got.RejectionCount)
	}
	derived, _ := f.store.Tasks.List(ctx, task.Filter{ParentID: orig.ID})
	if len(derived) != 1 {
		t.Fatalf("derivatives = %d, want 1", len(derived))
	}
}

func TestRecordFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	orig := f.completedTask(t, "worker", "ops")
	f.store.Records.AppendErr = errors.New("audit table locked")

	res, err := f.engine.Reassign(context.Background(), reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "redo"})
	if err != nil || res.Outcome != reassign.OutcomeDualTier {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
}

func TestThresholdPolicy(t *testing.T) {
	ctx := context.Background()
	p, err := reassign.ParsePolicy([]byte(`
counterpart:
  default: 1
  by_priority:
    high: 2
escalate_after: 2
`))
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, p)
	orig := f.completedTask(t, "worker", "ops")

	first, err := f.engine.Reassign(ctx, reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "one", RejectedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if first.CounterpartReassigned || first.Escalated {
		t.Fatalf("first rejection of a high task should stay primary-only: %+v", first)
	}

	f.store.Tasks.Update(ctx, orig.ID, map[string]any{"status": task.StatusCompleted})
	second, err := f.engine.Reassign(ctx, reassign.Rejection{TaskID: orig.ID, RejectedBy: "admin", Reason: "two", RejectedAt: time.Now().Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if !second.CounterpartReassigned || !second.Escalated {
		t.Fatalf("second rejection should spawn and escalate: %+v", second)
	}
	f.engine.Wait()
	esc := f.rec.OfKind(notify.KindTaskEscalated)
	if len(esc) != 0 {
		t.Fatalf("the rejecting admin is the only admin and should not be notified: %+v", esc)
	}
}

func TestParsePolicyRejectsUnknownPriority(t *testing.T) {
	if _, err := reassign.ParsePolicy([]byte("counterpart:\n  by_priority:\n    critical: 1\n")); err == nil {
		t.Fatal("expected error")
	}
	if _, err := reassign.ParsePolicy([]byte("  \n")); err == nil {
		t.Fatal("expected error for empty policy")
	}
}

func TestLoadPolicyDefaultsToDualTier(t *testing.T) {
	p, err := reassign.LoadPolicy("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(reassign.DualTier); !ok {
		t.Fatalf("policy = %T", p)
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if reassign.IdempotencyKey("t1", at) != reassign.IdempotencyKey("t1", at) {
		t.Fatal("key must be deterministic")
	}
	if reassign.IdempotencyKey("t1", at) == reassign.IdempotencyKey("t1", at.Add(time.Nanosecond)) {
		t.Fatal("different rejection times must give different keys")
	}
}
