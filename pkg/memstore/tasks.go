package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"taskflow/pkg/changefeed"
	"taskflow/pkg/schema"
	"taskflow/pkg/task"

	"github.com/google/uuid"
)

// Tasks is an in-memory task.Store. Columns listed with DropColumns behave
// as if the schema lacked them.
type Tasks struct {
	mu      sync.Mutex
	tasks   map[string]*task.Task
	missing map[string]bool
	guard   *schema.Guard
	hub     *changefeed.Hub

	// CreateErr, when set, is consulted before every insert.
	CreateErr func(t *task.Task) error
	// UpdateErr, when set, is consulted before every update.
	UpdateErr func(id string, updates map[string]any) error
}

// NewTasks creates an empty Tasks.
func NewTasks(hub *changefeed.Hub) *Tasks {
	return &Tasks{
		tasks:   make(map[string]*task.Task),
		missing: make(map[string]bool),
		guard:   schema.NewGuard(),
		hub:     hub,
	}
}

// DropColumns simulates a schema without cols.
func (s *Tasks) DropColumns(cols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cols {
		s.missing[c] = true
	}
}

// Guard exposes the drift guard, so tests can see what was narrowed.
func (s *Tasks) Guard() *schema.Guard { return s.guard }

func (s *Tasks) EnsureTable(context.Context) error { return nil }

func (s *Tasks) checkColumns(cols map[string]any) error {
	for _, k := range sortedKeys(cols) {
		if s.missing[k] {
			return &schema.MissingColumnError{Table: "tasks", Column: k}
		}
	}
	return nil
}

func (s *Tasks) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	if s.CreateErr != nil {
		if err := s.CreateErr(t); err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
	}
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	ts := now()
	t.CreatedAt = ts
	t.UpdatedAt = ts
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.Priority == "" {
		t.Priority = task.PriorityMedium
	}

	stored, err := schema.Write(ctx, s.guard, "tasks", task.Columns(t), task.OptionalColumns, func(ctx context.Context, cols map[string]any) (*task.Task, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkColumns(cols); err != nil {
			return nil, err
		}
		if _, ok := s.tasks[t.ID]; ok {
			return nil, fmt.Errorf("duplicate task id %s", t.ID)
		}
		if key, _ := cols["idempotency_key"].(string); key != "" {
			for _, existing := range s.tasks {
				if existing.IdempotencyKey == key {
					return nil, fmt.Errorf("duplicate idempotency key %s", key)
				}
			}
		}
		row := &task.Task{ID: t.ID, CreatedAt: t.CreatedAt}
		rest := make(map[string]any, len(cols))
		for k, v := range cols {
			if k != "id" && k != "created_at" {
				rest[k] = v
			}
		}
		if err := task.Apply(row, rest); err != nil {
			return nil, err
		}
		s.tasks[row.ID] = row
		return clone(row), nil
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	publish(s.hub, changefeed.TableTasks, changefeed.OpInsert, stored.ID)
	return stored, nil
}

func (s *Tasks) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, task.ErrNotFound)
	}
	return clone(t), nil
}

func (s *Tasks) Update(ctx context.Context, id string, updates map[string]any) (*task.Task, error) {
	return s.update(ctx, id, "", updates)
}

func (s *Tasks) Transition(ctx context.Context, id string, from task.Status, updates map[string]any) (*task.Task, error) {
	return s.update(ctx, id, from, updates)
}

func (s *Tasks) update(ctx context.Context, id string, from task.Status, updates map[string]any) (*task.Task, error) {
	if s.UpdateErr != nil {
		if err := s.UpdateErr(id, updates); err != nil {
			return nil, fmt.Errorf("update task %s: %w", id, err)
		}
	}
	payload := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		payload[k] = v
	}
	payload["updated_at"] = now()

	t, err := schema.Write(ctx, s.guard, "tasks", payload, task.OptionalColumns, func(ctx context.Context, cols map[string]any) (*task.Task, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		t, ok := s.tasks[id]
		if !ok {
			return nil, task.ErrNotFound
		}
		if err := s.checkColumns(cols); err != nil {
			return nil, err
		}
		if from != "" && t.Status != from {
			return nil, task.ErrStaleStatus
		}
		next := clone(t)
		if err := task.Apply(next, cols); err != nil {
			return nil, err
		}
		s.tasks[id] = next
		return clone(next), nil
	})
	if err != nil {
		if from != "" {
			return nil, fmt.Errorf("transition task %s from %s: %w", id, from, err)
		}
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	publish(s.hub, changefeed.TableTasks, changefeed.OpUpdate, id)
	return t, nil
}

func (s *Tasks) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete task %s: %w", id, task.ErrNotFound)
	}
	publish(s.hub, changefeed.TableTasks, changefeed.OpDelete, id)
	return nil
}

func (s *Tasks) List(_ context.Context, f task.Filter) ([]task.Task, error) {
	s.mu.Lock()
	var out []task.Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.AssignedBy != "" && t.AssignedBy != f.AssignedBy {
			continue
		}
		if f.DepartmentID != "" && t.DepartmentID != f.DepartmentID {
			continue
		}
		if f.ParentID != "" && t.ParentID != f.ParentID {
			continue
		}
		out = append(out, *clone(t))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Tasks) ByIdempotencyKey(_ context.Context, key string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "" && !s.missing["idempotency_key"] {
		for _, t := range s.tasks {
			if t.IdempotencyKey == key {
				return clone(t), nil
			}
		}
	}
	return nil, fmt.Errorf("task by key %s: %w", key, task.ErrNotFound)
}

func (s *Tasks) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks), nil
}

func (s *Tasks) CountByStatus(_ context.Context, status task.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func clone(t *task.Task) *task.Task {
	cp := *t
	if t.Location != nil {
		cp.Location = make(map[string]any, len(t.Location))
		for k, v := range t.Location {
			cp.Location[k] = v
		}
	}
	return &cp
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
