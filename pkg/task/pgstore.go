package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/pkg/schema"
)

const table = "tasks"

// selectColumns is the canonical read order.
var selectColumns = []string{
	"id", "title", "description", "priority", "status", "is_active", "is_required",
	"deadline", "location", "assigned_to", "assigned_by", "department_id",
	"rejection_count", "rejection_reason", "admin_review_status", "completion_photo_url",
	"approved_by", "parent_id", "idempotency_key", "started_at", "completed_at",
	"approved_at", "created_at", "updated_at",
}

// nullableText columns store NULL for the empty string.
var nullableText = map[string]bool{
	"assigned_to":     true,
	"assigned_by":     true,
	"department_id":   true,
	"approved_by":     true,
	"parent_id":       true,
	"idempotency_key": true,
}

// PgStore is a PostgreSQL-backed task store that tolerates a lagging schema.
type PgStore struct {
	pool  *pgxpool.Pool
	guard *schema.Guard
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, guard: schema.NewGuard()}
}

// EnsureTable creates the tasks table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id                   TEXT PRIMARY KEY,
			title                TEXT NOT NULL,
			description          TEXT NOT NULL DEFAULT '',
			priority             TEXT NOT NULL DEFAULT 'medium',
			status               TEXT NOT NULL DEFAULT 'pending',
			is_active            BOOLEAN NOT NULL DEFAULT TRUE,
			is_required          BOOLEAN NOT NULL DEFAULT FALSE,
			deadline             TIMESTAMPTZ,
			location             JSONB,
			assigned_to          TEXT,
			assigned_by          TEXT,
			department_id        TEXT,
			rejection_count      INTEGER NOT NULL DEFAULT 0,
			rejection_reason     TEXT NOT NULL DEFAULT '',
			admin_review_status  TEXT NOT NULL DEFAULT '',
			completion_photo_url TEXT NOT NULL DEFAULT '',
			approved_by          TEXT,
			parent_id            TEXT,
			idempotency_key      TEXT,
			started_at           TIMESTAMPTZ,
			completed_at         TIMESTAMPTZ,
			approved_at          TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_department ON tasks(department_id) WHERE department_id IS NOT NULL`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency_key ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL`)
	return err
}

// Create inserts a new task. Optional columns the schema lacks are skipped.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}

	_, err := schema.Write(ctx, s.guard, table, Columns(t), OptionalColumns, func(ctx context.Context, cols map[string]any) (struct{}, error) {
		names, placeholders, args, err := insertArgs(cols)
		if err != nil {
			return struct{}{}, err
		}
		_, err = s.pool.Exec(ctx, fmt.Sprintf("INSERT INTO tasks (%s) VALUES (%s)",
			strings.Join(names, ", "), strings.Join(placeholders, ", ")), args...)
		return struct{}{}, err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	tasks, err := s.query(ctx, "WHERE id = $1", []any{id}, "")
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return &tasks[0], nil
}

// Update modifies task columns. Keys are column names; see Apply.
func (s *PgStore) Update(ctx context.Context, id string, updates map[string]any) (*Task, error) {
	n, err := s.update(ctx, id, "", updates)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

// Transition modifies task columns only while the task is in from.
func (s *PgStore) Transition(ctx context.Context, id string, from Status, updates map[string]any) (*Task, error) {
	n, err := s.update(ctx, id, from, updates)
	if err != nil {
		return nil, fmt.Errorf("transition task %s from %s: %w", id, from, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transition task %s from %s: %w", id, from, ErrStaleStatus)
	}
	return s.Get(ctx, id)
}

func (s *PgStore) update(ctx context.Context, id string, from Status, updates map[string]any) (int64, error) {
	payload := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		payload[k] = v
	}
	payload["updated_at"] = time.Now().Truncate(time.Microsecond)

	return schema.Write(ctx, s.guard, table, payload, OptionalColumns, func(ctx context.Context, cols map[string]any) (int64, error) {
		// Build SET clause dynamically
		keys := sortedKeys(cols)
		setClauses := make([]string, 0, len(keys))
		args := make([]any, 0, len(keys)+2)
		for _, k := range keys {
			v, cast, err := dbValue(k, cols[k])
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			setClauses = append(setClauses, fmt.Sprintf("%s = $%d%s", k, len(args), cast))
		}
		args = append(args, id)
		query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(setClauses, ", "), len(args))
		if from != "" {
			args = append(args, string(from))
			query += fmt.Sprintf(" AND status = $%d", len(args))
		}
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}

// Delete removes a task. Callers remove dependent verification requests first.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete task %s: %w", id, ErrNotFound)
	}
	return nil
}

// List returns tasks matching f, most urgent first then oldest first.
func (s *PgStore) List(ctx context.Context, f Filter) ([]Task, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.AssignedTo != "" {
		add("assigned_to = $%d", f.AssignedTo)
	}
	if f.AssignedBy != "" {
		add("assigned_by = $%d", f.AssignedBy)
	}
	if f.DepartmentID != "" {
		add("department_id = $%d", f.DepartmentID)
	}
	if f.ParentID != "" {
		add("parent_id = $%d", f.ParentID)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	suffix := fmt.Sprintf(` ORDER BY CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC, created_at ASC LIMIT $%d`, len(args))

	tasks, err := s.query(ctx, clause, args, suffix)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// ByIdempotencyKey returns the derivative task created under key.
func (s *PgStore) ByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	for _, c := range s.guard.Missing(table) {
		if c == "idempotency_key" {
			return nil, fmt.Errorf("task by key %s: %w", key, ErrNotFound)
		}
	}
	tasks, err := s.query(ctx, "WHERE idempotency_key = $1", []any{key}, " LIMIT 1")
	if err != nil {
		if _, drift := schema.MissingColumn(err); drift {
			return nil, fmt.Errorf("task by key %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("task by key %s: %w", key, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task by key %s: %w", key, ErrNotFound)
	}
	return &tasks[0], nil
}

// Count returns total task count.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

// CountByStatus returns the number of tasks in status.
func (s *PgStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

// query selects every known column, narrowing the select list on drift.
func (s *PgStore) query(ctx context.Context, where string, args []any, suffix string) ([]Task, error) {
	cols := make(map[string]any, len(selectColumns))
	for _, c := range selectColumns {
		cols[c] = nil
	}
	return schema.Write(ctx, s.guard, table, cols, OptionalColumns, func(ctx context.Context, cols map[string]any) ([]Task, error) {
		list := make([]string, 0, len(cols))
		for _, c := range selectColumns {
			if _, ok := cols[c]; ok {
				list = append(list, c)
			}
		}
		rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT %s FROM tasks %s%s", strings.Join(list, ", "), where, suffix), args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var tasks []Task
		for rows.Next() {
			t, err := scanTask(rows, list)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, *t)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return tasks, nil
	})
}

func scanTask(row pgx.Row, cols []string) (*Task, error) {
	var t Task
	var priority, status string
	var location []byte
	nullable := make(map[string]bool)
	dest := make([]any, len(cols))
	for i, c := range cols {
		switch c {
		case "id":
			dest[i] = &t.ID
		case "title":
			dest[i] = &t.Title
		case "description":
			dest[i] = &t.Description
		case "priority":
			dest[i] = &priority
		case "status":
			dest[i] = &status
		case "is_active":
			dest[i] = &t.IsActive
		case "is_required":
			dest[i] = &t.IsRequired
		case "deadline":
			dest[i] = &t.Deadline
		case "location":
			dest[i] = &location
		case "rejection_count":
			dest[i] = &t.RejectionCount
		case "rejection_reason":
			dest[i] = &t.RejectionReason
		case "admin_review_status":
			dest[i] = &t.AdminReviewStatus
		case "completion_photo_url":
			dest[i] = &t.CompletionPhotoURL
		case "started_at":
			dest[i] = &t.StartedAt
		case "completed_at":
			dest[i] = &t.CompletedAt
		case "approved_at":
			dest[i] = &t.ApprovedAt
		case "created_at":
			dest[i] = &t.CreatedAt
		case "updated_at":
			dest[i] = &t.UpdatedAt
		default:
			var p *string
			nullable[c] = true
			dest[i] = &p
		}
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, c := range cols {
		if !nullable[c] {
			continue
		}
		p := *(dest[i].(**string))
		if p == nil {
			continue
		}
		switch c {
		case "assigned_to":
			t.AssignedTo = *p
		case "assigned_by":
			t.AssignedBy = *p
		case "department_id":
			t.DepartmentID = *p
		case "approved_by":
			t.ApprovedBy = *p
		case "parent_id":
			t.ParentID = *p
		case "idempotency_key":
			t.IdempotencyKey = *p
		}
	}
	t.Priority = Priority(priority)
	if st, err := ParseStatus(status); err == nil {
		t.Status = st
	} else {
		t.Status = Status(status)
	}
	if len(location) > 0 {
		if err := json.Unmarshal(location, &t.Location); err != nil {
			t.Location = nil
		}
	}
	return &t, nil
}

func insertArgs(cols map[string]any) (names, placeholders []string, args []any, err error) {
	for _, k := range sortedKeys(cols) {
		v, cast, err := dbValue(k, cols[k])
		if err != nil {
			return nil, nil, nil, err
		}
		args = append(args, v)
		names = append(names, k)
		placeholders = append(placeholders, fmt.Sprintf("$%d%s", len(args), cast))
	}
	return names, placeholders, args, nil
}

// dbValue converts a column value to its driver form and SQL cast suffix.
func dbValue(col string, v any) (any, string, error) {
	switch x := v.(type) {
	case Status:
		v = string(x)
	case Priority:
		v = string(x)
	}
	if col == "location" {
		loc, _ := v.(map[string]any)
		if len(loc) == 0 {
			return nil, "::jsonb", nil
		}
		raw, err := json.Marshal(loc)
		if err != nil {
			return nil, "", fmt.Errorf("marshal location: %w", err)
		}
		return string(raw), "::jsonb", nil
	}
	if nullableText[col] {
		if s, ok := v.(string); ok && s == "" {
			return nil, "", nil
		}
		if v == nil {
			return nil, "", nil
		}
	}
	if v == nil {
		switch col {
		case "description", "rejection_reason", "admin_review_status", "completion_photo_url":
			return "", "", nil
		}
	}
	return v, "", nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsNotFound reports whether err is a missing-row error from this package or pgx.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
