package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectRequest = `SELECT id, task_id, department_id, requested_by, status, admin_reason, created_at, approved_by, approved_at FROM verification_requests`

// PgStore is a PostgreSQL-backed ledger.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the verification_requests table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS verification_requests (
			id            TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL,
			department_id TEXT,
			requested_by  TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			admin_reason  TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			approved_by   TEXT,
			approved_at   TIMESTAMPTZ
		)`)
	if err != nil {
		return err
	}
	// At most one pending request per task.
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_verification_pending_task ON verification_requests(task_id) WHERE status = 'pending'`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_verification_status_department ON verification_requests(status, department_id)`)
	return err
}

// Create inserts a pending request.
func (s *PgStore) Create(ctx context.Context, r *Request) (*Request, error) {
	r.ID = uuid.Must(uuid.NewV7()).String()
	r.CreatedAt = time.Now().Truncate(time.Microsecond)
	r.Status = StatusPending
	r.AdminReason = ""
	r.ApprovedBy = ""
	r.ApprovedAt = nil

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO verification_requests (id, task_id, department_id, requested_by, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT DO NOTHING`,
		r.ID, r.TaskID, nilIfEmpty(r.DepartmentID), r.RequestedBy, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create verification request for task %s: %w", r.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("create verification request for task %s: %w", r.TaskID, ErrDuplicatePending)
	}
	return r, nil
}

// Get retrieves a single request by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, selectRequest+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get verification request %s: %w", id, notFound(err))
	}
	return r, nil
}

// PendingForTask returns the open request of a task.
func (s *PgStore) PendingForTask(ctx context.Context, taskID string) (*Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, selectRequest+` WHERE task_id = $1 AND status = 'pending'`, taskID))
	if err != nil {
		return nil, fmt.Errorf("pending verification for task %s: %w", taskID, notFound(err))
	}
	return r, nil
}

// Resolve approves or rejects a pending request.
func (s *PgStore) Resolve(ctx context.Context, id string, d Disposition) (*Request, error) {
	status := StatusRejected
	reason := d.Reason
	if d.Approved {
		status = StatusApproved
		reason = ""
	}
	now := time.Now().Truncate(time.Microsecond)

	r, err := scanRequest(s.pool.QueryRow(ctx, `
		UPDATE verification_requests SET status = $1, admin_reason = $2, approved_by = $3, approved_at = $4
		WHERE id = $5 AND status = 'pending'
		RETURNING id, task_id, department_id, requested_by, status, admin_reason, created_at, approved_by, approved_at`,
		string(status), reason, d.AdminID, now, id))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolve verification request %s: %w", id, err)
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("resolve verification request %s: %w", id, ErrNotPending)
}

// List returns requests matching f, oldest first.
func (s *PgStore) List(ctx context.Context, f Filter) ([]Request, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if !f.Unscoped {
		if len(f.DepartmentIDs) == 0 {
			return nil, nil
		}
		args = append(args, f.DepartmentIDs)
		where = append(where, fmt.Sprintf("department_id = ANY($%d)", len(args)))
	}
	query := selectRequest
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verification requests: %w", err)
	}
	defer rows.Close()

	var reqs []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return reqs, nil
}

// DeleteByTask removes every request of a task, open or closed.
func (s *PgStore) DeleteByTask(ctx context.Context, taskID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM verification_requests WHERE task_id = $1`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete verification requests of task %s: %w", taskID, err)
	}
	return int(tag.RowsAffected()), nil
}

// PendingCount returns the number of pending requests.
func (s *PgStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM verification_requests WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var dept, approvedBy *string
	var status string
	if err := row.Scan(&r.ID, &r.TaskID, &dept, &r.RequestedBy, &status, &r.AdminReason, &r.CreatedAt, &approvedBy, &r.ApprovedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if dept != nil {
		r.DepartmentID = *dept
	}
	if approvedBy != nil {
		r.ApprovedBy = *approvedBy
	}
	return &r, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
