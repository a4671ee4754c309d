package reassign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectRecord = `SELECT id, task_id, source_task_id, kind, from_employee, to_employee, rejected_by, reason, idempotency_key, created_at FROM reassignment_records`

// PgRecordStore is a PostgreSQL-backed RecordStore.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

var _ RecordStore = (*PgRecordStore)(nil)

// NewPgRecordStore creates a PgRecordStore.
func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// EnsureTable creates the reassignment_records table if it doesn't exist.
func (s *PgRecordStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reassignment_records (
			id              TEXT PRIMARY KEY,
			task_id         TEXT NOT NULL,
			source_task_id  TEXT NOT NULL,
			kind            TEXT NOT NULL,
			from_employee   TEXT NOT NULL DEFAULT '',
			to_employee     TEXT NOT NULL DEFAULT '',
			rejected_by     TEXT NOT NULL DEFAULT '',
			reason          TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_reassignment_task ON reassignment_records(task_id)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_reassignment_source ON reassignment_records(source_task_id)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_reassignment_key ON reassignment_records(idempotency_key, kind) WHERE idempotency_key != ''`)
	return err
}

// Append writes a record. Records are never updated.
func (s *PgRecordStore) Append(ctx context.Context, r *Record) (*Record, error) {
	r.ID = uuid.Must(uuid.NewV7()).String()
	r.CreatedAt = time.Now().Truncate(time.Microsecond)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reassignment_records (id, task_id, source_task_id, kind, from_employee, to_employee, rejected_by, reason, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.TaskID, r.SourceTaskID, string(r.Kind), r.FromEmployee, r.ToEmployee, r.RejectedBy, r.Reason, r.IdempotencyKey, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append reassignment record for task %s: %w", r.TaskID, err)
	}
	return r, nil
}

// ByTask returns records touching id, oldest first.
func (s *PgRecordStore) ByTask(ctx context.Context, id string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectRecord+`
		WHERE task_id = $1 OR source_task_id = $1 ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("reassignment records of %s: %w", id, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// ByKey returns the record of kind written under key.
func (s *PgRecordStore) ByKey(ctx context.Context, key string, kind Kind) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+`
		WHERE idempotency_key = $1 AND kind = $2 ORDER BY created_at ASC LIMIT 1`, key, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var kind string
	if err := row.Scan(&r.ID, &r.TaskID, &r.SourceTaskID, &kind, &r.FromEmployee, &r.ToEmployee, &r.RejectedBy, &r.Reason, &r.IdempotencyKey, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	return &r, nil
}
