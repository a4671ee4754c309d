package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectEvent = `SELECT id, type, timestamp, task_id, actor, content, causes, hash, prev_hash FROM journal`

// PgStore is a PostgreSQL-backed Journal with hash-chained integrity.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Journal = (*PgStore)(nil)

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the journal table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS journal (
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			task_id   TEXT NOT NULL DEFAULT '',
			actor     TEXT NOT NULL DEFAULT '',
			content   JSONB NOT NULL DEFAULT '{}',
			causes    TEXT[] DEFAULT '{}',
			hash      TEXT NOT NULL,
			prev_hash TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_journal_task ON journal(task_id, timestamp)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_journal_timestamp_id ON journal(timestamp, id)`)
	return err
}

// Append stores a new event, linking it to the current chain head.
func (s *PgStore) Append(ctx context.Context, eventType, taskID, actor string, content map[string]any, causes []string) (*Event, error) {
	if content == nil {
		content = map[string]any{}
	}
	if causes == nil {
		causes = []string{}
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	id := uuid.Must(uuid.NewV7()).String()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialise appenders so two events never share a prev_hash.
	if _, err := tx.Exec(ctx, `LOCK TABLE journal IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("lock journal: %w", err)
	}

	var prevHash string
	err = tx.QueryRow(ctx, `SELECT hash FROM journal ORDER BY timestamp DESC, id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	e := &Event{
		ID:        id,
		Type:      eventType,
		Timestamp: now,
		TaskID:    taskID,
		Actor:     actor,
		Content:   content,
		Causes:    causes,
		Hash:      ComputeHash(prevHash, id, eventType, taskID, actor, now, contentJSON),
		PrevHash:  prevHash,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO journal (id, type, timestamp, task_id, actor, content, causes, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)`,
		e.ID, e.Type, e.Timestamp, e.TaskID, e.Actor, string(contentJSON), e.Causes, e.Hash, e.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return e, nil
}

// Get retrieves a single event by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Event, error) {
	e, _, err := scanEvent(s.pool.QueryRow(ctx, selectEvent+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// Recent returns the most recent events, newest first.
func (s *PgStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.scanMany(ctx, selectEvent+` ORDER BY timestamp DESC, id DESC LIMIT $1`, limit)
}

// ByTask returns a task's history in chronological order.
func (s *PgStore) ByTask(ctx context.Context, taskID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, selectEvent+` WHERE task_id = $1 ORDER BY timestamp ASC, id ASC LIMIT $2`, taskID, limit)
}

// Since returns events appended after the given ID, for polling.
func (s *PgStore) Since(ctx context.Context, afterID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, selectEvent+`
		WHERE (timestamp, id) > (SELECT timestamp, id FROM journal WHERE id = $1)
		ORDER BY timestamp ASC, id ASC LIMIT $2`, afterID, limit)
}

// Count returns the total number of events.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// VerifyChain walks the journal chronologically and checks every link.
func (s *PgStore) VerifyChain(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, selectEvent+` ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	defer rows.Close()

	var chain Chain
	for rows.Next() {
		e, raw, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("verify chain scan: %w", err)
		}
		if err := chain.Next(*e, raw); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("verify chain rows: %w", err)
	}
	return nil
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, _, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*Event, []byte, error) {
	var e Event
	var contentJSON []byte
	if err := row.Scan(&e.ID, &e.Type, &e.Timestamp, &e.TaskID, &e.Actor, &contentJSON, &e.Causes, &e.Hash, &e.PrevHash); err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
		return nil, nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return &e, contentJSON, nil
}
