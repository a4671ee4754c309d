package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the NOTIFY channel the triggers publish on.
const Channel = "taskflow_changes"

// PgListener relays Postgres NOTIFY payloads into a Hub.
type PgListener struct {
	pool *pgxpool.Pool
	hub  *Hub
}

// NewPgListener creates a PgListener publishing into hub.
func NewPgListener(pool *pgxpool.Pool, hub *Hub) *PgListener {
	return &PgListener{pool: pool, hub: hub}
}

// EnsureTriggers installs the notify function and per-table triggers.
func (l *PgListener) EnsureTriggers(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION taskflow_notify() RETURNS trigger AS $$
		DECLARE
			row_id TEXT;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				row_id := OLD.id;
			ELSE
				row_id := NEW.id;
			END IF;
			PERFORM pg_notify('%s', json_build_object(
				'table', TG_TABLE_NAME, 'op', TG_OP, 'id', row_id, 'at', now())::text);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`, Channel))
	if err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for _, table := range []string{TableTasks, TableVerifications, TableReassignments} {
		_, err := l.pool.Exec(ctx, fmt.Sprintf(`
			CREATE OR REPLACE TRIGGER %s_changes
			AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION taskflow_notify()`, table, table))
		if err != nil {
			return fmt.Errorf("create trigger on %s: %w", table, err)
		}
	}
	return nil
}

// Run listens until ctx is cancelled, reconnecting after connection loss.
func (l *PgListener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("changefeed: listener stopped: %v, retrying", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (l *PgListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c, err := ParsePayload(n.Payload)
		if err != nil {
			log.Printf("changefeed: bad payload %q: %v", n.Payload, err)
			continue
		}
		l.hub.Publish(c)
	}
}

// ParsePayload decodes a trigger payload.
func ParsePayload(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, err
	}
	if c.Table == "" || c.ID == "" {
		return Change{}, fmt.Errorf("payload missing table or id")
	}
	return c, nil
}
