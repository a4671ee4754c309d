// Package schema lets writes survive a database schema that lags the
// application. A write that touches an optional column is attempted with the
// full payload first; when the store reports that one of those columns does
// not exist, the column is dropped from the payload and the write is retried.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSchemaDrift is the error kind for a column the application expects but
// the store does not have.
var ErrSchemaDrift = errors.New("schema drift")

// undefinedColumn is the Postgres SQLSTATE for "column does not exist".
const undefinedColumn = "42703"

// columnRe matches both `column "x" of relation "t"` and the unquoted,
// qualified `column t.x does not exist`.
var columnRe = regexp.MustCompile(`column (?:"([^"]+)"|([A-Za-z_][\w.]*) does not exist)`)

// MissingColumnError is returned by stores that detect an absent column
// themselves (the in-memory store uses it to simulate a lagging schema).
type MissingColumnError struct {
	Table  string
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("column %q of relation %q does not exist", e.Column, e.Table)
}

// Is makes errors.Is(err, ErrSchemaDrift) match.
func (e *MissingColumnError) Is(target error) bool {
	return target == ErrSchemaDrift
}

// MissingColumn reports whether err means a column is absent. The column name
// is returned when it can be recovered from the error.
func MissingColumn(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var mc *MissingColumnError
	if errors.As(err, &mc) {
		return mc.Column, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedColumn {
		if pgErr.ColumnName != "" {
			return pgErr.ColumnName, true
		}
		if m := columnRe.FindStringSubmatch(pgErr.Message); m != nil {
			name := m[1] + m[2]
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			return name, true
		}
		return "", true
	}
	return "", false
}

// Guard remembers which optional columns were found missing per table so
// later writes skip them up front. A nil *Guard is valid and remembers nothing.
type Guard struct {
	mu      sync.Mutex
	missing map[string]map[string]bool
}

// NewGuard creates a Guard.
func NewGuard() *Guard {
	return &Guard{missing: make(map[string]map[string]bool)}
}

// Missing returns the columns recorded as absent for table, sorted.
func (g *Guard) Missing(table string) []string {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var cols []string
	for c := range g.missing[table] {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// markMissing records column as absent. Returns true the first time.
func (g *Guard) markMissing(table, column string) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cols, ok := g.missing[table]
	if !ok {
		cols = make(map[string]bool)
		g.missing[table] = cols
	}
	if cols[column] {
		return false
	}
	cols[column] = true
	return true
}

func (g *Guard) narrow(table string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	if g == nil {
		return out
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.missing[table] {
		delete(out, c)
	}
	return out
}

// Write runs write with payload, narrowing it on schema drift. Only columns
// listed in optional may be dropped, and each at most once; drift on any other
// column is returned unchanged. When the store cannot name the missing column,
// every optional column still in the payload is dropped in one step.
func Write[T any](ctx context.Context, g *Guard, table string, payload map[string]any, optional []string, write func(context.Context, map[string]any) (T, error)) (T, error) {
	isOptional := make(map[string]bool, len(optional))
	for _, c := range optional {
		isOptional[c] = true
	}

	cur := g.narrow(table, payload)
	for {
		out, err := write(ctx, cur)
		if err == nil {
			return out, nil
		}
		col, drift := MissingColumn(err)
		if !drift {
			return out, err
		}

		var drop []string
		if col != "" {
			if _, present := cur[col]; !present || !isOptional[col] {
				return out, err
			}
			drop = []string{col}
		} else {
			for _, c := range optional {
				if _, present := cur[c]; present {
					drop = append(drop, c)
				}
			}
			if len(drop) == 0 {
				return out, err
			}
		}

		next := make(map[string]any, len(cur))
		for k, v := range cur {
			next[k] = v
		}
		for _, c := range drop {
			delete(next, c)
			if g.markMissing(table, c) {
				log.Printf("schema: %s.%s is missing, writing without it", table, c)
			}
		}
		cur = next
	}
}
