// Package memstore holds in-memory implementations of every store contract.
// The server uses them with STORE=memory; tests use them directly.
package memstore

import (
	"sync/atomic"
	"time"

	"taskflow/pkg/changefeed"
	"taskflow/pkg/employee"
	"taskflow/pkg/eventlog"
	"taskflow/pkg/reassign"
	"taskflow/pkg/task"
	"taskflow/pkg/verification"
)

var (
	_ task.Store           = (*Tasks)(nil)
	_ verification.Store   = (*Requests)(nil)
	_ employee.Directory   = (*People)(nil)
	_ reassign.RecordStore = (*Records)(nil)
	_ eventlog.Journal     = (*Journal)(nil)
)

// Store bundles one of each in-memory store, sharing a change hub.
type Store struct {
	Tasks    *Tasks
	Requests *Requests
	People   *People
	Records  *Records
	Journal  *Journal
	Hub      *changefeed.Hub
}

// New creates an empty Store publishing into hub. A nil hub gets a fresh one.
func New(hub *changefeed.Hub) *Store {
	if hub == nil {
		hub = changefeed.NewHub()
	}
	return &Store{
		Tasks:    NewTasks(hub),
		Requests: NewRequests(hub),
		People:   NewPeople(),
		Records:  NewRecords(hub),
		Journal:  NewJournal(),
		Hub:      hub,
	}
}

var clock atomic.Int64

// now returns strictly increasing microsecond timestamps so that ordering by
// creation time is deterministic within a process.
func now() time.Time {
	t := time.Now().Truncate(time.Microsecond).UnixMicro()
	for {
		last := clock.Load()
		if t <= last {
			t = last + 1
		}
		if clock.CompareAndSwap(last, t) {
			return time.UnixMicro(t).UTC()
		}
	}
}

func publish(hub *changefeed.Hub, table, op, id string) {
	if hub == nil {
		return
	}
	hub.Publish(changefeed.Change{Table: table, Op: op, ID: id, At: time.Now()})
}
