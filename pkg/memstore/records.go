package memstore

import (
	"context"
	"fmt"
	"sync"

	"taskflow/pkg/changefeed"
	"taskflow/pkg/reassign"

	"github.com/google/uuid"
)

// Records is an in-memory reassign.RecordStore.
type Records struct {
	mu      sync.Mutex
	records []reassign.Record
	hub     *changefeed.Hub

	// AppendErr, when set, fails every Append.
	AppendErr error
}

// NewRecords creates an empty Records.
func NewRecords(hub *changefeed.Hub) *Records {
	return &Records{hub: hub}
}

func (s *Records) EnsureTable(context.Context) error { return nil }

func (s *Records) Append(_ context.Context, r *reassign.Record) (*reassign.Record, error) {
	if s.AppendErr != nil {
		return nil, fmt.Errorf("append reassignment record for task %s: %w", r.TaskID, s.AppendErr)
	}
	r.ID = uuid.Must(uuid.NewV7()).String()
	r.CreatedAt = now()
	s.mu.Lock()
	s.records = append(s.records, *r)
	s.mu.Unlock()
	publish(s.hub, changefeed.TableReassignments, changefeed.OpInsert, r.ID)
	return r, nil
}

func (s *Records) ByTask(_ context.Context, id string) ([]reassign.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reassign.Record
	for _, r := range s.records {
		if r.TaskID == id || r.SourceTaskID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Records) ByKey(_ context.Context, key string, kind reassign.Kind) (*reassign.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.IdempotencyKey == key && r.Kind == kind {
			cp := r
			return &cp, nil
		}
	}
	return nil, reassign.ErrNotFound
}

// All returns every record in append order.
func (s *Records) All() []reassign.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reassign.Record(nil), s.records...)
}
