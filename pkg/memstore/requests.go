package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"taskflow/pkg/changefeed"
	"taskflow/pkg/verification"

	"github.com/google/uuid"
)

// Requests is an in-memory verification.Store.
type Requests struct {
	mu   sync.Mutex
	reqs map[string]*verification.Request
	hub  *changefeed.Hub
}

// NewRequests creates an empty Requests.
func NewRequests(hub *changefeed.Hub) *Requests {
	return &Requests{reqs: make(map[string]*verification.Request), hub: hub}
}

func (s *Requests) EnsureTable(context.Context) error { return nil }

func (s *Requests) Create(_ context.Context, r *verification.Request) (*verification.Request, error) {
	s.mu.Lock()
	for _, existing := range s.reqs {
		if existing.TaskID == r.TaskID && existing.Status == verification.StatusPending {
			s.mu.Unlock()
			return nil, fmt.Errorf("create verification request for task %s: %w", r.TaskID, verification.ErrDuplicatePending)
		}
	}
	r.ID = uuid.Must(uuid.NewV7()).String()
	r.CreatedAt = now()
	r.Status = verification.StatusPending
	r.AdminReason = ""
	r.ApprovedBy = ""
	r.ApprovedAt = nil
	cp := *r
	s.reqs[r.ID] = &cp
	s.mu.Unlock()

	publish(s.hub, changefeed.TableVerifications, changefeed.OpInsert, r.ID)
	return r, nil
}

func (s *Requests) Get(_ context.Context, id string) (*verification.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return nil, fmt.Errorf("get verification request %s: %w", id, verification.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Requests) PendingForTask(_ context.Context, taskID string) (*verification.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reqs {
		if r.TaskID == taskID && r.Status == verification.StatusPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("pending verification for task %s: %w", taskID, verification.ErrNotFound)
}

func (s *Requests) Resolve(_ context.Context, id string, d verification.Disposition) (*verification.Request, error) {
	s.mu.Lock()
	r, ok := s.reqs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("get verification request %s: %w", id, verification.ErrNotFound)
	}
	if r.Status != verification.StatusPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("resolve verification request %s: %w", id, verification.ErrNotPending)
	}
	next := *r
	ts := now()
	next.ApprovedBy = d.AdminID
	next.ApprovedAt = &ts
	if d.Approved {
		next.Status = verification.StatusApproved
	} else {
		next.Status = verification.StatusRejected
		next.AdminReason = d.Reason
	}
	s.reqs[id] = &next
	s.mu.Unlock()

	publish(s.hub, changefeed.TableVerifications, changefeed.OpUpdate, id)
	cp := next
	return &cp, nil
}

func (s *Requests) List(_ context.Context, f verification.Filter) ([]verification.Request, error) {
	if !f.Unscoped && len(f.DepartmentIDs) == 0 {
		return nil, nil
	}
	depts := make(map[string]bool, len(f.DepartmentIDs))
	for _, d := range f.DepartmentIDs {
		depts[d] = true
	}

	s.mu.Lock()
	var out []verification.Request
	for _, r := range s.reqs {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.TaskID != "" && r.TaskID != f.TaskID {
			continue
		}
		if !f.Unscoped && !depts[r.DepartmentID] {
			continue
		}
		out = append(out, *r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Requests) DeleteByTask(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	var removed []string
	for id, r := range s.reqs {
		if r.TaskID == taskID {
			delete(s.reqs, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		publish(s.hub, changefeed.TableVerifications, changefeed.OpDelete, id)
	}
	return len(removed), nil
}

func (s *Requests) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reqs {
		if r.Status == verification.StatusPending {
			n++
		}
	}
	return n, nil
}
