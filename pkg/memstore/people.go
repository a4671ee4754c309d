package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"taskflow/pkg/employee"
)

// People is an in-memory employee.Directory.
type People struct {
	mu     sync.Mutex
	people map[string]*employee.Employee
	scopes map[string][]string
}

// NewPeople creates an empty directory.
func NewPeople() *People {
	return &People{
		people: make(map[string]*employee.Employee),
		scopes: make(map[string][]string),
	}
}

// Add inserts or replaces e. Employees added earlier sort first.
func (s *People) Add(e employee.Employee) *employee.Employee {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.people[e.ID]; ok && e.CreatedAt.IsZero() {
		e.CreatedAt = prev.CreatedAt
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	cp := e
	s.people[e.ID] = &cp
	return &e
}

// SetActive toggles an employee's active flag.
func (s *People) SetActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.people[id]
	if !ok {
		return fmt.Errorf("set employee %s active: %w", id, employee.ErrNotFound)
	}
	e.IsActive = active
	return nil
}

// ScopeAdmin assigns departments to an administrator.
func (s *People) ScopeAdmin(adminID string, departments ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[adminID] = append(s.scopes[adminID], departments...)
}

func (s *People) Get(_ context.Context, id string) (*employee.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.people[id]
	if !ok {
		return nil, fmt.Errorf("get employee %s: %w", id, employee.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *People) ActiveInDepartment(_ context.Context, departmentID string, role employee.Role) ([]employee.Employee, error) {
	return s.filter(func(e *employee.Employee) bool {
		return e.IsActive && e.DepartmentID == departmentID && e.Role == role
	}), nil
}

func (s *People) ActiveByRole(_ context.Context, roles ...employee.Role) ([]employee.Employee, error) {
	return s.filter(func(e *employee.Employee) bool {
		if !e.IsActive {
			return false
		}
		for _, r := range roles {
			if e.Role == r {
				return true
			}
		}
		return false
	}), nil
}

func (s *People) AdminDepartments(_ context.Context, adminID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depts := append([]string(nil), s.scopes[adminID]...)
	sort.Strings(depts)
	return depts, nil
}

// List returns everyone, oldest first.
func (s *People) List(context.Context) ([]employee.Employee, error) {
	return s.filter(func(*employee.Employee) bool { return true }), nil
}

func (s *People) filter(keep func(*employee.Employee) bool) []employee.Employee {
	s.mu.Lock()
	var out []employee.Employee
	for _, e := range s.people {
		if keep(e) {
			out = append(out, *e)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
