// Package employee is the read-only view of the people tasks are assigned to.
// The workflow never creates or mutates employees; it resolves names, roles
// and departments for authorization and notification addressing.
package employee

import (
	"context"
	"errors"
	"time"
)

// Role is an employee's tier.
type Role string

const (
	RoleEmployee       Role = "employee"        // front-line worker
	RoleDepartmentHead Role = "department_head" // supervisor
	RoleAdmin          Role = "admin"           // may be scoped to departments
	RoleSuperAdmin     Role = "super_admin"     // unrestricted
)

// IsAdmin reports whether r is an administrator tier.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleDepartmentHead, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

var ErrNotFound = errors.New("employee not found")

// Employee is an identified person in the organisation.
type Employee struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	DepartmentID string    `json:"department_id"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Directory is the read contract the workflow depends on.
type Directory interface {
	// Get returns an employee by ID, active or not.
	Get(ctx context.Context, id string) (*Employee, error)

	// ActiveInDepartment returns active employees of role in departmentID,
	// oldest first.
	ActiveInDepartment(ctx context.Context, departmentID string, role Role) ([]Employee, error)

	// ActiveByRole returns active employees holding any of roles.
	ActiveByRole(ctx context.Context, roles ...Role) ([]Employee, error)

	// AdminDepartments returns the departments a scoped administrator covers.
	// An empty result means the administrator is not scoped.
	AdminDepartments(ctx context.Context, adminID string) ([]string, error)
}
