package employee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectEmployee = `SELECT id, name, email, role, department_id, is_active, created_at FROM employees`

// PgDirectory is a PostgreSQL-backed directory.
type PgDirectory struct {
	pool *pgxpool.Pool
}

var _ Directory = (*PgDirectory)(nil)

// NewPgDirectory creates a PgDirectory.
func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

// EnsureTable creates the employees and admin_departments tables if they don't exist.
func (s *PgDirectory) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS employees (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			email         TEXT,
			role          TEXT NOT NULL,
			department_id TEXT,
			is_active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS employees_email_idx ON employees(email) WHERE email IS NOT NULL`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS employees_department_role_idx ON employees(department_id, role) WHERE is_active`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS admin_departments (
			admin_id      TEXT NOT NULL,
			department_id TEXT NOT NULL,
			PRIMARY KEY (admin_id, department_id)
		)`)
	return err
}

// Register creates or returns an existing employee, matching on email.
// Used by operator tooling to seed the directory; the workflow never calls it.
func (s *PgDirectory) Register(ctx context.Context, name, email string, role Role, departmentID string) (*Employee, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("register employee %s: unknown role %q", name, role)
	}
	if email != "" {
		e, err := s.scanOne(ctx, selectEmployee+` WHERE email = $1`, email)
		if err == nil {
			return e, nil
		}
	}

	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO employees (id, name, email, role, department_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT DO NOTHING`,
		id, name, nilIfEmpty(email), string(role), nilIfEmpty(departmentID), now)
	if err != nil {
		return nil, fmt.Errorf("register employee %s: %w", name, err)
	}

	// Re-fetch to handle race conditions (ON CONFLICT DO NOTHING)
	if email != "" {
		return s.scanOne(ctx, selectEmployee+` WHERE email = $1`, email)
	}
	return s.Get(ctx, id)
}

// SetActive toggles an employee's active flag. Operator tooling only.
func (s *PgDirectory) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE employees SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("set employee %s active: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set employee %s active: %w", id, ErrNotFound)
	}
	return nil
}

// AddAdminDepartment scopes an administrator to a department. Idempotent.
func (s *PgDirectory) AddAdminDepartment(ctx context.Context, adminID, departmentID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_departments (admin_id, department_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, adminID, departmentID)
	if err != nil {
		return fmt.Errorf("scope admin %s to %s: %w", adminID, departmentID, err)
	}
	return nil
}

// Get returns an employee by ID.
func (s *PgDirectory) Get(ctx context.Context, id string) (*Employee, error) {
	e, err := s.scanOne(ctx, selectEmployee+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get employee %s: %w", id, err)
	}
	return e, nil
}

// ActiveInDepartment returns active employees of role in a department.
func (s *PgDirectory) ActiveInDepartment(ctx context.Context, departmentID string, role Role) ([]Employee, error) {
	rows, err := s.pool.Query(ctx, selectEmployee+`
		WHERE department_id = $1 AND role = $2 AND is_active
		ORDER BY created_at ASC, id ASC`, departmentID, string(role))
	if err != nil {
		return nil, fmt.Errorf("employees in department %s: %w", departmentID, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// ActiveByRole returns active employees holding any of roles.
func (s *PgDirectory) ActiveByRole(ctx context.Context, roles ...Role) ([]Employee, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	rows, err := s.pool.Query(ctx, selectEmployee+`
		WHERE role = ANY($1) AND is_active
		ORDER BY created_at ASC, id ASC`, names)
	if err != nil {
		return nil, fmt.Errorf("employees by role: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// AdminDepartments returns the departments adminID is scoped to.
func (s *PgDirectory) AdminDepartments(ctx context.Context, adminID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department_id FROM admin_departments WHERE admin_id = $1 ORDER BY department_id`, adminID)
	if err != nil {
		return nil, fmt.Errorf("admin departments %s: %w", adminID, err)
	}
	defer rows.Close()

	var depts []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		depts = append(depts, d)
	}
	return depts, rows.Err()
}

// List returns all employees.
func (s *PgDirectory) List(ctx context.Context) ([]Employee, error) {
	rows, err := s.pool.Query(ctx, selectEmployee+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *PgDirectory) scanOne(ctx context.Context, query string, args ...any) (*Employee, error) {
	e, err := scanEmployee(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanRows(rows pgx.Rows) ([]Employee, error) {
	var employees []Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, *e)
	}
	return employees, rows.Err()
}

func scanEmployee(row pgx.Row) (*Employee, error) {
	var e Employee
	var email, dept *string
	var role string
	if err := row.Scan(&e.ID, &e.Name, &email, &role, &dept, &e.IsActive, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Role = Role(role)
	if email != nil {
		e.Email = *email
	}
	if dept != nil {
		e.DepartmentID = *dept
	}
	return &e, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
