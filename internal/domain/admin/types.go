// Package admin implements the super admin console: staff, doctor,
// department and investigation test management plus the aggregate stats.
package admin

import (
	"context"
	"errors"
	"strings"

	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
)

// Staff roles
const (
	RoleDoctor       = "Doctor"
	RoleReceptionist = "Receptionist"
	RoleSubAdmin     = "Sub Admin"
	RoleSuperAdmin   = "Super Admin"
)

// Roles are the assignable staff roles
var Roles = []string{RoleDoctor, RoleReceptionist, RoleSubAdmin, RoleSuperAdmin}

// Kind names one managed record type
type Kind string

const (
	KindStaff      Kind = "staff"
	KindDoctor     Kind = "doctors"
	KindDepartment Kind = "departments"
	KindTest       Kind = "tests"
)

// NoDepartmentLabel is shown for a doctor without a department
const NoDepartmentLabel = "No Department (Independent)"

// Kinds lists every managed record type
var Kinds = []Kind{KindStaff, KindDoctor, KindDepartment, KindTest}

// ErrUnknownKind is returned for an unrecognised record type
var ErrUnknownKind = errors.New("unknown record kind")

// ParseKind validates a URL segment
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", ErrUnknownKind
}

// Staff is a console user account
type Staff struct {
	ID    common.ID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
}

// NewStaff is the staff creation form
type NewStaff struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *NewStaff) normalize() error {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = strings.TrimSpace(s.Email)
	if s.Role == "" {
		s.Role = RoleDoctor
	}
	switch {
	case s.Name == "":
		return form.Invalid("name", "Name is required")
	case s.Email == "" || !strings.Contains(s.Email, "@"):
		return form.Invalid("email", "A valid email is required")
	case s.Password == "":
		return form.Invalid("password", "Password is required")
	}
	for _, r := range Roles {
		if r == s.Role {
			return nil
		}
	}
	return form.Invalid("role", "Role must be one of "+strings.Join(Roles, ", "))
}

// NewDoctor is the doctor creation form. An empty department adds an
// independent doctor.
type NewDoctor struct {
	Name         string      `json:"name"`
	DepartmentID common.ID   `json:"department_id"`
	Mobile       common.Text `json:"mobile"`
	Email        string      `json:"email"`
}

func (d *NewDoctor) normalize() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return form.Invalid("name", "Name is required")
	}
	return nil
}

// NewDepartment is the department creation form
type NewDepartment struct {
	Name string `json:"name"`
}

func (d *NewDepartment) normalize() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return form.Invalid("name", "Department name is required")
	}
	return nil
}

// TestInput is the investigation test form used for create and update
type TestInput struct {
	Name string         `json:"test_name"`
	Rate billing.Amount `json:"rate"`
}

func (t *TestInput) normalize() error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return form.Invalid("test_name", "Test name is required")
	}
	if t.Rate < 0 {
		return form.Invalid("rate", "Rate cannot be negative")
	}
	return nil
}

// Stats are the server-computed totals shown above the tabs
type Stats struct {
	Patients    common.Count `json:"patients"`
	Visits      common.Count `json:"visits"`
	Doctors     common.Count `json:"doctors"`
	Departments common.Count `json:"departments"`
}

// Gateway is the HMS API surface used by the admin console. Creates return
// the new record id when the server reports one.
type Gateway interface {
	ListStaff(ctx context.Context) ([]Staff, error)
	CreateStaff(ctx context.Context, s NewStaff) (common.ID, error)
	ListDoctors(ctx context.Context, departmentID common.ID) ([]visit.Doctor, error)
	CreateDoctor(ctx context.Context, d NewDoctor) (common.ID, error)
	ListDepartments(ctx context.Context) ([]visit.Department, error)
	CreateDepartment(ctx context.Context, d NewDepartment) (common.ID, error)
	// ListAllTests includes inactive tests
	ListAllTests(ctx context.Context) ([]catalog.Entry, error)
	CreateTest(ctx context.Context, t TestInput) (common.ID, error)
	UpdateTest(ctx context.Context, id common.ID, t TestInput) error
	ToggleTestStatus(ctx context.Context, id common.ID) error
	Delete(ctx context.Context, kind Kind, id common.ID) error
	Stats(ctx context.Context) (Stats, error)
}
