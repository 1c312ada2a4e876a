// Package visit implements the OPD and follow-up registration forms, the
// department to doctor dependent selection and the dashboard summary.
package visit

import (
	"context"
	"errors"
	"strings"

	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/common"
)

// Kind is the visit type
type Kind string

const (
	KindOPD      Kind = "OPD"
	KindFollowUp Kind = "Follow-up"
)

// ErrUnknownKind is returned for an unrecognised form slug
var ErrUnknownKind = errors.New("unknown visit kind")

// ParseKind maps a URL slug to a Kind
func ParseKind(slug string) (Kind, error) {
	switch strings.ToLower(slug) {
	case "opd":
		return KindOPD, nil
	case "followup", "follow-up":
		return KindFollowUp, nil
	default:
		return "", ErrUnknownKind
	}
}

// Slug is the URL form of k
func (k Kind) Slug() string {
	if k == KindFollowUp {
		return "followup"
	}
	return "opd"
}

// HasCharges reports whether the form carries fixed registration and
// consultation charges
func (k Kind) HasCharges() bool {
	return k == KindOPD
}

// PayTypes are the accepted payment methods
var PayTypes = []string{"Cash", "Card", "Online", "Insurance"}

// Default field values
const (
	DefaultPayType          = "Cash"
	DefaultRegistrationDesc = "Registration Fee"
	DefaultOPDDesc          = "Consultation"
	FollowUpMarker          = "Follow-up for: "
	FollowUpFallbackNote    = "Previous Visit"
)

// Department is a clinical department
type Department struct {
	ID   common.ID `json:"id"`
	Name string    `json:"name"`
}

// Doctor is a doctor, optionally attached to a department
type Doctor struct {
	ID           common.ID   `json:"id"`
	Name         string      `json:"name"`
	DepartmentID common.ID   `json:"department_id"`
	Mobile       common.Text `json:"mobile,omitempty"`
	Email        string      `json:"email,omitempty"`
}

// LastVisit is the part of a patient's most recent visit used to prefill
// a follow-up
type LastVisit struct {
	ID           common.ID `json:"id"`
	DepartmentID common.ID `json:"department_id"`
	DoctorID     common.ID `json:"doctor_id"`
	Notes        string    `json:"notes"`
}

// FollowUpNotes is the notes text prefilled from last
func FollowUpNotes(last LastVisit) string {
	notes := last.Notes
	if notes == "" {
		notes = FollowUpFallbackNote
	}
	return FollowUpMarker + notes
}

// DailySummary is the server-computed figure set for one day
type DailySummary struct {
	TotalPatients common.Count   `json:"total_patients"`
	TotalVisits   common.Count   `json:"total_visits"`
	TotalRevenue  billing.Amount `json:"total_revenue"`
}

// Registration is the payload of a visit submission
type Registration struct {
	PatientID          common.ID                   `json:"patient_id"`
	DepartmentID       common.ID                   `json:"department_id"`
	DoctorID           common.ID                   `json:"doctor_id"`
	VisitDate          string                      `json:"visit_date"`
	PayType            string                      `json:"pay_type"`
	Notes              string                      `json:"notes"`
	RegistrationCharge *billing.Amount             `json:"registration_charge,omitempty"`
	RegistrationDesc   string                      `json:"registration_desc,omitempty"`
	OPDCharge          *billing.Amount             `json:"opd_charge,omitempty"`
	OPDDesc            string                      `json:"opd_desc,omitempty"`
	Investigations     []billing.InvestigationLine `json:"investigations"`
	TotalAmount        float64                     `json:"total_amount"`
}

// Gateway is the HMS API surface used by the visit forms
type Gateway interface {
	ListDepartments(ctx context.Context) ([]Department, error)
	// ListDoctors lists doctors of departmentID, or all doctors when it is empty
	ListDoctors(ctx context.Context, departmentID common.ID) ([]Doctor, error)
	// LastVisit returns nil without error when the patient has no visit
	LastVisit(ctx context.Context, patientID common.ID) (*LastVisit, error)
	RegisterVisit(ctx context.Context, kind Kind, r Registration) (common.ID, error)
}

// Reports is the HMS API surface used by the dashboard and bill reprint
type Reports interface {
	DailySummary(ctx context.Context, date string) (DailySummary, error)
	ListVisits(ctx context.Context, limit int) ([]billing.Record, error)
	GetVisit(ctx context.Context, id common.ID) (billing.Record, error)
}
