// Package patient holds the patient record, the dual-calendar date of birth,
// the debounced patient search and the register and edit forms.
package patient

import (
	"context"
	"fmt"
	"strings"

	"github.com/clinicdesk/opd-console/internal/domain/common"
)

// Selectable values offered by the patient forms
var (
	Titles   = []string{"Mr.", "Mrs.", "Ms.", "Dr.", "Prof."}
	AgeTypes = []string{"Years", "Months", "Days"}
	Genders  = []string{"Male", "Female", "Other"}
)

const (
	DefaultTitle   = "Mr."
	DefaultAgeType = "Years"
	DefaultGender  = "Male"
)

// Patient is a patient record as exchanged with the HMS API
type Patient struct {
	ID         common.ID   `json:"id,omitempty"`
	Title      string      `json:"title"`
	FirstName  string      `json:"first_name"`
	MiddleName string      `json:"middle_name"`
	LastName   string      `json:"last_name"`
	Age        common.Text `json:"age"`
	AgeType    string      `json:"age_type"`
	Gender     string      `json:"gender"`
	DOBBS      string      `json:"dob_bs"`
	DOBAD      string      `json:"dob_ad"`
	Phone      common.Text `json:"phone"`
	Email      string      `json:"email"`
	Address    string      `json:"address"`
}

// Blank returns an empty registration draft with default selections
func Blank() Patient {
	return Patient{Title: DefaultTitle, AgeType: DefaultAgeType, Gender: DefaultGender}
}

// FullName is "first last"
func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Label is the text shown in the search box once the patient is picked
func (p Patient) Label() string {
	return fmt.Sprintf("%s (%s)", p.FullName(), p.ID)
}

// WithDefaults fills the selections the HMS API may leave empty
func (p Patient) WithDefaults() Patient {
	if p.Title == "" {
		p.Title = DefaultTitle
	}
	if p.AgeType == "" {
		p.AgeType = DefaultAgeType
	}
	return p
}

// Searcher looks patients up by free text (id, name or phone)
type Searcher interface {
	SearchPatients(ctx context.Context, q string) ([]Patient, error)
}

// Gateway is the HMS API surface used by the patient forms
type Gateway interface {
	Searcher
	CreatePatient(ctx context.Context, p Patient) (common.ID, error)
	UpdatePatient(ctx context.Context, p Patient) error
	RecentPatients(ctx context.Context) ([]Patient, error)
}

// Patch carries a partial update of the form fields. Nil fields are left
// unchanged. Dates of birth go through SetDOB.
type Patch struct {
	Title      *string `json:"title"`
	FirstName  *string `json:"first_name"`
	MiddleName *string `json:"middle_name"`
	LastName   *string `json:"last_name"`
	Age        *string `json:"age"`
	AgeType    *string `json:"age_type"`
	Gender     *string `json:"gender"`
	Phone      *string `json:"phone"`
	Email      *string `json:"email"`
	Address    *string `json:"address"`
}

// Apply writes the non-nil fields of patch onto p
func (patch Patch) Apply(p *Patient) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.Title, patch.Title)
	set(&p.FirstName, patch.FirstName)
	set(&p.MiddleName, patch.MiddleName)
	set(&p.LastName, patch.LastName)
	set(&p.AgeType, patch.AgeType)
	set(&p.Gender, patch.Gender)
	set(&p.Email, patch.Email)
	set(&p.Address, patch.Address)
	if patch.Age != nil {
		p.Age = common.Text(*patch.Age)
	}
	if patch.Phone != nil {
		p.Phone = common.Text(*patch.Phone)
	}
}
