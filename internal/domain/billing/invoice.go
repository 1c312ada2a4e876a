package billing

import (
	"fmt"
	"time"

	"github.com/clinicdesk/opd-console/internal/domain/common"
)

// Default row captions used when a visit carries no description.
const (
	DefaultRegistrationDesc = "Registration Charge"
	DefaultOPDDesc          = "OPD Charge"
	DefaultBilledBy         = "Staff"
)

// Record is a completed visit as needed to print its bill. It matches the
// HMS get_by_id payload and is also assembled locally after a submission.
type Record struct {
	VisitID            common.ID           `json:"id"`
	VisitType          string              `json:"visit_type"`
	VisitDate          string              `json:"visit_date"`
	PatientID          common.ID           `json:"patient_id"`
	PatientName        string              `json:"patient_name"`
	PatientPhone       common.Text         `json:"patient_phone"`
	PatientAge         common.Text         `json:"patient_age"`
	PatientGender      string              `json:"patient_gender"`
	DoctorName         string              `json:"doctor_name"`
	DepartmentName     string              `json:"department_name,omitempty"`
	PayType            string              `json:"pay_type"`
	Notes              string              `json:"notes"`
	RegistrationCharge Amount              `json:"registration_charge"`
	RegistrationDesc   string              `json:"registration_desc"`
	OPDCharge          Amount              `json:"opd_charge"`
	OPDDesc            string              `json:"opd_desc"`
	Investigations     []InvestigationLine `json:"investigations"`
	TotalAmount        Amount              `json:"total_amount"`
}

// Row is one numbered line of the printed invoice.
type Row struct {
	SN          int
	Particulars string
	Rate        float64
	Quantity    float64
	Amount      float64
}

// Invoice is the fixed print layout of a visit bill.
type Invoice struct {
	Record     Record
	Rows       []Row
	GrandTotal float64
	BilledBy   string
	PrintedAt  time.Time
}

// Compose lays out the invoice rows: registration, consultation, then each
// investigation in selection order. Rows whose amount is not strictly
// positive are skipped. The grand total is the stored visit total, not a
// recomputation from the rows.
func Compose(rec Record, billedBy string, now time.Time) Invoice {
	if billedBy == "" {
		billedBy = DefaultBilledBy
	}

	var rows []Row
	add := func(particulars string, rate, qty float64) {
		amount := rate * qty
		if amount <= 0 {
			return
		}
		rows = append(rows, Row{
			SN:          len(rows) + 1,
			Particulars: particulars,
			Rate:        rate,
			Quantity:    qty,
			Amount:      amount,
		})
	}

	add(orDefault(rec.RegistrationDesc, DefaultRegistrationDesc), rec.RegistrationCharge.Float(), 1)
	add(orDefault(rec.OPDDesc, DefaultOPDDesc), rec.OPDCharge.Float(), 1)
	for _, line := range rec.Investigations {
		add(line.Name, line.Rate.Float(), float64(line.Quantity))
	}

	return Invoice{
		Record:     rec,
		Rows:       rows,
		GrandTotal: rec.TotalAmount.Float(),
		BilledBy:   billedBy,
		PrintedAt:  now,
	}
}

// Money formats an amount the way the bill prints it.
func Money(v float64) string {
	return fmt.Sprintf("Rs. %.2f", v)
}

// Fixed2 formats v with two decimals.
func Fixed2(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
