package visit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/domain/patient"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
	"github.com/clinicdesk/opd-console/pkg/debounce"
	"github.com/clinicdesk/opd-console/pkg/idempotency"
)

const (
	isoDate = "2006-01-02"

	// MsgRegistrationFailed is shown when the HMS API rejects a visit
	MsgRegistrationFailed = "Registration Failed"
	// MsgInProgress is shown when the same visit is being registered elsewhere
	MsgInProgress = "This visit is already being registered"
)

// ErrUnknownDoctor is returned when selecting a doctor not offered for the
// current department
var ErrUnknownDoctor = errors.New("doctor not available for department")

// Fields are the editable visit fields
type Fields struct {
	DepartmentID       common.ID      `json:"department_id"`
	DoctorID           common.ID      `json:"doctor_id"`
	VisitDate          string         `json:"visit_date"`
	PayType            string         `json:"pay_type"`
	RegistrationCharge billing.Amount `json:"registration_charge"`
	RegistrationDesc   string         `json:"registration_desc"`
	OPDCharge          billing.Amount `json:"opd_charge"`
	OPDDesc            string         `json:"opd_desc"`
	Notes              string         `json:"notes"`
}

// DefaultFields returns the initial fields of a form of kind
func DefaultFields(kind Kind, registrationCharge billing.Amount, today time.Time) Fields {
	f := Fields{
		VisitDate: today.Format(isoDate),
		PayType:   DefaultPayType,
	}
	if kind.HasCharges() {
		f.RegistrationCharge = registrationCharge
		f.RegistrationDesc = DefaultRegistrationDesc
		f.OPDCharge = 0
		f.OPDDesc = DefaultOPDDesc
	}
	return f
}

// FieldsPatch is a partial update of the non-dependent fields. Department
// and doctor have their own operations.
type FieldsPatch struct {
	VisitDate          *string         `json:"visit_date"`
	PayType            *string         `json:"pay_type"`
	Notes              *string         `json:"notes"`
	RegistrationCharge *billing.Amount `json:"registration_charge"`
	RegistrationDesc   *string         `json:"registration_desc"`
	OPDCharge          *billing.Amount `json:"opd_charge"`
	OPDDesc            *string         `json:"opd_desc"`
}

func (p FieldsPatch) validate(kind Kind) error {
	if p.VisitDate != nil {
		if _, err := time.Parse(isoDate, *p.VisitDate); err != nil {
			return form.Invalid("visit_date", "Visit date must be YYYY-MM-DD")
		}
	}
	if p.PayType != nil && !validPayType(*p.PayType) {
		return form.Invalid("pay_type", "Payment type must be one of "+strings.Join(PayTypes, ", "))
	}
	charges := p.RegistrationCharge != nil || p.RegistrationDesc != nil || p.OPDCharge != nil || p.OPDDesc != nil
	if charges && !kind.HasCharges() {
		return form.Invalid("charges", "Follow-up visits carry no fixed charges")
	}
	if p.RegistrationCharge != nil && *p.RegistrationCharge < 0 {
		return form.Invalid("registration_charge", "Charge cannot be negative")
	}
	if p.OPDCharge != nil && *p.OPDCharge < 0 {
		return form.Invalid("opd_charge", "Charge cannot be negative")
	}
	return nil
}

func (p FieldsPatch) apply(f *Fields) {
	if p.VisitDate != nil {
		f.VisitDate = *p.VisitDate
	}
	if p.PayType != nil {
		f.PayType = *p.PayType
	}
	if p.Notes != nil {
		f.Notes = *p.Notes
	}
	if p.RegistrationCharge != nil {
		f.RegistrationCharge = *p.RegistrationCharge
	}
	if p.RegistrationDesc != nil {
		f.RegistrationDesc = *p.RegistrationDesc
	}
	if p.OPDCharge != nil {
		f.OPDCharge = *p.OPDCharge
	}
	if p.OPDDesc != nil {
		f.OPDDesc = *p.OPDDesc
	}
}

func validPayType(v string) bool {
	for _, p := range PayTypes {
		if p == v {
			return true
		}
	}
	return false
}

// Deps are the collaborators of a visit form
type Deps struct {
	Gateway  Gateway
	Catalog  catalog.Lister
	Patients patient.Searcher
	Recorder audit.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
	Search   patient.SearchOptions

	// Inbox suppresses duplicate submissions when set
	Inbox *idempotency.Inbox

	// RegistrationCharge is the default OPD registration fee
	RegistrationCharge billing.Amount
}

// Result is a successful submission
type Result struct {
	VisitID   common.ID      `json:"visit_id"`
	Record    billing.Record `json:"record"`
	Duplicate bool           `json:"duplicate"`
}

// Snapshot is the observable state of a Form
type Snapshot struct {
	Kind               Kind                        `json:"kind"`
	Fields             Fields                      `json:"fields"`
	Patient            *patient.Patient            `json:"patient"`
	Departments        []Department                `json:"departments"`
	Doctors            []Doctor                    `json:"doctors"`
	Investigations     []billing.InvestigationLine `json:"investigations"`
	InvestigationTotal float64                     `json:"investigation_total"`
	Total              float64                     `json:"total"`
	Status             form.Status                 `json:"status"`
	VisitID            common.ID                   `json:"visit_id,omitempty"`
	Search             patient.SearchState         `json:"search"`
	Term               string                      `json:"investigation_term"`
}

// Form is an OPD or follow-up registration form
type Form struct {
	kind     Kind
	deps     Deps
	search   *patient.Search
	lines    *billing.Lines
	selector *catalog.Selector
	machine  form.Machine

	doctorSeq  debounce.Sequencer
	prefillSeq debounce.Sequencer

	mu          sync.Mutex
	patient     *patient.Patient
	fields      Fields
	departments []Department
	doctors     []Doctor
	last        *Result
}

// NewForm creates a form of kind. ctx bounds the embedded patient search.
func NewForm(ctx context.Context, kind Kind, deps Deps) *Form {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.With(zap.String("form", kind.Slug()))
	deps.Logger = logger

	f := &Form{
		kind:   kind,
		deps:   deps,
		lines:  billing.NewLines(),
		fields: DefaultFields(kind, deps.RegistrationCharge, deps.Now()),
	}
	f.selector = catalog.NewSelector(deps.Catalog, f.lines, logger)

	opts := deps.Search
	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.Metrics == nil {
		opts.Metrics = deps.Metrics
	}
	f.search = patient.NewSearch(ctx, deps.Patients, f.SelectPatient, opts)
	return f
}

// Kind returns the form kind
func (f *Form) Kind() Kind { return f.kind }

// Search returns the embedded patient search
func (f *Form) Search() *patient.Search { return f.search }

// Selector returns the investigation selector
func (f *Form) Selector() *catalog.Selector { return f.selector }

// Mount loads departments, doctors and the investigation catalog. Each load
// that fails leaves its list empty.
func (f *Form) Mount(ctx context.Context) {
	f.mu.Lock()
	dept := f.fields.DepartmentID
	f.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		depts, err := f.deps.Gateway.ListDepartments(ctx)
		if err != nil {
			f.deps.Logger.Warn("failed to load departments", zap.Error(err))
			return nil
		}
		f.mu.Lock()
		f.departments = depts
		f.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		f.loadDoctors(ctx, dept)
		return nil
	})
	g.Go(func() error {
		f.selector.Load(ctx)
		return nil
	})
	_ = g.Wait()
}

// loadDoctors fetches the doctors of dept. The result is applied only if no
// newer fetch was issued and dept is still the selected department.
func (f *Form) loadDoctors(ctx context.Context, dept common.ID) {
	ticket := f.doctorSeq.Next()

	doctors, err := f.deps.Gateway.ListDoctors(ctx, dept)
	if err != nil {
		f.deps.Logger.Warn("failed to load doctors", zap.String("department_id", dept.String()), zap.Error(err))
		doctors = nil
	}

	applied := f.doctorSeq.ApplyIfLatest(ticket, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fields.DepartmentID != dept {
			return
		}
		f.doctors = doctors
	})
	if !applied {
		f.deps.Logger.Debug("stale doctor list dropped", zap.String("department_id", dept.String()))
	}
}

// SelectPatient sets the patient. For a follow-up the patient's last visit
// prefills department, doctor and notes, or clears them when there is none.
func (f *Form) SelectPatient(ctx context.Context, p patient.Patient) {
	if !f.machine.Touch() {
		return
	}
	f.mu.Lock()
	f.patient = &p
	f.mu.Unlock()

	if f.kind != KindFollowUp {
		return
	}

	ticket := f.prefillSeq.Next()
	last, err := f.deps.Gateway.LastVisit(ctx, p.ID)
	if err != nil {
		f.deps.Logger.Warn("failed to fetch last visit", zap.String("patient_id", p.ID.String()), zap.Error(err))
		return
	}

	var dept common.ID
	applied := f.prefillSeq.ApplyIfLatest(ticket, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.patient == nil || f.patient.ID != p.ID {
			return
		}
		if last != nil {
			f.fields.DepartmentID = last.DepartmentID
			f.fields.DoctorID = last.DoctorID
			f.fields.Notes = FollowUpNotes(*last)
		} else {
			f.fields.DepartmentID = ""
			f.fields.DoctorID = ""
			f.fields.Notes = ""
		}
		dept = f.fields.DepartmentID
	})
	if applied {
		f.loadDoctors(ctx, dept)
	}
}

// SetDepartment selects dept, clears the doctor and refetches the doctor
// list for dept, or all doctors when dept is empty.
func (f *Form) SetDepartment(ctx context.Context, dept common.ID) error {
	if !f.machine.Touch() {
		return form.ErrSubmitting
	}
	// a manual choice wins over a prefill still in flight
	f.prefillSeq.Invalidate()

	f.mu.Lock()
	f.fields.DepartmentID = dept
	f.fields.DoctorID = ""
	f.doctors = nil
	f.mu.Unlock()

	f.loadDoctors(ctx, dept)
	return nil
}

// SetDoctor selects a doctor from the current list. Empty clears it.
func (f *Form) SetDoctor(id common.ID) error {
	if !f.machine.Touch() {
		return form.ErrSubmitting
	}
	f.prefillSeq.Invalidate()

	f.mu.Lock()
	defer f.mu.Unlock()
	if id.IsZero() {
		f.fields.DoctorID = ""
		return nil
	}
	for _, d := range f.doctors {
		if d.ID == id {
			f.fields.DoctorID = id
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownDoctor, id)
}

// UpdateFields edits the non-dependent fields
func (f *Form) UpdateFields(patch FieldsPatch) error {
	if err := patch.validate(f.kind); err != nil {
		return err
	}
	if !f.machine.Touch() {
		return form.ErrSubmitting
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	patch.apply(&f.fields)
	return nil
}

// AddInvestigation selects a catalog test with quantity 1
func (f *Form) AddInvestigation(id common.ID) (billing.InvestigationLine, error) {
	if !f.machine.Touch() {
		return billing.InvestigationLine{}, form.ErrSubmitting
	}
	return f.selector.Add(id)
}

// RemoveInvestigation deselects a test
func (f *Form) RemoveInvestigation(id common.ID) error {
	if !f.machine.Touch() {
		return form.ErrSubmitting
	}
	return f.selector.Remove(id)
}

// SetQuantity sets the quantity of a selected test from raw input
func (f *Form) SetQuantity(id common.ID, raw string) (int, error) {
	if !f.machine.Touch() {
		return 0, form.ErrSubmitting
	}
	return f.selector.SetQuantity(id, raw)
}

// SearchInvestigations stores term and returns the matching catalog entries
func (f *Form) SearchInvestigations(term string) []catalog.Entry {
	f.selector.SetTerm(term)
	return f.selector.Search(term)
}

// submission is the form state captured at submit time
type submission struct {
	patient    *patient.Patient
	fields     Fields
	lines      []billing.InvestigationLine
	doctorName string
	deptName   string
}

func (f *Form) capture() submission {
	lines := f.lines.Items()

	f.mu.Lock()
	defer f.mu.Unlock()

	d := submission{fields: f.fields, lines: lines}
	if f.patient != nil {
		p := *f.patient
		d.patient = &p
	}
	for _, doc := range f.doctors {
		if doc.ID == f.fields.DoctorID {
			d.doctorName = doc.Name
		}
	}
	for _, dep := range f.departments {
		if dep.ID == f.fields.DepartmentID {
			d.deptName = dep.Name
		}
	}
	return d
}

func (d submission) validate() error {
	if d.patient == nil {
		return form.Invalid("patient", "Please select a patient")
	}
	if d.fields.DoctorID.IsZero() {
		return form.Invalid("doctor_id", "Please select a doctor")
	}
	if _, err := time.Parse(isoDate, d.fields.VisitDate); err != nil {
		return form.Invalid("visit_date", "Visit date must be YYYY-MM-DD")
	}
	if !validPayType(d.fields.PayType) {
		return form.Invalid("pay_type", "Payment type must be one of "+strings.Join(PayTypes, ", "))
	}
	return nil
}

func (f *Form) registration(d submission) Registration {
	r := Registration{
		PatientID:      d.patient.ID,
		DepartmentID:   d.fields.DepartmentID,
		DoctorID:       d.fields.DoctorID,
		VisitDate:      d.fields.VisitDate,
		PayType:        d.fields.PayType,
		Notes:          d.fields.Notes,
		Investigations: d.lines,
	}
	if r.Investigations == nil {
		r.Investigations = []billing.InvestigationLine{}
	}
	var reg, opd billing.Amount
	if f.kind.HasCharges() {
		reg, opd = d.fields.RegistrationCharge, d.fields.OPDCharge
		r.RegistrationCharge = &reg
		r.RegistrationDesc = d.fields.RegistrationDesc
		r.OPDCharge = &opd
		r.OPDDesc = d.fields.OPDDesc
	}
	r.TotalAmount = billing.VisitTotal(reg, opd, d.lines)
	return r
}

// SubmissionKey identifies a visit submission for duplicate suppression
func SubmissionKey(kind Kind, r Registration, at time.Time) string {
	parts := []string{string(kind), r.PatientID.String(), r.DoctorID.String(), r.VisitDate}
	for _, l := range r.Investigations {
		parts = append(parts, l.TestID.String()+"x"+strconv.Itoa(int(l.Quantity)))
	}
	return idempotency.GenerateKey(at, parts...)
}

type submitted struct {
	VisitID common.ID `json:"visit_id"`
}

func (f *Form) register(ctx context.Context, r Registration) (common.ID, bool, error) {
	call := func(ctx context.Context) (common.ID, error) {
		id, err := f.deps.Gateway.RegisterVisit(ctx, f.kind, r)
		if err == nil && id.IsZero() {
			err = errors.New("register visit: no visit id returned")
		}
		return id, err
	}
	if f.deps.Inbox == nil {
		id, err := call(ctx)
		return id, false, err
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return "", false, fmt.Errorf("encode registration: %w", err)
	}
	key := SubmissionKey(f.kind, r, f.deps.Now())
	res, err := f.deps.Inbox.Process(ctx, key, "visit_register", payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			id, err := call(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(submitted{VisitID: id})
		})
	if err != nil {
		return "", false, err
	}
	var out submitted
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return "", false, fmt.Errorf("decode recorded submission: %w", err)
	}
	return out.VisitID, !res.IsNew && !res.WasRecovered, nil
}

func (f *Form) successText(id common.ID) string {
	if f.kind == KindFollowUp {
		return fmt.Sprintf("Follow-up Registered! Visit ID: %s", id)
	}
	return fmt.Sprintf("OPD Ticket Generated! Visit ID: %s", id)
}

// Submit validates and registers the visit. On success the form resets to
// its defaults and the result carries the record used to print the bill.
// On failure every field is kept.
func (f *Form) Submit(ctx context.Context) (Result, error) {
	d := f.capture()
	if err := d.validate(); err != nil {
		return Result{}, err
	}
	if err := f.machine.Begin(); err != nil {
		return Result{}, err
	}

	reg := f.registration(d)
	id, duplicate, err := f.register(ctx, reg)
	if err != nil {
		msg := form.MessageOf(err, MsgRegistrationFailed)
		if errors.Is(err, idempotency.ErrInProgress) {
			msg = MsgInProgress
		}
		f.machine.Fail(msg)
		f.deps.Metrics.SubmissionFailed(f.kind.Slug())
		f.deps.Logger.Warn("visit registration failed",
			zap.String("patient_id", reg.PatientID.String()),
			zap.Error(err))
		return Result{}, err
	}

	result := Result{
		VisitID:   id,
		Duplicate: duplicate,
		Record: billing.Record{
			VisitID:            id,
			VisitType:          string(f.kind),
			VisitDate:          reg.VisitDate,
			PatientID:          d.patient.ID,
			PatientName:        d.patient.FullName(),
			PatientPhone:       d.patient.Phone,
			PatientAge:         d.patient.Age,
			PatientGender:      d.patient.Gender,
			DoctorName:         d.doctorName,
			DepartmentName:     d.deptName,
			PayType:            reg.PayType,
			Notes:              reg.Notes,
			RegistrationCharge: d.fields.RegistrationCharge,
			RegistrationDesc:   d.fields.RegistrationDesc,
			OPDCharge:          d.fields.OPDCharge,
			OPDDesc:            d.fields.OPDDesc,
			Investigations:     reg.Investigations,
			TotalAmount:        billing.Amount(reg.TotalAmount),
		},
	}

	f.reset(ctx, &result)
	f.machine.Succeed(f.successText(id))

	if duplicate {
		f.deps.Metrics.DuplicateSubmit()
		f.deps.Logger.Info("duplicate visit submission answered from inbox", zap.String("visit_id", id.String()))
		return result, nil
	}
	f.deps.Metrics.VisitRegistered(string(f.kind))
	audit.Emit(ctx, f.deps.Recorder, f.deps.Logger, audit.AggregateVisit, id.String(), audit.EventVisitRegistered,
		audit.VisitRegisteredData{
			VisitID:     id.String(),
			VisitType:   string(f.kind),
			PatientID:   reg.PatientID.String(),
			DoctorID:    reg.DoctorID.String(),
			VisitDate:   reg.VisitDate,
			TotalAmount: reg.TotalAmount,
			LineCount:   len(reg.Investigations),
		})
	return result, nil
}

// reset returns every field to its default and clears patient and lines
func (f *Form) reset(ctx context.Context, last *Result) {
	f.prefillSeq.Invalidate()
	f.search.Reset()
	f.selector.SetTerm("")
	f.lines.Reset()

	f.mu.Lock()
	hadDept := !f.fields.DepartmentID.IsZero()
	f.fields = DefaultFields(f.kind, f.deps.RegistrationCharge, f.deps.Now())
	f.patient = nil
	f.last = last
	f.mu.Unlock()

	if hadDept {
		f.loadDoctors(ctx, "")
	}
}

// LastResult returns the most recent successful submission
func (f *Form) LastResult() (Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return Result{}, false
	}
	return *f.last, true
}

// Snapshot returns the form state
func (f *Form) Snapshot() Snapshot {
	items := f.lines.Items()
	invTotal := f.lines.Total()
	search := f.search.State()
	term := f.selector.Term()
	status := f.machine.Status()

	f.mu.Lock()
	defer f.mu.Unlock()

	s := Snapshot{
		Kind:               f.kind,
		Fields:             f.fields,
		Departments:        append([]Department(nil), f.departments...),
		Doctors:            append([]Doctor(nil), f.doctors...),
		Investigations:     items,
		InvestigationTotal: invTotal,
		Status:             status,
		Search:             search,
		Term:               term,
	}
	if f.patient != nil {
		p := *f.patient
		s.Patient = &p
	}
	if f.kind.HasCharges() {
		s.Total = billing.VisitTotal(f.fields.RegistrationCharge, f.fields.OPDCharge, items)
	} else {
		s.Total = invTotal
	}
	if f.last != nil {
		s.VisitID = f.last.VisitID
	}
	return s
}

// Close stops the embedded patient search
func (f *Form) Close() {
	f.search.Close()
}
