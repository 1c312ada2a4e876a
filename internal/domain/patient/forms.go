package patient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
)

// Messages shown on the patient forms
const (
	MsgRegisterFailed = "Registration Failed"
	MsgUpdateFailed   = "Update Failed"
	MsgUpdated        = "Patient Updated Successfully!"
)

// Deps are the collaborators shared by the patient forms
type Deps struct {
	Gateway   Gateway
	Converter DateConverter
	Recorder  audit.Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Converter == nil {
		d.Converter = NoConverter{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// draft is the editable field set shared by both forms
type draft struct {
	mu      sync.Mutex
	machine form.Machine
	fields  Patient
}

func (d *draft) update(patch Patch) error {
	if !d.machine.Touch() {
		return form.ErrSubmitting
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	patch.Apply(&d.fields)
	return nil
}

func (d *draft) setDOB(conv DateConverter, logger *zap.Logger, cal Calendar, value string) error {
	if !d.machine.Touch() {
		return form.ErrSubmitting
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	dob := DualDate{BS: d.fields.DOBBS, AD: d.fields.DOBAD}
	err := dob.Set(conv, cal, value)
	if errors.Is(err, ErrUnknownCalendar) {
		return form.Invalid("calendar", "calendar must be bs or ad")
	}
	if err != nil {
		// the edited field is kept, the derived one stays as it was
		logger.Debug("date of birth conversion skipped",
			zap.String("calendar", string(cal)),
			zap.String("value", value),
			zap.Error(err))
	}
	d.fields.DOBBS = dob.BS
	d.fields.DOBAD = dob.AD
	return nil
}

func (d *draft) snapshot() (Patient, form.Status) {
	d.mu.Lock()
	fields := d.fields
	d.mu.Unlock()
	return fields, d.machine.Status()
}

// Validate checks the fields required before a patient is sent
func Validate(p Patient) error {
	switch {
	case strings.TrimSpace(p.FirstName) == "":
		return form.Invalid("first_name", "First name is required")
	case strings.TrimSpace(p.LastName) == "":
		return form.Invalid("last_name", "Last name is required")
	case strings.TrimSpace(p.Age.String()) == "":
		return form.Invalid("age", "Age is required")
	case strings.TrimSpace(p.Phone.String()) == "":
		return form.Invalid("phone", "Phone is required")
	}
	if n, err := strconv.Atoi(strings.TrimSpace(p.Age.String())); err != nil || n < 0 {
		return form.Invalid("age", "Age must be a whole number")
	}
	if !oneOf(p.Title, Titles) {
		return form.Invalid("title", fmt.Sprintf("Title must be one of %s", strings.Join(Titles, ", ")))
	}
	if !oneOf(p.AgeType, AgeTypes) {
		return form.Invalid("age_type", fmt.Sprintf("Age type must be one of %s", strings.Join(AgeTypes, ", ")))
	}
	if !oneOf(p.Gender, Genders) {
		return form.Invalid("gender", fmt.Sprintf("Gender must be one of %s", strings.Join(Genders, ", ")))
	}
	return nil
}

func oneOf(v string, options []string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// RegisterSnapshot is the observable state of a RegisterForm
type RegisterSnapshot struct {
	Fields    Patient     `json:"fields"`
	Status    form.Status `json:"status"`
	PatientID common.ID   `json:"patient_id,omitempty"`
	Recent    []Patient   `json:"recent"`
}

// RegisterForm registers a new patient
type RegisterForm struct {
	deps Deps
	draft

	stateMu sync.Mutex
	lastID  common.ID
	recent  []Patient
}

// NewRegisterForm creates an empty registration form
func NewRegisterForm(deps Deps) *RegisterForm {
	f := &RegisterForm{deps: deps.withDefaults()}
	f.fields = Blank()
	return f
}

// Mount loads the recent patients list. A failure leaves the list empty.
func (f *RegisterForm) Mount(ctx context.Context) {
	f.refreshRecent(ctx)
}

func (f *RegisterForm) refreshRecent(ctx context.Context) {
	recent, err := f.deps.Gateway.RecentPatients(ctx)
	if err != nil {
		f.deps.Logger.Warn("failed to fetch recent patients", zap.Error(err))
		return
	}
	f.stateMu.Lock()
	f.recent = recent
	f.stateMu.Unlock()
}

// Update edits the form fields
func (f *RegisterForm) Update(patch Patch) error {
	return f.update(patch)
}

// SetDOB edits one calendar representation of the date of birth
func (f *RegisterForm) SetDOB(cal Calendar, value string) error {
	return f.setDOB(f.deps.Converter, f.deps.Logger, cal, value)
}

// Submit validates and creates the patient. On failure the fields are kept.
func (f *RegisterForm) Submit(ctx context.Context) (common.ID, error) {
	fields, _ := f.snapshot()
	if err := Validate(fields); err != nil {
		return "", err
	}
	if err := f.machine.Begin(); err != nil {
		return "", err
	}

	id, err := f.deps.Gateway.CreatePatient(ctx, fields)
	if err == nil && id.IsZero() {
		err = fmt.Errorf("create patient: no patient id returned")
	}
	if err != nil {
		f.machine.Fail(form.MessageOf(err, MsgRegisterFailed))
		f.deps.Metrics.SubmissionFailed("patient_register")
		f.deps.Logger.Warn("patient registration failed", zap.Error(err))
		return "", err
	}

	f.mu.Lock()
	f.fields = Blank()
	f.mu.Unlock()
	f.stateMu.Lock()
	f.lastID = id
	f.stateMu.Unlock()
	f.machine.Succeed(fmt.Sprintf("Patient Registered! ID: %s", id))

	f.deps.Metrics.PatientRegistered()
	audit.Emit(ctx, f.deps.Recorder, f.deps.Logger, audit.AggregatePatient, id.String(),
		audit.EventPatientRegistered, audit.PatientData{PatientID: id.String(), Name: fields.FullName()})
	f.refreshRecent(ctx)
	return id, nil
}

// Snapshot returns the form state
func (f *RegisterForm) Snapshot() RegisterSnapshot {
	fields, status := f.snapshot()
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	recent := make([]Patient, len(f.recent))
	copy(recent, f.recent)
	return RegisterSnapshot{Fields: fields, Status: status, PatientID: f.lastID, Recent: recent}
}

// EditSnapshot is the observable state of an EditForm
type EditSnapshot struct {
	Fields   Patient     `json:"fields"`
	Status   form.Status `json:"status"`
	Selected bool        `json:"selected"`
	Search   SearchState `json:"search"`
}

// EditForm loads a patient through a search and updates it
type EditForm struct {
	deps Deps
	draft
	search *Search
}

// NewEditForm creates an edit form whose search lookups are bound to ctx
func NewEditForm(ctx context.Context, deps Deps, opts SearchOptions) *EditForm {
	f := &EditForm{deps: deps.withDefaults()}
	f.fields = Blank()
	if opts.Logger == nil {
		opts.Logger = f.deps.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = f.deps.Metrics
	}
	f.search = NewSearch(ctx, f.deps.Gateway, f.load, opts)
	return f
}

// Search returns the patient search feeding this form
func (f *EditForm) Search() *Search {
	return f.search
}

func (f *EditForm) load(_ context.Context, p Patient) {
	f.mu.Lock()
	f.fields = p.WithDefaults()
	f.mu.Unlock()
	f.machine.Reset()
}

// Update edits the form fields
func (f *EditForm) Update(patch Patch) error {
	return f.update(patch)
}

// SetDOB edits one calendar representation of the date of birth
func (f *EditForm) SetDOB(cal Calendar, value string) error {
	return f.setDOB(f.deps.Converter, f.deps.Logger, cal, value)
}

// Submit validates and updates the loaded patient. Fields are kept either way.
func (f *EditForm) Submit(ctx context.Context) error {
	fields, _ := f.snapshot()
	if fields.ID.IsZero() {
		return form.Invalid("patient", "Please select a patient")
	}
	if err := Validate(fields); err != nil {
		return err
	}
	if err := f.machine.Begin(); err != nil {
		return err
	}

	if err := f.deps.Gateway.UpdatePatient(ctx, fields); err != nil {
		f.machine.Fail(form.MessageOf(err, MsgUpdateFailed))
		f.deps.Metrics.SubmissionFailed("patient_edit")
		f.deps.Logger.Warn("patient update failed", zap.String("patient_id", fields.ID.String()), zap.Error(err))
		return err
	}

	f.machine.Succeed(MsgUpdated)
	audit.Emit(ctx, f.deps.Recorder, f.deps.Logger, audit.AggregatePatient, fields.ID.String(),
		audit.EventPatientUpdated, audit.PatientData{PatientID: fields.ID.String(), Name: fields.FullName()})
	return nil
}

// Snapshot returns the form state
func (f *EditForm) Snapshot() EditSnapshot {
	fields, status := f.snapshot()
	return EditSnapshot{
		Fields:   fields,
		Status:   status,
		Selected: !fields.ID.IsZero(),
		Search:   f.search.State(),
	}
}

// Close stops the embedded search
func (f *EditForm) Close() {
	f.search.Close()
}
