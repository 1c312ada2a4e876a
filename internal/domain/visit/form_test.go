package visit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/domain/patient"
	"github.com/clinicdesk/opd-console/pkg/idempotency"
)

type serverErr struct{ msg string }

func (e serverErr) Error() string       { return "hms 400: " + e.msg }
func (e serverErr) UserMessage() string { return e.msg }

type fakeHMS struct {
	mu          sync.Mutex
	departments []Department
	doctors     []Doctor
	block       map[common.ID]chan struct{}
	started     chan common.ID
	last        *LastVisit
	lastErr     error
	nextID      common.ID
	regErr      error
	registered  []Registration
	kinds       []Kind
}

func (h *fakeHMS) ListDepartments(context.Context) ([]Department, error) {
	return h.departments, nil
}

func (h *fakeHMS) ListDoctors(_ context.Context, dept common.ID) ([]Doctor, error) {
	h.mu.Lock()
	ch := h.block[dept]
	started := h.started
	h.mu.Unlock()
	if started != nil {
		started <- dept
	}
	if ch != nil {
		<-ch
	}

	var out []Doctor
	for _, d := range h.doctors {
		if dept.IsZero() || d.DepartmentID == dept {
			out = append(out, d)
		}
	}
	return out, nil
}

func (h *fakeHMS) LastVisit(context.Context, common.ID) (*LastVisit, error) {
	return h.last, h.lastErr
}

func (h *fakeHMS) RegisterVisit(_ context.Context, kind Kind, r Registration) (common.ID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.regErr != nil {
		return "", h.regErr
	}
	h.registered = append(h.registered, r)
	h.kinds = append(h.kinds, kind)
	return h.nextID, nil
}

func (h *fakeHMS) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registered)
}

type fakeCatalog struct{ entries []catalog.Entry }

func (c fakeCatalog) ListTests(context.Context) ([]catalog.Entry, error) { return c.entries, nil }

type noPatients struct{}

func (noPatients) SearchPatients(context.Context, string) ([]patient.Patient, error) { return nil, nil }

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newHMS() *fakeHMS {
	return &fakeHMS{
		departments: []Department{{ID: "1", Name: "Medicine"}, {ID: "2", Name: "Orthopedics"}},
		doctors: []Doctor{
			{ID: "10", Name: "Dr. Sharma", DepartmentID: "1"},
			{ID: "11", Name: "Dr. Thapa", DepartmentID: "1"},
			{ID: "20", Name: "Dr. Gurung", DepartmentID: "2"},
			{ID: "30", Name: "Dr. Independent"},
		},
		nextID: "501",
	}
}

func newTestForm(t *testing.T, kind Kind, h *fakeHMS, mutate func(*Deps)) *Form {
	t.Helper()
	deps := Deps{
		Gateway:  h,
		Catalog:  fakeCatalog{entries: []catalog.Entry{{ID: "7", Name: "Lipid Profile", Rate: 200}}},
		Patients: noPatients{},
		Now:      func() time.Time { return fixedNow },

		RegistrationCharge: 100,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f := NewForm(context.Background(), kind, deps)
	t.Cleanup(f.Close)
	f.Mount(context.Background())
	return f
}

var sita = patient.Patient{ID: "17", FirstName: "Sita", LastName: "Rai", Age: "34", Gender: "Female", Phone: "9841000000"}

func TestDefaultFields(t *testing.T) {
	opd := DefaultFields(KindOPD, 100, fixedNow)
	if opd.RegistrationCharge != 100 || opd.RegistrationDesc != "Registration Fee" || opd.OPDDesc != "Consultation" {
		t.Errorf("unexpected OPD defaults %+v", opd)
	}
	if opd.PayType != "Cash" || opd.VisitDate != "2026-03-01" {
		t.Errorf("unexpected OPD defaults %+v", opd)
	}
	fu := DefaultFields(KindFollowUp, 100, fixedNow)
	if fu.RegistrationCharge != 0 || fu.RegistrationDesc != "" {
		t.Errorf("follow-up carries no charges, got %+v", fu)
	}
}

func TestParseKind(t *testing.T) {
	if k, _ := ParseKind("followup"); k != KindFollowUp {
		t.Errorf("expected follow-up, got %q", k)
	}
	if _, err := ParseKind("ipd"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestChangingDepartmentClearsDoctor(t *testing.T) {
	f := newTestForm(t, KindOPD, newHMS(), nil)

	if got := len(f.Snapshot().Doctors); got != 4 {
		t.Fatalf("expected all doctors without a department, got %d", got)
	}
	if err := f.SetDepartment(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	if err := f.SetDoctor("10"); err != nil {
		t.Fatal(err)
	}

	if err := f.SetDepartment(context.Background(), "2"); err != nil {
		t.Fatal(err)
	}
	snap := f.Snapshot()
	if !snap.Fields.DoctorID.IsZero() {
		t.Errorf("doctor must be cleared, got %q", snap.Fields.DoctorID)
	}
	if len(snap.Doctors) != 1 || snap.Doctors[0].ID != "20" {
		t.Errorf("expected only department 2 doctors, got %+v", snap.Doctors)
	}
	if err := f.SetDoctor("10"); !errors.Is(err, ErrUnknownDoctor) {
		t.Errorf("doctor of old department must be rejected, got %v", err)
	}

	_ = f.SetDepartment(context.Background(), "")
	if got := len(f.Snapshot().Doctors); got != 4 {
		t.Errorf("expected all doctors after clearing department, got %d", got)
	}
}

func TestStaleDoctorListIsDropped(t *testing.T) {
	h := newHMS()
	f := newTestForm(t, KindOPD, h, nil)

	release := make(chan struct{})
	h.mu.Lock()
	h.block = map[common.ID]chan struct{}{"1": release}
	h.started = make(chan common.ID, 4)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = f.SetDepartment(context.Background(), "1")
		close(done)
	}()
	<-h.started

	_ = f.SetDepartment(context.Background(), "2")
	<-h.started
	close(release)
	<-done

	snap := f.Snapshot()
	if snap.Fields.DepartmentID != "2" {
		t.Fatalf("expected department 2, got %q", snap.Fields.DepartmentID)
	}
	if len(snap.Doctors) != 1 || snap.Doctors[0].ID != "20" {
		t.Errorf("slow response for department 1 must not populate the list, got %+v", snap.Doctors)
	}
}

func TestFollowUpPrefill(t *testing.T) {
	h := newHMS()
	h.last = &LastVisit{DepartmentID: "2", DoctorID: "20", Notes: "knee pain"}
	f := newTestForm(t, KindFollowUp, h, nil)

	f.SelectPatient(context.Background(), sita)
	snap := f.Snapshot()
	if snap.Fields.DepartmentID != "2" || snap.Fields.DoctorID != "20" {
		t.Errorf("expected prefill from last visit, got %+v", snap.Fields)
	}
	if snap.Fields.Notes != "Follow-up for: knee pain" {
		t.Errorf("unexpected notes %q", snap.Fields.Notes)
	}
	if len(snap.Doctors) != 1 {
		t.Errorf("expected doctors of prefilled department, got %+v", snap.Doctors)
	}

	h.last = nil
	f.SelectPatient(context.Background(), patient.Patient{ID: "18", FirstName: "Ram"})
	snap = f.Snapshot()
	if !snap.Fields.DepartmentID.IsZero() || !snap.Fields.DoctorID.IsZero() || snap.Fields.Notes != "" {
		t.Errorf("fields must be cleared when there is no previous visit, got %+v", snap.Fields)
	}
}

func TestFollowUpNotesFallback(t *testing.T) {
	if got := FollowUpNotes(LastVisit{}); got != "Follow-up for: Previous Visit" {
		t.Errorf("unexpected fallback %q", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHMS()
	f := newTestForm(t, KindOPD, h, nil)

	_, err := f.Submit(context.Background())
	var ve *form.ValidationError
	if !errors.As(err, &ve) || ve.Field != "patient" {
		t.Fatalf("expected patient required, got %v", err)
	}

	f.SelectPatient(context.Background(), sita)
	_, err = f.Submit(context.Background())
	if !errors.As(err, &ve) || ve.Field != "doctor_id" {
		t.Fatalf("expected doctor required, got %v", err)
	}
	if h.calls() != 0 {
		t.Error("validation failures must not reach the HMS API")
	}
	if f.Snapshot().Status.Phase != form.PhaseEditing {
		t.Error("validation failure must leave the form editing")
	}
}

func TestSubmitOPDComputesTotalAndResets(t *testing.T) {
	h := newHMS()
	rec := &audit.Memory{}
	f := newTestForm(t, KindOPD, h, func(d *Deps) { d.Recorder = rec })

	f.SelectPatient(context.Background(), sita)
	_ = f.SetDepartment(context.Background(), "1")
	if err := f.SetDoctor("10"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.AddInvestigation("7"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.SetQuantity("7", "2"); err != nil {
		t.Fatal(err)
	}
	if got := f.Snapshot().Total; got != 500 {
		t.Fatalf("expected running total 500, got %v", got)
	}

	res, err := f.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.VisitID != "501" || res.Record.TotalAmount != 500 {
		t.Errorf("unexpected result %+v", res)
	}
	if h.registered[0].TotalAmount != 500 || *h.registered[0].OPDCharge != 0 {
		t.Errorf("unexpected payload %+v", h.registered[0])
	}
	if res.Record.DoctorName != "Dr. Sharma" || res.Record.DepartmentName != "Medicine" {
		t.Errorf("record must carry names, got %+v", res.Record)
	}

	inv := billing.Compose(res.Record, "", fixedNow)
	if len(inv.Rows) != 2 || inv.GrandTotal != 500 {
		t.Errorf("expected two printed rows totalling 500, got %+v", inv.Rows)
	}

	snap := f.Snapshot()
	if snap.Patient != nil || len(snap.Investigations) != 0 || !snap.Fields.DoctorID.IsZero() {
		t.Errorf("form must reset after success, got %+v", snap)
	}
	if snap.Fields.RegistrationCharge != 100 {
		t.Errorf("charges must return to defaults, got %+v", snap.Fields)
	}
	if snap.Status.Notice == nil || snap.Status.Notice.Text != "OPD Ticket Generated! Visit ID: 501" {
		t.Errorf("unexpected notice %+v", snap.Status.Notice)
	}
	if last, ok := f.LastResult(); !ok || last.VisitID != "501" {
		t.Error("last result must be kept for the bill")
	}
	if got := rec.Types(); len(got) != 1 || got[0] != audit.EventVisitRegistered {
		t.Errorf("expected a visit audit event, got %v", got)
	}
}

func TestSubmitFailureKeepsFields(t *testing.T) {
	h := newHMS()
	h.regErr = serverErr{msg: "Doctor is on leave"}
	f := newTestForm(t, KindOPD, h, nil)

	f.SelectPatient(context.Background(), sita)
	_ = f.SetDepartment(context.Background(), "1")
	_ = f.SetDoctor("11")
	notes := "fever since 3 days"
	_ = f.UpdateFields(FieldsPatch{Notes: &notes})
	_, _ = f.AddInvestigation("7")

	if _, err := f.Submit(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	snap := f.Snapshot()
	if snap.Patient == nil || snap.Fields.DoctorID != "11" || snap.Fields.Notes != notes || len(snap.Investigations) != 1 {
		t.Errorf("fields lost on failure: %+v", snap)
	}
	if snap.Status.Phase != form.PhaseEditing || snap.Status.Notice.Text != "Doctor is on leave" {
		t.Errorf("unexpected status %+v", snap.Status)
	}

	h.mu.Lock()
	h.regErr = nil
	h.mu.Unlock()
	if _, err := f.Submit(context.Background()); err != nil {
		t.Errorf("retry without re-entry should succeed: %v", err)
	}
}

func TestFollowUpPayloadHasNoCharges(t *testing.T) {
	h := newHMS()
	h.last = &LastVisit{DepartmentID: "1", DoctorID: "10"}
	f := newTestForm(t, KindFollowUp, h, nil)
	f.SelectPatient(context.Background(), sita)

	charge := billing.Amount(50)
	if err := f.UpdateFields(FieldsPatch{RegistrationCharge: &charge}); !form.IsValidation(err) {
		t.Errorf("follow-up must reject charges, got %v", err)
	}

	res, err := f.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.kinds[0] != KindFollowUp || h.registered[0].RegistrationCharge != nil {
		t.Errorf("unexpected follow-up payload %+v", h.registered[0])
	}
	if f.Snapshot().Status.Notice.Text != "Follow-up Registered! Visit ID: 501" || res.Record.VisitType != "Follow-up" {
		t.Errorf("unexpected follow-up result %+v", res)
	}
}

func TestDuplicateSubmissionIsSuppressed(t *testing.T) {
	h := newHMS()
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultInboxConfig(), nil)
	withInbox := func(d *Deps) { d.Inbox = inbox }

	submit := func() Result {
		f := newTestForm(t, KindOPD, h, withInbox)
		f.SelectPatient(context.Background(), sita)
		_ = f.SetDepartment(context.Background(), "1")
		_ = f.SetDoctor("10")
		res, err := f.Submit(context.Background())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return res
	}

	first := submit()
	second := submit()
	if h.calls() != 1 {
		t.Errorf("expected one upstream registration, got %d", h.calls())
	}
	if first.Duplicate || !second.Duplicate || second.VisitID != first.VisitID {
		t.Errorf("expected second submission replayed, got %+v / %+v", first, second)
	}
}

type fakeReports struct {
	summaryErr error
}

func (r fakeReports) DailySummary(context.Context, string) (DailySummary, error) {
	if r.summaryErr != nil {
		return DailySummary{}, r.summaryErr
	}
	return DailySummary{TotalPatients: 12, TotalVisits: 15, TotalRevenue: 4500}, nil
}

func (fakeReports) ListVisits(_ context.Context, limit int) ([]billing.Record, error) {
	return []billing.Record{{VisitID: "1"}}, nil
}

func (fakeReports) GetVisit(context.Context, common.ID) (billing.Record, error) {
	return billing.Record{}, nil
}

func TestDashboardDegradesPerPanel(t *testing.T) {
	d := LoadDashboard(context.Background(), fakeReports{summaryErr: errors.New("timeout")}, "2026-03-01", nil)
	if d.Summary.TotalVisits != 0 {
		t.Errorf("failed summary must degrade to zero, got %+v", d.Summary)
	}
	if len(d.Recent) != 1 {
		t.Errorf("recent visits should still load, got %+v", d.Recent)
	}

	d = LoadDashboard(context.Background(), fakeReports{}, "2026-03-01", nil)
	if d.Summary.TotalRevenue != 4500 {
		t.Errorf("unexpected summary %+v", d.Summary)
	}
}
