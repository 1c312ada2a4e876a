package admin

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
)

type upstreamErr string

func (e upstreamErr) Error() string       { return string(e) }
func (e upstreamErr) UserMessage() string { return string(e) }

type fakeHMS struct {
	mu          sync.Mutex
	staff       []Staff
	doctors     []visit.Doctor
	departments []visit.Department
	tests       []catalog.Entry
	stats       Stats
	failWith    error
	deleted     []common.ID
	calls       map[string]int
	nextID      int
}

func newFakeHMS() *fakeHMS {
	return &fakeHMS{
		staff:       []Staff{{ID: "1", Name: "Asha", Email: "asha@clinic.test", Role: RoleReceptionist}},
		departments: []visit.Department{{ID: "1", Name: "Medicine"}},
		doctors:     []visit.Doctor{{ID: "5", Name: "Dr. Sharma", DepartmentID: "1"}},
		tests: []catalog.Entry{
			{ID: "7", Name: "CBC", Rate: 300, Status: catalog.StatusActive},
			{ID: "8", Name: "Lipid Profile", Rate: 800, Status: catalog.StatusInactive},
		},
		stats:  Stats{Patients: 40, Visits: 90, Doctors: 1, Departments: 1},
		calls:  map[string]int{},
		nextID: 100,
	}
}

func (h *fakeHMS) count(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[op]
}

func (h *fakeHMS) hit(op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[op]++
	return h.failWith
}

func (h *fakeHMS) id() common.ID {
	h.nextID++
	return common.ID(strconv.Itoa(h.nextID))
}

func (h *fakeHMS) ListStaff(context.Context) ([]Staff, error) {
	_ = h.hit("list_staff")
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Staff{}, h.staff...), nil
}

func (h *fakeHMS) CreateStaff(_ context.Context, s NewStaff) (common.ID, error) {
	if err := h.hit("create_staff"); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id()
	h.staff = append(h.staff, Staff{ID: id, Name: s.Name, Email: s.Email, Role: s.Role})
	return id, nil
}

func (h *fakeHMS) ListDoctors(context.Context, common.ID) ([]visit.Doctor, error) {
	_ = h.hit("list_doctors")
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]visit.Doctor{}, h.doctors...), nil
}

func (h *fakeHMS) CreateDoctor(_ context.Context, d NewDoctor) (common.ID, error) {
	if err := h.hit("create_doctor"); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id()
	h.doctors = append(h.doctors, visit.Doctor{ID: id, Name: d.Name, DepartmentID: d.DepartmentID})
	h.stats.Doctors++
	return id, nil
}

func (h *fakeHMS) ListDepartments(context.Context) ([]visit.Department, error) {
	_ = h.hit("list_departments")
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]visit.Department{}, h.departments...), nil
}

func (h *fakeHMS) CreateDepartment(_ context.Context, d NewDepartment) (common.ID, error) {
	if err := h.hit("create_department"); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id()
	h.departments = append(h.departments, visit.Department{ID: id, Name: d.Name})
	return id, nil
}

func (h *fakeHMS) ListAllTests(context.Context) ([]catalog.Entry, error) {
	_ = h.hit("list_tests")
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]catalog.Entry{}, h.tests...), nil
}

func (h *fakeHMS) CreateTest(_ context.Context, t TestInput) (common.ID, error) {
	if err := h.hit("create_test"); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id()
	h.tests = append(h.tests, catalog.Entry{ID: id, Name: t.Name, Rate: t.Rate, Status: catalog.StatusActive})
	return id, nil
}

func (h *fakeHMS) UpdateTest(_ context.Context, id common.ID, t TestInput) error {
	if err := h.hit("update_test"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.tests {
		if h.tests[i].ID == id {
			h.tests[i].Name, h.tests[i].Rate = t.Name, t.Rate
		}
	}
	return nil
}

func (h *fakeHMS) ToggleTestStatus(_ context.Context, id common.ID) error {
	if err := h.hit("toggle_test"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.tests {
		if h.tests[i].ID == id {
			h.tests[i].Status = h.tests[i].Status.Toggled()
		}
	}
	return nil
}

func (h *fakeHMS) Delete(_ context.Context, kind Kind, id common.ID) error {
	if err := h.hit("delete"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, id)
	if kind == KindStaff {
		var kept []Staff
		for _, s := range h.staff {
			if s.ID != id {
				kept = append(kept, s)
			}
		}
		h.staff = kept
	}
	return nil
}

func (h *fakeHMS) Stats(context.Context) (Stats, error) {
	_ = h.hit("stats")
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats, nil
}

func newTestConsole(h *fakeHMS, rec audit.Recorder) *Console {
	c := NewConsole(Deps{Gateway: h, Recorder: rec})
	c.Mount(context.Background())
	return c
}

func TestMountLoadsEveryList(t *testing.T) {
	c := newTestConsole(newFakeHMS(), nil)
	snap := c.Snapshot()
	if len(snap.Staff) != 1 || len(snap.Doctors) != 1 || len(snap.Departments) != 1 || len(snap.Tests) != 2 {
		t.Errorf("unexpected lists %+v", snap)
	}
	if snap.Stats.Visits != 90 {
		t.Errorf("unexpected stats %+v", snap.Stats)
	}
	if snap.Status[KindStaff].Phase != form.PhaseEditing {
		t.Errorf("tabs start editing, got %+v", snap.Status)
	}
}

func TestCreateStaffDefaultsRoleAndRefreshes(t *testing.T) {
	h := newFakeHMS()
	rec := &audit.Memory{}
	c := newTestConsole(h, rec)
	statsBefore := h.count("stats")

	err := c.CreateStaff(context.Background(), NewStaff{Name: "Binod", Email: "binod@clinic.test", Password: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if len(snap.Staff) != 2 || snap.Staff[1].Role != RoleDoctor {
		t.Errorf("expected refreshed staff list with default role, got %+v", snap.Staff)
	}
	if h.count("stats") != statsBefore+1 {
		t.Error("stats must be refreshed after a mutation")
	}
	if n := snap.Status[KindStaff].Notice; n == nil || n.Text != MsgStaffCreated {
		t.Errorf("unexpected notice %+v", n)
	}
	if got := rec.Types(); len(got) != 1 || got[0] != audit.EventRecordCreated {
		t.Errorf("expected a create audit event, got %v", got)
	}
}

func TestCreateValidationSkipsUpstream(t *testing.T) {
	h := newFakeHMS()
	c := newTestConsole(h, nil)

	if err := c.CreateStaff(context.Background(), NewStaff{Name: "X", Email: "x@y", Password: "p", Role: "Janitor"}); !form.IsValidation(err) {
		t.Errorf("expected invalid role, got %v", err)
	}
	if err := c.CreateDepartment(context.Background(), NewDepartment{Name: "  "}); !form.IsValidation(err) {
		t.Errorf("expected name required, got %v", err)
	}
	if err := c.CreateDoctor(context.Background(), NewDoctor{Name: "Dr. X", DepartmentID: "99"}); !form.IsValidation(err) {
		t.Errorf("expected unknown department, got %v", err)
	}
	if h.count("create_staff")+h.count("create_department")+h.count("create_doctor") != 0 {
		t.Error("invalid input must not reach the HMS API")
	}
}

func TestCreateFailureShowsServerMessage(t *testing.T) {
	h := newFakeHMS()
	c := newTestConsole(h, nil)
	h.failWith = upstreamErr("Email already exists")

	err := c.CreateStaff(context.Background(), NewStaff{Name: "Asha", Email: "asha@clinic.test", Password: "p"})
	if err == nil {
		t.Fatal("expected failure")
	}
	st := c.Snapshot().Status[KindStaff]
	if st.Phase != form.PhaseEditing || st.Notice.Text != "Email already exists" {
		t.Errorf("unexpected status %+v", st)
	}

	h.failWith = errors.New("connection reset")
	_ = c.CreateDepartment(context.Background(), NewDepartment{Name: "ENT"})
	if got := c.Snapshot().Status[KindDepartment].Notice.Text; got != MsgFailed {
		t.Errorf("expected generic fallback, got %q", got)
	}
}

func TestIndependentDoctor(t *testing.T) {
	h := newFakeHMS()
	c := newTestConsole(h, nil)

	if err := c.CreateDoctor(context.Background(), NewDoctor{Name: "Dr. Free"}); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if len(snap.Doctors) != 2 || snap.Stats.Doctors != 2 {
		t.Errorf("expected doctor list and stats refreshed, got %+v / %+v", snap.Doctors, snap.Stats)
	}
	if got := c.DepartmentName(snap.Doctors[1].DepartmentID); got != NoDepartmentLabel {
		t.Errorf("unexpected label %q", got)
	}
	if got := c.DepartmentName("1"); got != "Medicine" {
		t.Errorf("unexpected label %q", got)
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	h := newFakeHMS()
	rec := &audit.Memory{}
	c := newTestConsole(h, rec)

	conf, err := c.RequestDelete(KindStaff, "1")
	if err != nil {
		t.Fatal(err)
	}
	if h.count("delete") != 0 {
		t.Fatal("no request may be sent before confirmation")
	}
	if conf.Name != "Asha" || len(c.Snapshot().Pending) != 1 {
		t.Errorf("unexpected confirmation %+v", conf)
	}

	if err := c.ConfirmDelete(context.Background(), conf.Token); err != nil {
		t.Fatal(err)
	}
	if h.count("delete") != 1 || len(c.Snapshot().Staff) != 0 {
		t.Errorf("expected delete and refreshed list, got %+v", c.Snapshot().Staff)
	}
	if got := c.Snapshot().Status[KindStaff].Notice.Text; got != MsgDeleted {
		t.Errorf("unexpected notice %q", got)
	}
	if err := c.ConfirmDelete(context.Background(), conf.Token); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("a token confirms once, got %v", err)
	}
	if got := rec.Types(); len(got) != 1 || got[0] != audit.EventRecordDeleted {
		t.Errorf("expected delete audit event, got %v", got)
	}
}

func TestDeleteCancelAndExpiry(t *testing.T) {
	h := newFakeHMS()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewConsole(Deps{Gateway: h, Now: func() time.Time { return now }})
	c.Mount(context.Background())

	conf, _ := c.RequestDelete(KindDepartment, "1")
	if err := c.CancelDelete(conf.Token); err != nil {
		t.Fatal(err)
	}
	if err := c.ConfirmDelete(context.Background(), conf.Token); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("cancelled token must not delete, got %v", err)
	}

	conf, _ = c.RequestDelete(KindDepartment, "1")
	now = now.Add(DefaultConfirmationTTL + time.Second)
	if err := c.ConfirmDelete(context.Background(), conf.Token); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("expired token must not delete, got %v", err)
	}
	if h.count("delete") != 0 {
		t.Error("no delete expected")
	}

	if _, err := c.RequestDelete(KindDoctor, "404"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected unknown record, got %v", err)
	}
}

func TestDeleteFailureMessage(t *testing.T) {
	h := newFakeHMS()
	c := newTestConsole(h, nil)
	conf, _ := c.RequestDelete(KindTest, "7")
	h.failWith = upstreamErr("Test in use")

	if err := c.ConfirmDelete(context.Background(), conf.Token); err == nil {
		t.Fatal("expected failure")
	}
	if got := c.Snapshot().Status[KindTest].Notice.Text; got != MsgDeleteFailed {
		t.Errorf("unexpected notice %q", got)
	}
}

func TestSaveTestCreateAndEdit(t *testing.T) {
	h := newFakeHMS()
	c := newTestConsole(h, nil)

	if err := c.SaveTest(context.Background(), TestInput{Name: "TSH", Rate: 450}); err != nil {
		t.Fatal(err)
	}
	if got := c.Snapshot().Status[KindTest].Notice.Text; got != MsgTestAdded {
		t.Errorf("unexpected notice %q", got)
	}

	in, err := c.BeginEdit("7")
	if err != nil {
		t.Fatal(err)
	}
	if in.Name != "CBC" || in.Rate != 300 {
		t.Errorf("edit must prefill, got %+v", in)
	}
	in.Rate = 350
	if err := c.SaveTest(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if snap.EditingTest != nil {
		t.Error("successful update leaves edit mode")
	}
	if snap.Tests[0].Rate != 350 || snap.Status[KindTest].Notice.Text != MsgTestUpdated {
		t.Errorf("unexpected tests %+v", snap.Tests)
	}
	if h.count("create_test") != 1 || h.count("update_test") != 1 {
		t.Errorf("unexpected calls %v", h.calls)
	}

	_, _ = c.BeginEdit("8")
	c.CancelEdit()
	if _, editing := c.Editing(); editing {
		t.Error("cancel must leave edit mode")
	}
	if _, err := c.BeginEdit("404"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected unknown test, got %v", err)
	}
}

func TestToggleKeepsNameAndRate(t *testing.T) {
	h := newFakeHMS()
	rec := &audit.Memory{}
	c := newTestConsole(h, rec)

	if err := c.ToggleTest(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	got := snap.Tests[0]
	if got.Status != catalog.StatusInactive || got.Name != "CBC" || got.Rate != 300 {
		t.Errorf("toggle must flip status only, got %+v", got)
	}
	if len(snap.Tests) != 2 {
		t.Error("inactive tests stay in the management list")
	}
	if snap.Status[KindTest].Notice.Text != MsgTestToggled {
		t.Errorf("unexpected notice %+v", snap.Status[KindTest].Notice)
	}
	var data audit.RecordData
	_ = json.Unmarshal(rec.Events()[0].EventData, &data)
	if data.Status != string(catalog.StatusInactive) {
		t.Errorf("audit must carry the new status, got %+v", data)
	}

	h.failWith = upstreamErr("nope")
	_ = c.ToggleTest(context.Background(), "7")
	if got := c.Snapshot().Status[KindTest].Notice.Text; got != MsgToggleFailed {
		t.Errorf("unexpected failure notice %q", got)
	}
}
