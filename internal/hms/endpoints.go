package hms

import (
	"bytes"
	"context"
	"net/url"
	"strconv"

	"github.com/clinicdesk/opd-console/internal/domain/admin"
	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/patient"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
)

var (
	_ patient.Gateway = (*Client)(nil)
	_ visit.Gateway   = (*Client)(nil)
	_ visit.Reports   = (*Client)(nil)
	_ catalog.Lister  = (*Client)(nil)
	_ admin.Gateway   = (*Client)(nil)
)

// User is the profile returned at login
type User struct {
	ID    common.ID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
}

// LoginResult is the answer to a successful login
type LoginResult struct {
	Token string `json:"jwt"`
	User  User   `json:"user"`
}

type idBody struct {
	ID common.ID `json:"id"`
}

// Login exchanges credentials for a bearer token
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	const path = "/auth/login.php"
	raw, err := c.post(ctx, GroupAuth, path, map[string]string{"email": email, "password": password})
	if err != nil {
		return LoginResult{}, err
	}
	var res LoginResult
	if err := decode(path, raw, &res); err != nil {
		return LoginResult{}, err
	}
	if res.Token == "" {
		return LoginResult{}, &APIError{Status: 502, Message: "Login failed", Path: path}
	}
	return res, nil
}

// SearchPatients looks patients up by name, phone or id
func (c *Client) SearchPatients(ctx context.Context, q string) ([]patient.Patient, error) {
	return list[patient.Patient](ctx, c, GroupPatients, "/patients/search.php", url.Values{"q": {q}})
}

// RecentPatients lists the most recently registered patients
func (c *Client) RecentPatients(ctx context.Context) ([]patient.Patient, error) {
	return list[patient.Patient](ctx, c, GroupPatients, "/patients/recent.php", nil)
}

// CreatePatient registers p and returns the new patient id
func (c *Client) CreatePatient(ctx context.Context, p patient.Patient) (common.ID, error) {
	const path = "/patients/create.php"
	p.ID = ""
	raw, err := c.post(ctx, GroupPatients, path, p)
	if err != nil {
		return "", err
	}
	var res struct {
		PatientID common.ID `json:"patient_id"`
	}
	if err := decode(path, raw, &res); err != nil {
		return "", err
	}
	return res.PatientID, nil
}

// UpdatePatient saves every field of p
func (c *Client) UpdatePatient(ctx context.Context, p patient.Patient) error {
	_, err := c.post(ctx, GroupPatients, "/patients/update.php", p)
	return err
}

// ListDepartments lists every department
func (c *Client) ListDepartments(ctx context.Context) ([]visit.Department, error) {
	return list[visit.Department](ctx, c, GroupVisits, "/departments/list.php", nil)
}

// ListDoctors lists doctors of departmentID, or all doctors when it is empty
func (c *Client) ListDoctors(ctx context.Context, departmentID common.ID) ([]visit.Doctor, error) {
	var q url.Values
	if !departmentID.IsZero() {
		q = url.Values{"department_id": {departmentID.String()}}
	}
	return list[visit.Doctor](ctx, c, GroupVisits, "/doctors/list.php", q)
}

// LastVisit returns the patient's most recent visit, or nil when there is none
func (c *Client) LastVisit(ctx context.Context, patientID common.ID) (*visit.LastVisit, error) {
	const path = "/visits/last.php"
	raw, err := c.get(ctx, GroupVisits, path, url.Values{"patient_id": {patientID.String()}})
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}
	var last visit.LastVisit
	if err := decode(path, raw, &last); err != nil {
		return nil, err
	}
	if last == (visit.LastVisit{}) {
		return nil, nil
	}
	return &last, nil
}

func registerPath(kind visit.Kind) string {
	if kind == visit.KindFollowUp {
		return "/opd/followup.php"
	}
	return "/opd/register.php"
}

// RegisterVisit submits an OPD or follow-up visit and returns its id
func (c *Client) RegisterVisit(ctx context.Context, kind visit.Kind, r visit.Registration) (common.ID, error) {
	path := registerPath(kind)
	raw, err := c.post(ctx, GroupVisits, path, r)
	if err != nil {
		return "", err
	}
	var res struct {
		VisitID common.ID `json:"visit_id"`
	}
	if err := decode(path, raw, &res); err != nil {
		return "", err
	}
	return res.VisitID, nil
}

// DailySummary returns the totals of date (YYYY-MM-DD)
func (c *Client) DailySummary(ctx context.Context, date string) (visit.DailySummary, error) {
	const path = "/reports/daily_summary.php"
	raw, err := c.get(ctx, GroupReports, path, url.Values{"date": {date}})
	if err != nil {
		return visit.DailySummary{}, err
	}
	var s visit.DailySummary
	err = decode(path, raw, &s)
	return s, err
}

// ListVisits lists the most recent visits
func (c *Client) ListVisits(ctx context.Context, limit int) ([]billing.Record, error) {
	return list[billing.Record](ctx, c, GroupReports, "/visits/list.php", url.Values{"limit": {strconv.Itoa(limit)}})
}

// GetVisit returns the full record of a visit for reprinting its bill
func (c *Client) GetVisit(ctx context.Context, id common.ID) (billing.Record, error) {
	const path = "/visits/get_by_id.php"
	raw, err := c.get(ctx, GroupReports, path, url.Values{"id": {id.String()}})
	if err != nil {
		return billing.Record{}, err
	}
	var rec billing.Record
	if err := decode(path, raw, &rec); err != nil {
		return billing.Record{}, err
	}
	if rec.VisitID.IsZero() {
		return billing.Record{}, &APIError{Status: 404, Message: "Visit not found", Path: path}
	}
	return rec, nil
}

// ListTests lists the active investigation tests
func (c *Client) ListTests(ctx context.Context) ([]catalog.Entry, error) {
	return list[catalog.Entry](ctx, c, GroupCatalog, "/investigations/list.php", nil)
}

// ListAllTests lists every investigation test including inactive ones
func (c *Client) ListAllTests(ctx context.Context) ([]catalog.Entry, error) {
	return list[catalog.Entry](ctx, c, GroupCatalog, "/investigations/list_all.php", nil)
}

func (c *Client) create(ctx context.Context, group, path string, body interface{}) (common.ID, error) {
	raw, err := c.post(ctx, group, path, body)
	if err != nil {
		return "", err
	}
	var res idBody
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		if err := decode(path, raw, &res); err != nil {
			return "", err
		}
	}
	return res.ID, nil
}

// CreateTest adds an investigation test
func (c *Client) CreateTest(ctx context.Context, t admin.TestInput) (common.ID, error) {
	return c.create(ctx, GroupCatalog, "/investigations/create.php", t)
}

// UpdateTest edits the name and rate of a test
func (c *Client) UpdateTest(ctx context.Context, id common.ID, t admin.TestInput) error {
	body := struct {
		admin.TestInput
		ID common.ID `json:"id"`
	}{t, id}
	_, err := c.post(ctx, GroupCatalog, "/investigations/update.php", body)
	return err
}

// ToggleTestStatus flips a test between active and inactive
func (c *Client) ToggleTestStatus(ctx context.Context, id common.ID) error {
	_, err := c.post(ctx, GroupCatalog, "/investigations/toggle_status.php", idBody{ID: id})
	return err
}

// ListStaff lists console users
func (c *Client) ListStaff(ctx context.Context) ([]admin.Staff, error) {
	return list[admin.Staff](ctx, c, GroupAdmin, "/users/list.php", nil)
}

// CreateStaff adds a console user
func (c *Client) CreateStaff(ctx context.Context, s admin.NewStaff) (common.ID, error) {
	return c.create(ctx, GroupAdmin, "/users/create.php", s)
}

// CreateDoctor adds a doctor
func (c *Client) CreateDoctor(ctx context.Context, d admin.NewDoctor) (common.ID, error) {
	return c.create(ctx, GroupAdmin, "/doctors/create.php", d)
}

// CreateDepartment adds a department
func (c *Client) CreateDepartment(ctx context.Context, d admin.NewDepartment) (common.ID, error) {
	return c.create(ctx, GroupAdmin, "/departments/create.php", d)
}

func deletePath(kind admin.Kind) (string, string) {
	switch kind {
	case admin.KindStaff:
		return GroupAdmin, "/users/delete.php"
	case admin.KindDoctor:
		return GroupAdmin, "/doctors/delete.php"
	case admin.KindDepartment:
		return GroupAdmin, "/departments/delete.php"
	default:
		return GroupCatalog, "/investigations/delete.php"
	}
}

// Delete removes a managed record
func (c *Client) Delete(ctx context.Context, kind admin.Kind, id common.ID) error {
	if _, err := admin.ParseKind(string(kind)); err != nil {
		return err
	}
	group, path := deletePath(kind)
	_, err := c.post(ctx, group, path, idBody{ID: id})
	return err
}

// Stats returns the aggregate counts shown on the admin console
func (c *Client) Stats(ctx context.Context) (admin.Stats, error) {
	const path = "/admin/stats.php"
	raw, err := c.get(ctx, GroupAdmin, path, nil)
	if err != nil {
		return admin.Stats{}, err
	}
	var s admin.Stats
	err = decode(path, raw, &s)
	return s, err
}
