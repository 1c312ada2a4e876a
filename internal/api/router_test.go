package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinicdesk/opd-console/internal/api/handlers"
	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/hms"
	"github.com/clinicdesk/opd-console/internal/session"
)

// fakeHMS answers the HMS API endpoints used below and records posted paths
type fakeHMS struct {
	mu     sync.Mutex
	role   string
	posted []string
}

func (f *fakeHMS) token(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("hms-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fakeHMS) handler(t *testing.T) http.HandlerFunc {
	token := f.token(t)
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api")
		if r.Method == http.MethodPost {
			f.mu.Lock()
			f.posted = append(f.posted, path)
			f.mu.Unlock()
		}
		if path != "/auth/login.php" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"message":"Unauthorized"}`)
			return
		}

		switch path {
		case "/auth/login.php":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				io.WriteString(w, `{"message":"Invalid credentials"}`)
				return
			}
			f.mu.Lock()
			role := f.role
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jwt":  token,
				"user": map[string]string{"id": "u1", "name": "Asha", "email": body["email"], "role": role},
			})
		case "/reports/daily_summary.php":
			io.WriteString(w, `{"total_patients":"4","total_visits":7,"total_revenue":1250}`)
		case "/visits/list.php":
			io.WriteString(w, `[{"id":"v1","patient_name":"Sita Sharma","visit_type":"OPD","total_amount":300}]`)
		case "/visits/get_by_id.php":
			if r.URL.Query().Get("id") != "v1" {
				io.WriteString(w, `{}`)
				return
			}
			io.WriteString(w, `{"id":"v1","patient_name":"Sita Sharma","visit_type":"OPD","registration_charge":100,"total_amount":100}`)
		case "/patients/create.php":
			io.WriteString(w, `{"patient_id":"P-77"}`)
		case "/users/list.php":
			io.WriteString(w, `[{"id":"s1","name":"Ram","email":"ram@example.com","role":"Doctor"}]`)
		case "/investigations/list_all.php":
			io.WriteString(w, `[{"id":"t1","test_name":"CBC","rate":200,"status":"active"}]`)
		case "/investigations/toggle_status.php":
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"message":"constraint violated"}`)
		default:
			io.WriteString(w, `{}`)
		}
	}
}

func (f *fakeHMS) postedTo(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.posted {
		if p == path {
			return true
		}
	}
	return false
}

type consoleClient struct {
	t   *testing.T
	srv *httptest.Server
	hc  *http.Client
}

func (c *consoleClient) do(method, path, body string) (*http.Response, string) {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, reader)
	if err != nil {
		c.t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, string(raw)
}

func (c *consoleClient) expect(method, path, body string, status int) string {
	c.t.Helper()
	resp, raw := c.do(method, path, body)
	if resp.StatusCode != status {
		c.t.Fatalf("%s %s: got %d, want %d (%s)", method, path, resp.StatusCode, status, raw)
	}
	return raw
}

func newConsole(t *testing.T, role string) (*consoleClient, *fakeHMS, *audit.Memory) {
	t.Helper()
	fake := &fakeHMS{role: role}
	upstream := httptest.NewServer(fake.handler(t))
	t.Cleanup(upstream.Close)

	client, err := hms.New(hms.DefaultConfig(upstream.URL+"/api"), nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &audit.Memory{}
	workspaces := session.NewWorkspaces(session.Factory{
		Patients: client,
		Visits:   client,
		Catalog:  client,
		Admin:    client,
		Recorder: rec,
		Now:      time.Now,

		RegistrationCharge: 100,
	})
	t.Cleanup(workspaces.CloseAll)
	manager := session.NewManager(session.NewMemoryStore(), client, session.Options{
		Recorder:   rec,
		Workspaces: workspaces,
	})

	srv := httptest.NewServer(NewRouter(Deps{
		Sessions: manager,
		Reports:  client,
		Breakers: client,
		Cookie:   handlers.CookieConfig{Name: "opd_session"},
	}))
	t.Cleanup(srv.Close)

	jar, _ := cookiejar.New(nil)
	return &consoleClient{t: t, srv: srv, hc: &http.Client{Jar: jar}}, fake, rec
}

func TestLoginGatesConsole(t *testing.T) {
	c, _, rec := newConsole(t, "Receptionist")

	c.expect(http.MethodGet, "/dashboard", "", http.StatusUnauthorized)
	c.expect(http.MethodGet, "/auth/me", "", http.StatusUnauthorized)

	raw := c.expect(http.MethodPost, "/auth/login", `{"email":"asha@example.com","password":"nope"}`, http.StatusUnauthorized)
	if !strings.Contains(raw, "Invalid credentials") {
		t.Errorf("expected server message, got %s", raw)
	}
	raw = c.expect(http.MethodPost, "/auth/login", `{"email":"","password":"secret"}`, http.StatusUnprocessableEntity)
	if !strings.Contains(raw, `"field":"email"`) {
		t.Errorf("expected email field error, got %s", raw)
	}

	c.expect(http.MethodPost, "/auth/login", `{"email":"asha@example.com","password":"secret"}`, http.StatusOK)
	raw = c.expect(http.MethodGet, "/auth/me", "", http.StatusOK)
	if !strings.Contains(raw, `"name":"Asha"`) {
		t.Errorf("unexpected profile %s", raw)
	}

	c.expect(http.MethodGet, "/admin/stats", "", http.StatusForbidden)

	c.expect(http.MethodPost, "/auth/logout", "", http.StatusOK)
	c.expect(http.MethodGet, "/dashboard", "", http.StatusUnauthorized)

	types := rec.Types()
	if len(types) != 2 || types[0] != audit.EventSessionStarted || types[1] != audit.EventSessionEnded {
		t.Errorf("unexpected audit trail %v", types)
	}
}

func TestDashboardAndReprint(t *testing.T) {
	c, _, _ := newConsole(t, "Receptionist")
	c.expect(http.MethodPost, "/auth/login", `{"email":"asha@example.com","password":"secret"}`, http.StatusOK)

	c.expect(http.MethodGet, "/dashboard?date=16-10-2026", "", http.StatusUnprocessableEntity)

	raw := c.expect(http.MethodGet, "/dashboard?date=2026-10-16", "", http.StatusOK)
	var d struct {
		Date    string `json:"date"`
		Summary struct {
			TotalPatients int `json:"total_patients"`
			TotalVisits   int `json:"total_visits"`
		} `json:"summary"`
		Recent []json.RawMessage `json:"recent_visits"`
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}
	if d.Date != "2026-10-16" || d.Summary.TotalPatients != 4 || d.Summary.TotalVisits != 7 || len(d.Recent) != 1 {
		t.Errorf("unexpected dashboard %s", raw)
	}

	resp, body := c.do(http.MethodGet, "/visits/v1/bill", "")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("bill: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(body, "Sita Sharma") || !strings.Contains(body, "Asha") {
		t.Errorf("bill missing patient or biller: %s", body)
	}

	c.expect(http.MethodGet, "/visits/missing/bill", "", http.StatusNotFound)
}

func TestVisitFormRoutes(t *testing.T) {
	c, _, _ := newConsole(t, "Receptionist")
	c.expect(http.MethodPost, "/auth/login", `{"email":"asha@example.com","password":"secret"}`, http.StatusOK)

	c.expect(http.MethodGet, "/forms/walk-in", "", http.StatusNotFound)
	raw := c.expect(http.MethodGet, "/forms/opd", "", http.StatusOK)
	if !strings.Contains(raw, `"phase":"editing"`) {
		t.Errorf("unexpected form state %s", raw)
	}
	c.expect(http.MethodGet, "/forms/opd/bill", "", http.StatusNotFound)

	raw = c.expect(http.MethodPost, "/forms/opd/submit", "", http.StatusUnprocessableEntity)
	if !strings.Contains(raw, `"field"`) {
		t.Errorf("expected a field error, got %s", raw)
	}
}

func TestPatientRegistration(t *testing.T) {
	c, fake, rec := newConsole(t, "Receptionist")
	c.expect(http.MethodPost, "/auth/login", `{"email":"asha@example.com","password":"secret"}`, http.StatusOK)

	raw := c.expect(http.MethodPost, "/patients/register/submit", "", http.StatusUnprocessableEntity)
	if !strings.Contains(raw, `"field":"first_name"`) {
		t.Errorf("unexpected validation %s", raw)
	}

	c.expect(http.MethodPatch, "/patients/register/fields",
		`{"first_name":"Hari","last_name":"Thapa","age":"34","phone":"9800000000"}`, http.StatusOK)
	raw = c.expect(http.MethodPost, "/patients/register/submit", "", http.StatusCreated)
	if !strings.Contains(raw, `"patient_id":"P-77"`) || !strings.Contains(raw, "Patient Registered! ID: P-77") {
		t.Errorf("unexpected registration response %s", raw)
	}
	if !fake.postedTo("/patients/create.php") {
		t.Error("create was not sent upstream")
	}

	raw = c.expect(http.MethodGet, "/patients/register", "", http.StatusOK)
	if !strings.Contains(raw, `"first_name":""`) {
		t.Errorf("form was not cleared: %s", raw)
	}

	found := false
	for _, typ := range rec.Types() {
		if typ == audit.EventPatientRegistered {
			found = true
		}
	}
	if !found {
		t.Errorf("patient registration not audited: %v", rec.Types())
	}

	c.expect(http.MethodPost, "/patients/edit/submit", "", http.StatusUnprocessableEntity)
}

func TestAdminDeleteNeedsConfirmation(t *testing.T) {
	c, fake, _ := newConsole(t, "Super Admin")
	c.expect(http.MethodPost, "/auth/login", `{"email":"root@example.com","password":"secret"}`, http.StatusOK)

	c.expect(http.MethodDelete, "/admin/staff/ghost", "", http.StatusNotFound)
	c.expect(http.MethodDelete, "/admin/patients/s1", "", http.StatusNotFound)

	raw := c.expect(http.MethodDelete, "/admin/staff/s1", "", http.StatusAccepted)
	if fake.postedTo("/users/delete.php") {
		t.Fatal("delete sent before confirmation")
	}
	var conf struct {
		Token string `json:"confirmation"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw), &conf); err != nil || conf.Token == "" || conf.Name != "Ram" {
		t.Fatalf("unexpected confirmation %s", raw)
	}

	raw = c.expect(http.MethodPost, "/admin/confirmations/"+conf.Token, "", http.StatusOK)
	if !strings.Contains(raw, "Deleted Successfully") {
		t.Errorf("unexpected delete response %s", raw)
	}
	if !fake.postedTo("/users/delete.php") {
		t.Error("delete was not sent upstream")
	}
	c.expect(http.MethodPost, "/admin/confirmations/"+conf.Token, "", http.StatusNotFound)
}

func TestAdminToggleFailureUsesFixedMessage(t *testing.T) {
	c, _, _ := newConsole(t, "Super Admin")
	c.expect(http.MethodPost, "/auth/login", `{"email":"root@example.com","password":"secret"}`, http.StatusOK)

	resp, raw := c.do(http.MethodPost, "/admin/tests/t1/toggle", "")
	if resp.StatusCode < 400 {
		t.Fatalf("expected failure, got %d", resp.StatusCode)
	}
	if !strings.Contains(raw, "Failed to toggle status") || strings.Contains(raw, "constraint violated") {
		t.Errorf("unexpected toggle failure %s", raw)
	}

	raw = c.expect(http.MethodPost, "/admin/staff", `{"name":"","email":"x@example.com","password":"p"}`, http.StatusUnprocessableEntity)
	if !strings.Contains(raw, `"field":"name"`) {
		t.Errorf("unexpected validation %s", raw)
	}
}

func TestHealthAndReady(t *testing.T) {
	c, _, _ := newConsole(t, "Receptionist")
	raw := c.expect(http.MethodGet, "/health", "", http.StatusOK)
	if !strings.Contains(raw, ServiceName) {
		t.Errorf("unexpected health %s", raw)
	}
	c.expect(http.MethodGet, "/ready", "", http.StatusOK)
}
