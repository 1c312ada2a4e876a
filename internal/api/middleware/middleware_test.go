package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/hms"
	"github.com/clinicdesk/opd-console/internal/session"
)

type stubRestorer map[string]*session.Session

func (s stubRestorer) Restore(_ context.Context, id string) (*session.Session, error) {
	got, ok := s[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	if got == nil {
		return nil, session.ErrExpired
	}
	return got, nil
}

var asha = &session.Session{
	ID:        "s1",
	Token:     "tok",
	User:      hms.User{ID: "1", Name: "Asha", Role: "Receptionist"},
	ExpiresAt: time.Now().Add(time.Hour),
}

func guarded(t *testing.T, h http.Handler) http.Handler {
	t.Helper()
	restorer := stubRestorer{"s1": asha, "old": nil}
	return RequireSession(restorer, "opd_session", zap.NewNop())(h)
}

func TestRequireSession(t *testing.T) {
	var gotToken string
	var gotActor audit.Actor
	h := guarded(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = hms.TokenFrom(r.Context())
		gotActor, _ = audit.ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "opd_session", Value: "s1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if gotToken != "tok" || gotActor.Name != "Asha" {
		t.Errorf("context not populated: token=%q actor=%+v", gotToken, gotActor)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without cookie, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "opd_session", Value: "old"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for expired session, got %d", rec.Code)
	}
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == "opd_session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("expired session cookie must be cleared")
	}
}

func TestRequireRole(t *testing.T) {
	h := guarded(t, RequireRole("Super Admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.AddCookie(&http.Cookie{Name: "opd_session", Value: "s1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("receptionist must be refused, got %d", rec.Code)
	}
}

func TestRequestIDAndLogger(t *testing.T) {
	var correlated string
	h := RequestID(Logger(zap.NewNop(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e := (&audit.Event{}).WithContext(r.Context())
		correlated = e.CorrelationID
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "req-1" || correlated != "req-1" {
		t.Errorf("request id not propagated: header=%q audit=%q", rec.Header().Get("X-Request-ID"), correlated)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("unexpected status %d", rec.Code)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://opd.clinic.np"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://opd.clinic.np")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight must short-circuit, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://opd.clinic.np" ||
		rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("listed origin must be echoed with credentials, got %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("unlisted origin must not be allowed")
	}
}
