package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/hms"
)

var loginAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeAuth struct {
	token string
	err   error
	calls int
}

func (f *fakeAuth) Login(_ context.Context, email, _ string) (hms.LoginResult, error) {
	f.calls++
	if f.err != nil {
		return hms.LoginResult{}, f.err
	}
	return hms.LoginResult{
		Token: f.token,
		User:  hms.User{ID: "1", Name: "Asha", Email: email, Role: "Super Admin"},
	}, nil
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1",
		"exp": exp.Unix(),
	}).SignedString([]byte("upstream-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestManager(auth Authenticator) (*Manager, *MemoryStore, *audit.Memory, *clock) {
	store := NewMemoryStore()
	rec := &audit.Memory{}
	clk := &clock{now: loginAt}
	m := NewManager(store, auth, Options{
		TTL:        8 * time.Hour,
		Now:        clk.Now,
		Recorder:   rec,
		Workspaces: NewWorkspaces(Factory{}),
	})
	return m, store, rec, clk
}

func TestLoginExpiryIsEarlierOfTokenAndTTL(t *testing.T) {
	auth := &fakeAuth{token: signed(t, loginAt.Add(time.Hour))}
	m, _, _, _ := newTestManager(auth)

	s, err := m.Login(context.Background(), " asha@clinic.np ", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if !s.ExpiresAt.Equal(loginAt.Add(time.Hour)) {
		t.Errorf("expected token expiry, got %v", s.ExpiresAt)
	}
	if s.User.Email != "asha@clinic.np" {
		t.Errorf("email must be trimmed, got %q", s.User.Email)
	}

	auth.token = signed(t, loginAt.Add(48*time.Hour))
	s, _ = m.Login(context.Background(), "asha@clinic.np", "secret")
	if !s.ExpiresAt.Equal(loginAt.Add(8 * time.Hour)) {
		t.Errorf("expected TTL expiry, got %v", s.ExpiresAt)
	}

	auth.token = "opaque-token"
	s, _ = m.Login(context.Background(), "asha@clinic.np", "secret")
	if !s.ExpiresAt.Equal(loginAt.Add(8 * time.Hour)) {
		t.Errorf("opaque tokens fall back to TTL, got %v", s.ExpiresAt)
	}
}

func TestLoginRejectsExpiredToken(t *testing.T) {
	m, _, _, _ := newTestManager(&fakeAuth{token: signed(t, loginAt.Add(-time.Minute))})
	if _, err := m.Login(context.Background(), "a@b.c", "secret"); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestLoginValidation(t *testing.T) {
	auth := &fakeAuth{token: "x"}
	m, _, _, _ := newTestManager(auth)

	_, err := m.Login(context.Background(), "  ", "secret")
	if !form.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err = m.Login(context.Background(), "a@b.c", "")
	if !form.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if auth.calls != 0 {
		t.Errorf("validation failures must not reach the HMS API")
	}
}

func TestLoginFailurePassesServerMessage(t *testing.T) {
	auth := &fakeAuth{err: &hms.APIError{Status: 401, Message: "Invalid credentials"}}
	m, _, rec, _ := newTestManager(auth)

	_, err := m.Login(context.Background(), "a@b.c", "wrong")
	if got := hms.MessageOf(err, MsgLoginFailed); got != "Invalid credentials" {
		t.Errorf("unexpected message %q", got)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("failed login must not be audited as a session")
	}
}

func TestRestore(t *testing.T) {
	m, _, _, clk := newTestManager(&fakeAuth{token: "x"})
	s, _ := m.Login(context.Background(), "a@b.c", "secret")

	got, err := m.Restore(context.Background(), s.ID)
	if err != nil || got.Token != "x" || got.User.Role != "Super Admin" {
		t.Fatalf("unexpected restore %+v %v", got, err)
	}

	clk.now = s.ExpiresAt
	if _, err := m.Restore(context.Background(), s.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	if _, err := m.Restore(context.Background(), s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session must be removed, got %v", err)
	}
	if _, err := m.Restore(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty id, got %v", err)
	}
}

func TestRestoreRemovesCorruptSession(t *testing.T) {
	m, store, _, _ := newTestManager(&fakeAuth{token: "x"})
	store.data["bad"] = []byte(`{"id":"bad","user":`)
	store.data["tokenless"] = []byte(`{"id":"tokenless","user":{"id":"1"}}`)

	for _, id := range []string{"bad", "tokenless"} {
		if _, err := m.Restore(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", id, err)
		}
		if _, ok := store.data[id]; ok {
			t.Errorf("%s: corrupt data must be deleted", id)
		}
	}
}

func TestLogoutClosesWorkspace(t *testing.T) {
	m, _, rec, _ := newTestManager(&fakeAuth{token: "x"})
	s, _ := m.Login(context.Background(), "a@b.c", "secret")

	w := m.Workspaces().For(s)
	if m.Workspaces().For(s) != w {
		t.Fatal("workspace must be reused for the same session")
	}
	if hms.TokenFrom(w.ctx) != "x" {
		t.Errorf("workspace context must carry the token")
	}

	if err := m.Logout(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	if w.ctx.Err() == nil {
		t.Error("workspace context must be cancelled on logout")
	}
	if n := m.Workspaces().Len(); n != 0 {
		t.Errorf("expected no workspaces, got %d", n)
	}
	if _, err := m.Restore(context.Background(), s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected session gone, got %v", err)
	}
	if err := m.Logout(context.Background(), s.ID); err != nil {
		t.Errorf("second logout must be a no-op, got %v", err)
	}

	types := rec.Types()
	if len(types) != 2 || types[0] != audit.EventSessionStarted || types[1] != audit.EventSessionEnded {
		t.Errorf("unexpected audit trail %v", types)
	}
}

func TestContextCarriesTokenAndActor(t *testing.T) {
	s := &Session{ID: "s1", Token: "tok", User: hms.User{ID: "4", Name: "Ram"}}
	ctx := Context(context.Background(), s)

	if hms.TokenFrom(ctx) != "tok" {
		t.Error("missing token")
	}
	if a, ok := audit.ActorFrom(ctx); !ok || a.ID != "4" || a.Name != "Ram" {
		t.Errorf("unexpected actor %+v", a)
	}
	if got, ok := FromContext(WithSession(ctx, s)); !ok || got != s {
		t.Error("session not attached")
	}
}
