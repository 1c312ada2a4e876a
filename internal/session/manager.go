package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/hms"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
)

// MsgLoginFailed is shown when the HMS API gives no reason
const MsgLoginFailed = "Login failed"

// DefaultTTL bounds a session whose token carries no expiry
const DefaultTTL = 12 * time.Hour

// Authenticator exchanges credentials for a token and profile
type Authenticator interface {
	Login(ctx context.Context, email, password string) (hms.LoginResult, error)
}

// Options configure a Manager
type Options struct {
	TTL        time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
	Recorder   audit.Recorder
	Metrics    *metrics.Metrics
	Workspaces *Workspaces
}

// Manager creates, restores and ends sessions
type Manager struct {
	store      Store
	auth       Authenticator
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
	recorder   audit.Recorder
	metrics    *metrics.Metrics
	workspaces *Workspaces
	parser     *jwt.Parser
}

// NewManager creates a manager over store
func NewManager(store Store, auth Authenticator, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		auth:       auth,
		ttl:        opts.TTL,
		now:        opts.Now,
		logger:     opts.Logger.With(zap.String("component", "session")),
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		workspaces: opts.Workspaces,
		parser:     jwt.NewParser(),
	}
}

// Workspaces returns the workspace registry, if any
func (m *Manager) Workspaces() *Workspaces { return m.workspaces }

// tokenExpiry reads the exp claim. The HMS API is the authority on the
// token, so the signature is not verified here.
func (m *Manager) tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := m.parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Login authenticates against the HMS API and stores a new session. The
// session ends at the token expiry or after the TTL, whichever is first.
func (m *Manager) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, form.Invalid("email", "Email is required")
	}
	if password == "" {
		return nil, form.Invalid("password", "Password is required")
	}

	res, err := m.auth.Login(ctx, email, password)
	if err != nil {
		m.logger.Info("login rejected", zap.String("email", email), zap.Error(err))
		return nil, err
	}

	now := m.now()
	expires := now.Add(m.ttl)
	if exp, ok := m.tokenExpiry(res.Token); ok {
		if !exp.After(now) {
			return nil, fmt.Errorf("login: %w", ErrExpired)
		}
		if exp.Before(expires) {
			expires = exp
		}
	}

	s := &Session{
		ID:        uuid.New().String(),
		Token:     res.Token,
		User:      res.User,
		CreatedAt: now,
		ExpiresAt: expires,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.metrics.SessionOpened()
	m.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.User.ID.String()),
		zap.String("role", s.User.Role),
		zap.Time("expires_at", s.ExpiresAt))
	audit.Emit(Context(ctx, s), m.recorder, m.logger, audit.AggregateSession, s.User.ID.String(),
		audit.EventSessionStarted, map[string]string{"role": s.User.Role})
	return s, nil
}

// Restore returns the stored session id. Corrupt data is removed and
// reported as ErrNotFound; an expired session is removed and reported as
// ErrExpired.
func (m *Manager) Restore(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s, err := m.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrCorrupt):
		m.logger.Warn("removing unreadable session", zap.String("session_id", id), zap.Error(err))
		m.discard(ctx, id)
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}

	if s.Expired(m.now()) {
		m.discard(ctx, id)
		m.metrics.SessionClosed()
		return nil, ErrExpired
	}
	return s, nil
}

// Logout ends the session and closes its workspace. Unknown ids are a no-op.
func (m *Manager) Logout(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrCorrupt) && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if m.workspaces != nil {
		m.workspaces.Close(id)
	}
	if s == nil {
		return nil
	}

	m.metrics.SessionClosed()
	m.logger.Info("session ended", zap.String("session_id", id), zap.String("user_id", s.User.ID.String()))
	audit.Emit(Context(ctx, s), m.recorder, m.logger, audit.AggregateSession, s.User.ID.String(),
		audit.EventSessionEnded, map[string]string{"role": s.User.Role})
	return nil
}

func (m *Manager) discard(ctx context.Context, id string) {
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete session", zap.String("session_id", id), zap.Error(err))
	}
	if m.workspaces != nil {
		m.workspaces.Close(id)
	}
}
