// Package session owns the authenticated console session: login against the
// HMS API, restore from storage, logout, and the per-session workspace of
// open forms.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/hms"
)

var (
	// ErrNotFound is returned for an unknown or removed session
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned for a session past its expiry
	ErrExpired = errors.New("session expired")
	// ErrCorrupt is returned by stores when stored data cannot be decoded
	ErrCorrupt = errors.New("session data corrupt")
)

// Session is one logged-in user
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	User      hms.User  `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether s is past its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HasRole reports whether the user holds role
func (s *Session) HasRole(role string) bool {
	return s.User.Role == role
}

// Context returns ctx carrying the session's bearer token and actor
func Context(ctx context.Context, s *Session) context.Context {
	ctx = audit.WithActor(ctx, audit.Actor{ID: s.User.ID.String(), Name: s.User.Name})
	return hms.WithToken(ctx, s.Token)
}

type ctxKey struct{}

// WithSession attaches s to ctx
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session attached by WithSession
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}

// Encode serializes s for storage
func Encode(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses stored session data. Anything unreadable or missing the
// token is reported as ErrCorrupt.
func Decode(raw []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.ID == "" || s.Token == "" {
		return nil, fmt.Errorf("%w: missing id or token", ErrCorrupt)
	}
	return &s, nil
}

// Store persists sessions
type Store interface {
	Save(ctx context.Context, s *Session) error
	// Get returns ErrNotFound or ErrCorrupt when no usable session exists
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps encoded sessions in memory
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	raw, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	m.mu.Lock()
	m.data[s.ID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	raw, ok := m.data[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Decode(raw)
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.data, id)
	m.mu.Unlock()
	return nil
}
