// Package catalog holds the investigation test catalog and the selector
// used by visit forms to pick billable tests.
package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/common"
)

// Status is the availability of a catalog entry
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Toggled returns the opposite status
func (s Status) Toggled() Status {
	if s == StatusInactive {
		return StatusActive
	}
	return StatusInactive
}

// Entry is one investigation test in the catalog
type Entry struct {
	ID     common.ID      `json:"id"`
	Name   string         `json:"test_name"`
	Rate   billing.Amount `json:"rate"`
	Status Status         `json:"status,omitempty"`
}

// Active reports whether the entry may be offered for new selection.
// The active-only list endpoint omits the status, so empty counts as active.
func (e Entry) Active() bool {
	return e.Status != StatusInactive
}

// Line converts the entry into a new investigation line with quantity 1
func (e Entry) Line() billing.InvestigationLine {
	return billing.InvestigationLine{
		TestID:   e.ID,
		Name:     e.Name,
		Rate:     e.Rate,
		Quantity: 1,
	}
}

// ErrUnknownTest is returned when adding a test the catalog does not offer
var ErrUnknownTest = errors.New("test not available in catalog")

// Lister loads the selectable catalog
type Lister interface {
	ListTests(ctx context.Context) ([]Entry, error)
}

// Selector searches the catalog and edits the caller-owned line list.
// It never keeps a copy of the selected lines.
type Selector struct {
	lister Lister
	lines  *billing.Lines
	logger *zap.Logger

	mu      sync.RWMutex
	entries []Entry
	loaded  bool
	term    string
}

// NewSelector creates a selector operating on lines
func NewSelector(lister Lister, lines *billing.Lines, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{lister: lister, lines: lines, logger: logger}
}

// Load fetches the catalog once. A failed load leaves an empty catalog and
// is not reported to the caller.
func (s *Selector) Load(ctx context.Context) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return
	}

	entries, err := s.lister.ListTests(ctx)
	if err != nil {
		s.logger.Warn("failed to load investigation catalog", zap.Error(err))
		entries = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return
	}
	s.entries = entries
	s.loaded = true
}

// Entries returns the loaded catalog
func (s *Selector) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// SetTerm stores the current search term
func (s *Selector) SetTerm(term string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
}

// Term returns the current search term
func (s *Selector) Term() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term
}

// Search returns active entries whose name contains term, case-insensitively,
// excluding entries that are already selected.
func (s *Selector) Search(term string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(term)
	var out []Entry
	for _, e := range s.entries {
		if !e.Active() {
			continue
		}
		if !strings.Contains(strings.ToLower(e.Name), needle) {
			continue
		}
		if s.lines.Has(e.ID) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Matches searches with the current term
func (s *Selector) Matches() []Entry {
	return s.Search(s.Term())
}

// Add selects the catalog entry id with quantity 1 and clears the term
func (s *Selector) Add(id common.ID) (billing.InvestigationLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ID != id || !e.Active() {
			continue
		}
		line := e.Line()
		if err := s.lines.Add(line); err != nil {
			return billing.InvestigationLine{}, err
		}
		s.term = ""
		return line, nil
	}
	return billing.InvestigationLine{}, ErrUnknownTest
}

// Remove deselects the test id
func (s *Selector) Remove(id common.ID) error {
	return s.lines.Remove(id)
}

// SetQuantity updates the quantity of a selected test from raw input
func (s *Selector) SetQuantity(id common.ID, raw string) (int, error) {
	return s.lines.SetQuantity(id, raw)
}

// Total is the investigation subtotal of the selected lines
func (s *Selector) Total() float64 {
	return s.lines.Total()
}
