package patient

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
	"github.com/clinicdesk/opd-console/pkg/debounce"
)

// ErrNotInResults is returned when selecting a patient the search did not offer
var ErrNotInResults = errors.New("patient not in search results")

// SearchOptions configures a Search
type SearchOptions struct {
	// Wait is the quiescence window before a lookup is issued
	Wait time.Duration
	// MinLength is the shortest query that issues a lookup
	MinLength int
	// AfterFunc replaces the timer source
	AfterFunc debounce.AfterFunc
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// DefaultSearchOptions returns the standard debounce settings
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		Wait:      500 * time.Millisecond,
		MinLength: 2,
	}
}

// SearchState is a snapshot of a Search
type SearchState struct {
	Query   string    `json:"query"`
	Results []Patient `json:"results"`
	Open    bool      `json:"open"`
}

// SelectFunc receives the picked patient
type SelectFunc func(ctx context.Context, p Patient)

// Search is a search-as-you-type patient lookup. Only the result of the
// most recently issued lookup is ever applied.
type Search struct {
	onSelect  SelectFunc
	minLength int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	debouncer *debounce.Debouncer[[]Patient]

	mu      sync.Mutex
	query   string
	results []Patient
	open    bool
}

// NewSearch creates a search bound to ctx. ctx must carry whatever the
// searcher needs to authenticate; it bounds every lookup.
func NewSearch(ctx context.Context, searcher Searcher, onSelect SelectFunc, opts SearchOptions) *Search {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MinLength < 1 {
		opts.MinLength = DefaultSearchOptions().MinLength
	}

	s := &Search{
		onSelect:  onSelect,
		minLength: opts.MinLength,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}

	debounceOpts := []debounce.Option{
		debounce.WithDropHook(func(key string) {
			s.logger.Debug("stale patient search dropped", zap.String("query", key))
			s.metrics.SearchDropped()
		}),
	}
	if opts.AfterFunc != nil {
		debounceOpts = append(debounceOpts, debounce.WithAfterFunc(opts.AfterFunc))
	}

	s.debouncer = debounce.New(ctx, opts.Wait,
		func(ctx context.Context, q string) ([]Patient, error) {
			s.metrics.SearchIssued()
			return searcher.SearchPatients(ctx, q)
		},
		s.apply,
		debounceOpts...,
	)
	return s
}

// SetQuery records new input. Short queries clear the results at once and
// cancel any pending lookup; longer ones restart the debounce window.
func (s *Search) SetQuery(q string) {
	s.mu.Lock()
	s.query = q
	short := len([]rune(q)) < s.minLength
	if short {
		s.results = nil
		s.open = false
	}
	s.mu.Unlock()

	if short {
		s.debouncer.Cancel()
		return
	}
	s.debouncer.Trigger(q)
}

func (s *Search) apply(q string, results []Patient, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Warn("patient search failed", zap.String("query", q), zap.Error(err))
		s.results = nil
		s.open = false
		return
	}
	s.results = results
	s.open = true
}

// Select picks the result with id, collapses the result list and invokes
// the select callback with the full record.
func (s *Search) Select(ctx context.Context, id common.ID) (Patient, error) {
	s.mu.Lock()
	var picked *Patient
	for i := range s.results {
		if s.results[i].ID == id {
			p := s.results[i]
			picked = &p
			break
		}
	}
	if picked == nil {
		s.mu.Unlock()
		return Patient{}, ErrNotInResults
	}
	s.query = picked.Label()
	s.open = false
	s.mu.Unlock()

	// the label must not trigger another lookup
	s.debouncer.Cancel()

	if s.onSelect != nil {
		s.onSelect(ctx, *picked)
	}
	return *picked, nil
}

// Reset clears the query and results
func (s *Search) Reset() {
	s.debouncer.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = ""
	s.results = nil
	s.open = false
}

// State returns the current query, results and whether the list is open
func (s *Search) State() SearchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]Patient, len(s.results))
	copy(results, s.results)
	return SearchState{Query: s.query, Results: results, Open: s.open}
}

// Close stops pending and in-flight lookups
func (s *Search) Close() {
	s.debouncer.Stop()
}
