// Package debounce provides last-request-wins primitives for lookups driven
// by user input: a sequence-numbered staleness gate and a debouncer built on it.
package debounce

import (
	"context"
	"sync"
	"time"
)

// Sequencer hands out monotonically increasing tickets. A result may only be
// applied when its ticket is still the latest issued one, regardless of the
// order in which concurrent requests complete.
type Sequencer struct {
	mu  sync.Mutex
	seq uint64
}

// Next issues a new ticket, superseding every earlier one
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Invalidate supersedes every outstanding ticket without issuing a usable one
func (s *Sequencer) Invalidate() {
	s.Next()
}

// IsLatest reports whether ticket is the most recently issued one
func (s *Sequencer) IsLatest(ticket uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ticket == s.seq
}

// ApplyIfLatest runs fn only if ticket is still the latest one. No ticket
// can be issued while fn runs, so fn must not call Next or Invalidate.
func (s *Sequencer) ApplyIfLatest(ticket uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket != s.seq {
		return false
	}
	fn()
	return true
}

// Timer is the subset of *time.Timer the debouncer needs
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It defaults to time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// LookupFunc performs the debounced request
type LookupFunc[T any] func(ctx context.Context, key string) (T, error)

// ApplyFunc receives the result of the latest request only. It runs while
// the debouncer's sequencer is locked and must not call back into it.
type ApplyFunc[T any] func(key string, result T, err error)

// Debouncer waits for input to settle for a quiescence window, then issues
// one lookup for the latest key. Results of superseded lookups are dropped.
type Debouncer[T any] struct {
	wait      time.Duration
	lookup    LookupFunc[T]
	apply     ApplyFunc[T]
	afterFunc AfterFunc
	onDrop    func(key string)

	ctx    context.Context
	cancel context.CancelFunc

	seq   Sequencer
	mu    sync.Mutex
	timer Timer
}

// Option configures a Debouncer
type Option func(*options)

type options struct {
	afterFunc AfterFunc
	onDrop    func(key string)
}

// WithAfterFunc replaces the timer source, mainly for tests
func WithAfterFunc(fn AfterFunc) Option {
	return func(o *options) { o.afterFunc = fn }
}

// WithDropHook is called with the key of every result discarded as stale
func WithDropHook(fn func(key string)) Option {
	return func(o *options) { o.onDrop = fn }
}

// New creates a debouncer. ctx bounds every lookup it issues.
func New[T any](ctx context.Context, wait time.Duration, lookup LookupFunc[T], apply ApplyFunc[T], opts ...Option) *Debouncer[T] {
	o := options{
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Debouncer[T]{
		wait:      wait,
		lookup:    lookup,
		apply:     apply,
		afterFunc: o.afterFunc,
		onDrop:    o.onDrop,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Trigger (re)starts the quiescence window for key. Any pending or
// in-flight lookup for an older key is superseded.
func (d *Debouncer[T]) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// the ticket is issued under mu so the armed timer always holds the latest one
	ticket := d.seq.Next()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.afterFunc(d.wait, func() { d.fire(ticket, key) })
}

// Cancel drops any pending or in-flight lookup
func (d *Debouncer[T]) Cancel() {
	d.seq.Invalidate()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Stop cancels pending work and aborts in-flight lookups
func (d *Debouncer[T]) Stop() {
	d.Cancel()
	d.cancel()
}

func (d *Debouncer[T]) fire(ticket uint64, key string) {
	if !d.seq.IsLatest(ticket) {
		return
	}
	if d.ctx.Err() != nil {
		return
	}

	result, err := d.lookup(d.ctx, key)

	applied := d.seq.ApplyIfLatest(ticket, func() {
		d.apply(key, result, err)
	})
	if !applied && d.onDrop != nil {
		d.onDrop(key)
	}
}
