package debounce

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fire runs the callback unless the timer was stopped
func (t *fakeTimer) fire() bool {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return false
	}
	t.fn()
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) elapse() {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		t.fire()
	}
}

func TestSequencerLatestWins(t *testing.T) {
	var s Sequencer
	first := s.Next()
	second := s.Next()
	if s.IsLatest(first) {
		t.Error("first ticket should be superseded")
	}
	if !s.IsLatest(second) {
		t.Error("second ticket should be latest")
	}
	if s.ApplyIfLatest(first, func() { t.Error("stale apply ran") }) {
		t.Error("expected stale apply to be rejected")
	}
	ran := false
	if !s.ApplyIfLatest(second, func() { ran = true }) || !ran {
		t.Error("expected latest apply to run")
	}
	s.Invalidate()
	if s.IsLatest(second) {
		t.Error("invalidate should supersede outstanding tickets")
	}
}

func TestDebouncerIssuesOneLookupForBurst(t *testing.T) {
	clock := &fakeClock{}
	var mu sync.Mutex
	var lookups, applied []string

	d := New(context.Background(), 500*time.Millisecond,
		func(_ context.Context, key string) (int, error) {
			mu.Lock()
			lookups = append(lookups, key)
			mu.Unlock()
			return len(key), nil
		},
		func(key string, _ int, _ error) {
			mu.Lock()
			applied = append(applied, key)
			mu.Unlock()
		},
		WithAfterFunc(clock.AfterFunc),
	)
	defer d.Stop()

	d.Trigger("J")
	d.Trigger("Jo")
	d.Trigger("John")
	clock.elapse()

	if len(lookups) != 1 || lookups[0] != "John" {
		t.Fatalf("expected exactly one lookup for John, got %v", lookups)
	}
	if len(applied) != 1 || applied[0] != "John" {
		t.Fatalf("expected John applied, got %v", applied)
	}
}

func TestDebouncerConcurrentTriggersKeepLatestArmed(t *testing.T) {
	for i := 0; i < 200; i++ {
		clock := &fakeClock{}
		var mu sync.Mutex
		var lookups []string

		d := New(context.Background(), 500*time.Millisecond,
			func(_ context.Context, key string) (int, error) {
				mu.Lock()
				lookups = append(lookups, key)
				mu.Unlock()
				return 0, nil
			},
			func(string, int, error) {},
			WithAfterFunc(clock.AfterFunc),
		)

		var wg sync.WaitGroup
		for _, key := range []string{"Jo", "Joh", "John", "Johnny"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				d.Trigger(key)
			}(key)
		}
		wg.Wait()
		clock.elapse()
		d.Stop()

		if len(lookups) != 1 {
			t.Fatalf("iteration %d: expected one lookup after concurrent triggers, got %v", i, lookups)
		}
	}
}

func TestDebouncerDropsSupersededResult(t *testing.T) {
	clock := &fakeClock{}
	release := make(chan struct{})
	started := make(chan string, 2)

	var mu sync.Mutex
	var applied []string
	var dropped []string

	d := New(context.Background(), time.Millisecond,
		func(_ context.Context, key string) (string, error) {
			started <- key
			if key == "ab" {
				<-release
			}
			return key, nil
		},
		func(key string, _ string, _ error) {
			mu.Lock()
			applied = append(applied, key)
			mu.Unlock()
		},
		WithAfterFunc(clock.AfterFunc),
		WithDropHook(func(key string) {
			mu.Lock()
			dropped = append(dropped, key)
			mu.Unlock()
		}),
	)
	defer d.Stop()

	d.Trigger("ab")
	clock.mu.Lock()
	slow := clock.timers[0]
	clock.mu.Unlock()

	done := make(chan struct{})
	go func() {
		slow.fire()
		close(done)
	}()
	<-started

	// newer input arrives while the first lookup is in flight
	d.Trigger("abc")
	clock.mu.Lock()
	fast := clock.timers[1]
	clock.mu.Unlock()
	fast.fire()
	<-started

	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 || applied[0] != "abc" {
		t.Errorf("expected only abc applied, got %v", applied)
	}
	if len(dropped) != 1 || dropped[0] != "ab" {
		t.Errorf("expected ab dropped, got %v", dropped)
	}
}

func TestDebouncerCancel(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	d := New(context.Background(), time.Millisecond,
		func(_ context.Context, _ string) (int, error) {
			calls++
			return 0, nil
		},
		func(string, int, error) {},
		WithAfterFunc(clock.AfterFunc),
	)
	defer d.Stop()

	d.Trigger("abc")
	d.Cancel()
	clock.elapse()

	// even a timer that escaped Stop must not run a lookup
	clock.timers[0].fn()

	if calls != 0 {
		t.Errorf("expected no lookups after cancel, got %d", calls)
	}
}
