// Package workerpool runs jobs on a bounded set of goroutines with a fixed
// size queue and per-job retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free
	ErrQueueFull = errors.New("workerpool: queue is full")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("workerpool: pool is stopped")
)

// Handler processes one job. A non-nil error schedules a retry until
// MaxRetries is exhausted.
type Handler[T any] func(ctx context.Context, job T) error

// Config holds worker pool configuration
type Config struct {
	// Name labels log lines
	Name string
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize bounds the jobs waiting for a worker
	QueueSize int
	// MaxRetries is the number of extra attempts after the first failure
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay time.Duration
	// JobTimeout bounds a single attempt; zero means no bound
	JobTimeout time.Duration
	// ShutdownTimeout bounds how long Stop waits for queued jobs
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for background side work of a
// single console instance
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		Workers:         4,
		QueueSize:       1024,
		MaxRetries:      3,
		RetryDelay:      200 * time.Millisecond,
		JobTimeout:      5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Pool runs jobs of type T
type Pool[T any] struct {
	config  Config
	handler Handler[T]
	logger  *zap.Logger

	jobs   chan T
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	once    sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a pool and starts its workers
func New[T any](cfg Config, handler Handler[T], logger *zap.Logger) (*Pool[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("workerpool: handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig(cfg.Name)
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		config:  cfg,
		handler: handler,
		logger:  logger.With(zap.String("pool", cfg.Name)),
		jobs:    make(chan T, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p, nil
}

// Submit queues job without blocking
func (p *Pool[T]) Submit(job T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new jobs and waits up to ShutdownTimeout for queued jobs to
// finish. Jobs still running after the timeout have their context cancelled.
func (p *Pool[T]) Stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped")
		case <-time.After(p.config.ShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out",
				zap.Int("queued", len(p.jobs)))
			p.cancel()
			<-done
		}
		p.cancel()
	})
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.active.Add(1)
		p.run(job)
		p.active.Add(-1)
	}
}

// run executes job with retries and linear backoff
func (p *Pool[T]) run(job T) {
	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retried.Add(1)
			select {
			case <-p.ctx.Done():
				p.fail(fmt.Errorf("cancelled before retry: %w", err))
				return
			case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
			}
		}
		if err = p.attempt(job); err == nil {
			p.completed.Add(1)
			return
		}
		p.logger.Debug("job attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	p.fail(fmt.Errorf("failed after %d attempts: %w", p.config.MaxRetries+1, err))
}

func (p *Pool[T]) attempt(job T) error {
	ctx := p.ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}
	return p.handler(ctx, job)
}

func (p *Pool[T]) fail(err error) {
	p.failed.Add(1)
	p.logger.Error("job failed", zap.Error(err))
}

// Stats is a point in time view of pool counters
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Retried       int64 `json:"retried"`
	Active        int64 `json:"active"`
	Queued        int   `json:"queued"`
	QueueCapacity int   `json:"queue_capacity"`
	Workers       int   `json:"workers"`
}

// Stats returns current pool counters
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		Active:        p.active.Load(),
		Queued:        len(p.jobs),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool[T]) IsHealthy() bool {
	return float64(len(p.jobs))/float64(p.config.QueueSize) < 0.9
}
