package audit

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/pkg/workerpool"
)

// AsyncRecorder hands events to a worker pool so a slow or failing store
// never delays the request that produced them. When the queue is full the
// event is recorded inline.
type AsyncRecorder struct {
	inner  Recorder
	pool   *workerpool.Pool[*Event]
	logger *zap.Logger
}

// NewAsyncRecorder wraps inner with a retrying worker pool
func NewAsyncRecorder(inner Recorder, cfg workerpool.Config, logger *zap.Logger) (*AsyncRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := workerpool.New(cfg, func(ctx context.Context, e *Event) error {
		return inner.Record(ctx, e)
	}, logger)
	if err != nil {
		return nil, err
	}
	return &AsyncRecorder{inner: inner, pool: pool, logger: logger}, nil
}

// Record queues e. The request context is not carried into the pool.
func (r *AsyncRecorder) Record(ctx context.Context, e *Event) error {
	err := r.pool.Submit(e)
	if err == nil {
		return nil
	}
	if errors.Is(err, workerpool.ErrQueueFull) {
		r.logger.Warn("audit queue full, recording inline", zap.String("event_id", e.ID))
	}
	return r.inner.Record(context.WithoutCancel(ctx), e)
}

// Stats returns the pool counters
func (r *AsyncRecorder) Stats() workerpool.Stats {
	return r.pool.Stats()
}

// Ping fails when the audit queue is close to full
func (r *AsyncRecorder) Ping(context.Context) error {
	if !r.pool.IsHealthy() {
		return errors.New("audit queue backlog")
	}
	return nil
}

// Stop drains queued events
func (r *AsyncRecorder) Stop() {
	r.pool.Stop()
}
