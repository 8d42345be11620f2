package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/metrics"
	"github.com/sells-group/sommelier/internal/resilience"
)

// InlineQueue runs jobs in the caller's goroutine. Jobs enqueued by a
// running handler are appended and run after it returns, so a whole
// pipeline completes inside the first Enqueue call.
type InlineQueue struct {
	opts Options

	mu       sync.Mutex
	handler  Handler
	pending  []Job
	draining bool
}

// NewInline creates an InlineQueue.
func NewInline(opts Options) *InlineQueue {
	return &InlineQueue{opts: opts.withDefaults()}
}

// Start registers the handler.
func (q *InlineQueue) Start(_ context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
	return nil
}

// Enqueue runs job and every job it causes. It returns the first error of
// a job that exhausted its retries.
func (q *InlineQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.handler == nil {
		q.mu.Unlock()
		return eris.New("queue: inline queue has no handler")
	}
	q.pending = append(q.pending, job)
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	return q.drain(ctx)
}

func (q *InlineQueue) drain(ctx context.Context) error {
	var firstErr error
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return firstErr
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		h := q.handler
		q.mu.Unlock()

		if err := q.run(ctx, h, job); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

func (q *InlineQueue) run(ctx context.Context, h Handler, job Job) error {
	attempts := 0
	cfg := resilience.StageRetryConfig(q.opts.MaxRetries, q.opts.InitialBackoff)
	cfg.OnRetry = resilience.RetryLogger("queue", string(job.Stage))

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		attempts++
		return h(ctx, job)
	})
	if err == nil {
		return nil
	}

	errorType := resilience.ClassifyError(err)
	metrics.DeadLettered.WithLabelValues(string(job.Stage), errorType).Inc()
	zap.L().Error("queue: job exhausted retries",
		zap.String("stage", string(job.Stage)),
		zap.String("run_id", job.RunID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if q.opts.DeadLetters != nil {
		entry := deadLetterEntry(job, err.Error(), errorType, attempts, time.Now().UTC())
		if dlqErr := q.opts.DeadLetters.EnqueueDLQ(context.WithoutCancel(ctx), entry); dlqErr != nil {
			zap.L().Error("queue: dead letter write failed", zap.String("run_id", job.RunID), zap.Error(dlqErr))
		}
	}
	return eris.Wrapf(err, "queue: %s job for run %s", job.Stage, job.RunID)
}

// Close is a no-op.
func (q *InlineQueue) Close() error { return nil }
