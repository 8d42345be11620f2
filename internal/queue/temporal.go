package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/metrics"
	"github.com/sells-group/sommelier/internal/resilience"
)

// Registered workflow and activity names.
const (
	StageWorkflowName  = "SommelierStage"
	RunStageActivity   = "RunStage"
	DeadLetterActivity = "DeadLetterStage"
)

// TemporalConfig configures the Temporal backend.
type TemporalConfig struct {
	HostPort     string
	Namespace    string
	TaskQueue    string
	StageTimeout time.Duration
}

// StageInput is the input of one stage workflow.
type StageInput struct {
	Job            Job           `json:"job"`
	MaxAttempts    int32         `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	StageTimeout   time.Duration `json:"stage_timeout"`
}

// TemporalQueue runs each job as a workflow executing a single retried
// activity.
type TemporalQueue struct {
	cfg    TemporalConfig
	opts   Options
	client client.Client
	worker worker.Worker
}

// NewTemporal dials the Temporal frontend.
func NewTemporal(cfg TemporalConfig, opts Options) (*TemporalQueue, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewTemporalLogger(zap.L()),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dial temporal at %s", cfg.HostPort)
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Minute
	}
	return &TemporalQueue{cfg: cfg, opts: opts.withDefaults(), client: c}, nil
}

// Enqueue starts a stage workflow for job.
func (q *TemporalQueue) Enqueue(ctx context.Context, job Job) error {
	key := job.RunID
	if key == "" {
		key = job.MenuID
	}
	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("sommelier-%s-%s", job.Stage, key),
		TaskQueue: q.cfg.TaskQueue,
	}
	input := StageInput{
		Job:            job,
		MaxAttempts:    int32(q.opts.MaxRetries + 1),
		InitialBackoff: q.opts.InitialBackoff,
		StageTimeout:   q.cfg.StageTimeout,
	}
	if _, err := q.client.ExecuteWorkflow(ctx, opts, StageWorkflowName, input); err != nil {
		return eris.Wrapf(err, "queue: start %s workflow for %s", job.Stage, key)
	}
	return nil
}

// Start runs a worker on the task queue.
func (q *TemporalQueue) Start(_ context.Context, h Handler) error {
	w := worker.New(q.client, q.cfg.TaskQueue, worker.Options{})
	RegisterStage(w, &StageActivities{Handler: h, DeadLetters: q.opts.DeadLetters})
	if err := w.Start(); err != nil {
		return eris.Wrap(err, "queue: start temporal worker")
	}
	q.worker = w
	return nil
}

// Close stops the worker and the client.
func (q *TemporalQueue) Close() error {
	if q.worker != nil {
		q.worker.Stop()
	}
	q.client.Close()
	return nil
}

// Registry is the part of a worker or test environment that registers
// workflows and activities.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// RegisterStage registers the stage workflow and its activities.
func RegisterStage(r Registry, acts *StageActivities) {
	r.RegisterWorkflowWithOptions(StageWorkflow, workflow.RegisterOptions{Name: StageWorkflowName})
	r.RegisterActivityWithOptions(acts.RunStage, activity.RegisterOptions{Name: RunStageActivity})
	r.RegisterActivityWithOptions(acts.DeadLetter, activity.RegisterOptions{Name: DeadLetterActivity})
}

// StageWorkflow executes one stage job. When the stage activity exhausts its
// attempts the job is dead-lettered and the workflow fails.
func StageWorkflow(ctx workflow.Context, in StageInput) error {
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = DefaultMaxRetries + 1
	}
	if in.InitialBackoff <= 0 {
		in.InitialBackoff = time.Second
	}
	if in.StageTimeout <= 0 {
		in.StageTimeout = 10 * time.Minute
	}

	stageCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.StageTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    in.InitialBackoff,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    in.MaxAttempts,
		},
	})
	err := workflow.ExecuteActivity(stageCtx, RunStageActivity, in.Job).Get(stageCtx, nil)
	if err == nil {
		return nil
	}

	errorType := resilience.ErrorTypePermanent
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		errorType = appErr.Type()
	}
	workflow.GetLogger(ctx).Error("stage exhausted retries",
		"stage", string(in.Job.Stage), "run_id", in.Job.RunID, "error", err)

	dlqCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	entry := deadLetterEntry(in.Job, err.Error(), errorType, int(in.MaxAttempts), workflow.Now(ctx).UTC())
	if dlqErr := workflow.ExecuteActivity(dlqCtx, DeadLetterActivity, entry).Get(dlqCtx, nil); dlqErr != nil {
		workflow.GetLogger(ctx).Error("dead letter write failed", "run_id", in.Job.RunID, "error", dlqErr)
	}
	return err
}

// StageActivities hosts the activities of the stage workflow.
type StageActivities struct {
	Handler     Handler
	DeadLetters DeadLetterStore
}

// RunStage invokes the handler. Errors carry their transient/permanent
// classification as the application error type.
func (a *StageActivities) RunStage(ctx context.Context, job Job) error {
	err := a.Handler(ctx, job)
	if err == nil {
		return nil
	}
	zap.L().Warn("queue: stage attempt failed",
		zap.String("stage", string(job.Stage)),
		zap.String("run_id", job.RunID),
		zap.Int32("attempt", activity.GetInfo(ctx).Attempt),
		zap.Error(err),
	)
	return temporal.NewApplicationErrorWithCause(err.Error(), resilience.ClassifyError(err), err)
}

// DeadLetter records an exhausted job.
func (a *StageActivities) DeadLetter(ctx context.Context, entry resilience.DLQEntry) error {
	metrics.DeadLettered.WithLabelValues(entry.Stage, entry.ErrorType).Inc()
	if a.DeadLetters == nil {
		return nil
	}
	return a.DeadLetters.EnqueueDLQ(ctx, entry)
}

// TemporalLogger adapts zap to the Temporal SDK logger.
type TemporalLogger struct {
	s *zap.SugaredLogger
}

// NewTemporalLogger wraps logger.
func NewTemporalLogger(logger *zap.Logger) *TemporalLogger {
	return &TemporalLogger{s: logger.Named("temporal").Sugar()}
}

func (l *TemporalLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l *TemporalLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l *TemporalLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l *TemporalLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
