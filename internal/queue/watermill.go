package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/metrics"
	"github.com/sells-group/sommelier/internal/resilience"
)

// Topics used by the watermill backend.
const (
	StageTopic  = "sommelier.stage_jobs"
	PoisonTopic = "sommelier.stage_jobs.poison"
)

const (
	metaErrorType = "error_type"
	metaRunID     = "run_id"
	metaStage     = "stage"
)

// WatermillQueue delivers jobs over an in-process GoChannel pub/sub through
// a watermill router. Failed jobs are retried by the router and poisoned
// jobs are written to the dead letter store.
type WatermillQueue struct {
	opts   Options
	pubSub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter
}

// NewWatermill creates a WatermillQueue.
func NewWatermill(opts Options) (*WatermillQueue, error) {
	opts = opts.withDefaults()
	logger := NewZapLogger(zap.L())

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 30 * time.Second}, logger)
	if err != nil {
		return nil, eris.Wrap(err, "queue: create watermill router")
	}

	return &WatermillQueue{
		opts:   opts,
		pubSub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger),
		router: router,
		logger: logger,
	}, nil
}

// Start registers the stage and poison handlers and runs the router.
func (q *WatermillQueue) Start(ctx context.Context, h Handler) error {
	poison, err := middleware.PoisonQueue(q.pubSub, PoisonTopic)
	if err != nil {
		return eris.Wrap(err, "queue: create poison queue middleware")
	}
	retry := middleware.Retry{
		MaxRetries:      q.opts.MaxRetries,
		InitialInterval: q.opts.InitialBackoff,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Logger:          q.logger,
	}

	stage := q.router.AddConsumerHandler("stage-jobs", StageTopic, q.pubSub, q.stageHandler(h))
	stage.AddMiddleware(poison, retry.Middleware, middleware.Recoverer)

	q.router.AddConsumerHandler("stage-jobs-poison", PoisonTopic, q.pubSub, q.poisonHandler)

	go func() {
		if err := q.router.Run(ctx); err != nil {
			zap.L().Error("queue: watermill router stopped", zap.Error(err))
		}
	}()

	select {
	case <-q.router.Running():
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "queue: waiting for watermill router")
	}
}

func (q *WatermillQueue) stageHandler(h Handler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var job Job
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			msg.Metadata.Set(metaErrorType, resilience.ErrorTypePermanent)
			return eris.Wrap(err, "queue: decode stage job")
		}
		if err := h(msg.Context(), job); err != nil {
			msg.Metadata.Set(metaErrorType, resilience.ClassifyError(err))
			return err
		}
		return nil
	}
}

func (q *WatermillQueue) poisonHandler(msg *message.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		zap.L().Error("queue: undecodable poisoned job", zap.String("message_id", msg.UUID), zap.Error(err))
		return nil
	}

	errorType := msg.Metadata.Get(metaErrorType)
	if errorType == "" {
		errorType = resilience.ErrorTypePermanent
	}
	metrics.DeadLettered.WithLabelValues(string(job.Stage), errorType).Inc()

	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	zap.L().Error("queue: job exhausted retries",
		zap.String("stage", string(job.Stage)),
		zap.String("run_id", job.RunID),
		zap.String("reason", reason),
	)
	if q.opts.DeadLetters == nil {
		return nil
	}
	entry := deadLetterEntry(job, reason, errorType, q.opts.MaxRetries+1, time.Now().UTC())
	return q.opts.DeadLetters.EnqueueDLQ(msg.Context(), entry)
}

// Enqueue publishes job on the stage topic.
func (q *WatermillQueue) Enqueue(_ context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "queue: encode stage job")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaRunID, job.RunID)
	msg.Metadata.Set(metaStage, string(job.Stage))
	if err := q.pubSub.Publish(StageTopic, msg); err != nil {
		return eris.Wrapf(err, "queue: publish %s job for run %s", job.Stage, job.RunID)
	}
	return nil
}

// Close stops the router and the pub/sub.
func (q *WatermillQueue) Close() error {
	if err := q.router.Close(); err != nil {
		return eris.Wrap(err, "queue: close watermill router")
	}
	return eris.Wrap(q.pubSub.Close(), "queue: close gochannel")
}

// ZapLogger adapts a zap logger to watermill.LoggerAdapter.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger.
func NewZapLogger(logger *zap.Logger) watermill.LoggerAdapter {
	return &ZapLogger{logger: logger.Named("watermill")}
}

func (l *ZapLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (l *ZapLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *ZapLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

// Trace maps to debug; zap has no trace level.
func (l *ZapLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *ZapLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &ZapLogger{logger: l.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
