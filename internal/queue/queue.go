// Package queue delivers pipeline stage jobs to the orchestrator, retrying
// failed jobs and dead-lettering the ones that exhaust their retries.
package queue

import (
	"context"
	"time"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/resilience"
)

// Backends.
const (
	BackendInline    = "inline"
	BackendWatermill = "watermill"
	BackendTemporal  = "temporal"
)

// DefaultMaxRetries is the number of redeliveries after a failed attempt.
const DefaultMaxRetries = 3

// Job is one stage of one pipeline run.
type Job struct {
	Stage        model.Stage `json:"stage"`
	RunID        string      `json:"run_id,omitempty"`
	MenuID       string      `json:"menu_id,omitempty"`
	RestaurantID string      `json:"restaurant_id,omitempty"`
	Trigger      string      `json:"trigger,omitempty"`
}

// Handler executes a job.
type Handler func(ctx context.Context, job Job) error

// Queue moves jobs from producers to a handler.
type Queue interface {
	// Enqueue schedules job for delivery.
	Enqueue(ctx context.Context, job Job) error
	// Start begins delivering jobs to h and returns once the consumer is
	// ready.
	Start(ctx context.Context, h Handler) error
	// Close stops consuming and releases resources.
	Close() error
}

// DeadLetterStore records jobs that exhausted their retries.
type DeadLetterStore interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
}

// Options are shared by every backend.
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	DeadLetters    DeadLetterStore
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	return o
}

func deadLetterEntry(job Job, errMsg, errorType string, attempts int, at time.Time) resilience.DLQEntry {
	return resilience.DLQEntry{
		RunID:        job.RunID,
		MenuID:       job.MenuID,
		RestaurantID: job.RestaurantID,
		Stage:        string(job.Stage),
		Trigger:      job.Trigger,
		Error:        errMsg,
		ErrorType:    errorType,
		Attempts:     attempts,
		CreatedAt:    at,
	}
}
