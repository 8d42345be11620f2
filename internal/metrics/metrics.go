// Package metrics holds the Prometheus instrumentation for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

var (
	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_stage_runs_total",
			Help: "Pipeline stage executions by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sommelier_stage_duration_seconds",
			Help:    "Duration of pipeline stage executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_runs_finished_total",
			Help: "Pipeline runs reaching a terminal status",
		},
		[]string{"status"},
	)

	ItemsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_items_extracted_total",
			Help: "Menu lines classified, by category and review flag",
		},
		[]string{"category", "needs_review"},
	)

	ItemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_item_errors_total",
			Help: "Per-item failures skipped inside a batch",
		},
		[]string{"stage"},
	)

	ItemsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_items_resolved_total",
			Help: "Menu lines considered by entity resolution, by result",
		},
		[]string{"result"}, // "linked", "gated", "skipped"
	)

	EnrichmentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_enrichment_lookups_total",
			Help: "Enrichment requests by result",
		},
		[]string{"result"}, // "store_hit", "cache_hit", "fetched", "fallback"
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_dead_lettered_total",
			Help: "Stage jobs moved to the dead letter queue",
		},
		[]string{"stage", "error_type"},
	)

	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_llm_calls_total",
			Help: "Language model calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_llm_tokens_total",
			Help: "Language model tokens consumed",
		},
		[]string{"provider", "model", "direction"}, // "input", "output"
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sommelier_llm_cost_usd_total",
			Help: "Estimated language model spend in USD",
		},
		[]string{"provider", "model"},
	)
)

// RecordStage records one stage execution.
func RecordStage(stage string, duration time.Duration, err error) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	StageRuns.WithLabelValues(stage, outcome).Inc()
}

// RecordExtraction records one classified menu line.
func RecordExtraction(category string, needsReview bool) {
	if category == "" {
		category = "none"
	}
	review := "false"
	if needsReview {
		review = "true"
	}
	ItemsExtracted.WithLabelValues(category, review).Inc()
}

// RecordLLMUsage records the tokens and estimated cost of one completion.
func RecordLLMUsage(provider, model string, input, output int64, usd float64) {
	LLMTokens.WithLabelValues(provider, model, "input").Add(float64(input))
	LLMTokens.WithLabelValues(provider, model, "output").Add(float64(output))
	if usd > 0 {
		LLMCostUSD.WithLabelValues(provider, model).Add(usd)
	}
}
