package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// ErrInvalidTransition is returned when a run status change is not allowed.
var ErrInvalidTransition = eris.New("model: invalid run status transition")

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusRunning: {RunStatusSucceeded, RunStatusFailed},
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return len(runTransitions[s]) == 0
}

// Stage names one step of the menu pipeline.
type Stage string

const (
	StageStart             Stage = "start"
	StageExtractCandidates Stage = "extract_candidates"
	StageResolveEntities   Stage = "resolve_entities"
	StageEnrichProducts    Stage = "enrich_products"
	StageGeneratePairings  Stage = "generate_pairings"
	StageGenerateRecs      Stage = "generate_recs"
	StagePublish           Stage = "publish"
)

// Stages lists every pipeline stage in execution order.
var Stages = []Stage{
	StageStart,
	StageExtractCandidates,
	StageResolveEntities,
	StageEnrichProducts,
	StageGeneratePairings,
	StageGenerateRecs,
	StagePublish,
}

// Next returns the stage that follows s. ok is false for the last stage or
// an unknown one.
func (s Stage) Next() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// PipelineRun is one execution of the pipeline for a single menu.
type PipelineRun struct {
	ID               string     `json:"id"`
	MenuID           string     `json:"menu_id"`
	RestaurantID     string     `json:"restaurant_id"`
	Trigger          string     `json:"trigger"`
	Status           RunStatus  `json:"status"`
	CurrentStep      Stage      `json:"current_step"`
	ItemsProcessed   int        `json:"items_processed"`
	NeedsReviewCount int        `json:"needs_review_count"`
	UnresolvedCount  int        `json:"unresolved_count"`
	ErrorSummary     string     `json:"error_summary,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// RunCounters holds the aggregate counts written back to a run.
type RunCounters struct {
	ItemsProcessed   int `json:"items_processed"`
	NeedsReviewCount int `json:"needs_review_count"`
	UnresolvedCount  int `json:"unresolved_count"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	MenuID string    `json:"menu_id,omitempty"`
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}
