// Package pipeline drives a menu through the beverage pipeline: one queued
// job per stage, with run state persisted before and after every stage.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/enrich"
	"github.com/sells-group/sommelier/internal/extract"
	"github.com/sells-group/sommelier/internal/metrics"
	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/queue"
	"github.com/sells-group/sommelier/internal/resilience"
	"github.com/sells-group/sommelier/internal/resolve"
)

// Store is the run and menu persistence the orchestrator needs.
type Store interface {
	GetMenu(ctx context.Context, menuID string) (*model.Menu, error)
	CreateRun(ctx context.Context, menuID, restaurantID, trigger string, startedAt time.Time) (*model.PipelineRun, error)
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	FindRunningRun(ctx context.Context, menuID string) (*model.PipelineRun, error)
	SetRunStep(ctx context.Context, runID string, step model.Stage) error
	UpdateRunCounters(ctx context.Context, runID string, c model.RunCounters) error
	UpdateRunReviewCounts(ctx context.Context, runID string, needsReview, unresolved int) error
	TransitionRun(ctx context.Context, runID string, from, to model.RunStatus, errorSummary string, at time.Time) (bool, error)
}

// Extractor classifies the lines of a menu.
type Extractor interface {
	ExtractMenu(ctx context.Context, menuID string) (*extract.Result, error)
}

// Resolver links classified lines to products.
type Resolver interface {
	ResolveMenu(ctx context.Context, menuID string) (*resolve.Result, error)
}

// Enricher enriches the products linked to a menu.
type Enricher interface {
	EnrichMenu(ctx context.Context, menuID string) (*enrich.Result, error)
}

// Generator produces downstream artifacts (pairings, recommendations) for a
// menu and returns how many it wrote.
type Generator interface {
	GenerateForMenu(ctx context.Context, menu *model.Menu) (int, error)
}

// NoopGenerator generates nothing.
type NoopGenerator struct{}

// GenerateForMenu implements Generator.
func (NoopGenerator) GenerateForMenu(context.Context, *model.Menu) (int, error) { return 0, nil }

// Orchestrator runs pipeline stages.
type Orchestrator struct {
	store     Store
	queue     queue.Queue
	extractor Extractor
	resolver  Resolver
	enricher  Enricher
	pairings  Generator
	recs      Generator
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPairings sets the pairing generator.
func WithPairings(g Generator) Option {
	return func(o *Orchestrator) { o.pairings = g }
}

// WithRecommendations sets the recommendation generator.
func WithRecommendations(g Generator) Option {
	return func(o *Orchestrator) { o.recs = g }
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Generators default to NoopGenerator.
func New(st Store, q queue.Queue, ex Extractor, rs Resolver, en Enricher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		queue:     q,
		extractor: ex,
		resolver:  rs,
		enricher:  en,
		pairings:  NoopGenerator{},
		recs:      NoopGenerator{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Trigger enqueues the start stage for a menu.
func (o *Orchestrator) Trigger(ctx context.Context, menuID, restaurantID, trigger string) error {
	return o.queue.Enqueue(ctx, queue.Job{
		Stage:        model.StageStart,
		MenuID:       menuID,
		RestaurantID: restaurantID,
		Trigger:      trigger,
	})
}

// Handle dispatches a queued job to its stage.
func (o *Orchestrator) Handle(ctx context.Context, job queue.Job) error {
	switch job.Stage {
	case model.StageStart:
		_, err := o.Start(ctx, job.MenuID, job.RestaurantID, job.Trigger)
		return err
	case model.StageExtractCandidates:
		return o.ExtractCandidates(ctx, job.RunID, job.Trigger)
	case model.StageResolveEntities:
		return o.ResolveEntities(ctx, job.RunID, job.Trigger)
	case model.StageEnrichProducts:
		return o.EnrichProducts(ctx, job.RunID, job.Trigger)
	case model.StageGeneratePairings:
		return o.GeneratePairings(ctx, job.RunID, job.Trigger)
	case model.StageGenerateRecs:
		return o.GenerateRecs(ctx, job.RunID, job.Trigger)
	case model.StagePublish:
		return o.Publish(ctx, job.RunID, job.Trigger)
	default:
		return eris.Errorf("pipeline: unknown stage %q", job.Stage)
	}
}

// Start creates a run for the menu and enqueues extraction. When the menu
// already has a running run, that run is returned and nothing is enqueued.
// A missing menu is a no-op returning (nil, nil).
func (o *Orchestrator) Start(ctx context.Context, menuID, restaurantID, trigger string) (*model.PipelineRun, error) {
	log := zap.L().With(zap.String("menu_id", menuID), zap.String("trigger", trigger))

	menu, err := o.store.GetMenu(ctx, menuID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load menu %s", menuID)
	}
	if menu == nil {
		log.Info("pipeline: menu not found, nothing to start")
		return nil, nil
	}
	if restaurantID == "" {
		restaurantID = menu.RestaurantID
	}

	existing, err := o.store.FindRunningRun(ctx, menuID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: check running run for menu %s", menuID)
	}
	if existing != nil {
		log.Info("pipeline: run already in progress", zap.String("run_id", existing.ID))
		return existing, nil
	}

	run, err := o.store.CreateRun(ctx, menuID, restaurantID, trigger, o.now())
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: create run for menu %s", menuID)
	}
	log.Info("pipeline: run started", zap.String("run_id", run.ID))

	if err := o.enqueueNext(ctx, run, model.StageStart, trigger); err != nil {
		o.fail(ctx, run.ID, model.StageStart, err)
		return run, err
	}
	return run, nil
}

// ExtractCandidates classifies every line of the run's menu.
func (o *Orchestrator) ExtractCandidates(ctx context.Context, runID, trigger string) error {
	return o.runStage(ctx, runID, model.StageExtractCandidates, trigger, func(ctx context.Context, run *model.PipelineRun, _ *model.Menu) error {
		res, err := o.extractor.ExtractMenu(ctx, run.MenuID)
		if err != nil {
			return err
		}
		if err := o.store.UpdateRunCounters(ctx, run.ID, res.Counters); err != nil {
			return err
		}
		zap.L().Info("pipeline: candidates extracted",
			zap.String("run_id", run.ID),
			zap.Int("items_processed", res.Counters.ItemsProcessed),
			zap.Int("needs_review", res.Counters.NeedsReviewCount),
			zap.Int("unresolved", res.Counters.UnresolvedCount),
			zap.Int("failed", len(res.Report.Failures())),
		)
		return nil
	})
}

// ResolveEntities links confident lines to products and recounts review
// flags.
func (o *Orchestrator) ResolveEntities(ctx context.Context, runID, trigger string) error {
	return o.runStage(ctx, runID, model.StageResolveEntities, trigger, func(ctx context.Context, run *model.PipelineRun, _ *model.Menu) error {
		res, err := o.resolver.ResolveMenu(ctx, run.MenuID)
		if err != nil {
			return err
		}
		return o.store.UpdateRunReviewCounts(ctx, run.ID, res.NeedsReview, res.Unresolved)
	})
}

// EnrichProducts ensures every product linked to the menu is enriched.
func (o *Orchestrator) EnrichProducts(ctx context.Context, runID, trigger string) error {
	return o.runStage(ctx, runID, model.StageEnrichProducts, trigger, func(ctx context.Context, run *model.PipelineRun, _ *model.Menu) error {
		_, err := o.enricher.EnrichMenu(ctx, run.MenuID)
		return err
	})
}

// GeneratePairings runs the pairing generator.
func (o *Orchestrator) GeneratePairings(ctx context.Context, runID, trigger string) error {
	return o.runStage(ctx, runID, model.StageGeneratePairings, trigger, func(ctx context.Context, run *model.PipelineRun, menu *model.Menu) error {
		return o.generate(ctx, run, menu, "pairings", o.pairings)
	})
}

// GenerateRecs runs the recommendation generator.
func (o *Orchestrator) GenerateRecs(ctx context.Context, runID, trigger string) error {
	return o.runStage(ctx, runID, model.StageGenerateRecs, trigger, func(ctx context.Context, run *model.PipelineRun, menu *model.Menu) error {
		return o.generate(ctx, run, menu, "recommendations", o.recs)
	})
}

// Publish marks the run succeeded.
func (o *Orchestrator) Publish(ctx context.Context, runID, trigger string) error {
	return o.runStage(ctx, runID, model.StagePublish, trigger, func(ctx context.Context, run *model.PipelineRun, _ *model.Menu) error {
		ok, err := o.store.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusSucceeded, "", o.now())
		if err != nil {
			return err
		}
		if ok {
			metrics.RunsFinished.WithLabelValues(string(model.RunStatusSucceeded)).Inc()
			zap.L().Info("pipeline: run succeeded", zap.String("run_id", run.ID), zap.String("menu_id", run.MenuID))
		}
		return nil
	})
}

func (o *Orchestrator) generate(ctx context.Context, run *model.PipelineRun, menu *model.Menu, kind string, g Generator) error {
	n, err := g.GenerateForMenu(ctx, menu)
	if err != nil {
		return eris.Wrapf(err, "pipeline: generate %s", kind)
	}
	zap.L().Info("pipeline: generated "+kind, zap.String("run_id", run.ID), zap.Int("count", n))
	return nil
}

type stageFunc func(ctx context.Context, run *model.PipelineRun, menu *model.Menu) error

// runStage loads the run and menu, records the stage as current, does the
// work and enqueues the next stage. Missing or terminal runs and missing
// menus are no-ops. Any other failure marks the run failed and is returned
// so the queue can retry.
func (o *Orchestrator) runStage(ctx context.Context, runID string, stage model.Stage, trigger string, work stageFunc) error {
	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", string(stage)), zap.String("trigger", trigger))

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load run %s", runID)
	}
	if run == nil {
		log.Info("pipeline: run not found, skipping stage")
		metrics.StageRuns.WithLabelValues(string(stage), metrics.OutcomeSkipped).Inc()
		return nil
	}
	if run.Status.Terminal() {
		log.Info("pipeline: run is terminal, skipping stage", zap.String("status", string(run.Status)))
		metrics.StageRuns.WithLabelValues(string(stage), metrics.OutcomeSkipped).Inc()
		return nil
	}

	menu, err := o.store.GetMenu(ctx, run.MenuID)
	if err != nil {
		err = eris.Wrapf(err, "pipeline: load menu %s", run.MenuID)
		o.fail(ctx, runID, stage, err)
		return err
	}
	if menu == nil {
		log.Info("pipeline: menu not found, skipping stage", zap.String("menu_id", run.MenuID))
		metrics.StageRuns.WithLabelValues(string(stage), metrics.OutcomeSkipped).Inc()
		return nil
	}

	start := time.Now()
	err = o.store.SetRunStep(ctx, runID, stage)
	if err == nil {
		err = work(ctx, run, menu)
	}
	if err == nil {
		err = o.enqueueNext(ctx, run, stage, trigger)
	}
	dur := time.Since(start)
	metrics.RecordStage(string(stage), dur, err)

	if err != nil {
		log.Error("pipeline: stage failed", zap.Duration("duration", dur), zap.Error(err))
		o.fail(ctx, runID, stage, err)
		return err
	}
	log.Info("pipeline: stage complete", zap.Duration("duration", dur))
	return nil
}

func (o *Orchestrator) enqueueNext(ctx context.Context, run *model.PipelineRun, stage model.Stage, trigger string) error {
	next, ok := stage.Next()
	if !ok {
		return nil
	}
	err := o.queue.Enqueue(ctx, queue.Job{
		Stage:        next,
		RunID:        run.ID,
		MenuID:       run.MenuID,
		RestaurantID: run.RestaurantID,
		Trigger:      trigger,
	})
	return eris.Wrapf(err, "pipeline: enqueue %s", next)
}

// fail marks the run failed with an "<ErrorClass>: <message>" summary.
func (o *Orchestrator) fail(ctx context.Context, runID string, stage model.Stage, cause error) {
	ctx = context.WithoutCancel(ctx)
	ok, err := o.store.TransitionRun(ctx, runID, model.RunStatusRunning, model.RunStatusFailed, resilience.Summarize(cause), o.now())
	if err != nil {
		zap.L().Error("pipeline: could not mark run failed",
			zap.String("run_id", runID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
		return
	}
	if ok {
		metrics.RunsFinished.WithLabelValues(string(model.RunStatusFailed)).Inc()
	}
}
