package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sommelier/internal/enrich"
	"github.com/sells-group/sommelier/internal/extract"
	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/queue"
	"github.com/sells-group/sommelier/internal/resolve"
	"github.com/sells-group/sommelier/internal/store"
)

var fixedNow = time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type harness struct {
	store *store.SQLiteStore
	queue *queue.InlineQueue
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	return newHarnessWith(t, st, extract.New(st), opts...)
}

func newHarnessWith(t *testing.T, st *store.SQLiteStore, ex Extractor, opts ...Option) *harness {
	t.Helper()
	q := queue.NewInline(queue.Options{MaxRetries: 1, InitialBackoff: time.Millisecond, DeadLetters: st})
	opts = append([]Option{WithNow(clock)}, opts...)
	orch := New(st, q, ex, resolve.New(st), enrich.New(st, enrich.WithNow(clock)), opts...)
	require.NoError(t, q.Start(context.Background(), orch.Handle))
	return &harness{store: st, queue: q, orch: orch}
}

func seedMenu(t *testing.T, st *store.SQLiteStore) *model.Menu {
	t.Helper()
	menu := &model.Menu{
		ID:           "menu-1",
		RestaurantID: "rest-1",
		Name:         "Dinner",
		Sections: []model.MenuSection{
			{ID: "sec-whisky", Name: "Whisky", Position: 1, Items: []model.MenuItem{
				{ID: "item-lagavulin", Name: "Lagavulin 16 Year", Description: "Islay single malt, 43% ABV", Price: 18, ItemType: "spirit", Position: 1},
			}},
			{ID: "sec-cellar", Name: "Cellar", Position: 2, Items: []model.MenuItem{
				{ID: "item-margaux", Name: "Château Margaux 2015", Price: 950, ItemType: "wine", Position: 1},
			}},
			{ID: "sec-mains", Name: "Mains", Position: 3, Items: []model.MenuItem{
				{ID: "item-ribeye", Name: "Ribeye Steak", Price: 42, ItemType: "food", Position: 1},
			}},
		},
	}
	require.NoError(t, st.SaveMenu(context.Background(), menu))
	return menu
}

func itemByID(t *testing.T, st *store.SQLiteStore, menuID, id string) model.MenuItem {
	t.Helper()
	items, err := st.ListMenuItems(context.Background(), menuID)
	require.NoError(t, err)
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	t.Fatalf("item %s not found", id)
	return model.MenuItem{}
}

func onlyRun(t *testing.T, st *store.SQLiteStore, menuID string) model.PipelineRun {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), model.RunFilter{MenuID: menuID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t)
	seedMenu(t, h.store)
	ctx := context.Background()

	require.NoError(t, h.orch.Trigger(ctx, "menu-1", "", "menu_updated"))

	run := onlyRun(t, h.store, "menu-1")
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, model.StagePublish, run.CurrentStep)
	assert.Equal(t, "rest-1", run.RestaurantID)
	assert.Equal(t, "menu_updated", run.Trigger)
	assert.Equal(t, 3, run.ItemsProcessed)
	assert.Equal(t, 1, run.NeedsReviewCount)
	assert.Equal(t, 0, run.UnresolvedCount)
	assert.Empty(t, run.ErrorSummary)
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(fixedNow))

	lagavulin := itemByID(t, h.store, "menu-1", "item-lagavulin")
	assert.Equal(t, model.CategoryWhiskey, lagavulin.Candidate.Category)
	assert.False(t, lagavulin.Candidate.NeedsReview)

	margaux := itemByID(t, h.store, "menu-1", "item-margaux")
	assert.Equal(t, model.CategoryWine, margaux.Candidate.Category)
	assert.True(t, margaux.Candidate.NeedsReview)

	ribeye := itemByID(t, h.store, "menu-1", "item-ribeye")
	assert.Empty(t, ribeye.Candidate.Category)
	assert.True(t, ribeye.Candidate.NeedsReview)

	productIDs, err := h.store.ListMenuProductIDs(ctx, "menu-1")
	require.NoError(t, err)
	require.Len(t, productIDs, 1)

	product, err := h.store.GetProduct(ctx, productIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.CategoryWhiskey, product.ProductType)
	assert.Contains(t, product.CanonicalName, "16yo")

	enrichment, err := h.store.LatestEnrichment(ctx, product.ID)
	require.NoError(t, err)
	require.NotNil(t, enrichment)
	assert.True(t, enrich.IsFallback(enrichment.Payload))
	assert.True(t, enrichment.FreshAt(fixedNow))
}

func TestPipeline_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	seedMenu(t, h.store)
	ctx := context.Background()

	require.NoError(t, h.orch.Trigger(ctx, "menu-1", "rest-1", "first"))
	require.NoError(t, h.orch.Trigger(ctx, "menu-1", "rest-1", "second"))

	runs, err := h.store.ListRuns(ctx, model.RunFilter{MenuID: "menu-1"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, model.RunStatusSucceeded, r.Status)
	}

	productIDs, err := h.store.ListMenuProductIDs(ctx, "menu-1")
	require.NoError(t, err)
	assert.Len(t, productIDs, 1)
}

func TestStart_DeclinesWhenRunInProgress(t *testing.T) {
	h := newHarness(t)
	seedMenu(t, h.store)
	ctx := context.Background()

	existing, err := h.store.CreateRun(ctx, "menu-1", "rest-1", "manual", fixedNow)
	require.NoError(t, err)

	run, err := h.orch.Start(ctx, "menu-1", "rest-1", "webhook")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, existing.ID, run.ID)

	runs, err := h.store.ListRuns(ctx, model.RunFilter{MenuID: "menu-1", Status: model.RunStatusRunning})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	got, err := h.store.GetRun(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStart, got.CurrentStep)
}

func TestStart_MissingMenuIsNoop(t *testing.T) {
	h := newHarness(t)

	run, err := h.orch.Start(context.Background(), "nope", "", "test")
	require.NoError(t, err)
	assert.Nil(t, run)

	runs, err := h.store.ListRuns(context.Background(), model.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStages_MissingRunIsNoop(t *testing.T) {
	h := newHarness(t)
	for _, stage := range model.Stages[1:] {
		require.NoError(t, h.orch.Handle(context.Background(), queue.Job{Stage: stage, RunID: "missing"}), stage)
	}
}

func TestHandle_UnknownStage(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.orch.Handle(context.Background(), queue.Job{Stage: "bogus"}))
}

type storeOutage struct{ msg string }

func (e *storeOutage) Error() string { return e.msg }

type failingExtractor struct{ calls int }

func (f *failingExtractor) ExtractMenu(context.Context, string) (*extract.Result, error) {
	f.calls++
	return nil, &storeOutage{msg: "menu items unavailable"}
}

func TestStageFailure_MarksRunFailedAndStops(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	ex := &failingExtractor{}
	h := newHarnessWith(t, st, ex)
	seedMenu(t, h.store)
	ctx := context.Background()

	require.NoError(t, h.orch.Trigger(ctx, "menu-1", "rest-1", "test"))

	run := onlyRun(t, h.store, "menu-1")
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.StageExtractCandidates, run.CurrentStep)
	assert.Equal(t, "pipeline.storeOutage: menu items unavailable", run.ErrorSummary)
	assert.Equal(t, 1, ex.calls, "retry of a failed run must not re-run the stage")

	// Later deliveries for the terminal run change nothing.
	require.NoError(t, h.orch.ResolveEntities(ctx, run.ID, "redelivery"))
	require.NoError(t, h.orch.Publish(ctx, run.ID, "redelivery"))
	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, model.StageExtractCandidates, got.CurrentStep)
}

type countingGenerator struct {
	menus []string
	err   error
}

func (g *countingGenerator) GenerateForMenu(_ context.Context, menu *model.Menu) (int, error) {
	g.menus = append(g.menus, menu.ID)
	return 3, g.err
}

func TestGenerators_CalledWithMenu(t *testing.T) {
	pairings := &countingGenerator{}
	recs := &countingGenerator{}
	h := newHarness(t, WithPairings(pairings), WithRecommendations(recs))
	seedMenu(t, h.store)

	require.NoError(t, h.orch.Trigger(context.Background(), "menu-1", "rest-1", "test"))
	assert.Equal(t, []string{"menu-1"}, pairings.menus)
	assert.Equal(t, []string{"menu-1"}, recs.menus)
	assert.Equal(t, model.RunStatusSucceeded, onlyRun(t, h.store, "menu-1").Status)
}

func TestGeneratorFailure_FailsRun(t *testing.T) {
	recs := &countingGenerator{err: errors.New("recommender offline")}
	h := newHarness(t, WithRecommendations(recs))
	seedMenu(t, h.store)

	require.NoError(t, h.orch.Trigger(context.Background(), "menu-1", "rest-1", "test"))

	run := onlyRun(t, h.store, "menu-1")
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.StageGenerateRecs, run.CurrentStep)
	assert.True(t, strings.HasPrefix(run.ErrorSummary, "Error: "), run.ErrorSummary)
	assert.Contains(t, run.ErrorSummary, "recommender offline")
	require.NotNil(t, run.CompletedAt)
}
