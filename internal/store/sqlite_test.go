package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func abv(v float64) *float64 { return &v }

func seedMenu(t *testing.T, st *SQLiteStore) *model.Menu {
	t.Helper()
	menu := &model.Menu{
		ID:           "menu-1",
		RestaurantID: "rest-1",
		Name:         "Dinner",
		Sections: []model.MenuSection{
			{
				ID:       "sec-whisky",
				Name:     "Whisky",
				Position: 1,
				Items: []model.MenuItem{
					{ID: "item-lagavulin", Name: "Lagavulin 16 Year", Description: "Islay single malt, 43% ABV", Price: 18, ItemType: "spirit", Position: 1},
				},
			},
			{
				ID:       "sec-food",
				Name:     "Mains",
				Position: 2,
				Items: []model.MenuItem{
					{ID: "item-steak", Name: "Ribeye", Price: 42, ItemType: "food", Position: 1},
					{ID: "item-house", Name: "House Pour", ABV: abv(40), ItemType: "beverage", Position: 2},
				},
			},
		},
	}
	require.NoError(t, st.SaveMenu(context.Background(), menu))
	return menu
}

func TestSQLite_SaveMenuAndListItems(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedMenu(t, st)

	m, err := st.GetMenu(ctx, "menu-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "rest-1", m.RestaurantID)

	items, err := st.ListMenuItems(ctx, "menu-1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "item-lagavulin", items[0].ID)
	assert.Equal(t, "Whisky", items[0].SectionName)
	assert.Equal(t, "item-steak", items[1].ID)
	require.NotNil(t, items[2].ABV)
	assert.InDelta(t, 40.0, *items[2].ABV, 0.001)
	assert.Nil(t, items[0].ABV)

	// Saving again updates in place.
	require.NoError(t, st.SaveMenu(ctx, &model.Menu{ID: "menu-1", RestaurantID: "rest-2"}))
	m, err = st.GetMenu(ctx, "menu-1")
	require.NoError(t, err)
	assert.Equal(t, "rest-2", m.RestaurantID)
}

func TestSQLite_GetMenu_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	m, err := st.GetMenu(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSQLite_CandidateRoundTripAndReviewCounts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedMenu(t, st)

	require.NoError(t, st.UpdateMenuItemCandidate(ctx, "item-lagavulin", model.Candidate{
		Category:                 model.CategoryWhiskey,
		ClassificationConfidence: 0.9,
		ParsedFields:             model.Fields{model.FieldAgeYears: 16},
		ParseConfidence:          0.9,
	}))
	require.NoError(t, st.UpdateMenuItemCandidate(ctx, "item-steak", model.Candidate{NeedsReview: true}))
	require.NoError(t, st.UpdateMenuItemCandidate(ctx, "item-house", model.Candidate{NeedsReview: true}))

	items, err := st.ListMenuItems(ctx, "menu-1")
	require.NoError(t, err)
	age, ok := items[0].Candidate.ParsedFields.Int(model.FieldAgeYears)
	require.True(t, ok)
	assert.Equal(t, 16, age)
	assert.Equal(t, model.CategoryWhiskey, items[0].Candidate.Category)
	assert.False(t, items[0].Candidate.NeedsReview)

	// The food line is flagged but is not a beverage, so only the house pour counts.
	needsReview, unresolved, err := st.CountMenuReview(ctx, "menu-1")
	require.NoError(t, err)
	assert.Equal(t, 1, needsReview)
	assert.Equal(t, 1, unresolved)

	require.NoError(t, st.SetMenuItemNeedsReview(ctx, "item-house", false))
	needsReview, unresolved, err = st.CountMenuReview(ctx, "menu-1")
	require.NoError(t, err)
	assert.Zero(t, needsReview)
	assert.Zero(t, unresolved)
}

func TestSQLite_UpdateCandidate_MissingItem(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.UpdateMenuItemCandidate(context.Background(), "ghost", model.Candidate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run, err := st.CreateRun(ctx, "menu-1", "rest-1", "webhook", started)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	running, err := st.FindRunningRun(ctx, "menu-1")
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, run.ID, running.ID)

	require.NoError(t, st.SetRunStep(ctx, run.ID, model.StageResolveEntities))
	require.NoError(t, st.UpdateRunCounters(ctx, run.ID, model.RunCounters{ItemsProcessed: 3, NeedsReviewCount: 2, UnresolvedCount: 1}))
	require.NoError(t, st.UpdateRunReviewCounts(ctx, run.ID, 1, 0))

	ok, err := st.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusSucceeded, "", started.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// A second transition from running no longer applies.
	ok, err = st.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusFailed, "Error: late", started)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, model.StageResolveEntities, got.CurrentStep)
	assert.Equal(t, 3, got.ItemsProcessed)
	assert.Equal(t, 1, got.NeedsReviewCount)
	assert.Equal(t, 0, got.UnresolvedCount)
	assert.Empty(t, got.ErrorSummary)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(started.Add(time.Minute)))

	running, err = st.FindRunningRun(ctx, "menu-1")
	require.NoError(t, err)
	assert.Nil(t, running)

	runs, err := st.ListRuns(ctx, model.RunFilter{MenuID: "menu-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = st.ListRuns(ctx, model.RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSQLite_GetRun_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	run, err := st.GetRun(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, run)

	require.Error(t, st.SetRunStep(context.Background(), "missing", model.StagePublish))
}

func TestSQLite_FindOrCreateProduct_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p1, created, err := st.FindOrCreateProduct(ctx, model.CategoryWhiskey, "Lagavulin 16 Year 16yo", map[string]any{"distillery": "Lagavulin"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Lagavulin", p1.Attributes["distillery"])

	p2, created, err := st.FindOrCreateProduct(ctx, model.CategoryWhiskey, "Lagavulin 16 Year 16yo", map[string]any{"distillery": "Other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "Lagavulin", p2.Attributes["distillery"], "attributes are set on creation only")

	p3, created, err := st.FindOrCreateProduct(ctx, model.CategoryWine, "Lagavulin 16 Year 16yo", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, p1.ID, p3.ID)
}

func TestSQLite_MergeProductAttributes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p, _, err := st.FindOrCreateProduct(ctx, model.CategoryWine, "Château Margaux 2015", map[string]any{"appellation": "Margaux"})
	require.NoError(t, err)
	require.NoError(t, st.MergeProductAttributes(ctx, p.ID, map[string]any{"country": "France"}))

	got, err := st.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "France", got.Attributes["country"])
	assert.Equal(t, "Margaux", got.Attributes["appellation"])

	missing, err := st.GetProduct(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_UpsertLinkAndMenuProducts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedMenu(t, st)

	p, _, err := st.FindOrCreateProduct(ctx, model.CategoryWhiskey, "Lagavulin 16 Year 16yo", nil)
	require.NoError(t, err)

	link := &model.MenuItemProductLink{MenuItemID: "item-lagavulin", ProductID: p.ID, ResolutionConfidence: 0.8, Explanations: "first"}
	require.NoError(t, st.UpsertLink(ctx, link))
	require.NoError(t, st.UpsertLink(ctx, &model.MenuItemProductLink{MenuItemID: "item-lagavulin", ProductID: p.ID, ResolutionConfidence: 0.9, Explanations: "second"}))

	var count int
	var conf float64
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*), MAX(resolution_confidence) FROM menu_item_product_links`).Scan(&count, &conf))
	assert.Equal(t, 1, count)
	assert.InDelta(t, 0.9, conf, 0.001)

	ids, err := st.ListMenuProductIDs(ctx, "menu-1")
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, ids)
}

func TestSQLite_Enrichments(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	fresh, _, err := st.FindOrCreateProduct(ctx, model.CategoryWhiskey, "Fresh", nil)
	require.NoError(t, err)
	stale, _, err := st.FindOrCreateProduct(ctx, model.CategoryWhiskey, "Stale", nil)
	require.NoError(t, err)
	staler, _, err := st.FindOrCreateProduct(ctx, model.CategoryWhiskey, "Staler", nil)
	require.NoError(t, err)
	never, _, err := st.FindOrCreateProduct(ctx, model.CategoryWine, "Never", nil)
	require.NoError(t, err)

	add := func(productID string, created, expires time.Time) {
		require.NoError(t, st.CreateEnrichment(ctx, &model.ProductEnrichment{
			ProductID: productID,
			Source:    model.SourceOpenAI,
			Payload:   map[string]any{"created": created.Format(time.RFC3339)},
			FetchedAt: created,
			ExpiresAt: &expires,
			CreatedAt: created,
		}))
	}
	// fresh: an old expired record superseded by a valid one.
	add(fresh.ID, now.Add(-60*24*time.Hour), now.Add(-30*24*time.Hour))
	add(fresh.ID, now.Add(-time.Hour), now.Add(29*24*time.Hour))
	add(stale.ID, now.Add(-40*24*time.Hour), now.Add(-10*24*time.Hour))
	add(staler.ID, now.Add(-50*24*time.Hour), now.Add(-20*24*time.Hour))

	latest, err := st.LatestEnrichment(ctx, fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.FreshAt(now))
	assert.Equal(t, now.Add(-time.Hour).Format(time.RFC3339), latest.Payload["created"])

	ids, err := st.ListExpiredProductIDs(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{staler.ID, stale.ID}, ids)

	ids, err = st.ListExpiredProductIDs(ctx, now, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{staler.ID}, ids)

	ids, err = st.ListUnenrichedProductIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{never.ID}, ids)

	none, err := st.LatestEnrichment(ctx, never.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_DLQ(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		RunID: "run-1", Stage: string(model.StageEnrichProducts), Error: "boom", ErrorType: resilience.ErrorTypePermanent, Attempts: 4,
	}))
	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		RunID: "run-2", Stage: string(model.StageExtractCandidates), Error: "timeout", ErrorType: resilience.ErrorTypeTransient, Attempts: 4,
	}))

	all, err := st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	transient, err := st.ListDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorTypeTransient})
	require.NoError(t, err)
	require.Len(t, transient, 1)
	assert.Equal(t, "run-2", transient[0].RunID)
	assert.Equal(t, 4, transient[0].Attempts)

	byRun, err := st.ListDLQ(ctx, resilience.DLQFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, string(model.StageEnrichProducts), byRun[0].Stage)
}
