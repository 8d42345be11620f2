// Package store persists menus, pipeline runs, products, links, enrichments
// and dead-lettered stage jobs.
package store

import (
	"context"
	"time"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/resilience"
)

// Store defines the persistence interface for the sommelier pipeline.
// Lookups by ID return (nil, nil) when the row does not exist.
type Store interface {
	// Menus
	SaveMenu(ctx context.Context, menu *model.Menu) error
	GetMenu(ctx context.Context, menuID string) (*model.Menu, error)
	ListMenuItems(ctx context.Context, menuID string) ([]model.MenuItem, error)
	UpdateMenuItemCandidate(ctx context.Context, itemID string, c model.Candidate) error
	SetMenuItemNeedsReview(ctx context.Context, itemID string, needsReview bool) error
	CountMenuReview(ctx context.Context, menuID string) (needsReview, unresolved int, err error)

	// Runs
	CreateRun(ctx context.Context, menuID, restaurantID, trigger string, startedAt time.Time) (*model.PipelineRun, error)
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	FindRunningRun(ctx context.Context, menuID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.PipelineRun, error)
	SetRunStep(ctx context.Context, runID string, step model.Stage) error
	UpdateRunCounters(ctx context.Context, runID string, c model.RunCounters) error
	UpdateRunReviewCounts(ctx context.Context, runID string, needsReview, unresolved int) error
	// TransitionRun moves a run from one status to another only if it is
	// still in the from status. It reports whether the row changed.
	TransitionRun(ctx context.Context, runID string, from, to model.RunStatus, errorSummary string, at time.Time) (bool, error)

	// Products
	FindOrCreateProduct(ctx context.Context, productType, canonicalName string, attrs map[string]any) (*model.Product, bool, error)
	GetProduct(ctx context.Context, productID string) (*model.Product, error)
	MergeProductAttributes(ctx context.Context, productID string, attrs map[string]any) error
	UpsertLink(ctx context.Context, link *model.MenuItemProductLink) error
	ListMenuProductIDs(ctx context.Context, menuID string) ([]string, error)

	// Enrichments
	LatestEnrichment(ctx context.Context, productID string) (*model.ProductEnrichment, error)
	CreateEnrichment(ctx context.Context, e *model.ProductEnrichment) error
	ListExpiredProductIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListUnenrichedProductIDs(ctx context.Context, limit int) ([]string, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// reviewCountsSQL counts beverage lines still flagged for review and the
// subset of those that carry no usable category. The single placeholder is
// the menu ID.
const reviewCountsSQL = `
SELECT
	COALESCE(SUM(CASE WHEN sommelier_needs_review THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN sommelier_needs_review AND COALESCE(sommelier_category, '') IN ('', 'unknown') THEN 1 ELSE 0 END), 0)
FROM menu_items
WHERE menu_id = %s
  AND (
	LOWER(COALESCE(item_type, '')) IN ('beverage', 'drink', 'wine', 'spirit', 'cocktail', 'beer')
	OR COALESCE(sommelier_category, '') NOT IN ('', 'food', 'non_alcoholic', 'unknown')
  )`

// expiredProductsSQL selects products whose most recent enrichment has
// expired, soonest-expired first.
const expiredProductsSQL = `
SELECT product_id FROM (
	SELECT product_id, expires_at,
		ROW_NUMBER() OVER (PARTITION BY product_id ORDER BY created_at DESC, seq DESC) AS rn
	FROM product_enrichments
) latest
WHERE rn = 1 AND expires_at IS NOT NULL AND expires_at <= %s
ORDER BY expires_at ASC
LIMIT %s`

const unenrichedProductsSQL = `
SELECT p.id FROM products p
WHERE NOT EXISTS (SELECT 1 FROM product_enrichments e WHERE e.product_id = p.id)
ORDER BY p.created_at ASC
LIMIT %s`
