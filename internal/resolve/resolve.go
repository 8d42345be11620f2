// Package resolve links confidently classified menu lines to canonical
// catalog products.
package resolve

import (
	"context"
	"maps"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/metrics"
	"github.com/sells-group/sommelier/internal/model"
)

// Store is the persistence the resolver needs.
type Store interface {
	ListMenuItems(ctx context.Context, menuID string) ([]model.MenuItem, error)
	FindOrCreateProduct(ctx context.Context, productType, canonicalName string, attrs map[string]any) (*model.Product, bool, error)
	UpsertLink(ctx context.Context, link *model.MenuItemProductLink) error
	SetMenuItemNeedsReview(ctx context.Context, itemID string, needsReview bool) error
	CountMenuReview(ctx context.Context, menuID string) (needsReview, unresolved int, err error)
}

// Resolver links menu lines to products.
type Resolver struct {
	store Store
}

// New creates a Resolver.
func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Result summarises one resolution pass. NeedsReview and Unresolved are
// recounted from the store after the pass.
type Result struct {
	Report          model.BatchReport
	Linked          int
	Gated           int
	Skipped         int
	ProductsCreated int
	NeedsReview     int
	Unresolved      int
}

// ResolveMenu gates, canonicalises and links every beverage line of a menu.
func (r *Resolver) ResolveMenu(ctx context.Context, menuID string) (*Result, error) {
	items, err := r.store.ListMenuItems(ctx, menuID)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: list items for menu %s", menuID)
	}

	res := &Result{}
	for _, item := range items {
		if !model.IsBeverageCategory(item.Candidate.Category) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "resolve: cancelled")
		}

		var outcome string
		err := model.Guard(func() error {
			var err error
			outcome, err = r.resolveItem(ctx, item, res)
			return err
		})
		res.Report.Record(item.ID, err)
		if err != nil {
			metrics.ItemErrors.WithLabelValues(string(model.StageResolveEntities)).Inc()
			zap.L().Warn("resolve: line failed",
				zap.String("menu_id", menuID),
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}
		metrics.ItemsResolved.WithLabelValues(outcome).Inc()
	}

	needsReview, unresolved, err := r.store.CountMenuReview(ctx, menuID)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: recount review for menu %s", menuID)
	}
	res.NeedsReview, res.Unresolved = needsReview, unresolved

	zap.L().Info("resolve: menu resolved",
		zap.String("menu_id", menuID),
		zap.Int("linked", res.Linked),
		zap.Int("gated", res.Gated),
		zap.Int("skipped", res.Skipped),
		zap.Int("products_created", res.ProductsCreated),
		zap.Int("needs_review", res.NeedsReview),
		zap.Int("unresolved", res.Unresolved),
	)
	return res, nil
}

func (r *Resolver) resolveItem(ctx context.Context, item model.MenuItem, res *Result) (string, error) {
	cand := item.Candidate

	if !cand.Resolvable() {
		if err := r.store.SetMenuItemNeedsReview(ctx, item.ID, true); err != nil {
			return "", err
		}
		res.Gated++
		return "gated", nil
	}

	canonical := CanonicalName(cand.Category, cand.ParsedFields)
	if canonical == "" {
		if err := r.store.SetMenuItemNeedsReview(ctx, item.ID, true); err != nil {
			return "", err
		}
		res.Skipped++
		return "skipped", nil
	}

	product, created, err := r.store.FindOrCreateProduct(ctx, cand.Category, canonical, seedAttributes(cand.ParsedFields))
	if err != nil {
		return "", err
	}
	if created {
		res.ProductsCreated++
	}

	link := &model.MenuItemProductLink{
		MenuItemID:           item.ID,
		ProductID:            product.ID,
		ResolutionConfidence: ResolutionConfidence(cand),
		Explanations:         Explain(canonical, cand),
	}
	if err := r.store.UpsertLink(ctx, link); err != nil {
		return "", err
	}
	if err := r.store.SetMenuItemNeedsReview(ctx, item.ID, false); err != nil {
		return "", err
	}

	res.Linked++
	zap.L().Debug("resolve: linked",
		zap.String("item_id", item.ID),
		zap.String("product_id", product.ID),
		zap.String("canonical_name", canonical),
		zap.Bool("created", created),
	)
	return "linked", nil
}

// seedAttributes copies the parsed fields, minus the per-line raw text and
// price, onto a newly created product.
func seedAttributes(f model.Fields) map[string]any {
	attrs := maps.Clone(map[string]any(f))
	if attrs == nil {
		attrs = map[string]any{}
	}
	delete(attrs, model.FieldDescriptionRaw)
	delete(attrs, model.FieldPrice)
	return attrs
}
