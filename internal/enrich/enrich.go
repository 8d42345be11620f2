// Package enrich keeps a current enrichment record for every catalog product,
// fetching from the whiskey reference API or an LLM when the latest record
// has expired.
package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/metrics"
	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/resilience"
	"github.com/sells-group/sommelier/pkg/llm"
	"github.com/sells-group/sommelier/pkg/whiskyhunter"
)

// DefaultTTL is how long a new enrichment stays valid.
const DefaultTTL = 30 * 24 * time.Hour

// Store is the persistence the enrichment service needs.
type Store interface {
	GetProduct(ctx context.Context, productID string) (*model.Product, error)
	MergeProductAttributes(ctx context.Context, productID string, attrs map[string]any) error
	ListMenuProductIDs(ctx context.Context, menuID string) ([]string, error)
	LatestEnrichment(ctx context.Context, productID string) (*model.ProductEnrichment, error)
	CreateEnrichment(ctx context.Context, e *model.ProductEnrichment) error
	ListExpiredProductIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListUnenrichedProductIDs(ctx context.Context, limit int) ([]string, error)
}

// Cache is an optional hot cache of current enrichments. Get returns
// (nil, nil) on a miss.
type Cache interface {
	Get(ctx context.Context, productID string) (*model.ProductEnrichment, error)
	Set(ctx context.Context, e *model.ProductEnrichment) error
}

// Service ensures products carry a current enrichment.
type Service struct {
	store     Store
	cache     Cache
	reference whiskyhunter.Client
	breaker   *resilience.CircuitBreaker
	llm       llm.Client
	llmModel  string
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithReference enables reference lookups for whiskey products.
func WithReference(c whiskyhunter.Client) Option {
	return func(s *Service) { s.reference = c }
}

// WithBreaker overrides the circuit breaker guarding reference lookups.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Service) { s.breaker = cb }
}

// WithLLM enables LLM enrichment. A nil client is ignored.
func WithLLM(c llm.Client, model string) Option {
	return func(s *Service) {
		if c != nil {
			s.llm = c
			s.llmModel = model
		}
	}
}

// WithCache puts a hot cache in front of the store.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithTTL sets the validity window of new records.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(model.SourceWhiskyHunter, resilience.CircuitBreakerConfig{
			ShouldTrip: resilience.IsTransient,
		})
	}
	return s
}

// Result summarises an enrichment pass over a set of products.
type Result struct {
	Report  model.BatchReport
	Reused  int
	Created int
}

// Ensure returns a current enrichment for p, creating one when the latest
// record is missing or expired. It never returns a nil record without an
// error.
func (s *Service) Ensure(ctx context.Context, p *model.Product) (*model.ProductEnrichment, error) {
	e, _, err := s.ensure(ctx, p)
	return e, err
}

func (s *Service) ensure(ctx context.Context, p *model.Product) (*model.ProductEnrichment, bool, error) {
	now := s.now()

	if cached := s.cached(ctx, p.ID); cached.FreshAt(now) {
		metrics.EnrichmentLookups.WithLabelValues("cache_hit").Inc()
		return cached, false, nil
	}

	latest, err := s.store.LatestEnrichment(ctx, p.ID)
	if err != nil {
		return nil, false, eris.Wrapf(err, "enrich: latest enrichment for product %s", p.ID)
	}
	if latest.FreshAt(now) {
		metrics.EnrichmentLookups.WithLabelValues("store_hit").Inc()
		s.remember(ctx, latest)
		return latest, false, nil
	}

	e, err := s.fetch(ctx, p)
	if err != nil {
		return nil, false, err
	}
	e.FetchedAt = now
	expires := now.Add(s.ttl)
	e.ExpiresAt = &expires

	if err := s.store.CreateEnrichment(ctx, e); err != nil {
		return nil, false, eris.Wrapf(err, "enrich: save enrichment for product %s", p.ID)
	}
	s.remember(ctx, e)

	zap.L().Info("enrich: enrichment created",
		zap.String("product_id", p.ID),
		zap.String("canonical_name", p.CanonicalName),
		zap.String("source", e.Source),
		zap.String("external_id", e.ExternalID),
		zap.Bool("fallback", IsFallback(e.Payload)),
	)
	return e, true, nil
}

// fetch builds a new, unsaved enrichment for p.
func (s *Service) fetch(ctx context.Context, p *model.Product) (*model.ProductEnrichment, error) {
	if s.reference != nil && p.ProductType == model.CategoryWhiskey {
		resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*whiskyhunter.SearchResponse, error) {
			return s.reference.SearchByName(ctx, p.CanonicalName)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "enrich: reference lookup for %q", p.CanonicalName)
		}
		metrics.EnrichmentLookups.WithLabelValues("fetched").Inc()
		return &model.ProductEnrichment{
			ProductID:  p.ID,
			Source:     model.SourceWhiskyHunter,
			ExternalID: resp.ExternalID(),
			Payload: map[string]any{
				"provider": model.SourceWhiskyHunter,
				"raw":      resp.Raw(),
			},
		}, nil
	}

	source := model.SourceOpenAI
	if s.llm != nil {
		source = s.llm.Provider()
	}

	payload, ok := s.llmEnrich(ctx, p)
	if ok {
		metrics.EnrichmentLookups.WithLabelValues("fetched").Inc()
		if err := s.mergeAttributes(ctx, p, payload); err != nil {
			return nil, err
		}
	} else {
		metrics.EnrichmentLookups.WithLabelValues("fallback").Inc()
	}

	return &model.ProductEnrichment{
		ProductID: p.ID,
		Source:    source,
		Payload:   payload,
	}, nil
}

// mergeAttributes copies the location fields of an LLM payload onto the
// product.
func (s *Service) mergeAttributes(ctx context.Context, p *model.Product, payload map[string]any) error {
	attrs := map[string]any{}
	for _, key := range []string{"category", "country", "region"} {
		if v, _ := payload[key].(string); v != "" {
			attrs[key] = v
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	if err := s.store.MergeProductAttributes(ctx, p.ID, attrs); err != nil {
		return eris.Wrapf(err, "enrich: merge attributes for product %s", p.ID)
	}
	if p.Attributes == nil {
		p.Attributes = map[string]any{}
	}
	for k, v := range attrs {
		p.Attributes[k] = v
	}
	return nil
}

func (s *Service) cached(ctx context.Context, productID string) *model.ProductEnrichment {
	if s.cache == nil {
		return nil
	}
	e, err := s.cache.Get(ctx, productID)
	if err != nil {
		zap.L().Warn("enrich: cache read failed", zap.String("product_id", productID), zap.Error(err))
		return nil
	}
	return e
}

func (s *Service) remember(ctx context.Context, e *model.ProductEnrichment) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, e); err != nil {
		zap.L().Warn("enrich: cache write failed", zap.String("product_id", e.ProductID), zap.Error(err))
	}
}

// EnrichMenu ensures every product linked to the menu's lines is enriched.
// Per-product failures are logged and skipped.
func (s *Service) EnrichMenu(ctx context.Context, menuID string) (*Result, error) {
	ids, err := s.store.ListMenuProductIDs(ctx, menuID)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: list products for menu %s", menuID)
	}

	res, err := s.ensureAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	zap.L().Info("enrich: menu enriched",
		zap.String("menu_id", menuID),
		zap.Int("products", len(ids)),
		zap.Int("created", res.Created),
		zap.Int("reused", res.Reused),
		zap.Int("failed", len(res.Report.Failures())),
	)
	return res, nil
}

// RefreshStale re-enriches up to batchSize products whose latest enrichment
// has expired, soonest-expired first. When none have expired it picks
// products that were never enriched. It returns the number of records
// created.
func (s *Service) RefreshStale(ctx context.Context, batchSize int) (int, error) {
	ids, err := s.store.ListExpiredProductIDs(ctx, s.now(), batchSize)
	if err != nil {
		return 0, eris.Wrap(err, "enrich: list expired products")
	}
	if len(ids) == 0 {
		ids, err = s.store.ListUnenrichedProductIDs(ctx, batchSize)
		if err != nil {
			return 0, eris.Wrap(err, "enrich: list unenriched products")
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.ensureAll(ctx, ids)
	if err != nil {
		return 0, err
	}
	zap.L().Info("enrich: refresh sweep complete",
		zap.Int("selected", len(ids)),
		zap.Int("refreshed", res.Created),
		zap.Int("failed", len(res.Report.Failures())),
	)
	return res.Created, nil
}

func (s *Service) ensureAll(ctx context.Context, ids []string) (*Result, error) {
	res := &Result{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "enrich: cancelled")
		}

		var found, created bool
		err := model.Guard(func() error {
			p, err := s.store.GetProduct(ctx, id)
			if err != nil || p == nil {
				return err
			}
			found = true
			_, created, err = s.ensure(ctx, p)
			return err
		})
		res.Report.Record(id, err)
		switch {
		case err != nil:
			metrics.ItemErrors.WithLabelValues(string(model.StageEnrichProducts)).Inc()
			zap.L().Warn("enrich: product failed", zap.String("product_id", id), zap.Error(err))
		case !found:
		case created:
			res.Created++
		default:
			res.Reused++
		}
	}
	return res, nil
}
