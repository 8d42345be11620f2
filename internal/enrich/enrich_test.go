package enrich

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/resilience"
	"github.com/sells-group/sommelier/internal/store"
	"github.com/sells-group/sommelier/pkg/llm"
	"github.com/sells-group/sommelier/pkg/whiskyhunter"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type memStore struct {
	products    map[string]*model.Product
	enrichments []*model.ProductEnrichment
	menuLinks   map[string][]string
	merged      map[string]map[string]any
}

func newMemStore(products ...*model.Product) *memStore {
	s := &memStore{
		products:  map[string]*model.Product{},
		menuLinks: map[string][]string{},
		merged:    map[string]map[string]any{},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *memStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	return s.products[id], nil
}

func (s *memStore) MergeProductAttributes(_ context.Context, id string, attrs map[string]any) error {
	s.merged[id] = attrs
	return nil
}

func (s *memStore) ListMenuProductIDs(_ context.Context, menuID string) ([]string, error) {
	return s.menuLinks[menuID], nil
}

func (s *memStore) LatestEnrichment(_ context.Context, id string) (*model.ProductEnrichment, error) {
	for i := len(s.enrichments) - 1; i >= 0; i-- {
		if s.enrichments[i].ProductID == id {
			return s.enrichments[i], nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateEnrichment(_ context.Context, e *model.ProductEnrichment) error {
	s.enrichments = append(s.enrichments, e)
	return nil
}

func (s *memStore) ListExpiredProductIDs(context.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

func (s *memStore) ListUnenrichedProductIDs(context.Context, int) ([]string, error) {
	return nil, nil
}

func (s *memStore) count(productID string) int {
	n := 0
	for _, e := range s.enrichments {
		if e.ProductID == productID {
			n++
		}
	}
	return n
}

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.ChatResponse), args.Error(1)
}

func (m *mockLLM) Provider() string { return llm.ProviderAnthropic }

type fakeReference struct {
	resp  *whiskyhunter.SearchResponse
	err   error
	calls []string
}

func (f *fakeReference) SearchByName(_ context.Context, name string) (*whiskyhunter.SearchResponse, error) {
	f.calls = append(f.calls, name)
	return f.resp, f.err
}

type memCache struct {
	entries map[string]*model.ProductEnrichment
}

func (c *memCache) Get(_ context.Context, id string) (*model.ProductEnrichment, error) {
	return c.entries[id], nil
}

func (c *memCache) Set(_ context.Context, e *model.ProductEnrichment) error {
	c.entries[e.ProductID] = e
	return nil
}

func at(t time.Time) *time.Time { return &t }

func whiskey() *model.Product {
	return &model.Product{ID: "p1", ProductType: model.CategoryWhiskey, CanonicalName: "Lagavulin 16 16yo"}
}

func wine() *model.Product {
	return &model.Product{ID: "p2", ProductType: model.CategoryWine, CanonicalName: "Château Margaux 2015"}
}

func TestEnsure_FreshRecordIsReturnedWithoutCalls(t *testing.T) {
	s := newMemStore(whiskey())
	existing := &model.ProductEnrichment{ID: "e1", ProductID: "p1", ExpiresAt: at(now.Add(time.Hour))}
	s.enrichments = append(s.enrichments, existing)

	ref := &fakeReference{}
	client := &mockLLM{}
	svc := New(s, WithReference(ref), WithLLM(client, "m"), WithNow(clock))

	got, err := svc.Ensure(context.Background(), whiskey())
	require.NoError(t, err)
	assert.Same(t, existing, got)
	assert.Empty(t, ref.calls)
	client.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything)
	assert.Equal(t, 1, s.count("p1"))
}

func TestEnsure_ExpiredRecordIsRefetched(t *testing.T) {
	s := newMemStore(wine())
	s.enrichments = append(s.enrichments, &model.ProductEnrichment{ID: "e1", ProductID: "p2", ExpiresAt: at(now.Add(-24 * time.Hour))})

	svc := New(s, WithNow(clock))
	got, err := svc.Ensure(context.Background(), wine())
	require.NoError(t, err)

	assert.NotEqual(t, "e1", got.ID)
	assert.Equal(t, now, got.FetchedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, now.Add(DefaultTTL), *got.ExpiresAt)
	assert.Equal(t, 2, s.count("p2"))
}

func TestEnsure_FallbackWithoutLLM(t *testing.T) {
	s := newMemStore(wine())
	svc := New(s, WithNow(clock))

	got, err := svc.Ensure(context.Background(), wine())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"product_type":   model.CategoryWine,
		"canonical_name": "Château Margaux 2015",
		"source_attribution": map[string]any{
			"note": "fallback_no_enrichment",
		},
	}, got.Payload)
	assert.Equal(t, model.SourceOpenAI, got.Source)
	assert.True(t, IsFallback(got.Payload))
	assert.Empty(t, s.merged)
}

func TestEnsure_LLMEnrichmentMergesAttributes(t *testing.T) {
	s := newMemStore(wine())
	client := &mockLLM{}
	client.On("Chat", mock.Anything, mock.MatchedBy(func(req llm.ChatRequest) bool {
		return req.Model == "sommelier" && req.Temperature == 0 && req.JSON &&
			req.Messages[0].Content == sommelierSystemPrompt
	})).Return(&llm.ChatResponse{Content: `{"category":"Bordeaux blend","country":"France","region":"Margaux","tags":["classic"]}`}, nil)

	svc := New(s, WithLLM(client, "sommelier"), WithNow(clock), WithTTL(48*time.Hour))
	p := wine()
	got, err := svc.Ensure(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, llm.ProviderAnthropic, got.Source)
	assert.Equal(t, "France", got.Payload["country"])
	assert.False(t, IsFallback(got.Payload))
	assert.Equal(t, now.Add(48*time.Hour), *got.ExpiresAt)
	assert.Equal(t, map[string]any{"category": "Bordeaux blend", "country": "France", "region": "Margaux"}, s.merged["p2"])
	assert.Equal(t, "Margaux", p.Attributes["region"])
	client.AssertExpectations(t)
}

func TestEnsure_LLMPartialAnswerKept(t *testing.T) {
	s := newMemStore(wine())
	client := &mockLLM{}
	client.On("Chat", mock.Anything, mock.Anything).
		Return(&llm.ChatResponse{Content: `{"category":"Bordeaux blend","country":"France"}`}, nil)

	p := wine()
	got, err := New(s, WithLLM(client, "m"), WithNow(clock)).Ensure(context.Background(), p)
	require.NoError(t, err)

	assert.False(t, IsFallback(got.Payload))
	assert.Equal(t, map[string]any{"category": "Bordeaux blend", "country": "France"}, s.merged["p2"])
	assert.NotContains(t, p.Attributes, "region")
}

func TestEnsure_LLMFailuresFallBack(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
	}{
		{name: "call error", err: errors.New("boom")},
		{name: "empty content", content: "  "},
		{name: "not json", content: "I cannot help with that"},
		{name: "schema violation", content: `{"category": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemStore(wine())
			client := &mockLLM{}
			if tt.err != nil {
				client.On("Chat", mock.Anything, mock.Anything).Return(nil, tt.err)
			} else {
				client.On("Chat", mock.Anything, mock.Anything).Return(&llm.ChatResponse{Content: tt.content}, nil)
			}

			got, err := New(s, WithLLM(client, "m"), WithNow(clock)).Ensure(context.Background(), wine())
			require.NoError(t, err)
			assert.True(t, IsFallback(got.Payload))
			assert.Equal(t, llm.ProviderAnthropic, got.Source)
			assert.Equal(t, 1, s.count("p2"))
		})
	}
}

func TestEnsure_WhiskeyUsesReference(t *testing.T) {
	s := newMemStore(whiskey())
	ref := &fakeReference{resp: &whiskyhunter.SearchResponse{
		StatusCode: 200,
		Parsed:     map[string]any{"data": []any{map[string]any{"id": 9071.0}}},
	}}
	client := &mockLLM{}

	got, err := New(s, WithReference(ref), WithLLM(client, "m"), WithNow(clock)).Ensure(context.Background(), whiskey())
	require.NoError(t, err)

	assert.Equal(t, []string{"Lagavulin 16 16yo"}, ref.calls)
	assert.Equal(t, model.SourceWhiskyHunter, got.Source)
	assert.Equal(t, "9071", got.ExternalID)
	assert.Equal(t, model.SourceWhiskyHunter, got.Payload["provider"])
	client.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything)
}

func TestEnsure_ReferenceIgnoredForWine(t *testing.T) {
	s := newMemStore(wine())
	ref := &fakeReference{}

	got, err := New(s, WithReference(ref), WithNow(clock)).Ensure(context.Background(), wine())
	require.NoError(t, err)
	assert.Empty(t, ref.calls)
	assert.True(t, IsFallback(got.Payload))
}

func TestEnsure_ReferenceErrorFailsProduct(t *testing.T) {
	s := newMemStore(whiskey())
	ref := &fakeReference{err: errors.New("whiskyhunter: unexpected status 404")}

	_, err := New(s, WithReference(ref), WithNow(clock)).Ensure(context.Background(), whiskey())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reference lookup")
	assert.Zero(t, s.count("p1"))
}

func TestEnsure_OpenBreakerSkipsReference(t *testing.T) {
	s := newMemStore(whiskey())
	ref := &fakeReference{err: resilience.NewTransientError(errors.New("503"), 503)}
	cb := resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	svc := New(s, WithReference(ref), WithBreaker(cb), WithNow(clock))
	_, err := svc.Ensure(context.Background(), whiskey())
	require.Error(t, err)
	_, err = svc.Ensure(context.Background(), whiskey())
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Len(t, ref.calls, 1)
}

func TestEnsure_CacheHitSkipsStore(t *testing.T) {
	s := newMemStore(wine())
	cached := &model.ProductEnrichment{ID: "cached", ProductID: "p2", ExpiresAt: at(now.Add(time.Hour))}
	c := &memCache{entries: map[string]*model.ProductEnrichment{"p2": cached}}

	got, err := New(s, WithCache(c), WithNow(clock)).Ensure(context.Background(), wine())
	require.NoError(t, err)
	assert.Same(t, cached, got)
	assert.Zero(t, s.count("p2"))
}

func TestEnsure_NewRecordIsCached(t *testing.T) {
	s := newMemStore(wine())
	c := &memCache{entries: map[string]*model.ProductEnrichment{}}

	got, err := New(s, WithCache(c), WithNow(clock)).Ensure(context.Background(), wine())
	require.NoError(t, err)
	assert.Same(t, got, c.entries["p2"])
}

func TestEnrichMenu_SkipsFailures(t *testing.T) {
	s := newMemStore(whiskey(), wine())
	s.menuLinks["m1"] = []string{"p1", "p2", "missing"}
	s.enrichments = append(s.enrichments, &model.ProductEnrichment{ProductID: "p2", ExpiresAt: at(now.Add(time.Hour))})
	ref := &fakeReference{err: errors.New("down")}

	res, err := New(s, WithReference(ref), WithNow(clock)).EnrichMenu(context.Background(), "m1")
	require.NoError(t, err)

	assert.Len(t, res.Report.Failures(), 1)
	assert.Equal(t, "p1", res.Report.Failures()[0].ID)
	assert.Equal(t, 1, res.Reused)
	assert.Zero(t, res.Created)
}

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestRefreshStale_ExpiredFirstThenUnenriched(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)

	stale, _, err := st.FindOrCreateProduct(ctx, model.CategoryWine, "Stale Wine", nil)
	require.NoError(t, err)
	fresh, _, err := st.FindOrCreateProduct(ctx, model.CategoryWine, "Fresh Wine", nil)
	require.NoError(t, err)
	bare, _, err := st.FindOrCreateProduct(ctx, model.CategoryWine, "Bare Wine", nil)
	require.NoError(t, err)

	require.NoError(t, st.CreateEnrichment(ctx, &model.ProductEnrichment{
		ProductID: stale.ID, Source: model.SourceOpenAI, Payload: map[string]any{},
		FetchedAt: now.Add(-31 * 24 * time.Hour), ExpiresAt: at(now.Add(-24 * time.Hour)), CreatedAt: now.Add(-31 * 24 * time.Hour),
	}))
	require.NoError(t, st.CreateEnrichment(ctx, &model.ProductEnrichment{
		ProductID: fresh.ID, Source: model.SourceOpenAI, Payload: map[string]any{},
		FetchedAt: now, ExpiresAt: at(now.Add(24 * time.Hour)), CreatedAt: now.Add(-time.Hour),
	}))

	svc := New(st, WithNow(clock))

	n, err := svc.RefreshStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := st.LatestEnrichment(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.FetchedAt.Equal(now))
	assert.True(t, latest.FreshAt(now))

	// Nothing expired now, so the never-enriched product is picked up.
	n, err = svc.RefreshStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err = st.LatestEnrichment(ctx, bare.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, IsFallback(latest.Payload))

	n, err = svc.RefreshStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
