package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sommelier/internal/model"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "enrichment:p1", Key("p1"))
}

func TestTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(48 * time.Hour)
	earlier := now.Add(-time.Hour)

	assert.Equal(t, 48*time.Hour, TTL(&model.ProductEnrichment{ExpiresAt: &later}, now))
	assert.Negative(t, TTL(&model.ProductEnrichment{ExpiresAt: &earlier}, now))
	assert.Zero(t, TTL(&model.ProductEnrichment{}, now))
	assert.Zero(t, TTL(nil, now))
}

func TestSet_SkipsExpiredWithoutContactingRedis(t *testing.T) {
	// Nothing listens on this address; a write attempt would fail.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck

	c := NewEnrichmentCache(client)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, c.Set(context.Background(), &model.ProductEnrichment{ProductID: "p1", ExpiresAt: &past}))
	require.NoError(t, c.Set(context.Background(), &model.ProductEnrichment{ProductID: "p1"}))
}

func TestGet_WrapsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck

	_, err := NewEnrichmentCache(client).Get(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache: get p1")
}
