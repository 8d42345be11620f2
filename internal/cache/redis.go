// Package cache keeps current product enrichments in Redis so repeat lookups
// skip the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sommelier/internal/model"
)

const keyPrefix = "enrichment:"

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EnrichmentCache stores the current enrichment of each product until the
// enrichment expires.
type EnrichmentCache struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*EnrichmentCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "cache: ping redis at %s", cfg.Addr)
	}
	return NewEnrichmentCache(client), nil
}

// NewEnrichmentCache wraps an existing client.
func NewEnrichmentCache(client *redis.Client) *EnrichmentCache {
	return &EnrichmentCache{client: client, now: time.Now}
}

// Key returns the Redis key for a product's enrichment.
func Key(productID string) string {
	return keyPrefix + productID
}

// Get returns the cached enrichment for productID, or (nil, nil) on a miss.
func (c *EnrichmentCache) Get(ctx context.Context, productID string) (*model.ProductEnrichment, error) {
	raw, err := c.client.Get(ctx, Key(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: get %s", productID)
	}

	var e model.ProductEnrichment
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrapf(err, "cache: decode %s", productID)
	}
	return &e, nil
}

// Set stores e until its expiry. Records that are already expired or have no
// expiry are not cached.
func (c *EnrichmentCache) Set(ctx context.Context, e *model.ProductEnrichment) error {
	ttl := TTL(e, c.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return eris.Wrapf(err, "cache: encode %s", e.ProductID)
	}
	if err := c.client.Set(ctx, Key(e.ProductID), raw, ttl).Err(); err != nil {
		return eris.Wrapf(err, "cache: set %s", e.ProductID)
	}
	return nil
}

// Delete evicts the cached enrichment for productID.
func (c *EnrichmentCache) Delete(ctx context.Context, productID string) error {
	if err := c.client.Del(ctx, Key(productID)).Err(); err != nil {
		return eris.Wrapf(err, "cache: delete %s", productID)
	}
	return nil
}

// Close closes the underlying client.
func (c *EnrichmentCache) Close() error {
	return c.client.Close()
}

// TTL is how long e may stay cached at now.
func TTL(e *model.ProductEnrichment, now time.Time) time.Duration {
	if e == nil || e.ExpiresAt == nil {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}
