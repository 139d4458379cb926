package analytics

import (
	"context"
	"time"

	"github.com/platinummonkey/beacon/pkg/storage/redisstore"
)

const cacheNamespace = "analytics"

// Cache stores serialized query results
type Cache interface {
	// Get decodes the entry under key into dest and reports whether it existed
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Invalidate removes every cached analytics result
	Invalidate(ctx context.Context) error
}

// RedisCache keeps results in Redis as JSON
type RedisCache struct {
	client *redisstore.Client
}

// NewRedisCache creates a cache backed by client
func NewRedisCache(client *redisstore.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	return c.client.GetJSON(ctx, cacheNamespace+":"+key, dest)
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.client.SetJSON(ctx, cacheNamespace+":"+key, value, ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.InvalidatePatterns(ctx, cacheNamespace+":*")
}
