package cache

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is the read-through collaborator for card lookups. Invalidate is
// called synchronously by the debit engine on every committed balance change;
// the TTL only bounds staleness for reads without an intervening mutation.
type Cache interface {
	GetOrPopulate(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error)
	Invalidate(ctx context.Context, keys ...string) error
}

// RedisCache backs the Cache interface with Redis. A nil client degrades to
// loader pass-through so the service keeps working without Redis.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) GetOrPopulate(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if c.client == nil {
		return loader(ctx)
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return data, nil
	}
	if err != redis.Nil {
		log.Printf("[CACHE] Read failed for %s, falling back to loader: %v", key, err)
		return loader(ctx)
	}

	data, err = loader(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Printf("[CACHE] Populate failed for %s: %v", key, err)
	}
	return data, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if c.client == nil || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
