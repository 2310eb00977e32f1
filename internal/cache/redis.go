package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the cache with a shared Redis instance so resource descriptors
// stay warm across nodes. Loader errors are returned as-is; Redis errors on
// the write path are swallowed because the cache is advisory.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed cache for the given address.
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisWithClient wraps an existing client (used by tests with miniredis).
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// GetWithPut implements Cache.
func (c *Redis) GetWithPut(ctx context.Context, key string, loader Loader, ttl time.Duration) ([]byte, error) {
	v, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, redis.Nil) {
		// Treat an unreachable cache as a miss and fall through to the loader.
		v2, lerr := loader(ctx)
		if lerr != nil {
			return nil, lerr
		}
		return v2, nil
	}
	v, err = loader(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.client.Set(ctx, key, v, ttl).Err()
	return v, nil
}

// Put implements Cache.
func (c *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Remove implements Cache.
func (c *Redis) Remove(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
