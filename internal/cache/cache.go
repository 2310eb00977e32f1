package cache

import (
	"context"
	"time"
)

// Loader produces the value for a key on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// Cache is the read-through provider consumed by the resource registry.
// GetWithPut returns the cached value when fresh, otherwise invokes the
// loader, stores the result under ttl and returns it.
type Cache interface {
	GetWithPut(ctx context.Context, key string, loader Loader, ttl time.Duration) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}
