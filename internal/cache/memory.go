package cache

import (
	"context"
	"sync"
	"time"
)

// InMemory is a process-local TTL cache. Entries are evicted lazily on read;
// a cleanup pass is unnecessary for the short TTLs this service uses.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemory creates an empty in-process cache.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *InMemory) get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// GetWithPut implements Cache.
func (c *InMemory) GetWithPut(ctx context.Context, key string, loader Loader, ttl time.Duration) ([]byte, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}
	v, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.Put(ctx, key, v, ttl)
	return v, nil
}

// Put implements Cache.
func (c *InMemory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Remove implements Cache.
func (c *InMemory) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}
