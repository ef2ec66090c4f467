package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a TTL key-value store for derived values. Implementations
// are safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is the in-process backend. A janitor sweeps expired
// entries once per minute; Get also drops entries lazily.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryCache creates the in-process cache and starts its janitor.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// Get returns the value when present and unexpired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value for ttl. A non-positive ttl stores nothing.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

// Delete drops the key if present.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Close stops the janitor.
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return nil
}
