package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Cache is the process or cluster scoped lookup cache injected into the
// resolver, the queue metadata lookup and the ETA chain. Entries expire after
// the cache TTL; Delete and Flush invalidate explicitly.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, keys ...string)
	// Flush drops every key starting with prefix ("" drops everything)
	Flush(ctx context.Context, prefix string)
}

type entry struct {
	value   []byte
	expires time.Time
}

// MemoryCache stores entries in process memory
type MemoryCache struct {
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
}

// NewMemoryCache creates a new memory cache. ttl <= 0 means entries never expire.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expires.Equal(e.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte) {
	e := entry{value: value}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

func (c *MemoryCache) Flush(_ context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Size returns the current number of cached entries, expired ones included
func (c *MemoryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetJSON decodes a cached JSON value into dst
func GetJSON(ctx context.Context, c Cache, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// SetJSON stores v encoded as JSON. Encoding failures are dropped.
func SetJSON(ctx context.Context, c Cache, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Set(ctx, key, raw)
}
