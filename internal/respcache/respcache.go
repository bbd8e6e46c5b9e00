// Package respcache is a small in-process cache for rendered API responses.
// Entitlement checks are polled aggressively by client sites, so hot
// responses are served from memory for a short TTL instead of re-resolving.
//
// The cache stores the exact serialized payload so repeated hits within a
// window are byte-identical. Entries expire lazily on read; mutations that
// change an identity's entitlements must call Invalidate explicitly.
package respcache

import (
	"sync"
	"time"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// Cache is a TTL cache keyed by arbitrary strings. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached payload for key, or nil and false when the key is
// absent or expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if cur, still := c.entries[key]; still && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.payload, true
}

// Set stores payload under key for the cache's TTL.
func (c *Cache) Set(key string, payload []byte) {
	c.mu.Lock()
	c.entries[key] = entry{payload: payload, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate removes key from the cache if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries currently held, including any that have
// expired but not yet been evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
