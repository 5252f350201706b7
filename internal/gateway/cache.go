package gateway

import (
	"sync"
	"time"
)

// CacheEntry is the last-known representation of a resource plus its
// freshness token. Fresh entries are served without a network call;
// expired entries still supply the version token for conditional GETs.
type CacheEntry struct {
	Body      []byte    `json:"body"`
	Version   string    `json:"version"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Fresh reports whether the entry can be served without revalidation.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

// Cache maps a resource key to its last-known representation. Implementations
// must be safe for concurrent use. Writes targeting a key always invalidate
// the corresponding entry before dispatch.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Put(key string, entry CacheEntry)
	Invalidate(key string)
}

// MemoryCache is the default in-process Cache: a mutex-guarded map with lazy
// TTL expiry. Entries past expiry are still returned (for their version
// token) but report stale via Fresh.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration
}

// NewMemoryCache creates a MemoryCache whose Put stamps entries with the
// given TTL. ttl <= 0 means entries are stored already-stale, which keeps
// the version token available for conditional requests while forcing
// revalidation on every Get.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
	}
}

func (c *MemoryCache) Get(key string) (*CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	out := e
	return &out, true
}

func (c *MemoryCache) Put(key string, entry CacheEntry) {
	now := time.Now()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = now.Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries (stale included).
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
