package api

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"
)

type cacheEntry struct {
	body     []byte
	storedAt time.Time
}

// Cache memoizes metadata responses keyed by an md5 of the request URL.
// Each Client owns its own Cache.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// CacheStats summarises cache occupancy.
type CacheStats struct {
	Total   int
	Valid   int
	Expired int
	TTL     time.Duration
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Get returns a copy of the cached body if it is younger than the TTL.
// Expired entries are evicted on access.
func (c *Cache) Get(rawURL string) ([]byte, bool) {
	key := cacheKey(rawURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return append([]byte(nil), entry.body...), true
}

func (c *Cache) Put(rawURL string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(rawURL)] = cacheEntry{
		body:     append([]byte(nil), body...),
		storedAt: c.now(),
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{Total: len(c.entries), TTL: c.ttl}
	now := c.now()
	for _, e := range c.entries {
		if now.Sub(e.storedAt) < c.ttl {
			stats.Valid++
		} else {
			stats.Expired++
		}
	}
	return stats
}
