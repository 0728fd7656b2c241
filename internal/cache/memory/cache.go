// Package memory contains an in-memory result cache for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

type cachedResult struct {
	result    scraping.Result
	expiresAt time.Time
}

// Cache is a map-backed result cache with per-entry TTLs. Expired entries are
// evicted lazily on lookup.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cachedResult
	clock   scraping.Clock
}

// New returns a Cache reading time from clock.
func New(clock scraping.Clock) *Cache {
	return &Cache{
		entries: make(map[string]cachedResult),
		clock:   clock,
	}
}

// Lookup returns the cached result for a fingerprint or ErrCacheMiss.
func (c *Cache) Lookup(_ context.Context, fingerprint string) (scraping.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fingerprint]
	if !ok {
		return scraping.Result{}, scraping.ErrCacheMiss
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, fingerprint)
		return scraping.Result{}, scraping.ErrCacheMiss
	}
	return entry.result, nil
}

// Store caches a result under the fingerprint, overwriting any entry.
// A non-positive TTL stores nothing.
func (c *Cache) Store(_ context.Context, fingerprint string, result scraping.Result, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = cachedResult{
		result:    result,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Len reports the number of entries, including not-yet-evicted expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
