package dnaproxy

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cpunk-club/cpunk-verifier/pkg/models"
)

// LookupCache keeps recent DNA lookups so repeated availability checks do not hit the proxy
type LookupCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedLookup
	cacheTTL time.Duration
	clock    clock.Clock
}

type cachedLookup struct {
	result    models.LookupResult
	timestamp time.Time
}

// NewLookupCache creates a new lookup cache. A zero TTL disables caching.
func NewLookupCache(cacheTTL time.Duration, c clock.Clock) *LookupCache {
	if c == nil {
		c = clock.New()
	}
	return &LookupCache{
		cache:    make(map[string]*cachedLookup),
		cacheTTL: cacheTTL,
		clock:    c,
	}
}

// Get retrieves a cached lookup if it's still valid
func (c *LookupCache) Get(key string) (models.LookupResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[key]
	if !exists {
		return models.LookupResult{}, false
	}

	if c.clock.Since(cached.timestamp) > c.cacheTTL {
		return models.LookupResult{}, false
	}

	return cached.result, true
}

// Set stores a lookup with the current timestamp
func (c *LookupCache) Set(key string, result models.LookupResult) {
	if c.cacheTTL <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[key] = &cachedLookup{
		result:    result,
		timestamp: c.clock.Now(),
	}
}

// Delete drops key, used after a write changes what a lookup would return
func (c *LookupCache) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.cache, key)
	}
}

// Clear removes all cached entries
func (c *LookupCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedLookup)
}

// Stats returns the number of entries and the TTL
func (c *LookupCache) Stats() (int, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache), c.cacheTTL
}
