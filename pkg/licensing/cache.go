package licensing

import (
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Cache stores definitive validation answers keyed by a license key digest.
type Cache interface {
	// Get returns the cached validation and true if present and not expired
	Get(key string) (*entitlement.Validation, bool)

	// Set stores a validation with TTL
	Set(key string, v *entitlement.Validation, ttl time.Duration)

	// Invalidate removes an entry
	Invalidate(key string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	value      *entitlement.Validation
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is a cache implementation that does nothing
type NoopCache struct{}

func (c *NoopCache) Get(_ string) (*entitlement.Validation, bool)             { return nil, false }
func (c *NoopCache) Set(_ string, _ *entitlement.Validation, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)                                      {}
func (c *NoopCache) Clear()                                                   {}
func (c *NoopCache) Stats() CacheStats                                        { return CacheStats{} }

// LRUCache is a bounded in-memory cache with TTL and least-recently-used eviction.
type LRUCache struct {
	entries    map[string]*cacheEntry
	maxEntries int
	mu         sync.Mutex
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
	now        func() time.Time
}

// NewLRUCache creates a new LRU cache holding at most maxEntries validations
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *LRUCache) Get(key string) (*entitlement.Validation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, exists := c.entries[key]
	if !exists || entry.isExpired(now) {
		if exists {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	entry.sequence = c.nextSequence()
	c.hits++
	return copyValidation(entry.value), true
}

func (c *LRUCache) Set(key string, v *entitlement.Validation, ttl time.Duration) {
	if v == nil || ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evict(now)
	}

	c.entries[key] = &cacheEntry{
		value:      copyValidation(v),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.nextSequence(),
	}
}

// evict drops expired entries, or the least recently used one when none expired
func (c *LRUCache) evict(now time.Time) {
	removed := false
	for key, entry := range c.entries {
		if entry.isExpired(now) {
			delete(c.entries, key)
			c.evictions++
			removed = true
		}
	}
	if removed {
		return
	}

	var (
		oldestKey  string
		oldestTime time.Time
		oldestSeq  int64
		first      = true
	)
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) nextSequence() int64 {
	c.sequence++
	return c.sequence
}

func (c *LRUCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

func copyValidation(v *entitlement.Validation) *entitlement.Validation {
	if v == nil {
		return nil
	}
	c := *v
	if v.ExpiresAt != nil {
		t := *v.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
