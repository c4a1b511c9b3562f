// Package modules implements the in-guest `require` substrate: a module
// cache, a circular-dependency tracker, an allow-listed resolver, and the
// ModuleSystem that ties them together with Node-compatible circular-load
// semantics (partial exports observable mid-cycle).
package modules

import "sync"

// Record is a cached module: its resolved id, its (possibly still-mutating)
// exports object, and whether loading has completed.
type Record struct {
	ID      string
	Exports interface{}
	Loaded  bool
}

// CacheStats are derived counters over Cache's lifetime.
type CacheStats struct {
	Hits   int64
	Misses int64
	Sets   int64
}

// Cache maps a resolved module id to its Record. No eviction; thread-safety
// is the caller's concern (single writer per sandbox, per spec.md §5).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Record
	stats   CacheStats
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Record)}
}

// Get returns the cached record for id, if any, incrementing hit/miss
// counters.
func (c *Cache) Get(id string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[id]
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return r, ok
}

// Set inserts or replaces the record for id.
func (c *Cache) Set(id string, r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = r
	c.stats.Sets++
}

// Has reports presence without affecting hit/miss counters.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Delete removes id from the cache.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Clear empties the cache and resets stats.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Record)
	c.stats = CacheStats{}
}

// Stats returns a snapshot of derived counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
