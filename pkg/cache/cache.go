// Package cache provides the bounded concurrent result cache that sits in
// front of every lookup backend.
//
// Eviction is approximate LRU via two generations: entries are inserted
// into the active generation, and when it fills to half the configured
// capacity the inactive generation is dropped and the active one takes its
// place. A hit in the inactive generation promotes the entry. This bounds
// the entry count without maintaining a global recency list under
// contention.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-metro"
)

// fingerprintSeed keys the metro hash used for cache fingerprints. Any
// fixed value works; it only has to be stable within a process.
const fingerprintSeed = 0x8f1d3a2b

// Result is a cached lookup outcome. Found false means the query was
// resolved to "absent", which is cached just like a hit.
type Result struct {
	Count int32
	Found bool
}

type entry struct {
	key []byte // full backend tag + query bytes, compared on fingerprint match
	res Result
}

// Cache is a bounded two-generation concurrent result cache.
type Cache struct {
	mu       sync.RWMutex
	active   map[uint64]entry
	inactive map[uint64]entry
	capacity int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache bounded to roughly capacity entries. A capacity of 0
// disables caching: Get always misses and Put discards.
func New(capacity int) *Cache {
	c := &Cache{capacity: capacity}
	if capacity > 0 {
		c.active = make(map[uint64]entry)
		c.inactive = make(map[uint64]entry)
	}
	return c
}

// key builds the cache key bytes for a backend tag and query.
func key(backend string, query []byte) []byte {
	k := make([]byte, 0, len(backend)+1+len(query))
	k = append(k, backend...)
	k = append(k, 0)
	k = append(k, query...)
	return k
}

// Get returns the cached result for (backend, query), if any.
func (c *Cache) Get(backend string, query []byte) (Result, bool) {
	if c.capacity == 0 {
		c.misses.Add(1)
		return Result{}, false
	}

	k := key(backend, query)
	fp := metro.Hash64(k, fingerprintSeed)

	c.mu.RLock()
	e, ok := c.active[fp]
	if !ok {
		e, ok = c.inactive[fp]
	}
	c.mu.RUnlock()

	if !ok || string(e.key) != string(k) {
		c.misses.Add(1)
		return Result{}, false
	}

	// Promote inactive hits so a rotation does not drop warm entries.
	c.mu.Lock()
	if _, inActive := c.active[fp]; !inActive {
		c.insertLocked(fp, e)
	}
	c.mu.Unlock()

	c.hits.Add(1)
	return e.res, true
}

// Put stores the result for (backend, query).
func (c *Cache) Put(backend string, query []byte, res Result) {
	if c.capacity == 0 {
		return
	}

	k := key(backend, query)
	fp := metro.Hash64(k, fingerprintSeed)

	c.mu.Lock()
	c.insertLocked(fp, entry{key: k, res: res})
	c.mu.Unlock()
}

// insertLocked adds an entry to the active generation, rotating the
// generations when active reaches half the capacity.
func (c *Cache) insertLocked(fp uint64, e entry) {
	if len(c.active) >= max(c.capacity/2, 1) {
		c.inactive = c.active
		c.active = make(map[uint64]entry, c.capacity/2)
	}
	c.active[fp] = e
}

// Len returns the current number of cached entries across both generations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active) + len(c.inactive)
}

// Stats returns the cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
