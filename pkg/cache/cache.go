// Package cache memoises merged views and keeps them coherent with commits.
//
// Entries carry the token stamps they were computed under. A commit raises
// the stamps of every scope it touched, which makes dependent entries stale
// without enumerating them; stale entries are dropped lazily on lookup.
//
// Features:
//   - LRU eviction for bounded memory
//   - TTL expiration as a second bound
//   - Token validation on every hit
//   - Hit/miss statistics and Prometheus counters
//
// Usage:
//
//	tokens := cache.NewTokens()
//	store.AddCommitListener(cache.NewInvalidator(tokens, logger))
//	reader := cache.NewMergeCache(engine, cache.NewCache(10000, 5*time.Minute, tokens), logger)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a thread-safe LRU cache whose entries are validated against
// invalidation tokens.
//
// The cache uses:
//   - Hash map for O(1) lookups
//   - Doubly-linked list for LRU ordering
//   - TTL for automatic expiration
//   - Token stamps for commit coherence
type Cache struct {
	mu sync.RWMutex

	// Configuration
	maxSize int
	ttl     time.Duration
	enabled bool
	tokens  *Tokens
	now     func() time.Time

	// LRU list and map
	list  *list.List
	items map[string]*list.Element

	// Statistics
	hits      atomic.Uint64
	misses    atomic.Uint64
	stale     atomic.Uint64
	evictions atomic.Uint64
}

// entry holds a cached value with its dependencies.
type entry struct {
	key       string
	value     any
	deps      []Stamp
	expiresAt time.Time
}

// NewCache creates a cache.
//
// Parameters:
//   - maxSize: Maximum number of entries (LRU eviction when exceeded)
//   - ttl: Time-to-live for entries (0 = no expiration)
//   - tokens: Token table entries are validated against
func NewCache(maxSize int, ttl time.Duration, tokens *Tokens) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if tokens == nil {
		tokens = NewTokens()
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		tokens:  tokens,
		now:     time.Now,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

// Tokens returns the token table entries are validated against.
func (c *Cache) Tokens() *Tokens {
	return c.tokens
}

// Get returns a cached value if present, unexpired and not stale.
// Moves the entry to the front of the LRU list on hit.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.miss()
		return nil, false
	}
	elem, ok := c.items[key]
	if !ok {
		c.miss()
		return nil, false
	}
	e := elem.Value.(*entry)

	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.removeElement(elem)
		c.miss()
		return nil, false
	}
	if !c.tokens.Valid(e.deps) {
		c.removeElement(elem)
		c.stale.Add(1)
		staleTotal.Inc()
		c.miss()
		return nil, false
	}

	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

func (c *Cache) miss() {
	c.misses.Add(1)
}

// Put stores a value with the stamps it was computed under. An existing
// entry for key is replaced. If the cache is full, the least recently used
// entry is evicted.
func (c *Cache) Put(key string, value any, deps []Stamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.value, e.deps, e.expiresAt = value, deps, expiresAt
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	elem := c.list.PushFront(&entry{key: key, value: value, deps: deps, expiresAt: expiresAt})
	c.items[key] = elem
}

// Remove removes an entry from the cache.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries from the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len returns the number of cached entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	c.mu.RLock()
	size := c.list.Len()
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Size:      size,
		MaxSize:   c.maxSize,
		Hits:      hits,
		Misses:    misses,
		Stale:     c.stale.Load(),
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size      int     // Current number of entries
	MaxSize   int     // Maximum capacity
	Hits      uint64  // Number of cache hits
	Misses    uint64  // Number of cache misses, stale hits included
	Stale     uint64  // Entries dropped because a token advanced
	Evictions uint64  // Entries evicted by the LRU bound
	HitRate   float64 // Hit rate percentage (0-100)
}

// SetEnabled enables or disables the cache. Disabling drops every entry.
func (c *Cache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.list.Init()
		c.items = make(map[string]*list.Element, c.maxSize)
	}
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *Cache) evictOldest() {
	elem := c.list.Back()
	if elem != nil {
		c.removeElement(elem)
		c.evictions.Add(1)
		evictionsTotal.Inc()
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *Cache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
