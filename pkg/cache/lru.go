// Package cache provides a TTL'd LRU response cache for the hot read
// endpoints (GET /changes and GET /changes/{id}), invalidated whenever a
// change mutates.
package cache

import (
	"strings"
	"sync"
	"time"
)

// entry holds a cached response body with its expiry and insertion order.
type entry struct {
	value      []byte
	expiresAt  time.Time
	insertedAt time.Time
}

// LRUCache is a thread-safe in-memory cache with TTL and max-size eviction.
// At capacity the oldest entry by insertion time is evicted; expired entries
// are dropped lazily on Get.
type LRUCache struct {
	mu      sync.RWMutex
	items   map[string]*entry
	maxSize int
	ttl     time.Duration
}

// NewLRUCache creates a cache holding at most maxSize entries for ttl each.
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &LRUCache{
		items:   make(map[string]*entry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached value for key, or (nil, false) when missing or
// expired.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value, evicting the oldest entry when at capacity.
func (c *LRUCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, ok := c.items[key]; !ok && len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	c.items[key] = &entry{value: value, expiresAt: now.Add(c.ttl), insertedAt: now}
}

// Invalidate removes one key.
func (c *LRUCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// InvalidatePrefix removes every key beginning with prefix. Used to clear
// all cached representations of one change (its URL plus query variants).
func (c *LRUCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
}

// InvalidateAll drops every entry.
func (c *LRUCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry, c.maxSize)
}

// Size returns the current entry count, including entries past their TTL
// that have not yet been lazily evicted.
func (c *LRUCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// evictOldest removes the oldest entry by insertion time. Caller holds c.mu.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.items {
		if first || e.insertedAt.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.insertedAt, false
		}
	}
	if !first {
		delete(c.items, oldestKey)
	}
}
