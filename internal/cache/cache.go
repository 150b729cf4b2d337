// Package cache is a TTL cache with stale-while-revalidate and
// generation-checked writes, shared by the policy store, the tool server
// directory and the authenticator.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache maps string keys to immutable values. Reads never block: sync.Map
// gives lock-free loads on the hot path and every write replaces the whole
// entry (copy-on-update).
type Cache[V any] struct {
	store sync.Map // map[string]*entry[V]
	ttl   time.Duration
	grace time.Duration
	gen   atomic.Uint64
}

type entry[V any] struct {
	value      V
	found      bool // false = negative cache (record not found)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// GetResult holds the result of a cache lookup.
type GetResult[V any] struct {
	Value        V
	Found        bool // false on miss or negative entry
	Hit          bool // true if an entry was served (fresh or stale)
	NeedsRefresh bool // true if stale; only one caller gets it per entry
}

// New creates a cache. ttl == 0 disables expiry, leaving invalidation to
// Delete/Clear. Stale entries are served for at most grace past their TTL
// while one caller refreshes them; after that they count as misses.
func New[V any](ttl, grace time.Duration) *Cache[V] {
	return &Cache[V]{ttl: ttl, grace: grace}
}

// Generation returns the invalidation generation. Capture it before a
// fetch and pass it to SetIfCurrent so a fetch that raced an invalidation
// cannot reinstate stale data.
func (c *Cache[V]) Generation() uint64 { return c.gen.Load() }

// Get performs a non-blocking lookup.
func (c *Cache[V]) Get(key string) GetResult[V] {
	val, ok := c.store.Load(key)
	if !ok {
		return GetResult[V]{}
	}
	e := val.(*entry[V])
	if c.ttl == 0 {
		return GetResult[V]{Value: e.value, Found: e.found, Hit: true}
	}

	now := time.Now()
	if now.Before(e.expiresAt) {
		return GetResult[V]{Value: e.value, Found: e.found, Hit: true}
	}
	if !now.Before(e.expiresAt.Add(c.grace)) {
		return GetResult[V]{}
	}

	// Stale hit: only one goroutine wins the CAS and refreshes.
	return GetResult[V]{
		Value:        e.value,
		Found:        e.found,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a value with a fresh TTL. found=false stores a negative entry.
func (c *Cache[V]) Set(key string, value V, found bool) {
	c.store.Store(key, c.newEntry(value, found))
}

// SetIfCurrent stores the value only if no invalidation happened since gen
// was captured. Reports whether the value was stored.
func (c *Cache[V]) SetIfCurrent(key string, value V, found bool, gen uint64) bool {
	if c.gen.Load() != gen {
		return false
	}
	c.store.Store(key, c.newEntry(value, found))
	// An invalidation between the check and the store must still win.
	if c.gen.Load() != gen {
		c.store.Delete(key)
		return false
	}
	return true
}

func (c *Cache[V]) newEntry(value V, found bool) *entry[V] {
	e := &entry[V]{value: value, found: found}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	return e
}

// Delete invalidates one key.
func (c *Cache[V]) Delete(key string) {
	c.gen.Add(1)
	c.store.Delete(key)
}

// Clear invalidates every key.
func (c *Cache[V]) Clear() {
	c.gen.Add(1)
	c.store.Range(func(k, _ any) bool {
		c.store.Delete(k)
		return true
	})
}

// Len counts entries, including stale and negative ones.
func (c *Cache[V]) Len() int {
	n := 0
	c.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
