// Package cache implements the small, clock-injectable L1 caches fronting
// the configuration store and the cache-affinity shared store.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/relaygate/gateway/internal/clock"
)

// entry is one LRU slot.
type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// LRU is a bounded, TTL-aware, generic in-process cache. It is not a
// replacement for the shared fast store (internal/affinity,
// internal/admission) — it only reduces round-trips to it.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	clock    clock.Clock
	ll       *list.List
	elements map[K]*list.Element
}

// New creates an LRU bounded to maxSize entries, each valid for ttl.
func New[K comparable, V any](maxSize int, ttl time.Duration, c clock.Clock) *LRU[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	if c == nil {
		c = clock.Real
	}
	return &LRU[K, V]{
		maxSize:  maxSize,
		ttl:      ttl,
		clock:    c,
		ll:       list.New(),
		elements: make(map[K]*list.Element, maxSize),
	}
}

// Get returns the cached value for key, or ok=false if absent or expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.elements[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.clock.Now().After(e.expiresAt) {
		c.removeElement(el)
		return zero, false
	}
	c.ll.MoveToFront(el)
	return e.value, true
}

// Set inserts or refreshes key with value, resetting its TTL and evicting
// the least-recently-used entry if the cache is at capacity.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(c.ttl)
	if el, ok := c.elements[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.elements[key] = el

	for c.ll.Len() > c.maxSize {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
	}
}

// Delete evicts key unconditionally.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elements[key]; ok {
		c.removeElement(el)
	}
}

// Len reports the number of entries currently cached, including any not
// yet lazily expired.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *LRU[K, V]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	e := el.Value.(*entry[K, V])
	delete(c.elements, e.key)
}
