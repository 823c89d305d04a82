package template

import (
	"container/list"
	"sync"
)

// selectionCache is a bounded, thread-safe LRU cache of Select results
// keyed by the full (avatar, mix, k, seed) tuple. No suitable third-party
// LRU implementation is exercised anywhere in the retrieved pack — every
// discovered reference to an LRU library is an unimported transitive
// dependency of an unrelated package, not code this corpus actually
// writes against — so this is a small hand-rolled container/list LRU,
// the same primitive the standard library itself recommends for this use.
type selectionCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	hits     int64
	misses   int64
}

type cacheEntry struct {
	key   string
	value []Template
}

func newSelectionCache(capacity int) *selectionCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &selectionCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *selectionCache) get(key selectionKey) ([]Template, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		c.hits++
		return append([]Template(nil), el.Value.(*cacheEntry).value...), true
	}
	c.misses++
	return nil, false
}

func (c *selectionCache) put(key selectionKey, value []Template) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).value = value
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: k, value: value})
	c.items[k] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

func (c *selectionCache) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{Hits: c.hits, Misses: c.misses, HitRate: rate}
}
