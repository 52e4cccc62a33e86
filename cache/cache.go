package cache

import (
	"container/list"
	"sync"
)

// cacheEntry holds the key and value for a cache item.
type cacheEntry[V any] struct {
	key   string
	value V
}

// LRUCache is a fixed-size LRU cache. Each segment instance owns its own
// cache; caches are never shared across segment generations, so a replaced
// segment's stale entries vanish with the segment.
type LRUCache[V any] struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[string]*list.Element
	onEvicted  func(key string, value V)
}

// NewLRUCache creates a cache bounded at capacity entries. A capacity of
// zero or less disables the cache entirely.
func NewLRUCache[V any](capacity int, onEvicted func(key string, value V)) *LRUCache[V] {
	return &LRUCache[V]{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[string]*list.Element),
		onEvicted:  onEvicted,
	}
}

// Get retrieves a value from the cache.
func (c *LRUCache[V]) Get(key string) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return value, false
	}
	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[V]).value, true
	}
	return value, false
}

// Put adds a value to the cache, evicting the least recently used entry
// when full.
func (c *LRUCache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry[V]).value = value
		return
	}
	if c.lruList.Len() >= c.capacity {
		c.evict()
	}
	entry := &cacheEntry[V]{key: key, value: value}
	c.cacheItems[key] = c.lruList.PushFront(entry)
}

// Remove drops a single entry if present.
func (c *LRUCache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cacheItems[key]; ok {
		removed := c.lruList.Remove(elem).(*cacheEntry[V])
		delete(c.cacheItems, removed.key)
		if c.onEvicted != nil {
			c.onEvicted(removed.key, removed.value)
		}
	}
}

// Len returns the current number of items in the cache.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item. Caller holds c.mu.
func (c *LRUCache[V]) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removed := c.lruList.Remove(elem).(*cacheEntry[V])
		delete(c.cacheItems, removed.key)
		if c.onEvicted != nil {
			c.onEvicted(removed.key, removed.value)
		}
	}
}

// Clear removes all entries from the cache.
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			e := elem.Value.(*cacheEntry[V])
			c.onEvicted(e.key, e.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[string]*list.Element)
}
