package cache

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is the bounded in-process fallback used when the external cache
// service is unreachable. Eviction is least-recently-used; expired entries
// are dropped lazily on read.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key       string
	value     Entry
	expiresAt time.Time
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string, now time.Time) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	entry := elem.Value.(*lruEntry)
	if now.After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return Entry{}, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

func (c *lruCache) set(key string, value Entry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := now.Add(value.TTL)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expires
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: value, expiresAt: expires})
}

func (c *lruCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
