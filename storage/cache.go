package storage

import (
	"container/list"
	"sync"
)

// envelopeCache keeps recently read envelope rows in memory. Unlock
// attempts hit the same row repeatedly while writes are rare, so a tiny
// LRU absorbs almost all reads.
type envelopeCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value []byte
}

func newEnvelopeCache(capacity int) *envelopeCache {
	return &envelopeCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *envelopeCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	return nil, false
}

func (c *envelopeCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).value = value
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		delete(c.items, oldest.Value.(*cacheEntry).key)
		c.order.Remove(oldest)
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, value: value})
}

// invalidate drops a key after a write so readers never see a stale
// envelope.
func (c *envelopeCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.order.Remove(elem)
	}
}
