package utxo

import (
	"container/list"
	"sync"

	"github.com/ledgercore/chain/pkg/block"
)

// lruNode is the container/list payload, adapted directly from the
// donor's pkg/cache/lru_cache.go LRUNode. The TTL field that cache
// carried is dropped: the hot UTXO tier is purely capacity-bounded
// (describes no expiry for this tier).
type lruNode struct {
	key   block.OutPoint
	entry *Entry
	dirty bool
}

// lruCache is the Tier-1 hot cache: get promotes to
// most-recently-used, contains does not, and eviction at capacity
// yields the evicted node so the caller can schedule a tier-2
// write-out when it was dirty. Structure (container/list + map to
// *list.Element) follows pkg/cache/lru_cache.go's LRUCache exactly;
// only the value type and the TTL-free eviction policy differ.
type lruCache struct {
	mu       sync.RWMutex
	capacity int
	items    map[block.OutPoint]*list.Element
	order    *list.List
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[block.OutPoint]*list.Element, capacity),
		order:    list.New(),
	}
}

// get returns the entry for key, promoting it to most-recently-used.
func (c *lruCache) get(key block.OutPoint) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruNode).entry, true
}

// contains reports presence without affecting recency.
func (c *lruCache) contains(key block.OutPoint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// put inserts or updates an entry, promoting it to the front. If
// insertion pushes the cache past capacity, the least-recently-used
// node is evicted and returned so the caller can persist it to tier 2
// if it was dirty.
func (c *lruCache) put(key block.OutPoint, entry *Entry, dirty bool) (evicted *lruNode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		node := el.Value.(*lruNode)
		node.entry = entry
		node.dirty = node.dirty || dirty
		c.order.MoveToFront(el)
		return nil
	}

	node := &lruNode{key: key, entry: entry, dirty: dirty}
	el := c.order.PushFront(node)
	c.items[key] = el

	if c.order.Len() > c.capacity {
		back := c.order.Back()
		c.order.Remove(back)
		evictedNode := back.Value.(*lruNode)
		delete(c.items, evictedNode.key)
		return evictedNode
	}
	return nil
}

// remove deletes key from the hot tier, if present, returning whether
// it was dirty (meaning tier 2 may need the delete applied too).
func (c *lruCache) remove(key block.OutPoint) (wasDirty, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false, false
	}
	node := el.Value.(*lruNode)
	c.order.Remove(el)
	delete(c.items, key)
	return node.dirty, true
}

func (c *lruCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}
