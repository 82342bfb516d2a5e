package phishing

import (
	"container/list"
	"sync"
)

// verdictCache is a thread-safe LRU of hostname -> blocked. Every clear
// starts a new generation; verdicts computed under an older one are dropped.
type verdictCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	gen      uint64
	mu       sync.Mutex
}

type cacheEntry struct {
	host    string
	blocked bool
}

func newVerdictCache(capacity int) *verdictCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &verdictCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *verdictCache) get(host string) (blocked, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.items[host]; found {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).blocked, true
	}
	return false, false
}

// generation returns the token a lookup passes back to put.
func (c *verdictCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// put stores a verdict computed during generation gen. It is a no-op when
// the lists changed since.
func (c *verdictCache) put(gen uint64, host string, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	if elem, found := c.items[host]; found {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).blocked = blocked
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*cacheEntry).host)
			c.order.Remove(oldest)
		}
	}
	c.items[host] = c.order.PushFront(&cacheEntry{host: host, blocked: blocked})
}

func (c *verdictCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

func (c *verdictCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
