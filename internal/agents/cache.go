package agents

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded LRU of research query results with per-entry TTL.
// Research prompts repeat across deep-dive and revision passes; serving them
// from memory avoids re-billing identical provider calls.
type Cache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	clock   func() time.Time
	order   *list.List
	entries map[string]*list.Element

	hits   int
	misses int
}

type cacheEntry struct {
	key     string
	value   any
	expires time.Time
}

// CacheOption customizes cache construction.
type CacheOption func(*Cache)

// WithCacheClock overrides the time source (tests).
func WithCacheClock(clock func() time.Time) CacheOption {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCache builds a cache holding at most max entries, each valid for ttl.
func NewCache(max int, ttl time.Duration, opts ...CacheOption) *Cache {
	if max <= 0 {
		max = 128
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		max:     max,
		ttl:     ttl,
		clock:   time.Now,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key when present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := element.Value.(*cacheEntry)
	if c.clock().After(entry.expires) {
		c.removeLocked(element)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(element)
	c.hits++
	return entry.value, true
}

// Put stores a value under key, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.clock().Add(c.ttl)
	if element, ok := c.entries[key]; ok {
		entry := element.Value.(*cacheEntry)
		entry.value = value
		entry.expires = expires
		c.order.MoveToFront(element)
		return
	}
	element := c.order.PushFront(&cacheEntry{key: key, value: value, expires: expires})
	c.entries[key] = element
	for c.order.Len() > c.max {
		c.removeLocked(c.order.Back())
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) removeLocked(element *list.Element) {
	if element == nil {
		return
	}
	entry := element.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(element)
}
