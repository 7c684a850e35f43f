package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is the in-process cache backend: bounded size, per-entry TTL,
// least-recently-used eviction.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	order    *list.List
	entries  map[string]*list.Element
	nowFunc  func() time.Time
	closed   bool
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		nowFunc: time.Now,
	}
}

// Get retrieves a value. Returns nil, nil on miss or expiry.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, nil
	}

	entry := el.Value.(*lruEntry)
	if !entry.expiresAt.IsZero() && c.nowFunc().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, nil
	}

	c.order.MoveToFront(el)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a value, evicting the least recently used entry when full.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.nowFunc().Add(ttl)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return nil
	}

	el := c.order.PushFront(&lruEntry{key: key, value: stored, expiresAt: expiresAt})
	c.entries[key] = el

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}

	return nil
}

// Delete removes a value.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
	return nil
}

// Ping reports cache health.
func (c *LRUCache) Ping(_ context.Context) error {
	return nil
}

// Close clears the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.closed = true
	return nil
}

// Len returns the number of stored entries, including expired entries that
// no Get has removed yet.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
