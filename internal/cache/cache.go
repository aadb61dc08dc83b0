package cache

import "sync"

// InMemoryCache is a concurrent-safe in-memory key-value store.
type InMemoryCache[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewInMemoryCache creates and returns a new InMemoryCache.
func NewInMemoryCache[V any]() *InMemoryCache[V] {
	return &InMemoryCache[V]{
		items: make(map[string]V),
	}
}

// Get retrieves a value from the cache.
// It returns the value and true if the key exists, otherwise the zero value and false.
func (c *InMemoryCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, found := c.items[key]
	return item, found
}

// Set adds or updates a value in the cache.
func (c *InMemoryCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
}

// Delete removes a value from the cache.
func (c *InMemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len reports how many keys are cached.
func (c *InMemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear drops every entry.
func (c *InMemoryCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]V)
}
