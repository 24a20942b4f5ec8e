package cache

import (
	"sync"
)

// TranslationCache defines a generic interface for caching finished
// translations keyed by (text, language pair).
type TranslationCache interface {
	// Get retrieves a translation from the cache.
	Get(key string) (string, bool)
	// Put stores a translation in the cache.
	Put(key string, translation string)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of TranslationCache.
type MapCache struct {
	data map[string]string
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]string),
	}
}

func (c *MapCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache) Put(key string, translation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = translation
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
