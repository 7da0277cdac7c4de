package common

import lru "github.com/hashicorp/golang-lru"

// LRU is a thin wrapper around hashicorp's LRU cache with the non-error API
// that the graph predicates expect. A size below 1 is clamped to 1.
type LRU struct {
	cache *lru.Cache
}

// NewLRU creates an LRU of the given size. onEvict is optional.
func NewLRU(size int, onEvict func(key interface{}, value interface{})) *LRU {
	if size < 1 {
		size = 1
	}
	// NewWithEvict only errors on size <= 0, which is ruled out above.
	cache, _ := lru.NewWithEvict(size, onEvict)
	return &LRU{cache: cache}
}

// Get looks up a key's value.
func (l *LRU) Get(key interface{}) (interface{}, bool) {
	return l.cache.Get(key)
}

// Add inserts a value.
func (l *LRU) Add(key, value interface{}) {
	l.cache.Add(key, value)
}

// Remove drops a key from the cache.
func (l *LRU) Remove(key interface{}) {
	l.cache.Remove(key)
}

// Len returns the number of cached items.
func (l *LRU) Len() int {
	return l.cache.Len()
}

// Purge drops all cached items.
func (l *LRU) Purge() {
	l.cache.Purge()
}
