package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

func NewLRU[K comparable, V any](size int) (*LRU[K, V], error) {
	c, err := lru.NewARC(size)
	if err != nil {
		return nil, fmt.Errorf("lru new instance of lru arc cache: %w", err)
	}

	return &LRU[K, V]{cache: c}, nil
}

var _ Cache[string, int] = (*LRU[string, int])(nil)

// LRU is a typed view over an adaptive replacement cache.
type LRU[K comparable, V any] struct {
	cache *lru.ARCCache
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	var zero V
	v, ok := c.cache.Get(key)
	if !ok {
		return zero, false
	}

	typed, ok := v.(V)
	if !ok {
		return zero, false
	}

	return typed, true
}

func (c *LRU[K, V]) Add(key K, value V) {
	c.cache.Add(key, value)
}

func (c *LRU[K, V]) Keys() []K {
	raw := c.cache.Keys()
	keys := make([]K, 0, len(raw))
	for _, k := range raw {
		if typed, ok := k.(K); ok {
			keys = append(keys, typed)
		}
	}

	return keys
}

func (c *LRU[K, V]) Delete(key K) {
	c.cache.Remove(key)
}
