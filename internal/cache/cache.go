package cache

// Cache is a bounded in-memory cache placed in front of slower stores.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V)
	Keys() []K
	Delete(key K)
}
