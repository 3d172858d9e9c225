package tools

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// cache is a small TTL cache for downstream lookups. Concurrent misses for
// the same key share a single fill.
type cache[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

func newCache[V any](size int, ttl time.Duration) *cache[V] {
	return &cache[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (c *cache[V]) get(key string, fill func() (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		v, err := fill()
		if err != nil {
			return v, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}
