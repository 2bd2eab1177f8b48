// Package cache provides bounded, expiring read-through caches with usage
// statistics. Caches are never authoritative: writers invalidate explicitly.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

type Stats struct {
	Name       string        `json:"name"`
	Len        int           `json:"len"`
	Capacity   int           `json:"capacity"`
	TTL        time.Duration `json:"ttl"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Loads      uint64        `json:"loads"`
	LoadErrors uint64        `json:"load_errors"`
	Evictions  uint64        `json:"evictions"`
}

type Cache[K comparable, V any] struct {
	name     string
	capacity int
	ttl      time.Duration

	lru   *expirable.LRU[K, V]
	group singleflight.Group

	hits       atomic.Uint64
	misses     atomic.Uint64
	loads      atomic.Uint64
	loadErrors atomic.Uint64
	evictions  atomic.Uint64
}

// New creates a cache holding at most capacity entries for ttl each.
// onEvict runs for every entry leaving the cache, whether it expired, was
// pushed out by capacity or was invalidated.
func New[K comparable, V any](name string, capacity int, ttl time.Duration, onEvict func(K, V)) *Cache[K, V] {
	c := &Cache[K, V]{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
	}
	c.lru = expirable.NewLRU[K, V](capacity, func(k K, v V) {
		c.evictions.Add(1)
		if onEvict != nil {
			onEvict(k, v)
		}
	}, ttl)

	return c
}

// Get returns the cached value or loads it. Concurrent loads of one key are
// collapsed into a single loader call. Failed loads are not cached.
func (c *Cache[K, V]) Get(ctx context.Context, key K, load Loader[K, V]) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	res, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		if v, ok := c.lru.Peek(key); ok {
			return v, nil
		}
		c.loads.Add(1)
		v, err := load(ctx, key)
		if err != nil {
			c.loadErrors.Add(1)
			return v, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}

	return res.(V), nil
}

// Peek returns a cached value without loading or touching recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(key)
}

func (c *Cache[K, V]) Put(key K, value V) {
	c.lru.Add(key, value)
}

func (c *Cache[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Name:       c.name,
		Len:        c.lru.Len(),
		Capacity:   c.capacity,
		TTL:        c.ttl,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Loads:      c.loads.Load(),
		LoadErrors: c.loadErrors.Load(),
		Evictions:  c.evictions.Load(),
	}
}

type StatsProvider interface {
	Stats() Stats
}
