package cachex

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type localEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Local is an in-process get-or-compute cache with a fixed TTL and a bounded
// entry count. Concurrent misses on one key share a single computation.
// Failed computations are never stored.
type Local[V any] struct {
	mu         sync.Mutex
	entries    map[string]localEntry[V]
	ttl        time.Duration
	maxEntries int
	group      singleflight.Group
	now        func() time.Time
}

func NewLocal[V any](ttl time.Duration, maxEntries int) *Local[V] {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Local[V]{
		entries:    make(map[string]localEntry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *Local[V]) TTL() time.Duration { return c.ttl }

func (c *Local[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Local[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL stores value with its own lifetime instead of the cache default.
func (c *Local[V]) SetTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = localEntry[V]{value: value, expiresAt: now.Add(ttl)}
}

// Update replaces a live entry with fn(value) and keeps its expiry. It
// reports false when the key is absent or expired.
func (c *Local[V]) Update(key string, fn func(V) V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return false
	}
	e.value = fn(e.value)
	c.entries[key] = e
	return true
}

func (c *Local[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Local[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrCompute returns the cached value for key or runs compute once for all
// concurrent callers. hit reports whether the value came from the cache.
func (c *Local[V]) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (V, error)) (value V, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return res.(V), false, nil
}

// evictLocked drops expired entries, then the soonest-to-expire one if the
// cache is still full.
func (c *Local[V]) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	var (
		oldestKey string
		oldestAt  time.Time
		first     = true
	)
	for k, e := range c.entries {
		if first || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, first = k, e.expiresAt, false
		}
	}
	delete(c.entries, oldestKey)
}
