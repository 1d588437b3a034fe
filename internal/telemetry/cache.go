// Package telemetry provides time-bounded caching around expensive reads
// and the background refresher for per-fan actual speeds. Reads here are
// dashboard-facing: a failed refresh degrades to stale data instead of
// surfacing an error.
package telemetry

import (
	"sync"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/logger"
)

type cacheEntry struct {
	value    any
	ts       time.Time
	has      bool
	inflight chan struct{}
}

// Cache memoizes loader results per key. Concurrent callers for the same
// key coalesce onto one loader invocation; a failed refresh keeps the
// previous value so callers see stale data, never the failure.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
	}
}

// GetCached returns the cached value for key when younger than ttl, and
// otherwise invokes loader once across all concurrent callers. The second
// return reports whether any value (fresh or stale) was available.
func (c *Cache) GetCached(key string, ttl time.Duration, loader func() (any, error)) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}

	if e.has && time.Since(e.ts) < ttl {
		value := e.value
		c.mu.Unlock()
		return value, true
	}

	if e.inflight != nil {
		wait := e.inflight
		c.mu.Unlock()
		<-wait
		// The refresh that just finished either stored a fresh value or
		// left the stale one in place; either way it is what we serve.
		c.mu.Lock()
		value, has := e.value, e.has
		c.mu.Unlock()

		return value, has
	}

	e.inflight = make(chan struct{})
	c.mu.Unlock()

	value, err := loader()

	c.mu.Lock()
	if err == nil {
		e.value = value
		e.ts = time.Now()
		e.has = true
	} else {
		logger.Debug().
			Str("key", key).
			Err(err).
			Msg("telemetry refresh failed; serving stale value")
	}
	out, has := e.value, e.has
	close(e.inflight)
	e.inflight = nil
	c.mu.Unlock()

	return out, has
}

// Age reports how old the cached value for key is. Returns false when the
// key has never loaded successfully.
func (c *Cache) Age(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.has {
		return 0, false
	}

	return time.Since(e.ts), true
}

// Get is a typed wrapper over Cache.GetCached.
func Get[T any](c *Cache, key string, ttl time.Duration, loader func() (T, error)) (T, bool) {
	value, ok := c.GetCached(key, ttl, func() (any, error) {
		return loader()
	})
	if !ok {
		var zero T
		return zero, false
	}

	typed, ok := value.(T)

	return typed, ok
}
