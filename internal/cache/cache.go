package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// EvictReason says why an entry left the cache without an explicit Delete.
type EvictReason string

const (
	// EvictCapacity: the cache was full and the entry was the oldest insertion.
	EvictCapacity EvictReason = "capacity"
	// EvictExpired: a read found the entry past its expiry.
	EvictExpired EvictReason = "expired"
	// EvictSwept: the periodic sweep removed the expired entry.
	EvictSwept EvictReason = "swept"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithMaxSize bounds the number of entries. When full, inserting a new key
// evicts the oldest-inserted key still present (FIFO, not LRU). Zero or
// negative means unbounded.
func WithMaxSize[V any](n int) Option[V] {
	return func(c *Cache[V]) {
		c.maxSize = n
	}
}

// WithDefaultTTL sets the expiry used by Set and by GetOrFetch when no
// explicit TTL is given.
func WithDefaultTTL[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) {
		c.defaultTTL = d
	}
}

// WithSweepInterval sets how often the background sweep removes expired
// entries. Zero or negative disables the sweep; lazy eviction still applies.
func WithSweepInterval[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) {
		c.sweepInterval = d
	}
}

// WithOnEvict sets a hook invoked once per evicted entry. Called outside the
// cache lock; keep it fast, typically a metrics increment. Explicit Delete
// and Clear do not count as evictions.
func WithOnEvict[V any](fn func(key string, reason EvictReason)) Option[V] {
	return func(c *Cache[V]) {
		c.onEvict = fn
	}
}

// Cache is a mutex-guarded TTL cache with FIFO capacity eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	// order keeps keys oldest-first by insertion. Overwriting an existing
	// key keeps its original position. Invariant: same key set as entries.
	order []string

	maxSize       int
	defaultTTL    time.Duration
	sweepInterval time.Duration

	hits      uint64
	misses    uint64
	evictions uint64

	onEvict func(key string, reason EvictReason)

	sf singleflight.Group
}

// New builds a Cache and starts the background sweep, which runs until ctx
// is cancelled.
func New[V any](ctx context.Context, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries:       make(map[string]entry[V]),
		defaultTTL:    5 * time.Minute,
		sweepInterval: 5 * time.Minute,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.sweepInterval > 0 {
		go c.sweep(ctx)
	}

	return c
}

// Get returns the value for key if present and not expired. An expired entry
// is removed on access and reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		var zero V
		return zero, false
	}

	if !now.Before(e.expiresAt) {
		c.removeLocked(key)
		c.misses++
		c.evictions++
		onEvict := c.onEvict
		c.mu.Unlock()
		if onEvict != nil {
			onEvict(key, EvictExpired)
		}
		var zero V
		return zero, false
	}

	c.hits++
	c.mu.Unlock()
	return e.value, true
}

// Set inserts or overwrites key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL inserts or overwrites key with an absolute expiry of now+ttl.
// A non-positive ttl stores an already-expired entry, so the next read
// treats it as absent. Overwriting keeps the key's insertion position.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
		c.mu.Unlock()
		return
	}

	// New key: make room first if at capacity. The evicted entry is the
	// oldest insertion, regardless of recency of access or time to expiry.
	var evicted string
	if c.maxSize > 0 && len(c.entries) >= c.maxSize && len(c.order) > 0 {
		evicted = c.order[0]
		c.order = c.order[1:]
		delete(c.entries, evicted)
		c.evictions++
	}

	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
	c.order = append(c.order, key)

	onEvict := c.onEvict
	c.mu.Unlock()

	if evicted != "" && onEvict != nil {
		onEvict(evicted, EvictCapacity)
	}
}

// Delete removes key if present and reports whether it was.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.removeLocked(key)
	return true
}

// Clear removes every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry[V])
	c.order = c.order[:0]
}

// Len returns the number of entries currently stored, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// GetOrFetch returns the cached value for key, or invokes fetch, stores its
// result with the given ttl, and returns it. Concurrent misses for the same
// key share one fetch call; waiters receive the first caller's result. Fetch
// errors are returned to all waiters and are not cached.
//
// The shared fetch runs under the context of whichever caller started it.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// A flight that completed between our miss and this call may have
		// filled the cache already.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.SetTTL(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// removeLocked deletes key from the map and its slot in the insertion order.
// Caller holds c.mu.
func (c *Cache[V]) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// sweep periodically removes entries whose expiry has passed, independent of
// access patterns. Correctness does not depend on it, only memory use.
func (c *Cache[V]) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			var removed []string
			for key, e := range c.entries {
				if !now.Before(e.expiresAt) {
					removed = append(removed, key)
				}
			}
			for _, key := range removed {
				c.removeLocked(key)
				c.evictions++
			}
			onEvict := c.onEvict
			c.mu.Unlock()

			if onEvict != nil {
				for _, key := range removed {
					onEvict(key, EvictSwept)
				}
			}
		}
	}
}
