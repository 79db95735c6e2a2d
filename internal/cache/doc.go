// Package cache provides a bounded in-memory TTL cache.
//
// Entries carry an absolute expiry and are evicted lazily on read, in bulk
// by a periodic sweep, or by insertion-order (FIFO) eviction when the cache
// is at capacity. GetOrFetch memoizes an expensive producer and collapses
// concurrent misses for the same key into a single call.
//
// State is process-local: each instance of the service has its own cache,
// so hit rates are per-instance only.
package cache
