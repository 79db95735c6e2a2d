package ratelimit

import (
	"context"
	"sync"
	"time"
)

// entry is one key's counter for the window ending at resetAt
type entry struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps window counters in a mutex-guarded map with background
// sweeping of expired windows. Counters are per-process: replicas each
// enforce their own share unless RedisStore is used instead.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry

	// maxEntries caps distinct keys; 0 disables the cap. New keys are denied
	// while the map is full so unbounded subjects cannot exhaust memory.
	maxEntries     int
	capacityWarned bool

	sweepInterval time.Duration

	// OnCapacity is called once when the map first fills up,
	// re-armed after a sweep frees space
	OnCapacity func()
}

type MemoryOption func(*MemoryStore)

// WithSweepInterval controls how often expired windows are dropped
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepInterval = d
	}
}

// WithMaxEntries caps how many keys are tracked at once; 0 means unlimited
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxEntries = n
	}
}

// WithOnCapacity sets a callback for the entry map filling up, used for logging
func WithOnCapacity(fn func()) MemoryOption {
	return func(s *MemoryStore) {
		s.OnCapacity = fn
	}
}

// NewMemoryStore creates a MemoryStore and starts the background sweep
// goroutine, which exits when ctx is cancelled.
func NewMemoryStore(ctx context.Context, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:       make(map[string]*entry),
		maxEntries:    100000,
		sweepInterval: 5 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	go s.sweep(ctx)
	return s
}

// Take records one request against the key. A missing entry or an entry
// whose window has ended starts a fresh window, and the request that starts
// a window is always admitted. Within a window, requests are admitted while
// the count is below the ceiling.
func (s *MemoryStore) Take(_ context.Context, key string, cfg Config) (Decision, error) {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]

	if !ok || !now.Before(e.resetAt) {
		if !ok {
			if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
				fireCapacity := !s.capacityWarned
				s.capacityWarned = true
				// release lock before calling hooks, they may do slow work
				s.mu.Unlock()
				if fireCapacity && s.OnCapacity != nil {
					s.OnCapacity()
				}
				return Decision{
					Allowed:   false,
					Limit:     cfg.MaxRequests,
					Remaining: 0,
					ResetAt:   now.Add(cfg.Window),
				}, nil
			}
			e = &entry{}
			s.entries[key] = e
		}
		e.count = 1
		e.resetAt = now.Add(cfg.Window)
		remaining := cfg.MaxRequests - 1
		if remaining < 0 {
			remaining = 0
		}
		d := Decision{Allowed: true, Limit: cfg.MaxRequests, Remaining: remaining, ResetAt: e.resetAt}
		s.mu.Unlock()
		return d, nil
	}

	if e.count < cfg.MaxRequests {
		e.count++
		d := Decision{Allowed: true, Limit: cfg.MaxRequests, Remaining: cfg.MaxRequests - e.count, ResetAt: e.resetAt}
		s.mu.Unlock()
		return d, nil
	}

	d := Decision{Allowed: false, Limit: cfg.MaxRequests, Remaining: 0, ResetAt: e.resetAt}
	s.mu.Unlock()
	return d, nil
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweep periodically drops entries whose window has ended so keys for idle
// subjects do not accumulate between requests.
func (s *MemoryStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			evicted := 0
			for key, e := range s.entries {
				if !now.Before(e.resetAt) {
					delete(s.entries, key)
					evicted++
				}
			}
			if evicted > 0 {
				s.capacityWarned = false
			}
			s.mu.Unlock()
		}
	}
}
