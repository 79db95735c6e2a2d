package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courseloop/guardrail/internal/xerrors"
)

// RedisStore keeps window counters in Redis so limits hold across replicas.
//
// Each key is INCRed and given the window as its TTL on first touch, so the
// counter and its window expire together. No sweep goroutine is needed,
// Redis expiry does that job.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces counter keys, for shared Redis instances
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = p
	}
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(rdb redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "guardrail:rl:",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Take increments the key's counter, arming the window TTL on first touch,
// and maps the resulting count onto a Decision.
func (s *RedisStore) Take(ctx context.Context, key string, cfg Config) (Decision, error) {
	now := time.Now()
	k := s.prefix + key

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	// go-redis has no PExpireNX wrapper; send the raw command, converting the
	// window the way the library's PExpire does (positive sub-millisecond
	// durations become 1ms, non-positives pass through and drop the key).
	ms := int64(cfg.Window / time.Millisecond)
	if cfg.Window > 0 && cfg.Window < time.Millisecond {
		ms = 1
	}
	pipe.Do(ctx, "pexpire", k, ms, "NX")
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, xerrors.Wrap(err, "redis take")
	}

	// PTTL is negative for keys without expiry or already gone
	// (window <= 0 deletes the key on arrival); fall back to the
	// configured window for the reset estimate.
	resetAt := now.Add(cfg.Window)
	if ttl := pttl.Val(); ttl > 0 {
		resetAt = now.Add(ttl)
	}

	return countDecision(incr.Val(), cfg, resetAt), nil
}

// countDecision maps a post-increment window count onto a Decision. A count
// of one means this request started the window and is always admitted.
func countDecision(count int64, cfg Config, resetAt time.Time) Decision {
	allowed := count == 1 || count <= int64(cfg.MaxRequests)
	remaining := int64(cfg.MaxRequests) - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     cfg.MaxRequests,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
}
