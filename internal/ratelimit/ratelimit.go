package ratelimit

import (
	"context"
	"time"
)

// Config describes one fixed window: up to MaxRequests per Window.
//
// Degenerate values are defined rather than rejected: Window <= 0 means every
// request starts a fresh window (and is allowed), MaxRequests <= 0 still
// allows the first request of each window because starting a window always
// admits the request that started it.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Decision is the outcome of a single Check or Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns whole seconds until the window resets, rounded up.
// Returns 0 when the reset is already due.
func (d Decision) RetryAfter(now time.Time) int {
	dur := d.ResetAt.Sub(now)
	if dur <= 0 {
		return 0
	}
	return int((dur + time.Second - 1) / time.Second)
}

// Key builds the counter key for an operation/subject pair.
func Key(operation, subject string) string {
	return operation + ":" + subject
}

// Store tracks window counters. Take records one request against the key and
// reports whether it fit in the current window.
type Store interface {
	Take(ctx context.Context, key string, cfg Config) (Decision, error)
}

// ConfigSource resolves an operation name to its window config. Unknown
// operations resolve to a default rather than an error.
type ConfigSource interface {
	ConfigFor(operation string) Config
}

// Limiter ties a counter store to a config source and applies the
// backend-failure policy.
type Limiter struct {
	store      Store
	plans      ConfigSource
	failClosed bool

	// OnDenied is called on every denied request, used for incrementing prometheus counters
	OnDenied func(operation, subject string, d Decision)

	// OnError is called when the store fails and the failure policy decided
	// the outcome instead of a counter
	OnError func(operation string, err error)
}

type Option func(*Limiter)

// WithFailClosed denies requests when the store errors. The default is to
// allow them: a broken counter backend should degrade quota enforcement, not
// take down grading.
func WithFailClosed(v bool) Option {
	return func(l *Limiter) {
		l.failClosed = v
	}
}

// WithOnDenied sets a callback for every denied request
func WithOnDenied(fn func(operation, subject string, d Decision)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnError sets a callback for store failures
func WithOnError(fn func(operation string, err error)) Option {
	return func(l *Limiter) {
		l.OnError = fn
	}
}

// New creates a Limiter over the given store and config source.
func New(store Store, plans ConfigSource, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		plans: plans,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records one request for the operation/subject pair and returns the
// decision. Store errors never surface to the caller: the failure policy
// produces a synthetic decision and OnError reports the cause.
func (l *Limiter) Check(ctx context.Context, operation, subject string) Decision {
	cfg := l.plans.ConfigFor(operation)

	d, err := l.store.Take(ctx, Key(operation, subject), cfg)
	if err != nil {
		if l.OnError != nil {
			l.OnError(operation, err)
		}
		d = Decision{
			Allowed:   !l.failClosed,
			Limit:     cfg.MaxRequests,
			Remaining: 0,
			ResetAt:   time.Now().Add(cfg.Window),
		}
	}

	if !d.Allowed && l.OnDenied != nil {
		l.OnDenied(operation, subject, d)
	}
	return d
}
