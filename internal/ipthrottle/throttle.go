package ipthrottle

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/courseloop/guardrail/internal/httpmw"
)

// visitor tracks a single IPs bucket and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log
	// resets when the entry is evicted and re-created
	logged bool
}

// Throttle holds per-IP token buckets with background eviction
type Throttle struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// rate controls: requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before cleanup evicts it
	ttl time.Duration

	// maxClients caps the number of tracked IPs; 0 disables the cap.
	// New IPs are throttled while the map is full so the map itself
	// cannot be used to exhaust memory.
	maxClients     int
	capacityWarned bool

	// OnFirstDenied is called once per visitor when they first get throttled
	// ip is the raw IP string (no port)
	OnFirstDenied func(ip string)

	// OnDenied is called on every denied request, used for incrementing prometheus counter
	OnDenied func(ip string)

	// OnCapacity is called once when the visitor map first fills up,
	// re-armed after eviction frees space
	OnCapacity func()
}

type Option func(*Throttle)

// WithRate sets the request limit bucket size and the refill rate.
// burst is the total capacity of the bucket, perSecond is how many tokens are added to the bucket each second.
// WithRate(10, 50) allows 50 requests at once, then refills at a rate of 10 requests per second
func WithRate(perSecond float64, burst int) Option {
	return func(t *Throttle) {
		t.perSecond = rate.Limit(perSecond)
		t.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(t *Throttle) {
		t.ttl = d
	}
}

// WithMaxClients caps how many IPs are tracked at once; 0 means unlimited
func WithMaxClients(n int) Option {
	return func(t *Throttle) {
		t.maxClients = n
	}
}

// WithOnFirstDenied sets a callback for the first denial per visitor, used for logging.
// Intentionally separate from OnDenied to allow different handling - we log once, but increment prometheus counters on each denial
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(t *Throttle) {
		t.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request. used for incrementing prometheus counters
func WithOnDenied(fn func(ip string)) Option {
	return func(t *Throttle) {
		t.OnDenied = fn
	}
}

// WithOnCapacity sets a callback for the visitor map filling up, used for logging
func WithOnCapacity(fn func()) Option {
	return func(t *Throttle) {
		t.OnCapacity = fn
	}
}

// New creates a Throttle and starts the background cleanup goroutine
func New(ctx context.Context, opts ...Option) *Throttle {
	t := &Throttle{
		visitors:   make(map[string]*visitor),
		perSecond:  10,
		burst:      20,
		ttl:        3 * time.Minute,
		maxClients: 10000,
	}
	for _, o := range opts {
		o(t)
	}
	// cleanup uses the provided context for cancellation on app shutdown
	go t.cleanup(ctx)
	return t
}

// allow checks whether the given IP is within its rate. Handles visitor
// creation, the map capacity cap, and the first-denial hook.
// Returns true if the request should proceed, false if it should be rejected.
func (t *Throttle) allow(ip string) bool {
	t.mu.Lock()
	v, exists := t.visitors[ip]
	if !exists {
		if t.maxClients > 0 && len(t.visitors) >= t.maxClients {
			fireCapacity := !t.capacityWarned
			t.capacityWarned = true
			// release lock before calling hooks, they may do slow work
			t.mu.Unlock()
			if fireCapacity && t.OnCapacity != nil {
				t.OnCapacity()
			}
			if t.OnDenied != nil {
				t.OnDenied(ip)
			}
			return false
		}
		v = &visitor{
			limiter: rate.NewLimiter(t.perSecond, t.burst),
		}
		t.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		t.mu.Unlock()
		if t.OnFirstDenied != nil {
			t.OnFirstDenied(ip)
		}
		if t.OnDenied != nil {
			t.OnDenied(ip)
		}
		return false
	}

	t.mu.Unlock()

	if !allowed && t.OnDenied != nil {
		t.OnDenied(ip)
	}

	return allowed
}

// cleanup periodically evicts visitors that haven't been seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (t *Throttle) cleanup(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			evicted := 0
			for ip, v := range t.visitors {
				if now.Sub(v.lastSeen) > t.ttl {
					delete(t.visitors, ip)
					evicted++
				}
			}
			if evicted > 0 {
				t.capacityWarned = false
			}
			t.mu.Unlock()
		}
	}
}

// Middleware returns middleware that rejects requests over the per-ip rate with 429
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// client IP comes from the httpmw resolver, which handles
		// x-forwarded-for and proxy hop trust
		ip := httpmw.ClientIPFromContext(r.Context())

		if !t.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// intentionally not including detail about limits, remaining budget, or when the bucket refills
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
