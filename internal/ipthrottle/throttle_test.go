package ipthrottle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/courseloop/guardrail/internal/httpmw"
)

// newTestThrottle creates a throttle with a short TTL and cancellable context
// for tests. Returns the throttle and a cancel func to stop the cleanup goroutine.
func newTestThrottle(opts ...Option) (*Throttle, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	defaults := []Option{
		WithRate(10, 5), // 10/sec, burst of 5 - small burst makes tests fast
		WithTTL(100 * time.Millisecond),
	}
	all := append(defaults, opts...)
	t := New(ctx, all...)
	return t, cancel
}

func TestAllow_BurstThenReject(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(1, 5)) // 1/sec refill, burst of 5
	defer cancel()

	ip := "10.0.0.1"

	// first 5 requests should all be allowed (burst)
	for i := 0; i < 5; i++ {
		if !th.allow(ip) {
			t.Fatalf("request %d should be allowed (within burst)", i+1)
		}
	}

	// next request should be denied (burst exhausted, refill too slow)
	if th.allow(ip) {
		t.Fatal("request 6 should be denied (burst exhausted)")
	}
}

func TestAllow_SeparateIPsGetSeparateBuckets(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(1, 3))
	defer cancel()

	// drain ip1's burst
	for i := 0; i < 3; i++ {
		th.allow("10.0.0.1")
	}

	// ip1 should be denied
	if th.allow("10.0.0.1") {
		t.Fatal("ip1 should be denied after burst")
	}

	// ip2 should still have a full bucket
	if !th.allow("10.0.0.2") {
		t.Fatal("ip2 should be allowed (separate bucket)")
	}
}

func TestAllow_RefillAfterTime(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(100, 1)) // 100/sec refill, burst of 1
	defer cancel()

	ip := "10.0.0.1"

	// use the one token
	if !th.allow(ip) {
		t.Fatal("first request should be allowed")
	}

	// immediately denied
	if th.allow(ip) {
		t.Fatal("should be denied with empty bucket")
	}

	// wait for refill (at 100/sec, 20ms is 2 tokens)
	time.Sleep(20 * time.Millisecond)

	if !th.allow(ip) {
		t.Fatal("should be allowed after refill")
	}
}

func TestOnFirstDenied_CalledOnce(t *testing.T) {
	var firstCount atomic.Int32

	th, cancel := newTestThrottle(
		WithRate(1, 2),
		WithOnFirstDenied(func(ip string) {
			firstCount.Add(1)
		}),
	)
	defer cancel()

	ip := "10.0.0.1"

	// drain burst
	th.allow(ip)
	th.allow(ip)

	// trigger multiple denials
	for i := 0; i < 10; i++ {
		th.allow(ip)
	}

	// OnFirstDenied should have fired exactly once
	got := firstCount.Load()
	if got != 1 {
		t.Fatalf("OnFirstDenied called %d times, want 1", got)
	}
}

func TestOnDenied_CalledEveryDenial(t *testing.T) {
	var deniedCount atomic.Int32

	th, cancel := newTestThrottle(
		WithRate(1, 2),
		WithOnDenied(func(ip string) {
			deniedCount.Add(1)
		}),
	)
	defer cancel()

	ip := "10.0.0.1"

	// drain burst
	th.allow(ip)
	th.allow(ip)

	// 5 denied requests
	for i := 0; i < 5; i++ {
		th.allow(ip)
	}

	got := deniedCount.Load()
	if got != 5 {
		t.Fatalf("OnDenied called %d times, want 5", got)
	}
}

func TestOnFirstDenied_PerIP(t *testing.T) {
	seen := make(map[string]int)
	var mu sync.Mutex

	th, cancel := newTestThrottle(
		WithRate(1, 1),
		WithOnFirstDenied(func(ip string) {
			mu.Lock()
			seen[ip]++
			mu.Unlock()
		}),
	)
	defer cancel()

	// drain and trigger first denial for two different IPs
	th.allow("10.0.0.1")
	th.allow("10.0.0.1") // denied - first for this IP
	th.allow("10.0.0.1") // denied again - should not trigger OnFirstDenied

	th.allow("10.0.0.2")
	th.allow("10.0.0.2") // denied - first for this IP

	mu.Lock()
	defer mu.Unlock()

	if seen["10.0.0.1"] != 1 {
		t.Errorf("OnFirstDenied for 10.0.0.1: got %d, want 1", seen["10.0.0.1"])
	}
	if seen["10.0.0.2"] != 1 {
		t.Errorf("OnFirstDenied for 10.0.0.2: got %d, want 1", seen["10.0.0.2"])
	}
}

func TestCleanup_EvictsStaleVisitors(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(1, 1),
		WithTTL(50*time.Millisecond),
	)
	defer cancel()

	// create a visitor
	th.allow("10.0.0.1")

	// verify visitor exists
	th.mu.Lock()
	if _, exists := th.visitors["10.0.0.1"]; !exists {
		th.mu.Unlock()
		t.Fatal("visitor should exist immediately after request")
	}
	th.mu.Unlock()

	// wait for TTL + cleanup interval (TTL/2) + buffer
	time.Sleep(120 * time.Millisecond)

	th.mu.Lock()
	_, exists := th.visitors["10.0.0.1"]
	th.mu.Unlock()

	if exists {
		t.Fatal("visitor should be evicted after TTL")
	}
}

func TestCleanup_ActiveVisitorNotEvicted(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(100, 100), // generous limits so requests aren't denied
		WithTTL(80*time.Millisecond),
	)
	defer cancel()

	// keep visitor active across multiple cleanup cycles
	for i := 0; i < 5; i++ {
		th.allow("10.0.0.1")
		time.Sleep(30 * time.Millisecond)
	}

	th.mu.Lock()
	_, exists := th.visitors["10.0.0.1"]
	th.mu.Unlock()

	if !exists {
		t.Fatal("active visitor should not be evicted")
	}
}

func TestCleanup_StopsOnCancel(t *testing.T) {
	th, cancel := newTestThrottle(WithTTL(10 * time.Millisecond))

	th.allow("10.0.0.1")

	// cancel the context - cleanup goroutine should exit
	cancel()

	// wait for cleanup to have run if it were still alive
	time.Sleep(30 * time.Millisecond)

	// add a new visitor after cancel - it should never be cleaned up
	// since the goroutine is stopped
	th.allow("10.0.0.2")
	time.Sleep(30 * time.Millisecond)

	th.mu.Lock()
	_, exists := th.visitors["10.0.0.2"]
	th.mu.Unlock()

	if !exists {
		t.Fatal("visitor should persist when cleanup goroutine is stopped")
	}
}

func TestCleanup_OnFirstDenied_ResetsAfterEviction(t *testing.T) {
	var firstCount atomic.Int32

	th, cancel := newTestThrottle(
		WithRate(1, 1),
		WithTTL(50*time.Millisecond),
		WithOnFirstDenied(func(ip string) {
			firstCount.Add(1)
		}),
	)
	defer cancel()

	ip := "10.0.0.1"

	// trigger first denial
	th.allow(ip)
	th.allow(ip) // denied - OnFirstDenied fires (count = 1)

	if got := firstCount.Load(); got != 1 {
		t.Fatalf("after first denial: OnFirstDenied = %d, want 1", got)
	}

	// wait for eviction
	time.Sleep(120 * time.Millisecond)

	// visitor is gone - new requests create a fresh entry
	th.allow(ip)
	th.allow(ip) // denied again - OnFirstDenied should fire again (count = 2)

	if got := firstCount.Load(); got != 2 {
		t.Fatalf("after re-entry: OnFirstDenied = %d, want 2", got)
	}
}

func TestDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	th := New(ctx)

	if th.perSecond != 10 {
		t.Errorf("default perSecond = %v, want 10", th.perSecond)
	}
	if th.burst != 20 {
		t.Errorf("default burst = %d, want 20", th.burst)
	}
	if th.ttl != 3*time.Minute {
		t.Errorf("default ttl = %v, want 3m", th.ttl)
	}
	if th.maxClients != 10000 {
		t.Errorf("default maxClients = %d, want 10000", th.maxClients)
	}
}

func TestNilCallbacks_NoPanic(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(1, 1))
	defer cancel()

	// no callbacks set - should not panic on denial
	th.allow("10.0.0.1")
	th.allow("10.0.0.1") // denied, no callbacks - should be fine
}

// === Middleware HTTP tests ===
//
// Client IP is injected via httpmw.WithClientIP - no dependency on the
// ClientIP middleware's XFF parsing or trust logic. These tests only
// exercise the throttle's HTTP behavior.

func makeRequestWithIP(handler http.Handler, clientIP string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := httpmw.WithClientIP(r.Context(), clientIP)
	r = r.WithContext(ctx)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestMiddleware_Returns429(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(1, 2))
	defer cancel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := th.Middleware(inner)

	// first 2 requests should pass
	for i := 0; i < 2; i++ {
		w := makeRequestWithIP(handler, "203.0.113.1")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, w.Code)
		}
	}

	// next should be 429
	w := makeRequestWithIP(handler, "203.0.113.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request 3: got %d, want 429", w.Code)
	}

	// verify response headers
	if w.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", w.Header().Get("Retry-After"))
	}
	if w.Header().Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}

	// verify body
	want := `{"error":"too many requests"}`
	if got := w.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestMiddleware_DifferentIPsIndependent(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(1, 1))
	defer cancel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := th.Middleware(inner)

	// exhaust ip1
	makeRequestWithIP(handler, "203.0.113.1")
	w := makeRequestWithIP(handler, "203.0.113.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("ip1 second request: got %d, want 429", w.Code)
	}

	// ip2 should still work
	w = makeRequestWithIP(handler, "203.0.113.2")
	if w.Code != http.StatusOK {
		t.Fatalf("ip2 first request: got %d, want 200", w.Code)
	}
}

func TestMiddleware_AllowedRequestReachesHandler(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(10, 10))
	defer cancel()

	var reached atomic.Bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	handler := th.Middleware(inner)

	makeRequestWithIP(handler, "203.0.113.1")

	if !reached.Load() {
		t.Fatal("inner handler was not called for allowed request")
	}
}

func TestMiddleware_DeniedRequestDoesNotReachHandler(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(1, 1))
	defer cancel()

	var reachCount atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reachCount.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	handler := th.Middleware(inner)

	// first request reaches inner handler
	makeRequestWithIP(handler, "203.0.113.1")
	// second is denied
	makeRequestWithIP(handler, "203.0.113.1")
	// third is denied
	makeRequestWithIP(handler, "203.0.113.1")

	if got := reachCount.Load(); got != 1 {
		t.Fatalf("inner handler reached %d times, want 1", got)
	}
}

func TestMiddleware_EmptyClientIP(t *testing.T) {
	th, cancel := newTestThrottle(WithRate(1, 1))
	defer cancel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := th.Middleware(inner)

	// request with no client IP in context - should still work,
	// all such requests share the empty-string bucket
	makeRequestWithIP(handler, "")
	w := makeRequestWithIP(handler, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("empty IP second request: got %d, want 429", w.Code)
	}
}

// MaxClients unit tests

func TestWithMaxClients(t *testing.T) {
	th, cancel := newTestThrottle(WithMaxClients(500))
	defer cancel()

	if th.maxClients != 500 {
		t.Fatalf("maxClients = %d, want 500", th.maxClients)
	}
}

func TestMaxClients_NewIPRejectedAtCapacity(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(100, 100), // generous limits so denials are only from capacity
		WithMaxClients(3),
	)
	defer cancel()

	// fill the map with 3 unique IPs
	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		if !th.allow(ip) {
			t.Fatalf("ip %s should be allowed (map not full)", ip)
		}
	}

	// 4th unique IP should be rejected
	if th.allow("10.0.0.99") {
		t.Fatal("new IP should be rejected when map is at capacity")
	}
}

func TestMaxClients_ExistingIPStillAllowedAtCapacity(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(100, 100),
		WithMaxClients(3),
	)
	defer cancel()

	// fill the map
	th.allow("10.0.0.1")
	th.allow("10.0.0.2")
	th.allow("10.0.0.3")

	// existing IPs should still work
	if !th.allow("10.0.0.1") {
		t.Fatal("existing IP should still be allowed at capacity")
	}
	if !th.allow("10.0.0.2") {
		t.Fatal("existing IP should still be allowed at capacity")
	}
	if !th.allow("10.0.0.3") {
		t.Fatal("existing IP should still be allowed at capacity")
	}
}

func TestMaxClients_OnCapacityFiredOnce(t *testing.T) {
	var capCount atomic.Int32

	th, cancel := newTestThrottle(
		WithRate(100, 100),
		WithMaxClients(2),
		WithOnCapacity(func() {
			capCount.Add(1)
		}),
	)
	defer cancel()

	// fill the map
	th.allow("10.0.0.1")
	th.allow("10.0.0.2")

	// first rejection triggers OnCapacity
	th.allow("10.0.0.10")
	if got := capCount.Load(); got != 1 {
		t.Fatalf("after first rejection: OnCapacity count = %d, want 1", got)
	}

	// subsequent rejections should NOT fire OnCapacity again
	th.allow("10.0.0.11")
	th.allow("10.0.0.12")
	if got := capCount.Load(); got != 1 {
		t.Fatalf("after repeated rejections: OnCapacity count = %d, want 1", got)
	}
}

func TestMaxClients_OnCapacityNil_NoPanic(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(100, 100),
		WithMaxClients(1),
		// no OnCapacity set
	)
	defer cancel()

	th.allow("10.0.0.1")
	// should not panic
	th.allow("10.0.0.2")
}

func TestMaxClients_EvictionFreesCapacity(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(100, 100),
		WithMaxClients(2),
		WithTTL(50*time.Millisecond),
	)
	defer cancel()

	// fill the map
	th.allow("10.0.0.1")
	th.allow("10.0.0.2")

	// new IP rejected
	if th.allow("10.0.0.3") {
		t.Fatal("should be rejected at capacity")
	}

	// wait for eviction
	time.Sleep(120 * time.Millisecond)

	// map should be empty now, new IP should be allowed
	if !th.allow("10.0.0.3") {
		t.Fatal("new IP should be allowed after eviction freed capacity")
	}
}

func TestMaxClients_OnCapacityRearmsAfterEviction(t *testing.T) {
	var capCount atomic.Int32

	th, cancel := newTestThrottle(
		WithRate(100, 100),
		WithMaxClients(1),
		WithTTL(50*time.Millisecond),
		WithOnCapacity(func() {
			capCount.Add(1)
		}),
	)
	defer cancel()

	th.allow("10.0.0.1")
	th.allow("10.0.0.2") // rejected, fires OnCapacity
	if got := capCount.Load(); got != 1 {
		t.Fatalf("OnCapacity count = %d, want 1", got)
	}

	// wait for eviction to free space and re-arm the hook
	time.Sleep(120 * time.Millisecond)

	th.allow("10.0.0.3") // allowed, fills the map again
	th.allow("10.0.0.4") // rejected, fires OnCapacity again
	if got := capCount.Load(); got != 2 {
		t.Fatalf("OnCapacity count = %d, want 2", got)
	}
}

func TestMaxClients_RateStillAppliesAtCapacity(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(1, 1), // tight rate
		WithMaxClients(2),
	)
	defer cancel()

	// fill map and exhaust bucket for ip1
	th.allow("10.0.0.1") // allowed, consumes token
	th.allow("10.0.0.2")

	// ip1 should be throttled (not capacity-limited)
	if th.allow("10.0.0.1") {
		t.Fatal("ip1 should be throttled even though it's an existing visitor")
	}
}

func TestMaxClients_ZeroDisablesLimit(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(100, 100),
		WithMaxClients(0),
	)
	defer cancel()

	for i := 0; i < 100; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
		if !th.allow(ip) {
			t.Fatalf("ip %s rejected with maxClients=0 (should be unlimited)", ip)
		}
	}
}

func TestMaxClients_Middleware_Returns429ForNewIP(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(100, 100),
		WithMaxClients(2),
	)
	defer cancel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := th.Middleware(inner)

	// fill the map via middleware
	w1 := makeRequestWithIP(handler, "203.0.113.1")
	w2 := makeRequestWithIP(handler, "203.0.113.2")
	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Fatalf("first two IPs should pass: got %d, %d", w1.Code, w2.Code)
	}

	// new IP should get 429
	w3 := makeRequestWithIP(handler, "203.0.113.3")
	if w3.Code != http.StatusTooManyRequests {
		t.Fatalf("new IP at capacity: got %d, want 429", w3.Code)
	}
}

func TestMaxClients_ConcurrentAccess(t *testing.T) {
	th, cancel := newTestThrottle(
		WithRate(100, 100),
		WithMaxClients(50),
	)
	defer cancel()

	// hammer with 200 goroutines using unique IPs
	var wg sync.WaitGroup
	var allowed atomic.Int32
	var rejected atomic.Int32

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.%d.%d.%d", n/65536, (n/256)%256, n%256)
			if th.allow(ip) {
				allowed.Add(1)
			} else {
				rejected.Add(1)
			}
		}(i)
	}

	wg.Wait()

	// exactly 50 should have been allowed (one per unique IP, all within burst)
	if got := allowed.Load(); got != 50 {
		t.Fatalf("allowed = %d, want 50", got)
	}
	if got := rejected.Load(); got != 150 {
		t.Fatalf("rejected = %d, want 150", got)
	}

	th.mu.Lock()
	mapSize := len(th.visitors)
	th.mu.Unlock()
	if mapSize != 50 {
		t.Fatalf("map size = %d, want 50", mapSize)
	}
}
