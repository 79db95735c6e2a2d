package gatehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courseloop/guardrail/internal/cache"
	"github.com/courseloop/guardrail/internal/log"
	"github.com/courseloop/guardrail/internal/plan"
	"github.com/courseloop/guardrail/internal/ratelimit"
	"github.com/courseloop/guardrail/internal/urlinfo"
)

// test stubs

// stubProber implements Prober with a fixed summary or error.
type stubProber struct {
	mu    sync.Mutex
	sum   urlinfo.Summary
	err   error
	calls int
}

func (p *stubProber) Probe(_ context.Context, rawURL string) (urlinfo.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return urlinfo.Summary{}, p.err
	}
	s := p.sum
	if s.URL == "" {
		s.URL = rawURL
	}
	return s, nil
}

func (p *stubProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *stubProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// checkRecorder implements CheckMetrics, counting observations per
// operation/outcome pair.
type checkRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *checkRecorder) IncRateLimitCheck(operation string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	key := operation + ":denied"
	if allowed {
		key = operation + ":allowed"
	}
	c.counts[key]++
}

func (c *checkRecorder) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// seededManager returns a Manager holding the built-in plan.
func seededManager() *plan.Manager {
	m := plan.NewManager()
	m.Set(plan.Snapshot{
		Plan: plan.Default(),
		Meta: plan.Meta{
			Version: "builtin",
			SHA256:  "0a1b2c3d4e5f0a1b2c3d4e5f0a1b2c3d4e5f0a1b2c3d4e5f0a1b2c3d4e5f0a1b",
			Source:  plan.SourceBuiltin,
		},
	})
	return m
}

// apiFixture wires a full API over in-memory dependencies.
type apiFixture struct {
	api     *API
	router  *chi.Mux
	prober  *stubProber
	metrics *checkRecorder
}

func newFixture(t *testing.T, overrides ...func(*Options)) *apiFixture {
	t.Helper()
	ctx := context.Background()

	plans := seededManager()
	store := ratelimit.NewMemoryStore(ctx, ratelimit.WithSweepInterval(0))
	prober := &stubProber{
		sum: urlinfo.Summary{
			StatusCode:  200,
			ContentType: "text/html",
			BodyBytes:   11,
			BodySHA256:  "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
			DurationMS:  3,
			FetchedAt:   time.Now().UTC(),
		},
	}
	metrics := &checkRecorder{}

	o := Options{
		Logger:     log.Nop(),
		Limiter:    ratelimit.New(store, plans),
		Plans:      plans,
		Prober:     prober,
		ProbeCache: cache.New[urlinfo.Summary](ctx, cache.WithSweepInterval[urlinfo.Summary](0)),
		KV:         cache.New[KVEntry](ctx, cache.WithSweepInterval[KVEntry](0)),
		Metrics:    metrics,
	}
	for _, fn := range overrides {
		fn(&o)
	}

	api := NewAPI(o)
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	return &apiFixture{api: api, router: r, prober: prober, metrics: metrics}
}

// do runs one request through the full router.
func (f *apiFixture) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// parseJSON decodes a JSON response body.
func parseJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("parse JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return m
}

// NewAPI

func TestNewAPI_NilLoggerDefaultsToNop(t *testing.T) {
	api := NewAPI(Options{})
	if api.logger == nil {
		t.Fatal("logger should default to Nop, not nil")
	}
}

func TestNewAPI_DefaultProbeTTL(t *testing.T) {
	api := NewAPI(Options{})
	if api.probeTTL != 15*time.Minute {
		t.Fatalf("probeTTL = %v, want 15m", api.probeTTL)
	}
}

func TestNewAPI_DefaultKVMaxValue(t *testing.T) {
	api := NewAPI(Options{})
	if api.kvMaxValue != defaultKVMaxValueBytes {
		t.Fatalf("kvMaxValue = %d, want %d", api.kvMaxValue, defaultKVMaxValueBytes)
	}
}

func TestNewAPI_OptionsRespected(t *testing.T) {
	api := NewAPI(Options{
		ProbeTTL:        time.Minute,
		KVMaxValueBytes: 1024,
	})
	if api.probeTTL != time.Minute {
		t.Fatalf("probeTTL = %v, want 1m", api.probeTTL)
	}
	if api.kvMaxValue != 1024 {
		t.Fatalf("kvMaxValue = %d, want 1024", api.kvMaxValue)
	}
}

// RegisterRoutes

func TestRegisterRoutes_AllEndpoints(t *testing.T) {
	f := newFixture(t)

	// ordered so the key exists before GET and DELETE touch it
	endpoints := []struct {
		method string
		path   string
		body   string
	}{
		{"POST", "/api/v1/limits/check", `{"operation":"o","subject":"s"}`},
		{"GET", "/api/v1/limits/plan", ""},
		{"GET", "/api/v1/probe?url=https://example.com/", ""},
		{"PUT", "/api/v1/cache/entries/k", "v"},
		{"GET", "/api/v1/cache/entries/k", ""},
		{"DELETE", "/api/v1/cache/entries/k", ""},
		{"POST", "/api/v1/cache/flush", ""},
		{"GET", "/api/v1/cache/stats", ""},
	}

	for _, ep := range endpoints {
		rec := f.do(ep.method, ep.path, ep.body, nil)
		if rec.Code == http.StatusNotFound || rec.Code == http.StatusMethodNotAllowed {
			t.Errorf("%s %s: got %d, route not registered", ep.method, ep.path, rec.Code)
		}
	}
}

func TestRegisterRoutes_UnknownPathIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/v1/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// writeJSON

func TestWriteJSON_ContentType(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/v1/limits/plan", "", nil)

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
}

func TestWriteJSON_CacheControl(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/v1/limits/plan", "", nil)

	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control = %q, want no-cache", cc)
	}
}

func TestWriteError_Shape(t *testing.T) {
	f := newFixture(t)
	rec := f.do("POST", "/api/v1/limits/check", "not json", nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	m := parseJSON(t, rec)
	if m["error"] == nil || m["error"] == "" {
		t.Fatal("error message should be set")
	}
}
