// Package gatehttp is the JSON API the platform web tier calls: explicit
// rate-limit checks, the active plan, the memoized URL probe, and a small
// remote key/value cache.
package gatehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courseloop/guardrail/internal/cache"
	"github.com/courseloop/guardrail/internal/log"
	"github.com/courseloop/guardrail/internal/plan"
	"github.com/courseloop/guardrail/internal/ratelimit"
	"github.com/courseloop/guardrail/internal/urlinfo"
)

const (
	// SubjectHeader names the caller-supplied limit subject. Requests
	// without it are keyed on the trusted client IP.
	SubjectHeader = "X-Guardrail-Subject"

	// CacheHeader reports whether a probe summary came from the cache.
	CacheHeader = "X-Guardrail-Cache"

	// probe operation name, fixed by the platform's plan vocabulary
	probeOperation = "website_audit"
)

const defaultKVMaxValueBytes = 256 << 10

// Prober is what the probe endpoint needs from the urlinfo package.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (urlinfo.Summary, error)
}

// CheckMetrics receives one observation per explicit limit check.
type CheckMetrics interface {
	IncRateLimitCheck(operation string, allowed bool)
}

// Options configures the API. Limiter, Plans, Prober, and both caches are
// required; the rest default sensibly.
type Options struct {
	Logger     log.Logger
	Limiter    *ratelimit.Limiter
	Plans      *plan.Manager
	Prober     Prober
	ProbeCache *cache.Cache[urlinfo.Summary]

	// ProbeTTL is how long probe summaries stay memoized.
	ProbeTTL time.Duration

	KV *cache.Cache[KVEntry]

	// KVMaxValueBytes caps PUT bodies on the kv endpoints.
	KVMaxValueBytes int64

	Metrics CheckMetrics
}

// API implements the guardrail JSON endpoints.
type API struct {
	logger     log.Logger
	limiter    *ratelimit.Limiter
	plans      *plan.Manager
	prober     Prober
	probeCache *cache.Cache[urlinfo.Summary]
	probeTTL   time.Duration
	kv         *cache.Cache[KVEntry]
	kvMaxValue int64
	metrics    CheckMetrics
}

// NewAPI creates the API handler set.
func NewAPI(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	probeTTL := opts.ProbeTTL
	if probeTTL <= 0 {
		probeTTL = 15 * time.Minute
	}
	kvMax := opts.KVMaxValueBytes
	if kvMax <= 0 {
		kvMax = defaultKVMaxValueBytes
	}
	return &API{
		logger:     logger,
		limiter:    opts.Limiter,
		plans:      opts.Plans,
		prober:     opts.Prober,
		probeCache: opts.ProbeCache,
		probeTTL:   probeTTL,
		kv:         opts.KV,
		kvMaxValue: kvMax,
		metrics:    opts.Metrics,
	}
}

// RegisterRoutes attaches all API endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/limits/check", api.HandleCheck)
		r.Get("/limits/plan", api.HandlePlan)

		r.With(api.limiter.Middleware(probeOperation, ratelimit.SubjectHeader(SubjectHeader))).
			Get("/probe", api.HandleProbe)

		r.Route("/cache", func(r chi.Router) {
			r.Put("/entries/{key}", api.HandleCachePut)
			r.Get("/entries/{key}", api.HandleCacheGet)
			r.Delete("/entries/{key}", api.HandleCacheDelete)
			r.Post("/flush", api.HandleCacheFlush)
			r.Get("/stats", api.HandleCacheStats)
		})
	})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}
