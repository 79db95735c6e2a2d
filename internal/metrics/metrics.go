package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courseloop/guardrail/internal/cache"
	"github.com/courseloop/guardrail/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// quota limiter
	ratelimitChecksTotal        *prometheus.CounterVec
	ratelimitStoreCapacityTotal prometheus.Counter
	ratelimitBackendErrsTotal   prometheus.Counter

	// edge throttle
	ipthrottleDeniedTotal   prometheus.Counter
	ipthrottleCapacityTotal prometheus.Counter

	// caches
	cacheEvictionsTotal *prometheus.CounterVec

	// plan identity
	planSource          *prometheus.GaugeVec
	planLoadedTimestamp prometheus.Gauge
	planInfo            *prometheus.GaugeVec

	// plan watcher
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code, bounded operation names) to avoid
// path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_checks_total",
			Help: "Total rate limit checks by operation and result",
		}, []string{"operation", "result"}),
		ratelimitStoreCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_capacity_total",
			Help: "Total number of times the in-memory limiter store hit its entry cap",
		}),
		ratelimitBackendErrsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_backend_errors_total",
			Help: "Total limiter store failures (fail-open/fail-closed policy applied)",
		}),
		ipthrottleDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipthrottle_denied_total",
			Help: "Total requests rejected by the per-IP edge throttle",
		}),
		ipthrottleCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipthrottle_capacity_total",
			Help: "Total number of times the throttle visitor table hit its cap",
		}),
		cacheEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total cache evictions by cache and reason",
		}, []string{"cache", "reason"}),
		planSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plan_source_info",
			Help: "Current plan source (label carries value, gauge is always 1)",
		}, []string{"source"}),
		planLoadedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plan_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active plan was loaded",
		}),
		planInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plan_info",
			Help: "Currently active plan (labels carry identity, value is always 1)",
		}, []string{"version", "sha256"}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plan_watcher_polls_total",
			Help: "Total number of watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plan_watcher_swaps_total",
			Help: "Total number of successful plan swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plan_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plan_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful source poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plan_watcher_stale",
			Help: "Whether the plan watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.ratelimitChecksTotal,
		m.ratelimitStoreCapacityTotal,
		m.ratelimitBackendErrsTotal,
		m.ipthrottleDeniedTotal,
		m.ipthrottleCapacityTotal,
		m.cacheEvictionsTotal,
		m.planSource,
		m.planLoadedTimestamp,
		m.planInfo,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitCheck(operation string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.ratelimitChecksTotal.WithLabelValues(operation, result).Inc()
}

func (m *ServerMetrics) IncRateLimitStoreCapacity() {
	m.ratelimitStoreCapacityTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitBackendError() {
	m.ratelimitBackendErrsTotal.Inc()
}

func (m *ServerMetrics) IncIPThrottleDenied() {
	m.ipthrottleDeniedTotal.Inc()
}

func (m *ServerMetrics) IncIPThrottleCapacity() {
	m.ipthrottleCapacityTotal.Inc()
}

// IncCacheEviction records one eviction. reason is one of the cache
// package's EvictReason values.
func (m *ServerMetrics) IncCacheEviction(cacheName, reason string) {
	m.cacheEvictionsTotal.WithLabelValues(cacheName, reason).Inc()
}

// RegisterCacheStats exports hit/miss counters and an entry gauge for one
// named cache, read from its Stats snapshot at scrape time.
func (m *ServerMetrics) RegisterCacheStats(name string, stats func() cache.Stats) {
	labels := prometheus.Labels{"cache": name}
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "cache_hits_total",
			Help:        "Total cache read hits",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "cache_misses_total",
			Help:        "Total cache read misses",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "cache_entries",
			Help:        "Current number of live cache entries",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Size) }),
	)
}

func (m *ServerMetrics) SetPlanSource(source string) {
	m.planSource.Reset() // clear previous label value
	m.planSource.WithLabelValues(source).Set(1)
}

func (m *ServerMetrics) SetPlanLoadedTimestamp(t time.Time) {
	m.planLoadedTimestamp.Set(float64(t.Unix()))
}

func (m *ServerMetrics) SetPlanInfo(planVersion, sha256 string) {
	m.planInfo.Reset()
	m.planInfo.WithLabelValues(planVersion, sha256).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	if stale {
		m.watcherStale.Set(1)
	} else {
		m.watcherStale.Set(0)
	}
}
