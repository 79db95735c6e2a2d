package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/courseloop/guardrail/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	HTTPPort         int
	AdminPort        int
	TrustedProxyHops int
	MaxBodyBytes     int64
	DrainSeconds     int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	PlanSource        string
	PlanPollInterval  time.Duration
	EnablePlanUpdates bool

	LimiterBackend       string
	LimiterSweepInterval time.Duration
	LimiterMaxEntries    int
	LimiterFailClosed    bool
	RedisAddr            string
	RedisPassword        string
	RedisDB              int

	CacheSweepInterval time.Duration
	ProbeCacheSize     int
	ProbeCacheTTL      time.Duration
	KVCacheSize        int
	KVCacheDefaultTTL  time.Duration
	KVCacheMaxValue    int64

	ProbeTimeout      time.Duration
	ProbeMaxBodyBytes int64
	ProbeAllowPrivate bool

	EnableIPThrottle bool
	IPRatePerSecond  float64
	IPBurst          int
	IPVisitorTTL     time.Duration
	IPMaxClients     int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "number of trusted reverse proxies in front of the service (0..10)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum accepted request body size in bytes")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to keep serving after readiness flips during shutdown")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.PlanSource, "plan-source", "", "limit plan source URI (file:///path, ssm://name, s3://bucket/key); empty uses the built-in plan")
	fs.DurationVar(&c.PlanPollInterval, "plan-poll-interval", 30*time.Second, "how often to poll the plan source for changes")
	fs.BoolVar(&c.EnablePlanUpdates, "enable-plan-updates", true, "Enable polling the plan source for updated limit plans")

	fs.StringVar(&c.LimiterBackend, "limiter-backend", "memory", "rate limit counter backend (memory|redis)")
	fs.DurationVar(&c.LimiterSweepInterval, "limiter-sweep-interval", 5*time.Minute, "how often the memory backend drops expired windows")
	fs.IntVar(&c.LimiterMaxEntries, "limiter-max-entries", 100000, "memory backend entry cap; new identifiers are denied at capacity")
	fs.BoolVar(&c.LimiterFailClosed, "limiter-fail-closed", false, "deny requests when the limiter backend errors (default allows)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for -limiter-backend=redis")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password (prefer GUARDRAIL_REDIS_PASSWORD)")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis logical database")

	fs.DurationVar(&c.CacheSweepInterval, "cache-sweep-interval", 5*time.Minute, "how often caches drop expired entries")
	fs.IntVar(&c.ProbeCacheSize, "probe-cache-size", 1000, "max entries in the probe summary cache")
	fs.DurationVar(&c.ProbeCacheTTL, "probe-cache-ttl", 15*time.Minute, "how long probe summaries stay fresh")
	fs.IntVar(&c.KVCacheSize, "kv-cache-size", 4096, "max entries in the shared kv cache")
	fs.DurationVar(&c.KVCacheDefaultTTL, "kv-cache-default-ttl", 5*time.Minute, "kv cache entry ttl when the caller does not pass one")
	fs.Int64Var(&c.KVCacheMaxValue, "kv-cache-max-value", 256<<10, "max kv cache value size in bytes")

	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", 10*time.Second, "per-probe fetch timeout")
	fs.Int64Var(&c.ProbeMaxBodyBytes, "probe-max-body-bytes", 2<<20, "max bytes read from a probed URL")
	fs.BoolVar(&c.ProbeAllowPrivate, "probe-allow-private", false, "allow probing private/loopback addresses (dev only)")

	fs.BoolVar(&c.EnableIPThrottle, "enable-ip-throttle", true, "Enable the per-client-IP request throttle")
	fs.Float64Var(&c.IPRatePerSecond, "ip-rate", 10, "sustained requests per second allowed per client IP")
	fs.IntVar(&c.IPBurst, "ip-burst", 20, "burst size allowed per client IP")
	fs.DurationVar(&c.IPVisitorTTL, "ip-visitor-ttl", 3*time.Minute, "how long an idle client IP keeps its bucket")
	fs.IntVar(&c.IPMaxClients, "ip-max-clients", 10000, "max tracked client IPs; requests beyond the cap are throttled")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 10 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_PROXY_HOPS %d (must be 0..10)", c.TrustedProxyHops))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be positive)", c.MaxBodyBytes))
	}
	if c.DrainSeconds < 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 0..300)", c.DrainSeconds))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme, tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Plan source
	if c.PlanSource != "" && !hasPlanScheme(c.PlanSource) {
		errs = append(errs, fmt.Errorf("PLAN_SOURCE must start with file://, ssm://, or s3:// (got %q)", c.PlanSource))
	}
	if c.EnablePlanUpdates && c.PlanSource != "" && c.PlanPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("PLAN_POLL_INTERVAL must be at least 1s (got %s)", c.PlanPollInterval))
	}

	// Limiter backend
	switch c.LimiterBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR required when LIMITER_BACKEND=redis"))
		} else if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LIMITER_BACKEND %q (must be memory|redis)", c.LimiterBackend))
	}
	if c.LimiterSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("LIMITER_SWEEP_INTERVAL must be positive (got %s)", c.LimiterSweepInterval))
	}
	if c.LimiterMaxEntries < 1 {
		errs = append(errs, fmt.Errorf("LIMITER_MAX_ENTRIES must be positive (got %d)", c.LimiterMaxEntries))
	}

	// Caches
	if c.CacheSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_SWEEP_INTERVAL must be positive (got %s)", c.CacheSweepInterval))
	}
	if c.ProbeCacheSize < 1 {
		errs = append(errs, fmt.Errorf("PROBE_CACHE_SIZE must be positive (got %d)", c.ProbeCacheSize))
	}
	if c.ProbeCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_CACHE_TTL must be positive (got %s)", c.ProbeCacheTTL))
	}
	if c.KVCacheSize < 1 {
		errs = append(errs, fmt.Errorf("KV_CACHE_SIZE must be positive (got %d)", c.KVCacheSize))
	}
	if c.KVCacheDefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("KV_CACHE_DEFAULT_TTL must be positive (got %s)", c.KVCacheDefaultTTL))
	}
	if c.KVCacheMaxValue < 1 || c.KVCacheMaxValue > c.MaxBodyBytes {
		errs = append(errs, fmt.Errorf("KV_CACHE_MAX_VALUE must be 1..MAX_BODY_BYTES (got %d)", c.KVCacheMaxValue))
	}

	// Probe
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_TIMEOUT must be positive (got %s)", c.ProbeTimeout))
	}
	if c.ProbeMaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("PROBE_MAX_BODY_BYTES must be positive (got %d)", c.ProbeMaxBodyBytes))
	}

	// IP throttle
	if c.EnableIPThrottle {
		if c.IPRatePerSecond <= 0 {
			errs = append(errs, fmt.Errorf("IP_RATE must be positive (got %.3f)", c.IPRatePerSecond))
		}
		if c.IPBurst < 1 {
			errs = append(errs, fmt.Errorf("IP_BURST must be positive (got %d)", c.IPBurst))
		}
		if c.IPVisitorTTL <= 0 {
			errs = append(errs, fmt.Errorf("IP_VISITOR_TTL must be positive (got %s)", c.IPVisitorTTL))
		}
		if c.IPMaxClients < 1 {
			errs = append(errs, fmt.Errorf("IP_MAX_CLIENTS must be positive (got %d)", c.IPMaxClients))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func hasPlanScheme(s string) bool {
	return strings.HasPrefix(s, "file://") ||
		strings.HasPrefix(s, "ssm://") ||
		strings.HasPrefix(s, "s3://")
}
