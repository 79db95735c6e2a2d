package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/courseloop/guardrail/internal/cache"
	"github.com/courseloop/guardrail/internal/cfg"
	"github.com/courseloop/guardrail/internal/gatehttp"
	"github.com/courseloop/guardrail/internal/health"
	"github.com/courseloop/guardrail/internal/httpmw"
	"github.com/courseloop/guardrail/internal/ipthrottle"
	"github.com/courseloop/guardrail/internal/opshttp"
	"github.com/courseloop/guardrail/internal/plan"
	"github.com/courseloop/guardrail/internal/ratelimit"
	"github.com/courseloop/guardrail/internal/urlinfo"

	"github.com/courseloop/guardrail/internal/httpserver"
	"github.com/courseloop/guardrail/internal/log"
	"github.com/courseloop/guardrail/internal/metrics"
	"github.com/courseloop/guardrail/internal/otelx"
	"github.com/courseloop/guardrail/internal/prof"
	v "github.com/courseloop/guardrail/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	// .env feeds the GUARDRAIL_* env fill below in development; absent in prod
	_ = godotenv.Load()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix GUARDRAIL_ and validate
	cfg.FillFromEnv(flag.CommandLine, "GUARDRAIL_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JSONFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildID,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"plan_source", conf.PlanSource,
		"enable_plan_updates", conf.EnablePlanUpdates,
		"plan_poll_interval", conf.PlanPollInterval.String(),
		"limiter_backend", conf.LimiterBackend,
		"limiter_fail_closed", conf.LimiterFailClosed,
		"enable_ip_throttle", conf.EnableIPThrottle,
		"trusted_proxy_hops", conf.TrustedProxyHops,
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildID,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// setup plan manager seeded with the built-in plan so the limiter can
	// answer before any source loads (or when none is configured)
	builtin := plan.Default()
	planMgr := plan.NewManager()
	planMgr.Set(plan.Snapshot{
		Plan: builtin,
		Meta: plan.Meta{
			Version: builtin.Version,
			Source:  plan.SourceBuiltin,
		},
	})
	L.Info(ctx, "seeded built-in limit plan", "plan_version", planMgr.PlanVersion())

	// setup plan loader when a source is configured. AWS clients are created
	// inside the loader and only for ssm/s3 sources; file sources need no
	// credentials.
	var planLoader *plan.Loader
	if conf.PlanSource != "" {
		planLoader, err = plan.NewLoader(ctx, plan.LoaderOptions{
			Logger:    L,
			SourceURI: conf.PlanSource,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create plan loader, plan updates will be disabled")
			planLoader = nil
		} else {
			if err := planLoader.LoadIntoManager(ctx, planMgr); err != nil {
				L.Error(ctx, err, "failed to load limit plan, falling back to built-in")
			} else {
				L.Info(ctx, "loaded limit plan",
					"plan_version", planMgr.PlanVersion(),
					"plan_hash", planMgr.PlanHash(),
					"plan_source", string(planMgr.Source()),
				)
			}
		}
	}
	m.SetPlanSource(string(planMgr.Source()))
	m.SetPlanInfo(planMgr.PlanVersion(), planMgr.PlanHash())
	if t := planMgr.LoadedAt(); !t.IsZero() {
		m.SetPlanLoadedTimestamp(t)
	}

	if planLoader != nil && conf.EnablePlanUpdates {
		// setup plan watcher to poll the source, validate and swap new plans into the manager
		watcher := plan.NewWatcher(plan.WatcherOptions{
			Logger:       L,
			Loader:       planLoader,
			Manager:      planMgr,
			PollInterval: conf.PlanPollInterval,
			Metrics:      m,
			OnSwap: func(version, hash string) {
				m.SetPlanInfo(version, hash)
				m.SetPlanSource(string(planLoader.Source()))
				m.SetPlanLoadedTimestamp(time.Now())
			},
		})
		// Run the watcher in a separate goroutine; it logs its own exit
		go func() { _ = watcher.Run(ctx) }()
	}

	// setup the window counter store for the rate limiter
	var store ratelimit.Store
	switch conf.LimiterBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// not fatal: the limiter fail policy decides request outcomes
			// while the backend is unreachable
			L.Warn(ctx, "redis ping failed", "redis_addr", conf.RedisAddr, "error", err)
		}
		store = ratelimit.NewRedisStore(rdb)
		L.Info(ctx, "rate limit counters in redis", "redis_addr", conf.RedisAddr, "redis_db", conf.RedisDB)
	default:
		store = ratelimit.NewMemoryStore(ctx,
			ratelimit.WithSweepInterval(conf.LimiterSweepInterval),
			ratelimit.WithMaxEntries(conf.LimiterMaxEntries),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitStoreCapacity()
				L.Warn(ctx, "rate limit store at capacity, rejecting new windows until entries expire")
			}),
		)
	}

	// Setup the rate limiter over the counter store and the live plan
	limiter := ratelimit.New(store, planMgr,
		ratelimit.WithFailClosed(conf.LimiterFailClosed),
		// denials are normal business outcomes, keep them out of warn logs
		ratelimit.WithOnDenied(func(operation, subject string, d ratelimit.Decision) {
			L.Debug(ctx, "rate limit denied",
				"operation", operation,
				"subject", subject,
				"retry_after_s", d.RetryAfter(time.Now()),
			)
		}),
		ratelimit.WithOnError(func(operation string, err error) {
			m.IncRateLimitBackendError()
			L.Error(ctx, err, "rate limit store error", "operation", operation)
		}),
	)

	// setup the probe summary cache and the shared kv cache
	probeCache := cache.New[urlinfo.Summary](ctx,
		cache.WithMaxSize[urlinfo.Summary](conf.ProbeCacheSize),
		cache.WithSweepInterval[urlinfo.Summary](conf.CacheSweepInterval),
		cache.WithOnEvict[urlinfo.Summary](func(key string, reason cache.EvictReason) {
			m.IncCacheEviction("probe", string(reason))
		}),
	)
	m.RegisterCacheStats("probe", probeCache.Stats)

	kvCache := cache.New[gatehttp.KVEntry](ctx,
		cache.WithMaxSize[gatehttp.KVEntry](conf.KVCacheSize),
		cache.WithDefaultTTL[gatehttp.KVEntry](conf.KVCacheDefaultTTL),
		cache.WithSweepInterval[gatehttp.KVEntry](conf.CacheSweepInterval),
		cache.WithOnEvict[gatehttp.KVEntry](func(key string, reason cache.EvictReason) {
			m.IncCacheEviction("kv", string(reason))
		}),
	)
	m.RegisterCacheStats("kv", kvCache.Stats)

	// setup the url prober used by the website audit endpoint
	prober := urlinfo.New(urlinfo.Options{
		Logger:       L,
		Timeout:      conf.ProbeTimeout,
		MaxBodyBytes: conf.ProbeMaxBodyBytes,
		AllowPrivate: conf.ProbeAllowPrivate,
	})

	// setup decision API
	api := gatehttp.NewAPI(gatehttp.Options{
		Logger:          L,
		Limiter:         limiter,
		Plans:           planMgr,
		Prober:          prober,
		ProbeCache:      probeCache,
		ProbeTTL:        conf.ProbeCacheTTL,
		KV:              kvCache,
		KVMaxValueBytes: conf.KVCacheMaxValue,
		Metrics:         m,
	})

	// Setup per-client-IP flood throttle wrapped around the whole listener.
	// Independent of the operation limits the API itself enforces.
	var throttleMW func(http.Handler) http.Handler
	if conf.EnableIPThrottle {
		throttle := ipthrottle.New(ctx,
			ipthrottle.WithRate(conf.IPRatePerSecond, conf.IPBurst),
			ipthrottle.WithTTL(conf.IPVisitorTTL),
			ipthrottle.WithMaxClients(conf.IPMaxClients),
			// increment prometheus counter on each throttled request
			ipthrottle.WithOnDenied(func(ip string) {
				m.IncIPThrottleDenied()
			}),
			// only log the first time an ip is throttled each time it is cleaned from the bucket
			ipthrottle.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "ip throttle triggered", "ip", ip)
			}),
			ipthrottle.WithOnCapacity(func() {
				m.IncIPThrottleCapacity()
				L.Warn(ctx, "ip throttle capacity reached, throttling new clients until some are evicted")
			}),
		)
		throttleMW = throttle.Middleware
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// setup readiness checks, both shutdown gate and plan readiness must pass.
	// checks that we have a plan loaded to answer decisions with
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			return planMgr.ReadyErr()
		}),
	)

	// start decision http server
	apiHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Logger:       L,
			Port:         conf.HTTPPort,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			ThrottleMW:   throttleMW,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    api.RegisterRoutes,
			PlanInfo:     planMgr,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
			MaxBodyBytes: conf.MaxBodyBytes,
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware to prevent
	// accidental exposure if sg is misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until ctrl+c / sigterm
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// allow in-flight requests to finish and for the load balancer to see
	// the failing readiness check before the listeners close
	if conf.DrainSeconds > 0 {
		L.Info(context.Background(), "draining", "drain_seconds", conf.DrainSeconds)
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(time.Duration(conf.DrainSeconds) * time.Second):
			L.Info(context.Background(), "drain period complete")
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
