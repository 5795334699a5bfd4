// Alphapipe ingests raw security alerts, normalizes them into a canonical
// schema and routes them through scoring and escalation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratumsec/alphapipe/internal/agents"
	"github.com/stratumsec/alphapipe/internal/alertapi"
	"github.com/stratumsec/alphapipe/internal/analytics"
	"github.com/stratumsec/alphapipe/internal/authmw"
	ac "github.com/stratumsec/alphapipe/internal/cfg"
	"github.com/stratumsec/alphapipe/internal/dedup"
	"github.com/stratumsec/alphapipe/internal/escalate"
	"github.com/stratumsec/alphapipe/internal/ingest"
	"github.com/stratumsec/alphapipe/internal/ingest/memstore"
	"github.com/stratumsec/alphapipe/internal/ingest/pgstore"
	"github.com/stratumsec/alphapipe/internal/normalize"
	"github.com/stratumsec/alphapipe/internal/notify/webhook"
	"github.com/stratumsec/alphapipe/internal/pipeline"
	"github.com/stratumsec/alphapipe/internal/postgres"
	"github.com/stratumsec/alphapipe/internal/schema"
	"github.com/stratumsec/alphapipe/internal/scorer"
)

const appName = "alphapipe"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ac.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix ALPHAPIPE_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "ALPHAPIPE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"scorer_url", appCfg.ScorerURL,
		"supervisor_url", appCfg.SupervisorURL,
		"clickhouse_url", appCfg.ClickHouseURL,
		"batch_size", appCfg.BatchSize,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Initialize the intake queue
	var queue ingest.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		queue = pgStore
		L.Info(ctx, "using postgres intake queue")
	} else {
		queue = memstore.New()
		L.Info(ctx, "using in-memory intake queue (no database-url configured)")
	}

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alphapipe_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Escalation dedup set: Redis when configured, process-local otherwise
	var seen dedup.TTLSet
	if appCfg.RedisAddr != "" {
		rds, err := dedup.NewRedis(ctx, appCfg.RedisAddr, appName)
		if err != nil {
			return fmt.Errorf("redis dedup: %w", err)
		}
		defer func() { _ = rds.Close() }()
		seen = rds
		L.Info(ctx, "using redis dedup set", "addr", appCfg.RedisAddr)
	} else {
		seen = dedup.NewMemory()
		L.Info(ctx, "using in-memory dedup set (no redis-addr configured)")
	}

	// Analytics store with file-backed DLQ, or discard when not configured
	var (
		canonicalSink pipeline.CanonicalSink
		wideSink      escalate.Persister
		drainer       *analytics.Drainer
	)
	if appCfg.ClickHouseURL != "" {
		dlq := analytics.NewDLQ(appCfg.DLQPath)
		writer := analytics.NewWriter(analytics.Config{
			URL:            appCfg.ClickHouseURL,
			Database:       appCfg.ClickHouseDatabase,
			User:           appCfg.ClickHouseUser,
			Password:       appCfg.ClickHousePassword,
			CanonicalTable: appCfg.CanonicalTable,
			WideTable:      appCfg.WideTable,
		}, dlq, L)
		drainer = analytics.NewDrainer(analytics.DrainConfig{
			Interval:    time.Duration(appCfg.DrainIntervalSec) * time.Second,
			MaxAttempts: appCfg.DrainMaxAttempts,
		}, dlq, writer, L)
		canonicalSink, wideSink = writer, writer
		L.Info(ctx, "analytics enabled", "database", appCfg.ClickHouseDatabase, "dlq_path", appCfg.DLQPath)
	} else {
		canonicalSink, wideSink = discardSink{}, discardSink{}
		L.Warn(ctx, "analytics disabled (no clickhouse-url configured), rows are discarded")
	}

	// Scoring client
	score := scorer.New(scorer.Config{
		URL:            appCfg.ScorerURL,
		Concurrency:    appCfg.ScorerConcurrency,
		Retries:        appCfg.ScorerRetries,
		Backoff:        time.Duration(appCfg.ScorerBackoffMS) * time.Millisecond,
		Timeout:        time.Duration(appCfg.ScorerTimeoutSec) * time.Second,
		IncludeScalars: appCfg.IncludeScalars,
	}, L)

	// Escalation engine over the agent fleet
	agentClient := agents.New(agents.Config{
		SupervisorURL:  appCfg.SupervisorURL,
		GraphURL:       appCfg.GraphURL,
		SummaryURL:     appCfg.SummaryURL,
		InvestigateURL: appCfg.InvestigateURL,
		Timeout:        time.Duration(appCfg.AgentTimeoutSec) * time.Second,
	})
	engine := escalate.NewEngine(escalate.Config{
		Source:   appCfg.SourceLabel,
		DedupTTL: time.Duration(appCfg.DedupTTLHours) * time.Hour,
	}, agentClient, seen, wideSink, L)

	// Normalizer and the in-process record repo backing the lookup API
	normalizer := normalize.New(normalize.Config{
		MaxDepth:      appCfg.MaxDepth,
		LowConfidence: appCfg.LowConfidence,
		ObservableCap: appCfg.ObservableCap,
	})
	repo := normalize.NewRepo()

	// Review notifier for low-quality normalizations
	var reviewer pipeline.Reviewer
	if appCfg.ReviewWebhookURL != "" {
		reviewer = webhook.New(appCfg.ReviewWebhookURL)
		L.Info(ctx, "review notifier enabled")
	}

	// Pipeline worker
	pipeMetrics := pipeline.NewMetrics(m.Registry())
	worker := pipeline.NewWorker(pipeline.Config{
		PollInterval: time.Duration(appCfg.PollIntervalSec) * time.Second,
		BatchSize:    appCfg.BatchSize,
		LeaseWindow:  time.Duration(appCfg.LeaseWindowSec) * time.Second,
	}, queue, normalizer, repo, canonicalSink, score, engine, reviewer, pipeMetrics, L)

	// Worker and drainer run for the life of the process; workerCtx lets
	// shutdown stop them before the HTTP listeners close.
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go worker.Run(workerCtx)
	if drainer != nil {
		go drainer.Run(workerCtx)
	}

	// Queue composition gauges, refreshed off the request path
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alphapipe_ingest_queue_records",
		Help: "Intake queue records by lifecycle state.",
	}, []string{"status"})
	m.Registry().MustRegister(queueDepth)
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				s, err := queue.Stats(workerCtx)
				if err != nil {
					continue
				}
				queueDepth.WithLabelValues("pending").Set(float64(s.Pending))
				queueDepth.WithLabelValues("leased").Set(float64(s.Leased))
				queueDepth.WithLabelValues("processed").Set(float64(s.Processed))
				queueDepth.WithLabelValues("failed").Set(float64(s.Failed))
			}
		}
	}()

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size; raw EDR alerts run large so the cap is generous
	r.Use(httpmw.MaxBody(8 << 20))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes, behind bearer auth when a token is configured
	api := alertapi.New(L, queue, repo)
	r.Group(func(r chi.Router) {
		if appCfg.APIToken != "" {
			r.Use(authmw.BearerToken(appCfg.APIToken))
		}
		api.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start intake HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Stop the worker first so in-flight leases are released for the next
	// process to pick up, then wait out the LB drain period.
	stopWorker()

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// discardSink stands in for the analytics writer when ClickHouse is not
// configured.
type discardSink struct{}

func (discardSink) PersistCanonical(context.Context, *schema.CanonicalRecord) error { return nil }
func (discardSink) PersistWideRow(context.Context, *schema.WideScoreRow) error      { return nil }

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
