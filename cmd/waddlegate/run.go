package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/accounting"
	"github.com/waddleai/waddlegate/internal/app"
	"github.com/waddleai/waddlegate/internal/auth"
	"github.com/waddleai/waddlegate/internal/cache"
	"github.com/waddleai/waddlegate/internal/cloudauth"
	"github.com/waddleai/waddlegate/internal/config"
	"github.com/waddleai/waddlegate/internal/provider"
	"github.com/waddleai/waddlegate/internal/provider/anthropic"
	"github.com/waddleai/waddlegate/internal/provider/ollama"
	"github.com/waddleai/waddlegate/internal/provider/openai"
	"github.com/waddleai/waddlegate/internal/ratelimit"
	"github.com/waddleai/waddlegate/internal/router"
	"github.com/waddleai/waddlegate/internal/security"
	"github.com/waddleai/waddlegate/internal/server"
	"github.com/waddleai/waddlegate/internal/storage/sqlite"
	"github.com/waddleai/waddlegate/internal/telemetry"
	"github.com/waddleai/waddlegate/internal/tokencount"
	"github.com/waddleai/waddlegate/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting waddlegate", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}
	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("credential key empty, skipped", "name", k.Name)
			continue
		}
		slog.Info("credential seeded", "name", k.Name, "principal", k.PrincipalID)
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Register providers
	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		id := p.ResolvedID()
		var prov gateway.Provider
		switch p.ResolvedType() {
		case "openai":
			prov = openai.New(p.ResolvedAPIKey(), p.BaseURL, dnsResolver)
		case "ollama":
			prov = ollama.New(p.ResolvedAPIKey(), p.BaseURL, dnsResolver)
		case "anthropic":
			client, err := buildAnthropicClient(ctx, p, dnsResolver)
			if err != nil {
				return fmt.Errorf("provider %q: %w", id, err)
			}
			if p.ResolvedHosting() == "gcp_vertex" {
				prov = anthropic.NewWithHosting(id, p.BaseURL, client, "vertex", p.Region, p.Project)
			} else {
				prov = anthropic.New(id, p.BaseURL, client)
			}
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
			continue
		}
		_, hasNative := prov.(gateway.NativeProxy)
		reg.Register(id, prov)
		slog.Info("provider registered",
			"id", id,
			"type", p.ResolvedType(),
			"hosting", p.ResolvedHosting(),
			"auth", p.ResolvedAuthType(),
			"native_proxy", hasNative,
		)
	}

	for _, r := range cfg.Routes {
		targets := make([]string, len(r.Targets))
		for i, t := range r.Targets {
			targets[i] = t.ProviderLinkID + "/" + t.Model
		}
		slog.Info("route configured", "alias", r.ModelAlias, "targets", targets)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Wire auth: signed session tokens (password login) plus opaque
	// "wa-" credentials, both resolved through a shared cache.
	sessions := auth.NewSessionIssuer(cfg.Security.SigningSecret)
	resolver, err := auth.NewResolver(store, store, sessions)
	if err != nil {
		return fmt.Errorf("auth resolver: %w", err)
	}
	passwordLogin := auth.NewPasswordLogin(store, sessions)
	credentialIssuer := app.NewCredentialIssuer(store)

	// Routing: load-tracking selector consulted per request, falling back to
	// the configured default policy when a model has no explicit route.
	tracker := router.NewTracker()
	rateLookup := func(kind gateway.ProviderKind, model string) (gateway.ConversionRate, bool) {
		rate, err := store.GetRate(ctx, kind, model)
		if err != nil || rate == nil {
			return gateway.ConversionRate{}, false
		}
		return *rate, true
	}
	selector := router.NewSelector(tracker, rateLookup)
	defaultPolicy := router.ParsePolicy(cfg.RateLimits.DefaultRouting)

	// Accounting: quota admission and usage-to-cost conversion. Optional --
	// the server treats a nil Accountant as "admit everything, record nothing".
	accountant := accounting.New(store, store, store)

	// Prompt-injection / PII scanner.
	scanner := security.NewScanner(cfg.Security.Policy)
	slog.Info("security scanner configured", "policy", scanner.PolicyName())

	// Usage recorder (async batch flush to DB).
	usageRecorder := worker.NewUsageRecorder(store)

	// Rate limiter.
	rateLimiter := ratelimit.NewRegistry()
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_tpm", cfg.RateLimits.DefaultTPM,
		"default_routing", cfg.RateLimits.DefaultRouting,
	)

	// Token counter.
	tokenCounter := tokencount.NewCounter()

	// Response cache.
	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"default_ttl", cfg.Cache.DefaultTTL,
		)
	}

	// Workers: usage flush, usage-to-daily/monthly rollup, and periodic
	// quota_cache GC. Admission itself is synchronous (accounting.Admission),
	// so there is no in-memory quota tracker to keep warm here.
	workers := []worker.Worker{
		usageRecorder,
		worker.NewUsageRollupWorker(store, store),
		worker.NewQuotaGCWorker(store),
	}
	runner := worker.NewRunner(workers...)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("waddlegate/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:             resolver,
		Store:            store,
		Providers:        reg,
		Tracker:          tracker,
		Selector:         selector,
		Accountant:       accountant,
		Scanner:          scanner,
		CredentialIssuer: credentialIssuer,
		PasswordLogin:    passwordLogin,
		CredentialAuth:   resolver,
		ReadyCheck:       store.Ping,
		Usage:            usageRecorder,
		RateLimiter:      rateLimiter,
		TokenCounter:     tokenCounter,
		Cache:            responseCache,
		DefaultRPM:       cfg.RateLimits.DefaultRPM,
		DefaultTPM:       cfg.RateLimits.DefaultTPM,
		DefaultPolicy:    defaultPolicy,
		MaxInFlight:      cfg.Security.MaxInFlight,
		Metrics:          metrics,
		MetricsHandler:   metricsHandler,
		Tracer:           tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"GET  /v1/models",
		},
	)
	slog.Info("waddlegate ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers and wait for drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("waddlegate stopped")
	return nil
}

// buildAnthropicClient assembles an *http.Client with the auth transport
// chain for an Anthropic provider entry. Unlike the OpenAI and Ollama
// clients, which accept an API key directly and manage their own transport,
// the Anthropic client has no notion of an API key -- it relies entirely on
// the injected transport to set the auth header, so Vertex-hosted OAuth and
// plain x-api-key auth are both handled here.
func buildAnthropicClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver) (*http.Client, error) {
	base := provider.NewTransport(resolver, true)

	var transport http.RoundTripper = base
	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "api_key":
		if apiKey := p.ResolvedAPIKey(); apiKey != "" {
			transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: "x-api-key",
				Base:       base,
			}
		}
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", p.ResolvedAuthType())
	}

	client := &http.Client{Transport: transport}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}
