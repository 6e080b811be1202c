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

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/cache"
	"github.com/codepromptu/codepromptu/internal/capture"
	"github.com/codepromptu/codepromptu/internal/circuitbreaker"
	"github.com/codepromptu/codepromptu/internal/config"
	"github.com/codepromptu/codepromptu/internal/conversation"
	"github.com/codepromptu/codepromptu/internal/embedding"
	"github.com/codepromptu/codepromptu/internal/prompt"
	"github.com/codepromptu/codepromptu/internal/provider"
	"github.com/codepromptu/codepromptu/internal/server"
	"github.com/codepromptu/codepromptu/internal/similarity"
	"github.com/codepromptu/codepromptu/internal/storage/sqlite"
	"github.com/codepromptu/codepromptu/internal/telemetry"
	"github.com/codepromptu/codepromptu/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting codepromptu", "version", version, "addr", cfg.Server.Addr)

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

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	// Shared DNS cache for the single egress client the gateway uses to
	// forward to every provider (the client's own credential rides the
	// request, so there is no per-provider auth transport to build).
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()
	proxyClient := &http.Client{Transport: provider.NewTransport(dnsResolver, true)}

	baseURLOverrides := provider.BaseURLOverrides{}
	for name, target := range cfg.Gateway.Providers {
		p, ok := providerFromConfigKey(name)
		if !ok {
			slog.Warn("provider override skipped (unknown name)", "name", name)
			continue
		}
		if target.BaseURL != "" {
			baseURLOverrides[p] = target.BaseURL
		}
	}

	embedBackend, err := buildEmbedBackend(cfg.Embedding, proxyClient)
	if err != nil {
		return fmt.Errorf("embedding backend: %w", err)
	}
	embedSvc := embedding.NewService(embedBackend, embedding.WithMaxEmbedChars(cfg.Embedding.MaxEmbedChars))
	slog.Info("embedding backend configured", "backend", cfg.Embedding.Backend)

	// Prometheus metrics (built early: both the prompt cache and the capture
	// pipeline increment its counters unconditionally).
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	} else {
		metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}

	promptOpts := []prompt.Option{
		prompt.WithEmbedTimeout(cfg.Gateway.CaptureTimeout),
		prompt.WithCacheMetrics(metrics),
	}
	if cfg.Cache.Enabled {
		getCache, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("prompt get cache: %w", err)
		}
		promptOpts = append(promptOpts, prompt.WithGetCache(getCache, cfg.Cache.TTL))
		slog.Info("prompt get cache enabled", "max_size", cfg.Cache.MaxSize, "ttl", cfg.Cache.TTL)
	}
	promptSvc := prompt.NewService(store, store, embedSvc, promptOpts...)

	similarityEngine := similarity.NewEngine(store, embedSvc,
		similarity.WithThresholds(cfg.Similarity.SameThreshold, cfg.Similarity.ForkThreshold),
		similarity.WithMinIndexRows(cfg.Similarity.MinIndexRows),
	)
	slog.Info("similarity engine configured",
		"same_threshold", cfg.Similarity.SameThreshold,
		"fork_threshold", cfg.Similarity.ForkThreshold,
		"min_index_rows", cfg.Similarity.MinIndexRows,
	)

	correlator, err := conversation.NewCorrelator(store, cfg.Conversation.SessionIdleTimeout)
	if err != nil {
		return fmt.Errorf("conversation correlator: %w", err)
	}
	slog.Info("conversation correlator configured", "idle_timeout", cfg.Conversation.SessionIdleTimeout)

	pipeline := capture.NewPipeline(store, correlator, metrics, cfg.Gateway.FallbackCapacity,
		capture.WithPrimaryTimeout(cfg.Gateway.CaptureTimeout))
	slog.Info("capture pipeline configured",
		"fallback_capacity", cfg.Gateway.FallbackCapacity,
		"capture_timeout", cfg.Gateway.CaptureTimeout,
	)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	// Background workers: fallback-queue drain (C3/C9) and idle-session
	// sweep (C8).
	drainWorker := worker.NewDrainWorker(pipeline, cfg.Gateway.DrainInterval)
	sweepWorker := worker.NewSessionSweepWorker(correlator, 0)
	runner := worker.NewRunner(drainWorker, sweepWorker)

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
			tracer = telemetry.Tracer("codepromptu/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Prompts:           promptSvc,
		Similarity:        similarityEngine,
		Correlator:        correlator,
		Store:             store,
		Pipeline:          pipeline,
		Breakers:          breakers,
		ProxyClient:       proxyClient,
		BaseURLOverrides:  baseURLOverrides,
		MaxCaptureBytes:   cfg.Gateway.MaxCaptureBytes,
		ChatTimeout:       cfg.Gateway.ChatTimeout,
		EmbeddingsTimeout: cfg.Gateway.EmbeddingsTimeout,
		Metrics:           metrics,
		MetricsHandler:    metricsHandler,
		Tracer:            tracer,
		ReadyCheck:        store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("proxied LLM interface enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/completions",
			"POST /v1/embeddings",
			"POST /v1/messages",
			"POST /v1/complete",
			"POST /v1beta/models/{model}",
		},
	)
	slog.Info("codepromptu ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers, so in-flight proxied requests finish
	// submitting their capture before the drain/sweep loops stop.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("codepromptu stopped")
	return nil
}

// providerFromConfigKey maps a config.GatewayConfig.Providers key to the
// Provider Detector's own provider identifier.
func providerFromConfigKey(name string) (codepromptu.Provider, bool) {
	switch strings.ToLower(name) {
	case "openai":
		return codepromptu.ProviderOpenAI, true
	case "anthropic":
		return codepromptu.ProviderAnthropic, true
	case "google_ai", "googleai", "google":
		return codepromptu.ProviderGoogleAI, true
	default:
		return "", false
	}
}

// buildEmbedBackend selects the Embedding Service's backend per config:
// "stub" for a deterministic hash-derived vector (the default, and the only
// option that needs no external credential) or "http" for a live
// OpenAI-compatible embeddings endpoint.
func buildEmbedBackend(cfg config.EmbeddingConfig, client *http.Client) (embedding.Backend, error) {
	switch cfg.Backend {
	case "", "stub":
		return embedding.StubBackend{}, nil
	case "http":
		apiKeyEnv := cfg.APIKeyEnv
		if apiKeyEnv == "" {
			apiKeyEnv = "EMBEDDING_API_KEY"
		}
		apiKey := os.Getenv(apiKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("embedding backend %q: %s is not set", cfg.Backend, apiKeyEnv)
		}
		return embedding.NewHTTPBackend(client, "https://api.openai.com", "text-embedding-3-small", apiKey), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}
