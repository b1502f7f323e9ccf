package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bookline-ai/voice-bridge/internal/config"
	"github.com/bookline-ai/voice-bridge/internal/observability"
	"github.com/bookline-ai/voice-bridge/internal/recorder"
	"github.com/bookline-ai/voice-bridge/internal/resilience"
	"github.com/bookline-ai/voice-bridge/internal/session"
	"github.com/bookline-ai/voice-bridge/internal/tenant"
	"github.com/bookline-ai/voice-bridge/internal/tools"
	"github.com/bookline-ai/voice-bridge/internal/upstream"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("upstream_url", cfg.UpstreamURL).
		Str("supervision_mode", cfg.SupervisionMode).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Bridge Service starting")

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	// Tenant configuration resolver
	tenantStore := tenant.NewHTTPStore(cfg.TenantStoreURL)
	tenantBreaker := resilience.NewCircuitBreaker("tenant-store", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	resolver := tenant.NewResolver(tenantStore, cfg.TenantCacheTTLDuration(), cfg.DefaultTenantID, retryCfg, tenantBreaker, logger)

	// Conversation persistence: Postgres when configured, in-memory otherwise
	var convStore recorder.Store
	var pg *recorder.PostgresStore
	if cfg.DatabaseURL != "" {
		pg, err = recorder.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to conversation store")
		}
		defer pg.Close()
		convStore = pg
		logger.Info().Msg("Conversation persistence: postgres")
	} else {
		convStore = recorder.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, conversation records are in-memory only")
	}
	rec := recorder.New(convStore, logger)

	// Tool execution layer
	toolBreaker := resilience.NewCircuitBreaker("tool-backend", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	toolBackend := tools.NewHTTPBackend(cfg.ToolBackendURL, toolBreaker, retryCfg, logger)
	toolRegistry := tools.NewRegistry()
	executor := tools.NewExecutor(toolRegistry, toolBackend, rec,
		cfg.ToolSoftTimeoutDuration(), cfg.ToolHardTimeoutDuration(), logger)

	// Delegated supervision gets a reasoning model behind a single tool
	var supervisor *tools.Supervisor
	if cfg.SupervisionMode == config.SupervisionDelegated {
		reasoner, err := tools.NewGeminiReasoner(cfg.SupervisorAPIKey, cfg.SupervisorModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create supervisor reasoner")
		}
		supervisor = tools.NewSupervisor(reasoner, toolRegistry, executor, logger)
		logger.Info().Str("model", cfg.SupervisorModel).Msg("Delegated supervision enabled")
	}

	// Upstream speech service dialer
	dialer := upstream.NewDialer(cfg.UpstreamURL, cfg.UpstreamAPIKey, logger)
	dial := func(ctx context.Context, sc *upstream.SessionConfig) (upstream.Leg, error) {
		return dialer.Dial(ctx, sc)
	}

	registry := session.NewRegistry()
	deps := session.Deps{
		Resolver:   resolver,
		Dial:       dial,
		Registry:   registry,
		Recorder:   rec,
		Executor:   executor,
		Tools:      toolRegistry,
		Supervisor: supervisor,
		Logger:     logger,
		Options: session.Options{
			DefaultModel:      cfg.UpstreamModel,
			DefaultVoice:      cfg.UpstreamVoice,
			QueueCapacity:     cfg.AudioQueueCapacity,
			KeepAliveInterval: cfg.KeepAliveIntervalDuration(),
			TranscriptTail:    cfg.TranscriptTail,
			Delegated:         cfg.SupervisionMode == config.SupervisionDelegated,
		},
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Telephony WebSocket handler: one session per inbound call
	mux.Handle("/streams/telephony", session.NewHandler(deps))

	// Out-of-band text input channel
	mux.HandleFunc("/calls/text-input", session.TextInputHandler(registry, logger))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness: probe the collaborators a call cannot start without
	checks := map[string]observability.HealthCheckFunc{
		"tenant_store": tenantStore.Ping,
	}
	if pg != nil {
		checks["conversation_store"] = pg.Ping
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. No WriteTimeout: the telephony
	// WebSocket connections live for the duration of a phone call.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/telephony", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Stop accepting new calls, then drain the active ones
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	drainSessions(registry, logger)

	logger.Info().Msg("Server exited gracefully")
}

// drainSessions closes the telephony leg of every active session and waits,
// bounded, for them to tear down and flush their recorders.
func drainSessions(registry *session.Registry, logger zerolog.Logger) {
	active := registry.All()
	if len(active) == 0 {
		return
	}
	logger.Info().Int("sessions", len(active)).Msg("Closing active sessions")
	for _, s := range active {
		s.Shutdown()
	}

	deadline := time.Now().Add(10 * time.Second)
	for registry.Len() > 0 {
		if time.Now().After(deadline) {
			logger.Warn().Int("sessions", registry.Len()).Msg("Sessions still open at shutdown deadline")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
