package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medbridge/voice-bridge/internal/ai"
	"github.com/medbridge/voice-bridge/internal/config"
	"github.com/medbridge/voice-bridge/internal/observability"
	"github.com/medbridge/voice-bridge/internal/orchestrator"
	"github.com/medbridge/voice-bridge/internal/resilience"
	"github.com/medbridge/voice-bridge/internal/telephony"
	"github.com/medbridge/voice-bridge/internal/tokenstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		Str("live_model", cfg.LiveModel).
		Str("live_voice", cfg.LiveVoice).
		Bool("vertex_backend", cfg.UseVertex()).
		Bool("telephony_configured", cfg.TelephonyConfigured()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Bridge Service starting")

	// Shared state: the token store is the only cross-call mutable
	// resource. Everything else is constructed per call.
	tokens := tokenstore.New(tokenstore.WithTTL(cfg.InstructionTokenTTL))

	backend := ai.BackendConfig{
		APIKey:   cfg.GeminiAPIKey,
		Project:  cfg.GCPProject,
		Location: cfg.GCPRegion,
	}

	// One live session per call, configured with that call's resolved
	// voice and system instruction.
	sessionFactory := func(voice, systemInstruction string) telephony.LiveSession {
		return ai.NewSession(ai.SessionConfig{
			Model:             cfg.LiveModel,
			Voice:             voice,
			SystemInstruction: systemInstruction,
		}, backend, observability.GetLogger())
	}

	twilioBreaker := resilience.NewCircuitBreaker(
		"twilio",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	twilioClient := telephony.NewClient(
		cfg.TwilioAccountSID,
		cfg.TwilioAuthToken,
		cfg.TwilioNumber,
		logger,
		telephony.WithBreaker(twilioBreaker),
	)
	orch := orchestrator.New(twilioClient, tokens, cfg, logger)

	// Create HTTP server
	mux := http.NewServeMux()

	// Call control REST endpoints (POST /call, GET|POST /twiml, ...)
	orchestrator.NewHandler(orch).Register(mux)

	// Twilio Media Streams WebSocket handler
	mux.HandleFunc("/twilio-stream", telephony.HandleMediaStream(cfg, tokens, sessionFactory))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness checks: configuration-level only, no billable API calls
	readyChecks := map[string]observability.HealthCheckFunc{
		"live_backend": func(ctx context.Context) (bool, error) {
			if cfg.GeminiAPIKey == "" && cfg.GCPProject == "" {
				return false, fmt.Errorf("no live AI backend configured")
			}
			return true, nil
		},
		"telephony": func(ctx context.Context) (bool, error) {
			// Inbound streaming works without credentials; report the
			// state without failing readiness.
			return true, nil
		},
		"token_store": func(ctx context.Context) (bool, error) {
			return tokens != nil, nil
		},
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(readyChecks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/twilio-stream", cfg.Port)).
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

	// Graceful shutdown with timeout; in-flight calls get a chance to
	// finish their cleanup sequence.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
