package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfman30/clinic-voice-agent/cmd/mainconfig"
	"github.com/wolfman30/clinic-voice-agent/internal/api/router"
	"github.com/wolfman30/clinic-voice-agent/internal/booking"
	appconfig "github.com/wolfman30/clinic-voice-agent/internal/config"
	"github.com/wolfman30/clinic-voice-agent/internal/dialogue"
	"github.com/wolfman30/clinic-voice-agent/internal/events"
	"github.com/wolfman30/clinic-voice-agent/internal/llm"
	"github.com/wolfman30/clinic-voice-agent/internal/observability/metrics"
	"github.com/wolfman30/clinic-voice-agent/internal/session"
	"github.com/wolfman30/clinic-voice-agent/internal/voice"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting clinic voice agent",
		"env", cfg.Env,
		"port", cfg.Port,
		"llm_provider", cfg.LLMProvider,
	)

	ctx := context.Background()
	handler, manager, err := setup(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	// No WriteTimeout: voice sockets stay open for the whole call.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(handler, "clinic-voice-agent"),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Hijacked websockets are not tracked by Shutdown.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("sessions did not close cleanly", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// setup wires every component and returns the root handler.
func setup(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer) (http.Handler, *session.Manager, error) {
	voiceMetrics := metrics.NewVoiceMetrics(reg)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	client, err := llm.NewFromConfig(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, nil, err
	}

	gateway := booking.NewHTTPGateway(booking.HTTPGatewayConfig{
		BaseURL:   cfg.BookingAPIBaseURL,
		APIKey:    cfg.BookingAPIKey,
		KeyHeader: cfg.BookingAPIKeyHeader,
		Timeout:   cfg.BookingTimeout,
	}, logger, booking.WithLatencyObserver(voiceMetrics))

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if cfg.BookingEventsQueueURL != "" {
		publisher = events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.BookingEventsQueueURL, logger)
	}

	orch := dialogue.New(client, gateway, dialogue.Config{
		ClinicName:        cfg.ClinicName,
		AgentName:         cfg.AgentName,
		Location:          cfg.Location(),
		GenerationTimeout: cfg.GenerationTimeout,
		MaxTokens:         int32(cfg.LLMMaxTokens),
		Temperature:       aws.Float32(float32(cfg.LLMTemperature)),
		PromptTokenBudget: cfg.LLMPromptTokenBudget,
	}, logger, dialogue.WithPublisher(publisher), dialogue.WithRecorder(voiceMetrics))

	managerOpts := []session.ManagerOption{
		session.WithRecorder(voiceMetrics),
		session.WithReconnectGrace(cfg.ReconnectGrace),
	}
	if redisClient := mainconfig.BuildRedisClient(ctx, cfg, logger, true); redisClient != nil {
		managerOpts = append(managerOpts, session.WithRegistry(session.NewRedisRegistry(redisClient, cfg.ActiveCallTTL)))
		logger.Info("active-call registry enabled", "redis_addr", cfg.RedisAddr)
	}
	manager := session.NewManager(orch, logger, managerOpts...)

	gatherer, _ := reg.(prometheus.Gatherer)
	handler := router.New(&router.Config{
		Logger:         logger,
		Sessions:       manager,
		VoiceHandler:   voice.NewHandler(manager, logger),
		MetricsHandler: metricsHandler(gatherer),
		Gatherer:       gatherer,
		OpsJWTSecret:   cfg.OpsJWTSecret,
	})
	return handler, manager, nil
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
