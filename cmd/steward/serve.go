package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/stewardbot/steward/internal/app"
	"github.com/stewardbot/steward/internal/config"
	"github.com/stewardbot/steward/internal/observability"
	"github.com/stewardbot/steward/internal/ops"
	"github.com/stewardbot/steward/internal/planmode"
	anthropicrt "github.com/stewardbot/steward/internal/runtime/anthropic"
	"github.com/stewardbot/steward/internal/sessions"
	"github.com/stewardbot/steward/internal/stream"
	"github.com/stewardbot/steward/internal/transport/telegram"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Steward gateway",
		Long: `Start the Steward gateway with the configured Telegram transport and
agent runtime. Health and metrics endpoints are served over HTTP.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  steward serve

  # Start with custom config
  steward serve --config /etc/steward/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "steward.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	tracker := ops.NewTracker()
	arbiter := ops.NewArbiter()
	plans := planmode.NewMachine()

	adapter, err := telegram.New(telegram.Config{
		Token:     cfg.Telegram.BotToken,
		RateLimit: cfg.Telegram.RateLimit,
		RateBurst: cfg.Telegram.RateBurst,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	rt, err := anthropicrt.New(anthropicrt.Config{
		APIKey:    cfg.Anthropic.APIKey,
		BaseURL:   cfg.Anthropic.BaseURL,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}

	registry, err := sessions.NewRegistry(sessions.Config{
		Runtime:           rt,
		MaxPerUser:        cfg.Sessions.MaxPerUser,
		OnActiveDestroyed: plans.ForceOff,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	orch, err := stream.NewOrchestrator(stream.Config{
		Transport:          adapter,
		Tracker:            tracker,
		Arbiter:            arbiter,
		Metrics:            metrics,
		Logger:             logger,
		BaseTimeout:        cfg.Operations.BaseTimeout(),
		ExtensionIncrement: cfg.Operations.ExtensionIncrement(),
		HardCeiling:        cfg.Operations.HardCeiling(),
		ThresholdFraction:  cfg.Operations.ExtensionThreshold,
		ActivityWindow:     cfg.Operations.ActivityWindow(),
		HeartbeatWarn:      cfg.Operations.HeartbeatWarn(),
		HeartbeatUpdate:    cfg.Operations.HeartbeatUpdate(),
		ProbeInterval:      cfg.Operations.ProbeInterval(),
		ProgressInterval:   cfg.Operations.ProgressInterval(),
		ConfirmWait:        cfg.Operations.ConfirmWait(),
		BufferLimit:        cfg.Operations.BufferLimitBytes,
		ChunkSize:          cfg.Operations.ChunkSizeBytes,
	})
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	coordinator, err := app.New(app.Config{
		Transport:    adapter,
		Receiver:     adapter,
		Registry:     registry,
		Tracker:      tracker,
		Orchestrator: orch,
		PlanMode:     plans,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	httpSrv := buildHTTPServer(cfg.Server)
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("telegram start: %w", err)
	}

	logger.Info("steward started", "version", version)

	runErr := make(chan error, 1)
	go func() { runErr <- coordinator.Run(ctx) }()

	select {
	case err = <-httpErr:
		logger.Error("http server failed", "error", err)
		stop()
		<-runErr
	case err = <-runErr:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpSrv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown failed", "error", shutdownErr)
	}
	if destroyErr := registry.DestroyAll(shutdownCtx); destroyErr != nil {
		logger.Warn("session cleanup failed", "error", destroyErr)
	}
	return err
}

// buildHTTPServer serves /metrics and /healthz.
func buildHTTPServer(cfg config.ServerConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MetricsPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
