package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/streaming-asr-service/internal/asr"
	"github.com/skypro1111/streaming-asr-service/internal/config"
	"github.com/skypro1111/streaming-asr-service/internal/metrics"
	"github.com/skypro1111/streaming-asr-service/internal/server"
	"github.com/skypro1111/streaming-asr-service/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "streaming-asr-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("silence_threshold", cfg.Endpointing.SilenceThreshold),
		slog.String("default_language", cfg.Session.DefaultLanguage),
		slog.String("engine_endpoint", cfg.Engine.Endpoint),
		slog.Int("engine_max_concurrent", cfg.Engine.MaxConcurrent),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize the inference engine
	engine, err := asr.NewHTTPEngine(asr.HTTPConfig{
		Endpoint:   cfg.Engine.Endpoint,
		APIKey:     cfg.Engine.APIKey,
		Timeout:    cfg.Engine.GetTimeoutDuration(),
		MaxRetries: cfg.Engine.MaxRetries,
		Model:      cfg.Engine.Model,
		SampleRate: cfg.Audio.SampleRate,
	}, appMetrics)
	if err != nil {
		logger.Error("Failed to create inference engine", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Inference engine initialized",
		slog.String("engine", engine.Name()),
		slog.String("endpoint", cfg.Engine.Endpoint),
	)

	// Initialize session manager
	sessionMgr, err := session.NewManager(cfg, engine, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session manager initialized",
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Duration("idle_grace_period", cfg.Server.GetIdleGracePeriod()),
	)

	// Initialize and start the combined WebSocket/HTTP server
	srv := server.NewServer(cfg, logger, sessionMgr, appMetrics)
	if err := srv.Start(); err != nil {
		logger.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop accepting new connections first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping server", slog.String("error", err.Error()))
	}

	// Close remaining sessions and stop background routines
	sessionMgr.Stop()

	// Final engine statistics
	stats := engine.Stats()
	logger.Info("Final engine statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("successful_requests", stats.SuccessRequests),
		slog.Float64("success_rate", stats.SuccessRate),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
