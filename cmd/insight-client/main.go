package main

// Package main is the entry point for the insight client runtime.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Build the session: local store, event bus, realtime transport,
//     stream aggregator, investigation orchestrator, notification bridge
//   - Optionally open the realtime connection for a conversation
//   - Optionally run one investigation from the command line
//   - Serve Prometheus metrics when enabled
//   - Implement graceful shutdown on SIGINT/SIGTERM

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/config"
	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/logging"
	"github.com/insightloop/insight-client/internal/rca"
	"github.com/insightloop/insight-client/internal/session"
	"github.com/insightloop/insight-client/internal/transport"
)

func main() {
	var (
		configPath     = flag.String("config", "insight-client.yaml", "path to the config file")
		conversationID = flag.String("conversation", "", "conversation to open on start")
		investigate    = flag.String("investigate", "", "problem description to investigate and exit")
		priority       = flag.String("priority", "", "investigation priority (low, medium, high, critical)")
	)
	flag.Parse()

	ctx := context.Background()

	manager := config.NewManager(*configPath)
	if err := manager.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := manager.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := manager.Get(ctx)

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Console:    cfg.Logging.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	sess, err := session.New(session.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Fatal("failed to build session", zap.Error(err))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Error("session close failed", zap.Error(err))
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.ListenAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// Log the connection lifecycle so an interactive run is observable.
	sess.Bus().Subscribe(events.Connected, func(events.Event) {
		logger.Info("realtime connection established")
	})
	sess.Bus().Subscribe(events.ReconnectFailed, func(ev events.Event) {
		failure := ev.Payload.(transport.ReconnectFailure)
		logger.Error("realtime connection lost for good",
			zap.Int("attempts", failure.Attempts))
	})
	sess.Bus().Subscribe(events.InvestigationProgress, func(ev events.Event) {
		update := ev.Payload.(rca.ProgressUpdate)
		logger.Info("investigation progress",
			zap.String("request_id", update.RequestID),
			zap.String("phase", update.Phase),
			zap.Float64("percent", update.ProgressPercentage))
	})

	if *conversationID != "" {
		if _, err := sess.OpenConversation(ctx, *conversationID); err != nil {
			logger.Fatal("failed to open conversation",
				zap.String("conversation_id", *conversationID),
				zap.Error(err))
		}
	}

	if *investigate != "" {
		result, err := sess.Investigate(ctx, rca.RequestInput{
			ProblemDescription: *investigate,
			Priority:           rca.Priority(*priority),
		})
		if err != nil {
			logger.Error("investigation failed", zap.Error(err))
			os.Exit(1)
		}
		fmt.Printf("Root cause: %s (confidence %.0f%%)\n", result.RootCause, result.Confidence*100)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
