package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiliza/disparo/internal/api"
	"github.com/mobiliza/disparo/internal/config"
	"github.com/mobiliza/disparo/internal/db"
	"github.com/mobiliza/disparo/internal/dispatch"
	"github.com/mobiliza/disparo/internal/gateway"
	"github.com/mobiliza/disparo/internal/metrics"
	"github.com/mobiliza/disparo/internal/schedule"
	"github.com/mobiliza/disparo/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch service",
	RunE:  runServe,
}

var configFile string

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/disparo/config.yaml", "Path to configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	// Setup logger
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.Logging.Level),
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.Logging.Level),
		})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Open stores
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	outbox, err := schedule.NewOutbox(cfg.Schedule.Path)
	if err != nil {
		return err
	}
	defer outbox.Close()

	recipients := store.NewRecipientStore(database.DB)
	events := store.NewEventStore(database.DB)
	templates := store.NewTemplateStore(database.DB)

	// Wire the dispatch pipeline
	m := metrics.New()
	client := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
	resolver := dispatch.NewResolver(recipients)
	issuer := dispatch.NewCodeIssuer(recipients)
	dispatcher := dispatch.NewDispatcher(client, issuer, recipients, dispatch.Config{
		MinDelay:             cfg.Dispatch.MinDelay,
		MaxDelay:             cfg.Dispatch.MaxDelay,
		LinkBaseURL:          cfg.Dispatch.LinkBaseURL,
		VerificationTemplate: cfg.Dispatch.VerificationTemplate,
	}, m, logger)
	runner := dispatch.NewRunner(resolver, events, dispatcher, m, logger)
	scheduler := dispatch.NewScheduler(resolver, events, outbox, cfg.Dispatch.LinkBaseURL, m, logger)

	// Log run progress as it happens
	go func() {
		for ev := range runner.Events() {
			logger.Debug("run progress",
				"run_id", ev.RunID,
				"status", ev.Status,
				"batch", ev.CurrentBatch,
				"batches", ev.TotalBatches,
				"sent", ev.SentCount,
				"failed", ev.FailedCount,
				"total", ev.TotalCount,
			)
		}
	}()

	srv := api.NewServer(runner, scheduler, outbox, recipients, templates, cfg, logger)

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: m.Handler(),
		}
		go func() {
			logger.Info("starting metrics server", "addr", cfg.Metrics.ListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
