package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/popular-posts/internal/config"
	"github.com/blackmichael/popular-posts/internal/domain"
	"github.com/blackmichael/popular-posts/internal/httpserver"
	"github.com/blackmichael/popular-posts/internal/metrics"
	"github.com/blackmichael/popular-posts/internal/storage"
	"github.com/blackmichael/popular-posts/internal/stream"
	"github.com/blackmichael/popular-posts/internal/twitter"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("connected to database", "driver", cfg.StoreDriver())

	fetcher, err := twitter.NewClient(cfg.TwitterAPIURL, twitter.Credentials{
		BearerToken:    cfg.TwitterBearerToken,
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
	}, cfg.FetchTimeout, logger)
	if err != nil {
		return fmt.Errorf("create search client: %w", err)
	}

	recorder := metrics.NewRecorder()
	hub := stream.NewHub(logger)
	defer hub.Close()

	reconciler := domain.NewReconciler(repo, domain.ReconcilerConfig{
		StoreTimeout:      cfg.StoreTimeout,
		UpdateConcurrency: cfg.UpdateConcurrency,
	}, logger)
	runner := domain.NewPassRunner(cfg.SearchQuery, fetcher, reconciler, cfg.FetchTimeout, logger, recorder, hub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Reconcile now and then on every interval
	scheduler := domain.NewScheduler(runner, cfg.PollInterval, logger)
	scheduler.Start(ctx)

	// Start the HTTP server
	leaderboard := domain.NewLeaderboardService(repo, logger)
	server := httpserver.NewServer(cfg.Port, leaderboard, httpserver.Options{
		Metrics: recorder.Handler(),
		Passes:  hub,
	}, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "query", cfg.SearchQuery, "interval", cfg.PollInterval)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
