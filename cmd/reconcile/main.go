package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/blackmichael/popular-posts/internal/config"
	"github.com/blackmichael/popular-posts/internal/domain"
	"github.com/blackmichael/popular-posts/internal/storage"
	"github.com/blackmichael/popular-posts/internal/twitter"
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	query  string
	dryRun bool
}

// parseFlags runs before any configuration is loaded so that -h works without
// credentials in the environment.
func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.StringVar(&opts.query, "query", "", "Search query to reconcile (defaults to SEARCH_QUERY)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Classify fetched posts without writing to the store")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	query := opts.query
	if query == "" {
		query = cfg.SearchQuery
	}
	dryRun := opts.dryRun

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()

	fetcher, err := twitter.NewClient(cfg.TwitterAPIURL, twitter.Credentials{
		BearerToken:    cfg.TwitterBearerToken,
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
	}, cfg.FetchTimeout, logger)
	if err != nil {
		return fmt.Errorf("create search client: %w", err)
	}

	reconciler := domain.NewReconciler(repo, domain.ReconcilerConfig{
		StoreTimeout:      cfg.StoreTimeout,
		UpdateConcurrency: cfg.UpdateConcurrency,
	}, logger)
	runner := domain.NewPassRunner(query, fetcher, reconciler, cfg.FetchTimeout, logger)

	if dryRun {
		fmt.Printf("Classifying results for %q...\n", query)
		plan, err := runner.Plan(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("new=%d changed=%d unchanged=%d duplicates=%d\n",
			len(plan.New), len(plan.Changed), plan.Unchanged, plan.Duplicates)
		return nil
	}

	fmt.Printf("Reconciling results for %q...\n", query)
	result := runner.RunPass(ctx)
	domain.LogPassResult(logger, result)
	fmt.Printf("fetched=%d inserted=%d updated=%d unchanged=%d duplicates=%d\n",
		result.Fetched, result.Report.Inserted, result.Report.Updated, result.Report.Unchanged, result.Report.Duplicates)

	return result.Err
}
