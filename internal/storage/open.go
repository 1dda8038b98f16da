// Package storage selects the post repository implementation from config.
package storage

import (
	"context"
	"fmt"

	"github.com/blackmichael/popular-posts/internal/config"
	"github.com/blackmichael/popular-posts/internal/domain"
	"github.com/blackmichael/popular-posts/internal/postgres"
	"github.com/blackmichael/popular-posts/internal/sqlite"
)

// Open connects to the store DATABASE_URL points at.
func Open(ctx context.Context, cfg *config.Config) (domain.PostRepository, error) {
	switch cfg.StoreDriver() {
	case config.DriverPostgres:
		repo, err := postgres.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return repo, nil
	case config.DriverSQLite:
		repo, err := sqlite.NewRepository(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL %q", cfg.DatabaseURL)
	}
}
