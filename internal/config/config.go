package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers selected from DATABASE_URL.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	// Port is the HTTP server port.
	Port int

	// DatabaseURL is either a postgres:// URL, a SQLite location prefixed
	// with "sqlite:" or "file:", or ":memory:".
	DatabaseURL string

	// SearchQuery is the search expression reconciled on every pass.
	SearchQuery string

	// PollInterval is the time between scheduled reconciliation passes.
	PollInterval time.Duration

	// FetchTimeout bounds a single search API request.
	FetchTimeout time.Duration

	// StoreTimeout bounds a single store operation during reconciliation.
	StoreTimeout time.Duration

	// UpdateConcurrency caps concurrent per-record updates within a pass.
	UpdateConcurrency int

	// TwitterAPIURL is the base URL of the search API.
	TwitterAPIURL string

	// TwitterBearerToken is an app-only bearer token. When empty the consumer
	// key and secret are exchanged for one.
	TwitterBearerToken string

	ConsumerKey    string
	ConsumerSecret string

	LogLevel slog.Level
}

// StoreDriver returns which store implementation DatabaseURL refers to, or an
// empty string if it matches neither.
func (c *Config) StoreDriver() string {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(c.DatabaseURL, "sqlite:"), strings.HasPrefix(c.DatabaseURL, "file:"), c.DatabaseURL == ":memory:":
		return DriverSQLite
	default:
		return ""
	}
}

// SQLitePath returns DatabaseURL with any "sqlite:" prefix removed.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite:")
}

// Load reads configuration from environment variables with sensible
// defaults. Variables from a .env file in the working directory are loaded
// first; variables already set in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var err error
	cfg := &Config{
		DatabaseURL:        envOrDefault("DATABASE_URL", "file:popular-posts.db"),
		SearchQuery:        envOrDefault("SEARCH_QUERY", "ai 🧵 -filter:retweets"),
		TwitterAPIURL:      envOrDefault("TWITTER_API_URL", "https://api.twitter.com"),
		TwitterBearerToken: os.Getenv("TWITTER_BEARER_TOKEN"),
		ConsumerKey:        os.Getenv("CONSUMER_KEY"),
		ConsumerSecret:     os.Getenv("CONSUMER_SECRET"),
	}

	if cfg.Port, err = intEnv("PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.UpdateConcurrency, err = intEnv("UPDATE_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", 4*time.Hour); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = durationEnv("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = durationEnv("STORE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if l := os.Getenv("LOG_LEVEL"); l != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(l)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	if cfg.StoreDriver() == "" {
		return nil, fmt.Errorf("DATABASE_URL must start with postgres://, postgresql://, sqlite: or file:, or be :memory:")
	}
	if strings.TrimSpace(cfg.SearchQuery) == "" {
		return nil, fmt.Errorf("SEARCH_QUERY must not be blank")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.UpdateConcurrency < 1 {
		return nil, fmt.Errorf("UPDATE_CONCURRENCY must be at least 1")
	}
	if cfg.TwitterBearerToken == "" && (cfg.ConsumerKey == "" || cfg.ConsumerSecret == "") {
		return nil, fmt.Errorf("TWITTER_BEARER_TOKEN or CONSUMER_KEY and CONSUMER_SECRET are required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
