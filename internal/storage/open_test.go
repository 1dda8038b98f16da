package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/blackmichael/popular-posts/internal/config"
	"github.com/blackmichael/popular-posts/internal/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLite(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "sqlite:" + filepath.Join(t.TempDir(), "posts.db")}

	repo, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer repo.Close()
	assert.IsType(t, &sqlite.Repository{}, repo)
}

func TestOpen_PostgresUnreachable(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"}

	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "open postgres")
}

func TestOpen_RejectsUnknownURL(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg := &config.Config{DatabaseURL: "host=localhost user=postgres dbname=posts sslmode=disable"}

	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "unsupported DATABASE_URL")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
