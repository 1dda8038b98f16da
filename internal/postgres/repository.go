package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/popular-posts/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// raw_status is JSON rather than JSONB so payloads carrying a \u0000 escape
// are accepted and kept verbatim.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		external_id    TEXT PRIMARY KEY,
		raw_status     JSON NOT NULL,
		published_at   TIMESTAMPTZ NOT NULL,
		favorite_count BIGINT,
		share_count    BIGINT,
		indexed_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_published_at ON posts (published_at)`,
}

const selectColumns = `external_id, raw_status, published_at, favorite_count, share_count, indexed_at, updated_at`

// Repository implements domain.PostRepository using PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

var _ domain.PostRepository = (*Repository)(nil)

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, ensures the schema exists, and returns a new Repository. The
// caller should call Close when the repository is no longer needed.
func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, q := range schema {
		if _, err := pool.Exec(ctx, q); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Repository{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// FindPost looks up a post by external id.
func (r *Repository) FindPost(ctx context.Context, externalID string) (*domain.Post, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM posts WHERE external_id = $1`, externalID)

	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find post %s: %w", externalID, err)
	}
	return post, nil
}

// InsertPosts sends every insert in one batch inside a transaction. Existing
// external ids are skipped.
func (r *Repository) InsertPosts(ctx context.Context, posts []domain.Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range posts {
		batch.Queue(`
			INSERT INTO posts (external_id, raw_status, published_at, favorite_count, share_count, indexed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (external_id) DO NOTHING`,
			p.ExternalID,
			string(p.RawStatus),
			p.PublishedAt,
			p.FavoriteCount,
			p.ShareCount,
			p.IndexedAt,
			p.UpdatedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for _, p := range posts {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert post %s: %w", p.ExternalID, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return int(inserted), nil
}

// UpdateEngagement replaces the raw status and counters of an existing post.
func (r *Repository) UpdateEngagement(ctx context.Context, post domain.Post) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE posts
		SET raw_status = $1, favorite_count = $2, share_count = $3, updated_at = $4
		WHERE external_id = $5`,
		string(post.RawStatus),
		post.FavoriteCount,
		post.ShareCount,
		post.UpdatedAt,
		post.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("update post %s: %w", post.ExternalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update post %s: %w", post.ExternalID, domain.ErrPostNotFound)
	}
	return nil
}

// TopPosts returns the most favorited posts published at or after since.
func (r *Repository) TopPosts(ctx context.Context, since time.Time, limit int) ([]domain.Post, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM posts
		WHERE published_at >= $1
		ORDER BY favorite_count DESC NULLS LAST, share_count DESC NULLS LAST, published_at DESC, external_id
		LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query top posts (since=%v, limit=%d): %w", since, limit, err)
	}
	defer rows.Close()

	posts := []domain.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func scanPost(row pgx.Row) (*domain.Post, error) {
	var (
		p   domain.Post
		raw []byte
	)
	err := row.Scan(
		&p.ExternalID,
		&raw,
		&p.PublishedAt,
		&p.FavoriteCount,
		&p.ShareCount,
		&p.IndexedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.RawStatus = raw
	p.PublishedAt = p.PublishedAt.UTC()
	p.IndexedAt = p.IndexedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
