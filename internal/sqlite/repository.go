package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/popular-posts/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	external_id    TEXT PRIMARY KEY,
	raw_status     TEXT NOT NULL,
	published_at   INTEGER NOT NULL,
	favorite_count INTEGER,
	share_count    INTEGER,
	indexed_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_published_at ON posts (published_at);`

// Repository implements domain.PostRepository using an embedded SQLite
// database. Timestamps are stored as unix milliseconds.
type Repository struct {
	db *sql.DB
}

var _ domain.PostRepository = (*Repository)(nil)

// NewRepository opens the SQLite database at path (":memory:" for an
// in-memory database), creates the schema if needed, and returns a new
// Repository. The caller should call Close when done.
func NewRepository(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer. One connection also keeps an in-memory
	// database alive and shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// FindPost looks up a post by external id.
func (r *Repository) FindPost(ctx context.Context, externalID string) (*domain.Post, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT external_id, raw_status, published_at, favorite_count, share_count, indexed_at, updated_at
		FROM posts
		WHERE external_id = ?`, externalID)

	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find post %s: %w", externalID, err)
	}
	return post, nil
}

// InsertPosts inserts all posts in one transaction, skipping external ids
// that already exist.
func (r *Repository) InsertPosts(ctx context.Context, posts []domain.Post) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO posts (external_id, raw_status, published_at, favorite_count, share_count, indexed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, p := range posts {
		res, err := stmt.ExecContext(ctx,
			p.ExternalID,
			string(p.RawStatus),
			p.PublishedAt.UnixMilli(),
			nullInt(p.FavoriteCount),
			nullInt(p.ShareCount),
			p.IndexedAt.UnixMilli(),
			p.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert post %s: %w", p.ExternalID, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return int(inserted), nil
}

// UpdateEngagement replaces the raw status and counters of an existing post.
func (r *Repository) UpdateEngagement(ctx context.Context, post domain.Post) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET raw_status = ?, favorite_count = ?, share_count = ?, updated_at = ?
		WHERE external_id = ?`,
		string(post.RawStatus),
		nullInt(post.FavoriteCount),
		nullInt(post.ShareCount),
		post.UpdatedAt.UnixMilli(),
		post.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("update post %s: %w", post.ExternalID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update post %s: %w", post.ExternalID, domain.ErrPostNotFound)
	}
	return nil
}

// TopPosts returns the most favorited posts published at or after since.
func (r *Repository) TopPosts(ctx context.Context, since time.Time, limit int) ([]domain.Post, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT external_id, raw_status, published_at, favorite_count, share_count, indexed_at, updated_at
		FROM posts
		WHERE published_at >= ?
		ORDER BY favorite_count DESC NULLS LAST, share_count DESC NULLS LAST, published_at DESC, external_id
		LIMIT ?`,
		since.UnixMilli(), limit,
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

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(s scanner) (*domain.Post, error) {
	var (
		p                         domain.Post
		raw                       string
		publishedAt               int64
		indexedAt, updatedAt      int64
		favoriteCount, shareCount sql.NullInt64
	)
	err := s.Scan(
		&p.ExternalID,
		&raw,
		&publishedAt,
		&favoriteCount,
		&shareCount,
		&indexedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.RawStatus = json.RawMessage(raw)
	p.PublishedAt = time.UnixMilli(publishedAt).UTC()
	p.IndexedAt = time.UnixMilli(indexedAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if favoriteCount.Valid {
		p.FavoriteCount = &favoriteCount.Int64
	}
	if shareCount.Valid {
		p.ShareCount = &shareCount.Int64
	}
	return &p, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
