package domain

import (
	"context"
	"time"
)

// PostRepository defines persistence operations for stored posts.
type PostRepository interface {
	// FindPost looks up a post by its external identifier. Returns
	// ErrPostNotFound if no such post exists.
	FindPost(ctx context.Context, externalID string) (*Post, error)

	// InsertPosts inserts all posts as one bulk operation. Posts whose
	// external identifier already exists are skipped, so retrying an insert
	// is safe. Returns the number of rows actually inserted.
	InsertPosts(ctx context.Context, posts []Post) (int, error)

	// UpdateEngagement replaces the raw status and engagement counters of an
	// existing post. PublishedAt and IndexedAt are left untouched.
	UpdateEngagement(ctx context.Context, post Post) error

	// TopPosts returns up to limit posts published at or after since, ordered
	// by favorite count then share count, both descending.
	TopPosts(ctx context.Context, since time.Time, limit int) ([]Post, error)

	// Close releases the underlying connections.
	Close() error
}

// Fetcher returns the candidate posts currently matching a search query.
type Fetcher interface {
	Fetch(ctx context.Context, query string) ([]Candidate, error)
}

// PassObserver is notified after every reconciliation pass, successful or not.
type PassObserver interface {
	ObservePass(result PassResult)
}
