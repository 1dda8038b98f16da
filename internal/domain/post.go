package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"
)

// Post represents a search result we have persisted. Exactly one Post exists
// per ExternalID.
type Post struct {
	// ExternalID is the identifier assigned by the source platform (id_str).
	ExternalID string

	// RawStatus is the full payload as received from the search API.
	RawStatus json.RawMessage

	// PublishedAt is when the post was published on the platform. It is set
	// on first insert and never changed afterwards.
	PublishedAt time.Time

	// FavoriteCount and ShareCount are the engagement counters from the most
	// recent observation. Either may be nil if the platform omitted it.
	FavoriteCount *int64
	ShareCount    *int64

	// IndexedAt is when we first stored this post.
	IndexedAt time.Time

	// UpdatedAt is when the engagement counters were last refreshed.
	UpdatedAt time.Time
}

// Candidate is a post returned by a Fetcher for the current pass that has
// not yet been compared against the store.
type Candidate struct {
	ExternalID    string
	RawStatus     json.RawMessage
	PublishedAt   time.Time
	FavoriteCount *int64
	ShareCount    *int64
}

// toPost builds the record inserted for a candidate seen for the first time.
func (c Candidate) toPost(now time.Time) Post {
	return Post{
		ExternalID:    c.ExternalID,
		RawStatus:     c.RawStatus,
		PublishedAt:   c.PublishedAt.UTC(),
		FavoriteCount: c.FavoriteCount,
		ShareCount:    c.ShareCount,
		IndexedAt:     now,
		UpdatedAt:     now,
	}
}

// differsFrom reports whether the candidate carries engagement counters or a
// payload that differ from the stored post.
func (c Candidate) differsFrom(p *Post) bool {
	return !equalCount(c.FavoriteCount, p.FavoriteCount) ||
		!equalCount(c.ShareCount, p.ShareCount) ||
		!EqualJSON(c.RawStatus, p.RawStatus)
}

func equalCount(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// EqualJSON reports whether two JSON documents are semantically equal,
// ignoring key order and whitespace. Numbers are compared by their literal
// text so large identifiers keep full precision. Documents that fail to
// decode fall back to a byte comparison.
func EqualJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	va, err := decodeJSON(a)
	if err != nil {
		return false
	}
	vb, err := decodeJSON(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func decodeJSON(data json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Int64 returns a pointer to v. It is a convenience for building counters.
func Int64(v int64) *int64 {
	return &v
}
