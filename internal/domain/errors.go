package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrPostNotFound is returned by PostRepository.FindPost when no post has the
// requested external identifier.
var ErrPostNotFound = errors.New("post not found")

// UpstreamReason classifies why a fetch from the search API failed.
type UpstreamReason string

const (
	ReasonNetwork     UpstreamReason = "network"
	ReasonTimeout     UpstreamReason = "timeout"
	ReasonAuth        UpstreamReason = "auth"
	ReasonRateLimited UpstreamReason = "rate_limited"
	ReasonBadResponse UpstreamReason = "bad_response"
)

// UpstreamError is returned when the search API could not be queried.
type UpstreamError struct {
	// Query is the search expression that was being fetched.
	Query  string
	Reason UpstreamReason

	// StatusCode is the HTTP status returned by the API, or 0 if no response
	// was received.
	StatusCode int

	// RetryAfter is when the API said the rate limit resets. Zero if unknown.
	RetryAfter time.Time

	Err error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("fetch %q: %s", e.Query, e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StoreError is returned when a lookup, insert or update against the post
// store failed.
type StoreError struct {
	// Op is one of "find", "insert", "update" or "top".
	Op string

	// ExternalID identifies the record involved. Empty for bulk operations.
	ExternalID string

	Err error
}

func (e *StoreError) Error() string {
	if e.ExternalID != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.ExternalID, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrorKind returns "upstream", "store" or "other" for logging and metrics.
func ErrorKind(err error) string {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return "upstream"
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return "store"
	}
	return "other"
}
