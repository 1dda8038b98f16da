package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LeaderboardLimit is the number of posts returned for every window.
const LeaderboardLimit = 7

// Window is a sliding time range ending now.
type Window struct {
	// Name is the short identifier used in the API (e.g. "7h").
	Name string

	// Path is the route serving this window (e.g. "/most-popular-7-hours").
	Path string

	Duration time.Duration
}

var (
	Window7Hours = Window{Name: "7h", Path: "/most-popular-7-hours", Duration: 7 * time.Hour}
	Window7Days  = Window{Name: "7d", Path: "/most-popular-7-days", Duration: 7 * 24 * time.Hour}
	Window7Weeks = Window{Name: "7w", Path: "/most-popular-7-weeks", Duration: 7 * 7 * 24 * time.Hour}
)

// Windows returns all supported windows, shortest first.
func Windows() []Window {
	return []Window{Window7Hours, Window7Days, Window7Weeks}
}

// WindowByName looks up a window by its short identifier.
func WindowByName(name string) (Window, bool) {
	for _, w := range Windows() {
		if w.Name == name {
			return w, true
		}
	}
	return Window{}, false
}

// LeaderboardService serves the most engaging stored posts. It only reads
// from the store and runs independently of reconciliation passes.
type LeaderboardService struct {
	repo   PostRepository
	now    func() time.Time
	logger *slog.Logger
}

// NewLeaderboardService creates a LeaderboardService reading from repo.
func NewLeaderboardService(repo PostRepository, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		repo:   repo,
		now:    time.Now,
		logger: logger,
	}
}

// TopPosts returns up to LeaderboardLimit posts published within the window,
// ordered by favorite count then share count, both descending.
func (s *LeaderboardService) TopPosts(ctx context.Context, window Window) ([]Post, error) {
	since := s.now().UTC().Add(-window.Duration)
	s.logger.Debug("TopPosts called", "window", window.Name, "since", since)

	posts, err := s.repo.TopPosts(ctx, since, LeaderboardLimit)
	if err != nil {
		return nil, &StoreError{Op: "top", Err: fmt.Errorf("window %s: %w", window.Name, err)}
	}
	return posts, nil
}
