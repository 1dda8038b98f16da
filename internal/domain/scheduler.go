package domain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Scheduler drives reconciliation passes: one immediately on start and then
// one per interval, on a single goroutine. A failed pass is logged and the
// scheduler simply waits for the next tick.
type Scheduler struct {
	runner   *PassRunner
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. It does nothing until Start is called.
func NewScheduler(runner *PassRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the periodic task in the background. Calling Start on a
// running scheduler is a no-op. The task stops when ctx is cancelled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.run(ctx)
	}(s.done)

	s.logger.Info("scheduler started", "query", s.runner.Query(), "interval", s.interval)
}

// Stop cancels the periodic task and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	s.runPass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	result := s.runner.RunPass(ctx)
	LogPassResult(s.logger, result)
}

// LogPassResult writes one log line for a pass, carrying the error kind and
// the query or record that triggered a failure.
func LogPassResult(logger *slog.Logger, result PassResult) {
	attrs := []any{
		"pass_id", result.ID,
		"query", result.Query,
		"duration", result.Duration,
		"fetched", result.Fetched,
		"inserted", result.Report.Inserted,
		"updated", result.Report.Updated,
		"unchanged", result.Report.Unchanged,
		"duplicates", result.Report.Duplicates,
	}

	if result.OK() {
		logger.Info("reconciliation pass complete", attrs...)
		return
	}

	var upstreamErr *UpstreamError
	if errors.As(result.Err, &upstreamErr) {
		attrs = append(attrs,
			"error_kind", "upstream",
			"reason", upstreamErr.Reason,
			"status_code", upstreamErr.StatusCode,
		)
		if !upstreamErr.RetryAfter.IsZero() {
			attrs = append(attrs, "retry_after", upstreamErr.RetryAfter)
		}
		logger.Error("reconciliation pass failed", append(attrs, "error", result.Err)...)
		return
	}

	for _, err := range unjoin(result.Err) {
		var storeErr *StoreError
		if errors.As(err, &storeErr) {
			logger.Error("reconciliation pass failed", append(attrs,
				"error_kind", "store",
				"op", storeErr.Op,
				"external_id", storeErr.ExternalID,
				"error", storeErr.Err,
			)...)
			continue
		}
		logger.Error("reconciliation pass failed", append(attrs, "error_kind", ErrorKind(err), "error", err)...)
	}
}

// unjoin splits an error produced by errors.Join back into its parts.
func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
