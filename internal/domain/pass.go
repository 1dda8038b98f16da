package domain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultFetchTimeout = 30 * time.Second

// PassResult describes one complete fetch-classify-write cycle.
type PassResult struct {
	ID        uuid.UUID
	Query     string
	StartedAt time.Time
	Duration  time.Duration

	// Fetched is the number of candidates returned by the fetcher.
	Fetched int

	Report ReconcileReport

	// Err is nil when the pass succeeded. It wraps an *UpstreamError or one
	// or more *StoreError values.
	Err error
}

// OK reports whether the pass completed without error.
func (r PassResult) OK() bool {
	return r.Err == nil
}

// PassRunner runs reconciliation passes for a single search query. Passes
// never overlap: a call to RunPass waits for any pass already in progress.
type PassRunner struct {
	query        string
	fetcher      Fetcher
	reconciler   *Reconciler
	fetchTimeout time.Duration
	observers    []PassObserver
	logger       *slog.Logger

	mu sync.Mutex
}

// NewPassRunner creates a PassRunner. A zero fetchTimeout defaults to 30s.
func NewPassRunner(query string, fetcher Fetcher, reconciler *Reconciler, fetchTimeout time.Duration, logger *slog.Logger, observers ...PassObserver) *PassRunner {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &PassRunner{
		query:        query,
		fetcher:      fetcher,
		reconciler:   reconciler,
		fetchTimeout: fetchTimeout,
		observers:    observers,
		logger:       logger,
	}
}

// Query returns the search query this runner reconciles.
func (p *PassRunner) Query() string {
	return p.query
}

// RunPass fetches the current candidates and reconciles them into the store.
// Errors are reported in the result rather than logged here so that callers
// decide what to do with a failed pass.
func (p *PassRunner) RunPass(ctx context.Context) PassResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := PassResult{
		ID:        uuid.New(),
		Query:     p.query,
		StartedAt: time.Now().UTC(),
	}
	p.logger.Debug("reconciliation pass started", "pass_id", result.ID, "query", p.query)

	candidates, err := p.fetch(ctx)
	if err != nil {
		result.Err = err
	} else {
		result.Fetched = len(candidates)
		result.Report, result.Err = p.reconciler.Reconcile(ctx, candidates)
	}

	result.Duration = time.Since(result.StartedAt)
	for _, o := range p.observers {
		o.ObservePass(result)
	}
	return result
}

// Plan fetches the current candidates and classifies them without writing.
func (p *PassRunner) Plan(ctx context.Context) (*Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return p.reconciler.Classify(ctx, candidates)
}

func (p *PassRunner) fetch(ctx context.Context) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	candidates, err := p.fetcher.Fetch(ctx, p.query)
	if err != nil {
		var upstreamErr *UpstreamError
		if errors.As(err, &upstreamErr) {
			return nil, err
		}
		return nil, &UpstreamError{Query: p.query, Reason: ReasonNetwork, Err: err}
	}
	return candidates, nil
}
