package domain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultStoreTimeout      = 10 * time.Second
	defaultUpdateConcurrency = 8
)

// ReconcileReport summarizes what a reconciliation did with a candidate batch.
// On success Inserted+Updated+Unchanged+Duplicates equals the batch size.
type ReconcileReport struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`

	// Duplicates counts candidates dropped because a later candidate in the
	// same batch had the same external identifier.
	Duplicates int `json:"duplicates"`
}

// Plan is the classification of a candidate batch against the store. It is
// computed completely before any write happens.
type Plan struct {
	New        []Candidate
	Changed    []Candidate
	Unchanged  int
	Duplicates int
}

// ReconcilerConfig tunes store access during reconciliation.
type ReconcilerConfig struct {
	// StoreTimeout bounds every individual store call. Defaults to 10s.
	StoreTimeout time.Duration

	// UpdateConcurrency caps how many per-record updates run at once.
	// Defaults to 8.
	UpdateConcurrency int
}

// Reconciler merges fetched candidates into the post store. It is the only
// writer of posts: new posts are bulk inserted and changed posts are updated
// one record at a time.
type Reconciler struct {
	repo              PostRepository
	storeTimeout      time.Duration
	updateConcurrency int
	now               func() time.Time
	logger            *slog.Logger
}

// NewReconciler creates a Reconciler writing to repo.
func NewReconciler(repo PostRepository, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.UpdateConcurrency <= 0 {
		cfg.UpdateConcurrency = defaultUpdateConcurrency
	}
	return &Reconciler{
		repo:              repo,
		storeTimeout:      cfg.StoreTimeout,
		updateConcurrency: cfg.UpdateConcurrency,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            logger,
	}
}

// Reconcile classifies the candidates and applies the resulting plan. A lookup
// failure aborts before any write. Write failures are returned after every
// write in the plan has been attempted; the report then only counts the
// writes that succeeded.
func (r *Reconciler) Reconcile(ctx context.Context, candidates []Candidate) (ReconcileReport, error) {
	plan, err := r.Classify(ctx, candidates)
	if err != nil {
		return ReconcileReport{}, err
	}
	return r.Apply(ctx, plan)
}

// Classify looks up every distinct candidate in the store and partitions the
// batch into new, changed and unchanged posts. When the batch holds the same
// external identifier more than once, the last occurrence wins.
func (r *Reconciler) Classify(ctx context.Context, candidates []Candidate) (*Plan, error) {
	unique, duplicates := dedupeLastWins(candidates)
	plan := &Plan{Duplicates: duplicates}

	for _, c := range unique {
		existing, err := r.findPost(ctx, c.ExternalID)
		switch {
		case errors.Is(err, ErrPostNotFound):
			plan.New = append(plan.New, c)
		case err != nil:
			return nil, &StoreError{Op: "find", ExternalID: c.ExternalID, Err: err}
		case c.differsFrom(existing):
			plan.Changed = append(plan.Changed, c)
		default:
			plan.Unchanged++
		}
	}

	r.logger.Debug("classified candidates",
		"new", len(plan.New),
		"changed", len(plan.Changed),
		"unchanged", plan.Unchanged,
		"duplicates", plan.Duplicates,
	)
	return plan, nil
}

// Apply writes a plan to the store. The bulk insert and the updates are
// independent: a failed insert does not prevent the updates from running.
func (r *Reconciler) Apply(ctx context.Context, plan *Plan) (ReconcileReport, error) {
	report := ReconcileReport{
		Unchanged:  plan.Unchanged,
		Duplicates: plan.Duplicates,
	}
	var errs []error

	if len(plan.New) > 0 {
		inserted, err := r.insertPosts(ctx, plan.New)
		if err != nil {
			errs = append(errs, &StoreError{Op: "insert", Err: err})
		} else {
			report.Inserted = inserted
			if skipped := len(plan.New) - inserted; skipped > 0 {
				// Another writer got there between lookup and insert.
				r.logger.Warn("bulk insert skipped existing posts", "skipped", skipped)
				report.Unchanged += skipped
			}
		}
	}

	updated, updateErrs := r.updatePosts(ctx, plan.Changed)
	report.Updated = updated
	errs = append(errs, updateErrs...)

	return report, errors.Join(errs...)
}

func (r *Reconciler) findPost(ctx context.Context, externalID string) (*Post, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.repo.FindPost(ctx, externalID)
}

func (r *Reconciler) insertPosts(ctx context.Context, candidates []Candidate) (int, error) {
	now := r.now()
	posts := make([]Post, len(candidates))
	for i, c := range candidates {
		posts[i] = c.toPost(now)
	}

	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.repo.InsertPosts(ctx, posts)
}

// updatePosts issues one update per changed candidate, concurrently. Every
// update is attempted; failures are collected per record.
func (r *Reconciler) updatePosts(ctx context.Context, candidates []Candidate) (int, []error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		updated int
		errs    []error
		g       errgroup.Group
	)
	g.SetLimit(r.updateConcurrency)

	now := r.now()
	for _, c := range candidates {
		g.Go(func() error {
			err := r.updatePost(ctx, Post{
				ExternalID:    c.ExternalID,
				RawStatus:     c.RawStatus,
				FavoriteCount: c.FavoriteCount,
				ShareCount:    c.ShareCount,
				UpdatedAt:     now,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &StoreError{Op: "update", ExternalID: c.ExternalID, Err: err})
			} else {
				updated++
			}
			return nil
		})
	}
	_ = g.Wait()

	return updated, errs
}

func (r *Reconciler) updatePost(ctx context.Context, post Post) error {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.repo.UpdateEngagement(ctx, post)
}

// dedupeLastWins drops repeated external identifiers. The surviving entry
// keeps the position of the first occurrence and the value of the last.
func dedupeLastWins(candidates []Candidate) ([]Candidate, int) {
	index := make(map[string]int, len(candidates))
	unique := make([]Candidate, 0, len(candidates))
	duplicates := 0

	for _, c := range candidates {
		if i, ok := index[c.ExternalID]; ok {
			unique[i] = c
			duplicates++
			continue
		}
		index[c.ExternalID] = len(unique)
		unique = append(unique, c)
	}
	return unique, duplicates
}
