package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu    sync.Mutex
	posts map[string]Post

	findErr    error
	insertErr  error
	updateErrs map[string]error

	findCalls   int
	insertCalls int
	updateCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{posts: make(map[string]Post), updateErrs: make(map[string]error)}
}

func (m *memRepo) FindPost(_ context.Context, externalID string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++
	if m.findErr != nil {
		return nil, m.findErr
	}
	p, ok := m.posts[externalID]
	if !ok {
		return nil, ErrPostNotFound
	}
	return &p, nil
}

func (m *memRepo) InsertPosts(_ context.Context, posts []Post) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	n := 0
	for _, p := range posts {
		if _, ok := m.posts[p.ExternalID]; ok {
			continue
		}
		m.posts[p.ExternalID] = p
		n++
	}
	return n, nil
}

func (m *memRepo) UpdateEngagement(_ context.Context, post Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if err := m.updateErrs[post.ExternalID]; err != nil {
		return err
	}
	existing, ok := m.posts[post.ExternalID]
	if !ok {
		return ErrPostNotFound
	}
	existing.RawStatus = post.RawStatus
	existing.FavoriteCount = post.FavoriteCount
	existing.ShareCount = post.ShareCount
	existing.UpdatedAt = post.UpdatedAt
	m.posts[post.ExternalID] = existing
	return nil
}

func (m *memRepo) TopPosts(_ context.Context, since time.Time, limit int) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Post
	for _, p := range m.posts {
		if !p.PublishedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := compareCount(a.FavoriteCount, b.FavoriteCount); c != 0 {
			return c > 0
		}
		if c := compareCount(a.ShareCount, b.ShareCount); c != 0 {
			return c > 0
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return a.ExternalID < b.ExternalID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) Close() error { return nil }

// compareCount orders counters descending with nil below every value.
func compareCount(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a > *b:
		return 1
	case *a < *b:
		return -1
	}
	return 0
}

func (m *memRepo) get(t *testing.T, id string) Post {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	require.True(t, ok, "post %s not stored", id)
	return p
}

var testPublished = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func candidate(id string, favorites, shares int64) Candidate {
	raw := fmt.Sprintf(`{"id_str":%q,"favorite_count":%d,"retweet_count":%d}`, id, favorites, shares)
	return Candidate{
		ExternalID:    id,
		RawStatus:     json.RawMessage(raw),
		PublishedAt:   testPublished,
		FavoriteCount: Int64(favorites),
		ShareCount:    Int64(shares),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReconciler(repo PostRepository) *Reconciler {
	return NewReconciler(repo, ReconcilerConfig{StoreTimeout: time.Second, UpdateConcurrency: 2}, discardLogger())
}

func threePosts() []Candidate {
	return []Candidate{
		candidate("1", 10, 1),
		candidate("2", 20, 2),
		candidate("3", 30, 3),
	}
}

func TestReconcile_Scenarios(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	// A: nothing stored yet.
	report, err := r.Reconcile(ctx, threePosts())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Inserted: 3}, report)
	assert.Len(t, repo.posts, 3)

	// B: identical re-fetch.
	report, err = r.Reconcile(ctx, threePosts())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Unchanged: 3}, report)
	assert.Equal(t, 1, repo.insertCalls)
	assert.Zero(t, repo.updateCalls)

	// C: post 2 gained favorites.
	batch := threePosts()
	batch[1] = candidate("2", 25, 2)
	report, err = r.Reconcile(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Updated: 1, Unchanged: 2}, report)

	assert.Equal(t, int64(10), *repo.get(t, "1").FavoriteCount)
	assert.Equal(t, int64(25), *repo.get(t, "2").FavoriteCount)
	assert.Equal(t, int64(30), *repo.get(t, "3").FavoriteCount)
}

func TestReconcile_Idempotent(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	batch := []Candidate{candidate("a", 1, 0), candidate("b", 2, 0), candidate("c", 0, 5), candidate("d", 4, 4)}
	_, err := r.Reconcile(ctx, batch)
	require.NoError(t, err)

	report, err := r.Reconcile(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Unchanged: len(batch)}, report)
}

func TestReconcile_PublishedAtNeverChanges(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []Candidate{candidate("1", 1, 1)})
	require.NoError(t, err)
	first := repo.get(t, "1")

	for i := int64(2); i < 5; i++ {
		c := candidate("1", i, i)
		c.PublishedAt = testPublished.Add(time.Duration(i) * time.Hour)
		report, err := r.Reconcile(ctx, []Candidate{c})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Updated)
	}

	stored := repo.get(t, "1")
	assert.True(t, stored.PublishedAt.Equal(first.PublishedAt))
	assert.True(t, stored.IndexedAt.Equal(first.IndexedAt))
	assert.Equal(t, int64(4), *stored.FavoriteCount)
}

func TestReconcile_RawStatusChangeIsAnUpdate(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []Candidate{candidate("1", 1, 1)})
	require.NoError(t, err)

	c := candidate("1", 1, 1)
	c.RawStatus = json.RawMessage(`{"id_str":"1","favorite_count":1,"retweet_count":1,"text":"edited"}`)
	report, err := r.Reconcile(ctx, []Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Updated: 1}, report)
	assert.JSONEq(t, string(c.RawStatus), string(repo.get(t, "1").RawStatus))
}

func TestReconcile_ReformattedRawStatusIsUnchanged(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []Candidate{candidate("1", 1, 1)})
	require.NoError(t, err)

	c := candidate("1", 1, 1)
	c.RawStatus = json.RawMessage(`{ "retweet_count": 1, "favorite_count": 1, "id_str": "1" }`)
	report, err := r.Reconcile(ctx, []Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Unchanged: 1}, report)
}

func TestReconcile_NilCounters(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	c := candidate("1", 0, 0)
	c.FavoriteCount = nil
	_, err := r.Reconcile(ctx, []Candidate{c})
	require.NoError(t, err)

	report, err := r.Reconcile(ctx, []Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Unchanged: 1}, report)

	c.FavoriteCount = Int64(0)
	report, err = r.Reconcile(ctx, []Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Updated: 1}, report)
}

func TestReconcile_DuplicatesLastWins(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)

	batch := []Candidate{
		candidate("1", 1, 0),
		candidate("2", 5, 0),
		candidate("1", 9, 3),
	}
	report, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, ReconcileReport{Inserted: 2, Duplicates: 1}, report)
	assert.Equal(t, len(batch), report.Inserted+report.Updated+report.Unchanged+report.Duplicates)
	assert.Equal(t, int64(9), *repo.get(t, "1").FavoriteCount)
	assert.Equal(t, int64(3), *repo.get(t, "1").ShareCount)
	assert.Len(t, repo.posts, 2)
}

func TestReconcile_NoDuplicatesAcrossPasses(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	passes := [][]Candidate{
		{candidate("1", 1, 0), candidate("2", 1, 0)},
		{candidate("2", 2, 0), candidate("3", 1, 0), candidate("2", 3, 0)},
		{candidate("1", 1, 0), candidate("3", 1, 0), candidate("4", 0, 0)},
	}
	for _, batch := range passes {
		report, err := r.Reconcile(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, len(batch), report.Inserted+report.Updated+report.Unchanged+report.Duplicates)
	}

	assert.Len(t, repo.posts, 4)
	assert.Equal(t, int64(3), *repo.get(t, "2").FavoriteCount)
}

func TestReconcile_LookupFailureAbortsBeforeWrites(t *testing.T) {
	repo := newMemRepo()
	repo.findErr = errors.New("connection refused")
	r := newTestReconciler(repo)

	report, err := r.Reconcile(context.Background(), threePosts())
	require.Error(t, err)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "find", storeErr.Op)
	assert.Equal(t, "1", storeErr.ExternalID)
	assert.Equal(t, ReconcileReport{}, report)
	assert.Zero(t, repo.insertCalls)
	assert.Zero(t, repo.updateCalls)
	assert.Equal(t, 1, repo.findCalls)
}

// hangingRepo blocks every lookup until the call's context is done.
type hangingRepo struct {
	*memRepo
}

func (hangingRepo) FindPost(ctx context.Context, _ string) (*Post, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReconcile_StoreTimeoutIsStoreError(t *testing.T) {
	repo := hangingRepo{memRepo: newMemRepo()}
	r := NewReconciler(repo, ReconcilerConfig{StoreTimeout: 50 * time.Millisecond}, discardLogger())

	start := time.Now()
	report, err := r.Reconcile(context.Background(), []Candidate{candidate("1", 1, 1)})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "find", storeErr.Op)
	assert.Equal(t, "1", storeErr.ExternalID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ReconcileReport{}, report)
	assert.Zero(t, repo.insertCalls)
}

// slowUpdateRepo records how many UpdateEngagement calls run at once.
type slowUpdateRepo struct {
	*memRepo

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *slowUpdateRepo) UpdateEngagement(ctx context.Context, post Post) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return s.memRepo.UpdateEngagement(ctx, post)
}

func TestReconcile_UpdateConcurrencyIsBounded(t *testing.T) {
	repo := &slowUpdateRepo{memRepo: newMemRepo()}
	r := NewReconciler(repo, ReconcilerConfig{StoreTimeout: time.Second, UpdateConcurrency: 3}, discardLogger())
	ctx := context.Background()

	var batch []Candidate
	for i := range 12 {
		batch = append(batch, candidate(fmt.Sprint(i), 1, 1))
	}
	_, err := r.Reconcile(ctx, batch)
	require.NoError(t, err)

	for i := range batch {
		batch[i] = candidate(batch[i].ExternalID, 2, 1)
	}
	report, err := r.Reconcile(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, 12, report.Updated)
	assert.LessOrEqual(t, repo.peak.Load(), int32(3))
	assert.Greater(t, repo.peak.Load(), int32(1))
}

func TestReconcile_InsertFailureStillRunsUpdates(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []Candidate{candidate("1", 1, 1)})
	require.NoError(t, err)

	repo.insertErr = errors.New("disk full")
	report, err := r.Reconcile(ctx, []Candidate{candidate("1", 2, 1), candidate("2", 1, 1)})
	require.Error(t, err)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "insert", storeErr.Op)
	assert.Equal(t, ReconcileReport{Updated: 1}, report)
	assert.Equal(t, int64(2), *repo.get(t, "1").FavoriteCount)
	assert.Equal(t, "store", ErrorKind(err))
}

func TestReconcile_UpdateFailureKeepsInserts(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []Candidate{candidate("1", 1, 1), candidate("2", 1, 1), candidate("3", 1, 1)})
	require.NoError(t, err)

	repo.updateErrs["2"] = errors.New("timeout")
	batch := []Candidate{
		candidate("1", 5, 1),
		candidate("2", 5, 1),
		candidate("3", 5, 1),
		candidate("4", 1, 1),
	}
	report, err := r.Reconcile(ctx, batch)
	require.Error(t, err)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "update", storeErr.Op)
	assert.Equal(t, "2", storeErr.ExternalID)
	assert.Equal(t, ReconcileReport{Inserted: 1, Updated: 2}, report)
	assert.Equal(t, 3, repo.updateCalls)

	// The next pass repairs the failed update and sees the insert as unchanged.
	delete(repo.updateErrs, "2")
	report, err = r.Reconcile(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Updated: 1, Unchanged: 3}, report)
}

func TestReconcile_EmptyBatch(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)

	report, err := r.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, report)
	assert.Zero(t, repo.insertCalls)
}

func TestClassify_DoesNotWrite(t *testing.T) {
	repo := newMemRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []Candidate{candidate("1", 1, 1), candidate("2", 1, 1)})
	require.NoError(t, err)

	plan, err := r.Classify(ctx, []Candidate{candidate("1", 1, 1), candidate("2", 2, 1), candidate("3", 1, 1)})
	require.NoError(t, err)
	assert.Len(t, plan.New, 1)
	assert.Len(t, plan.Changed, 1)
	assert.Equal(t, 1, plan.Unchanged)
	assert.Equal(t, 1, repo.insertCalls)
	assert.Zero(t, repo.updateCalls)
}

func TestEqualJSON(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", `{"a":1}`, `{"a":1}`, true},
		{"key order", `{"a":1,"b":[1,2]}`, `{"b":[1,2],"a":1}`, true},
		{"whitespace", `{"a":1}`, "{ \"a\" : 1 }\n", true},
		{"different value", `{"a":1}`, `{"a":2}`, false},
		{"large ids keep precision", `{"id":1712345678901234567}`, `{"id":1712345678901234568}`, false},
		{"invalid", `{"a":`, `{"a":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EqualJSON(json.RawMessage(tt.a), json.RawMessage(tt.b)))
		})
	}
}
