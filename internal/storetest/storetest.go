// Package storetest holds the behavioural contract every
// domain.PostRepository implementation must satisfy.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blackmichael/popular-posts/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty repository. It is called once per subtest.
type Factory func(t *testing.T) domain.PostRepository

// Run exercises repo implementations returned by newRepo against the
// repository contract.
func Run(t *testing.T, newRepo Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, repo domain.PostRepository)
	}{
		{"FindMissing", testFindMissing},
		{"InsertAndFind", testInsertAndFind},
		{"InsertSkipsExisting", testInsertSkipsExisting},
		{"InsertEmpty", testInsertEmpty},
		{"InsertNulEscape", testInsertNulEscape},
		{"UpdateEngagement", testUpdateEngagement},
		{"UpdateMissing", testUpdateMissing},
		{"ConcurrentUpdates", testConcurrentUpdates},
		{"TopPostsWindow", testTopPostsWindow},
		{"TopPostsLimit", testTopPostsLimit},
		{"TopPostsNullsLast", testTopPostsNullsLast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(t)
			t.Cleanup(func() { repo.Close() })
			tt.fn(t, repo)
		})
	}
}

// now is truncated to milliseconds, the coarsest precision any store keeps.
var now = time.Now().UTC().Truncate(time.Millisecond)

func post(id string, favorites, shares int64, age time.Duration) domain.Post {
	return domain.Post{
		ExternalID:    id,
		RawStatus:     json.RawMessage(fmt.Sprintf(`{"id_str":%q,"favorite_count":%d,"retweet_count":%d}`, id, favorites, shares)),
		PublishedAt:   now.Add(-age),
		FavoriteCount: domain.Int64(favorites),
		ShareCount:    domain.Int64(shares),
		IndexedAt:     now,
		UpdatedAt:     now,
	}
}

func insert(t *testing.T, repo domain.PostRepository, posts ...domain.Post) {
	t.Helper()
	n, err := repo.InsertPosts(context.Background(), posts)
	require.NoError(t, err)
	require.Equal(t, len(posts), n)
}

func ids(posts []domain.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ExternalID
	}
	return out
}

func testFindMissing(t *testing.T, repo domain.PostRepository) {
	_, err := repo.FindPost(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrPostNotFound)
}

func testInsertAndFind(t *testing.T, repo domain.PostRepository) {
	withNulls := post("2", 0, 0, time.Hour)
	withNulls.FavoriteCount = nil
	withNulls.ShareCount = nil
	insert(t, repo, post("1", 12, 3, 2*time.Hour), withNulls)

	got, err := repo.FindPost(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ExternalID)
	assert.JSONEq(t, `{"id_str":"1","favorite_count":12,"retweet_count":3}`, string(got.RawStatus))
	assert.True(t, got.PublishedAt.Equal(now.Add(-2*time.Hour)), "published_at = %v", got.PublishedAt)
	assert.True(t, got.IndexedAt.Equal(now))
	require.NotNil(t, got.FavoriteCount)
	assert.Equal(t, int64(12), *got.FavoriteCount)
	require.NotNil(t, got.ShareCount)
	assert.Equal(t, int64(3), *got.ShareCount)

	got, err = repo.FindPost(context.Background(), "2")
	require.NoError(t, err)
	assert.Nil(t, got.FavoriteCount)
	assert.Nil(t, got.ShareCount)
}

func testInsertSkipsExisting(t *testing.T, repo domain.PostRepository) {
	insert(t, repo, post("1", 1, 1, time.Hour))

	n, err := repo.InsertPosts(context.Background(), []domain.Post{
		post("1", 99, 99, time.Minute),
		post("2", 1, 1, time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.FindPost(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), *got.FavoriteCount)
	assert.True(t, got.PublishedAt.Equal(now.Add(-time.Hour)))
}

func testInsertEmpty(t *testing.T, repo domain.PostRepository) {
	n, err := repo.InsertPosts(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testInsertNulEscape(t *testing.T, repo domain.PostRepository) {
	p := post("1", 1, 1, time.Hour)
	p.RawStatus = json.RawMessage(`{"id_str":"1","text":"a\u0000b"}`)
	insert(t, repo, p)

	got, err := repo.FindPost(context.Background(), "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id_str":"1","text":"a\u0000b"}`, string(got.RawStatus))
}

func testUpdateEngagement(t *testing.T, repo domain.PostRepository) {
	original := post("1", 1, 1, 3*time.Hour)
	insert(t, repo, original)

	later := now.Add(time.Minute)
	err := repo.UpdateEngagement(context.Background(), domain.Post{
		ExternalID:    "1",
		RawStatus:     json.RawMessage(`{"id_str":"1","favorite_count":40,"retweet_count":null}`),
		PublishedAt:   now,
		FavoriteCount: domain.Int64(40),
		UpdatedAt:     later,
	})
	require.NoError(t, err)

	got, err := repo.FindPost(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), *got.FavoriteCount)
	assert.Nil(t, got.ShareCount)
	assert.JSONEq(t, `{"id_str":"1","favorite_count":40,"retweet_count":null}`, string(got.RawStatus))
	assert.True(t, got.PublishedAt.Equal(original.PublishedAt), "published_at must not change")
	assert.True(t, got.IndexedAt.Equal(original.IndexedAt), "indexed_at must not change")
	assert.True(t, got.UpdatedAt.Equal(later))
}

func testUpdateMissing(t *testing.T, repo domain.PostRepository) {
	err := repo.UpdateEngagement(context.Background(), post("nope", 1, 1, time.Hour))
	assert.ErrorIs(t, err, domain.ErrPostNotFound)
}

func testConcurrentUpdates(t *testing.T, repo domain.PostRepository) {
	const n = 20
	posts := make([]domain.Post, n)
	for i := range posts {
		posts[i] = post(fmt.Sprint(i), 0, 0, time.Hour)
	}
	insert(t, repo, posts...)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range posts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := post(fmt.Sprint(i), int64(i), int64(i), time.Hour)
			errs <- repo.UpdateEngagement(context.Background(), p)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := range posts {
		got, err := repo.FindPost(context.Background(), fmt.Sprint(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), *got.FavoriteCount)
	}
}

func testTopPostsWindow(t *testing.T, repo domain.PostRepository) {
	insert(t, repo,
		post("a", 5, 1, 1*time.Hour),
		post("b", 9, 0, 2*time.Hour),
		post("c", 5, 7, 3*time.Hour),
		post("d", 1, 0, 5*time.Hour),
		post("e", 30, 2, 6*time.Hour),
		post("f", 100, 9, 8*time.Hour),
		post("g", 50, 5, 24*time.Hour),
		post("h", 70, 1, 3*24*time.Hour),
		post("i", 2, 2, 6*24*time.Hour),
		post("j", 500, 50, 10*24*time.Hour),
	)

	since := now.Add(-7 * time.Hour)
	got, err := repo.TopPosts(context.Background(), since, domain.LeaderboardLimit)
	require.NoError(t, err)

	assert.Equal(t, []string{"e", "b", "c", "a", "d"}, ids(got))
	for _, p := range got {
		assert.False(t, p.PublishedAt.Before(since), "post %s outside window", p.ExternalID)
	}
}

func testTopPostsLimit(t *testing.T, repo domain.PostRepository) {
	for i := range 10 {
		insert(t, repo, post(fmt.Sprintf("p%02d", i), int64(i), 0, time.Duration(i+1)*time.Hour))
	}

	got, err := repo.TopPosts(context.Background(), now.Add(-7*24*time.Hour), domain.LeaderboardLimit)
	require.NoError(t, err)
	require.Len(t, got, domain.LeaderboardLimit)
	assert.Equal(t, []string{"p09", "p08", "p07", "p06", "p05", "p04", "p03"}, ids(got))
}

func testTopPostsNullsLast(t *testing.T, repo domain.PostRepository) {
	noFavorites := post("null-fav", 0, 0, time.Hour)
	noFavorites.FavoriteCount = nil
	noShares := post("null-share", 3, 0, time.Hour)
	noShares.ShareCount = nil
	insert(t, repo, noFavorites, noShares, post("zero", 0, 0, time.Hour), post("three", 3, 1, time.Hour))

	got, err := repo.TopPosts(context.Background(), now.Add(-7*time.Hour), domain.LeaderboardLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "null-share", "zero", "null-fav"}, ids(got))
}
