// Package frontiertest holds behavior checks shared by every crawler.FrontierStore.
package frontiertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) crawler.FrontierStore

// Run exercises the FrontierStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("UpsertPendingIsIdempotent", func(t *testing.T) {
		testUpsertPendingIsIdempotent(t, newStore)
	})
	t.Run("SetStatusClearsErrorUnlessFailed", func(t *testing.T) {
		testSetStatus(t, newStore)
	})
	t.Run("ClaimPendingOnlyFromPending", func(t *testing.T) {
		testClaimPending(t, newStore)
	})
	t.Run("ClaimPendingConcurrentClaimsOneWinner", func(t *testing.T) {
		testConcurrentClaim(t, newStore)
	})
	t.Run("SetStatusUnknownURL", func(t *testing.T) {
		testSetStatusUnknownURL(t, newStore)
	})
	t.Run("CommitCrawlResult", func(t *testing.T) {
		testCommit(t, newStore)
	})
	t.Run("SelectPendingBatch", func(t *testing.T) {
		testSelectPendingBatch(t, newStore)
	})
	t.Run("ConcurrentDiscoveryCreatesOneRow", func(t *testing.T) {
		testConcurrentDiscovery(t, newStore)
	})
	t.Run("CountByStatus", func(t *testing.T) {
		testCountByStatus(t, newStore)
	})
}

func open(t *testing.T, newStore Factory) crawler.FrontierStore {
	t.Helper()
	store := newStore(t)
	t.Cleanup(store.Close)
	return store
}

func testUpsertPendingIsIdempotent(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := open(t, newStore)

	inserted, err := store.UpsertPending(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, store.SetStatus(ctx, "https://example.com/a", crawler.StatusCrawling, crawler.StatusUpdate{}))

	inserted, err = store.UpsertPending(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.False(t, inserted)

	rec, err := store.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCrawling, rec.Status, "re-submission must not reset status")

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), total(counts))
}

func testSetStatus(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := open(t, newStore)
	url := "https://example.com/s"
	_, err := store.UpsertPending(ctx, url)
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetStatus(ctx, url, crawler.StatusFailed, crawler.StatusUpdate{
		ErrorMessage: crawler.Ptr("fetch failed: 404 Not Found"),
		CrawledAt:    &at,
	}))
	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	require.Contains(t, *rec.ErrorMessage, "404")
	require.NotNil(t, rec.CrawledAt)
	require.True(t, at.Equal(*rec.CrawledAt))

	require.NoError(t, store.SetStatus(ctx, url, crawler.StatusClassifying, crawler.StatusUpdate{}))
	rec, err = store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusClassifying, rec.Status)
	require.Nil(t, rec.ErrorMessage)

	require.NoError(t, store.SetStatus(ctx, url, crawler.StatusClassifying, crawler.StatusUpdate{
		Classification: crawler.Ptr("OTHER"),
		Confidence:     crawler.Ptr(0.9),
	}))
	require.NoError(t, store.SetStatus(ctx, url, crawler.StatusSkipped, crawler.StatusUpdate{CrawledAt: &at}))
	rec, err = store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusSkipped, rec.Status)
	require.Equal(t, "OTHER", *rec.Classification)
	require.InDelta(t, 0.9, *rec.Confidence, 1e-9)
	require.Nil(t, rec.Content)
}

func testClaimPending(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := open(t, newStore)
	url := "https://example.com/c"
	_, err := store.UpsertPending(ctx, url)
	require.NoError(t, err)

	status, claimed, err := store.ClaimPending(ctx, url, crawler.StatusCrawling)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, crawler.StatusCrawling, status)

	require.NoError(t, store.CommitCrawlResult(ctx, url, "text", nil, time.Now().UTC()))

	status, claimed, err = store.ClaimPending(ctx, url, crawler.StatusCrawling)
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, crawler.StatusCrawled, status)

	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCrawled, rec.Status)
	require.Equal(t, "text", *rec.Content)

	_, _, err = store.ClaimPending(ctx, "https://example.com/missing", crawler.StatusCrawling)
	require.True(t, errors.Is(err, crawler.ErrNotFound), "got %v", err)
}

func testConcurrentClaim(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := open(t, newStore)
	url := "https://example.com/race"
	_, err := store.UpsertPending(ctx, url)
	require.NoError(t, err)

	const claimers = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := store.ClaimPending(ctx, url, crawler.StatusClassifying)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, won)
}

func testSetStatusUnknownURL(t *testing.T, newStore Factory) {
	store := open(t, newStore)
	err := store.SetStatus(context.Background(), "https://example.com/missing", crawler.StatusCrawling, crawler.StatusUpdate{})
	require.True(t, errors.Is(err, crawler.ErrNotFound), "got %v", err)

	_, err = store.Get(context.Background(), "https://example.com/missing")
	require.True(t, errors.Is(err, crawler.ErrNotFound), "got %v", err)
}

func testCommit(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := open(t, newStore)
	url := "https://example.com/a"
	_, err := store.UpsertPending(ctx, url)
	require.NoError(t, err)
	_, err = store.UpsertPending(ctx, "https://example.com/known")
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, "https://example.com/known", crawler.StatusSkipped, crawler.StatusUpdate{}))
	require.NoError(t, store.SetStatus(ctx, url, crawler.StatusCrawling, crawler.StatusUpdate{}))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	links := []string{"https://example.com/b", "https://example.com/known", "https://example.com/b"}
	require.NoError(t, store.CommitCrawlResult(ctx, url, "Hello world", links, at))

	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCrawled, rec.Status)
	require.NotNil(t, rec.Content)
	require.Equal(t, "Hello world", *rec.Content)
	require.Nil(t, rec.ErrorMessage)
	require.NotNil(t, rec.CrawledAt)
	require.True(t, at.Equal(*rec.CrawledAt))

	b, err := store.Get(ctx, "https://example.com/b")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, b.Status)

	known, err := store.Get(ctx, "https://example.com/known")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusSkipped, known.Status, "existing rows are left untouched")

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), total(counts))
}

func testSelectPendingBatch(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := open(t, newStore)
	for i := range 7 {
		_, err := store.UpsertPending(ctx, fmt.Sprintf("https://example.com/%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, store.SetStatus(ctx, "https://example.com/0", crawler.StatusCrawling, crawler.StatusUpdate{}))

	batch, err := store.SelectPendingBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, batch, 5)
	require.NotContains(t, batch, "https://example.com/0")
	seen := make(map[string]bool)
	for _, url := range batch {
		require.False(t, seen[url], "duplicate %s", url)
		seen[url] = true
	}

	batch, err = store.SelectPendingBatch(ctx, 100)
	require.NoError(t, err)
	require.Len(t, batch, 6)
}

func testConcurrentDiscovery(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := open(t, newStore)
	parents := []string{"https://example.com/p1", "https://example.com/p2", "https://example.com/p3", "https://example.com/p4"}
	for _, p := range parents {
		_, err := store.UpsertPending(ctx, p)
		require.NoError(t, err)
	}

	shared := "https://example.com/shared"
	var wg sync.WaitGroup
	errs := make(chan error, len(parents)+1)
	for _, p := range parents {
		wg.Add(1)
		go func(parent string) {
			defer wg.Done()
			errs <- store.CommitCrawlResult(ctx, parent, "text", []string{shared, parent + "/child"}, time.Now())
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := store.UpsertPending(ctx, shared)
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := store.Get(ctx, shared)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, rec.Status)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(parents)), counts[crawler.StatusCrawled])
	require.Equal(t, int64(len(parents)+1), counts[crawler.StatusPending])
}

func testCountByStatus(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := open(t, newStore)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Zero(t, total(counts))

	for _, u := range []string{"https://a.example/", "https://b.example/", "https://c.example/"} {
		_, err := store.UpsertPending(ctx, u)
		require.NoError(t, err)
	}
	require.NoError(t, store.SetStatus(ctx, "https://a.example/", crawler.StatusFailed, crawler.StatusUpdate{
		ErrorMessage: crawler.Ptr("boom"),
	}))

	counts, err = store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[crawler.StatusPending])
	require.Equal(t, int64(1), counts[crawler.StatusFailed])
}

func total(counts map[crawler.Status]int64) int64 {
	var n int64
	for _, c := range counts {
		n += c
	}
	return n
}
