package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/clock"
	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
	"github.com/JakeFAU/spidermini-crawler/internal/frontier/memory"
	queuememory "github.com/JakeFAU/spidermini-crawler/internal/queue/memory"
	"github.com/JakeFAU/spidermini-crawler/internal/worker"
)

func seedStore(t *testing.T, n int) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for i := range n {
		_, err := store.UpsertPending(context.Background(), fmt.Sprintf("https://example.com/%d", i))
		require.NoError(t, err)
	}
	return store
}

func TestRunCycleEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	c := newFakeCrawler()
	d := New(memory.NewStore(), c, queuememory.NewQueue(1), 1, zap.NewNop())

	res, err := d.RunCycle(context.Background(), 5)
	require.NoError(t, err)
	require.Zero(t, res.Selected)
	require.Empty(t, c.calls())
}

func TestRunCycleBoundsConcurrencyAndCrawlsEachURLOnce(t *testing.T) {
	t.Parallel()

	c := newFakeCrawler()
	c.delay = 20 * time.Millisecond
	c.statuses["https://example.com/1"] = crawler.StatusFailed
	c.statuses["https://example.com/2"] = crawler.StatusSkipped
	d := New(seedStore(t, 7), c, queuememory.NewQueue(1), 1, zap.NewNop())

	res, err := d.RunCycle(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 5, res.Selected)
	require.Equal(t, 1, res.Statuses[crawler.StatusFailed])
	require.Equal(t, 1, res.Statuses[crawler.StatusSkipped])
	require.Equal(t, 3, res.Statuses[crawler.StatusCrawled])

	calls := c.calls()
	require.Len(t, calls, 5)
	seen := make(map[string]bool)
	for _, url := range calls {
		require.False(t, seen[url], "crawled %s twice", url)
		seen[url] = true
	}
	require.LessOrEqual(t, c.maxActive(), 5)
}

func TestRunCycleLimitsParallelism(t *testing.T) {
	t.Parallel()

	c := newFakeCrawler()
	c.delay = 20 * time.Millisecond
	d := New(seedStore(t, 2), c, queuememory.NewQueue(1), 1, zap.NewNop())

	_, err := d.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, c.maxActive())
	require.Len(t, c.calls(), 1)
}

func TestRunCycleSelectErrorAbortsCycle(t *testing.T) {
	t.Parallel()

	c := newFakeCrawler()
	d := New(failingStore{Store: memory.NewStore()}, c, queuememory.NewQueue(1), 1, zap.NewNop())

	_, err := d.RunCycle(context.Background(), 5)
	require.ErrorIs(t, err, crawler.ErrPersistence)
	require.Empty(t, c.calls())
}

func TestRunCycleRejectsNonPositiveLimit(t *testing.T) {
	t.Parallel()

	d := New(memory.NewStore(), newFakeCrawler(), queuememory.NewQueue(1), 1, zap.NewNop())
	_, err := d.RunCycle(context.Background(), 0)
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
}

func TestRunCycleCanceledContext(t *testing.T) {
	t.Parallel()

	c := newFakeCrawler()
	d := New(seedStore(t, 3), c, queuememory.NewQueue(1), 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.RunCycle(ctx, 3)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, c.calls())
}

func TestRunConsumesQueueUntilClosed(t *testing.T) {
	t.Parallel()

	c := newFakeCrawler()
	queue := queuememory.NewQueue(4)
	d := New(memory.NewStore(), c, queue, 2, zap.NewNop())

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	require.NoError(t, d.Enqueue(context.Background(), "https://example.com/seed"))
	require.Eventually(t, func() bool {
		return len(c.calls()) == 1
	}, time.Second, 10*time.Millisecond)

	queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	d := New(memory.NewStore(), newFakeCrawler(), queuememory.NewQueue(1), 3, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestCrawlOnceSkipsInflightURL(t *testing.T) {
	t.Parallel()

	c := newFakeCrawler()
	c.release = make(chan struct{})
	d := New(memory.NewStore(), c, queuememory.NewQueue(1), 1, zap.NewNop())

	first := make(chan crawler.Status, 1)
	go func() {
		status, _ := d.crawlOnce(context.Background(), "https://example.com/x")
		first <- status
	}()
	require.Eventually(t, func() bool { return len(c.calls()) == 1 }, time.Second, 5*time.Millisecond)

	_, ok := d.crawlOnce(context.Background(), "https://example.com/x")
	require.False(t, ok)

	close(c.release)
	require.Equal(t, crawler.StatusCrawled, <-first)

	_, ok = d.crawlOnce(context.Background(), "https://example.com/x")
	require.True(t, ok)
}

func TestCrawlOnceSkipsRowThatLeftPending(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 1)
	url := "https://example.com/0"
	require.NoError(t, store.SetStatus(context.Background(), url, crawler.StatusSkipped, crawler.StatusUpdate{}))
	c := newFakeCrawler()
	d := New(store, c, queuememory.NewQueue(1), 1, zap.NewNop())

	status, ok := d.crawlOnce(context.Background(), url)
	require.False(t, ok)
	require.Equal(t, crawler.StatusSkipped, status)
	require.Empty(t, c.calls())
}

func TestSeedQueueDoesNotRecrawlURLFinishedByBatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const url = "https://example.com/a"
	store := memory.NewStore()
	_, err := store.UpsertPending(ctx, url)
	require.NoError(t, err)

	fetcher := &countingFetcher{}
	w := worker.New(store, fetcher, nil, nil, nil, clock.System{}, worker.Config{}, zap.NewNop())
	queue := queuememory.NewQueue(4)
	d := New(store, w, queue, 1, zap.NewNop())

	// The seed is queued, but a batch cycle reaches the row first.
	require.NoError(t, d.Enqueue(ctx, url))
	res, err := d.RunCycle(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, res.Statuses[crawler.StatusCrawled])
	require.Equal(t, 1, fetcher.count())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}

	require.Equal(t, 1, fetcher.count())
	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCrawled, rec.Status)
	require.Equal(t, "hello", *rec.Content)
}

func TestEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(1)
	queue.Close()
	d := New(memory.NewStore(), newFakeCrawler(), queue, 1, zap.NewNop())

	err := d.Enqueue(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	require.ErrorContains(t, err, "queue enqueue")
}

type fakeCrawler struct {
	mu       sync.Mutex
	urls     []string
	statuses map[string]crawler.Status
	delay    time.Duration
	release  chan struct{}
	active   int
	peak     int
}

func newFakeCrawler() *fakeCrawler {
	return &fakeCrawler{statuses: make(map[string]crawler.Status)}
}

func (c *fakeCrawler) Crawl(_ context.Context, url string) crawler.Status {
	c.mu.Lock()
	c.urls = append(c.urls, url)
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	release := c.release
	c.mu.Unlock()

	if release != nil {
		<-release
	}
	time.Sleep(c.delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if status, ok := c.statuses[url]; ok {
		return status
	}
	return crawler.StatusCrawled
}

func (c *fakeCrawler) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

func (c *fakeCrawler) maxActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

type failingStore struct {
	*memory.Store
}

func (failingStore) SelectPendingBatch(context.Context, int) ([]string, error) {
	return nil, errors.Join(crawler.ErrPersistence, errors.New("connection reset"))
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return crawler.FetchResponse{
		URL:         req.URL,
		StatusCode:  200,
		Status:      "OK",
		ContentType: "text/html",
		Body:        []byte("<p>hello</p>"),
	}, nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
