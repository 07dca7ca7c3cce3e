// Package dispatcher fans crawl work out to the worker, either from pending
// batches selected out of the frontier or from the seed queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
	"github.com/JakeFAU/spidermini-crawler/internal/metrics"
)

// Crawler runs one URL to a terminal status. *worker.Worker implements it.
type Crawler interface {
	Crawl(ctx context.Context, url string) crawler.Status
}

// CycleResult summarizes one batch cycle.
type CycleResult struct {
	Selected int
	Statuses map[crawler.Status]int
	// Duplicates counts URLs skipped because this process was already crawling
	// them or because they had left pending.
	Duplicates int
}

// Dispatcher fans out frontier work to the crawler.
type Dispatcher struct {
	store   crawler.FrontierStore
	crawler Crawler
	queue   crawler.Queue
	workers int
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Dispatcher. workers bounds the goroutines draining the seed queue.
func New(store crawler.FrontierStore, c Crawler, queue crawler.Queue, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Dispatcher{
		store:    store,
		crawler:  c,
		queue:    queue,
		workers:  workers,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// RunCycle selects up to limit pending URLs and crawls them with at most limit
// running at once. A failed URL never aborts its siblings; only a store error on
// selection or cancellation of ctx fails the cycle.
func (d *Dispatcher) RunCycle(ctx context.Context, limit int) (CycleResult, error) {
	result := CycleResult{Statuses: make(map[crawler.Status]int)}
	if limit <= 0 {
		return result, fmt.Errorf("%w: batch size must be positive, got %d", crawler.ErrInvalidInput, limit)
	}

	start := time.Now()
	urls, err := d.store.SelectPendingBatch(ctx, limit)
	if err != nil {
		metrics.ObserveBatch("error", 0)
		return result, fmt.Errorf("select pending batch: %w", err)
	}
	result.Selected = len(urls)
	if len(urls) == 0 {
		metrics.ObserveBatch("empty", 0)
		d.logger.Info("no pending urls to crawl")
		return result, nil
	}
	d.logger.Info("starting batch cycle", zap.Int("urls", len(urls)), zap.Int("limit", limit))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, url := range urls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			status, ok := d.crawlOnce(gctx, url)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				result.Duplicates++
				return nil
			}
			result.Statuses[status]++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ObserveBatch("canceled", len(urls))
		return result, fmt.Errorf("batch cycle interrupted: %w", err)
	}

	metrics.ObserveBatch("completed", len(urls))
	d.logger.Info("batch cycle finished",
		zap.Int("urls", len(urls)),
		zap.Int("crawled", result.Statuses[crawler.StatusCrawled]),
		zap.Int("skipped", result.Statuses[crawler.StatusSkipped]),
		zap.Int("failed", result.Statuses[crawler.StatusFailed]),
		zap.Int("duplicates", result.Duplicates),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Run starts the queue consumers and blocks until the context finishes or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range d.workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.consume(ctx, id)
		}(i)
	}
	wg.Wait()
}

// Enqueue schedules an asynchronous crawl of url.
func (d *Dispatcher) Enqueue(ctx context.Context, url string) error {
	item := crawler.QueueItem{URL: url, Submitted: time.Now().UnixNano()}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) consume(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("consumer", id))
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				logger.Info("queue closed, consumer exiting")
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued url", zap.String("url", item.URL))
		if status, ok := d.crawlOnce(ctx, item.URL); !ok {
			logger.Debug("seeded url already handled",
				zap.String("url", item.URL),
				zap.String("status", string(status)),
			)
		}
	}
}

// crawlOnce runs the crawler unless this process is already crawling url or
// the row is no longer pending. Lookup errors fall through to the crawler,
// which records them on the row.
func (d *Dispatcher) crawlOnce(ctx context.Context, url string) (crawler.Status, bool) {
	if rec, err := d.store.Get(ctx, url); err == nil && rec.Status != crawler.StatusPending {
		return rec.Status, false
	}

	d.mu.Lock()
	if _, busy := d.inflight[url]; busy {
		d.mu.Unlock()
		return "", false
	}
	d.inflight[url] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inflight, url)
		d.mu.Unlock()
	}()
	return d.crawler.Crawl(ctx, url), true
}
