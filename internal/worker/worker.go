// Package worker runs the per-URL crawl state machine.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/classifier"
	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
	"github.com/JakeFAU/spidermini-crawler/internal/extract"
	"github.com/JakeFAU/spidermini-crawler/internal/metrics"
)

// notPendingError reports that the row left pending before this attempt could claim it.
type notPendingError struct {
	status crawler.Status
}

func (e notPendingError) Error() string {
	return fmt.Sprintf("url is %s, not pending", e.status)
}

// failureRecordTimeout bounds the write of a failed row once the attempt context is gone.
const failureRecordTimeout = 5 * time.Second

// Config controls Worker behavior.
type Config struct {
	// TargetCategory is the classifier label that allows a crawl.
	TargetCategory string
	// Topic receives a crawler.CrawledEvent after each successful commit. Empty disables publishing.
	Topic string
	// AttemptTimeout bounds one Crawl call. Zero means no extra bound.
	AttemptTimeout time.Duration
}

// Worker drives one URL from pending to a terminal status.
type Worker struct {
	store      crawler.FrontierStore
	fetcher    crawler.Fetcher
	classifier crawler.Classifier
	extractor  *extract.Extractor
	publisher  crawler.Publisher
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. A nil classifier disables the classification gate.
func New(
	store crawler.FrontierStore,
	fetcher crawler.Fetcher,
	gate crawler.Classifier,
	extractor *extract.Extractor,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = extract.New(logger)
	}
	metrics.Init()
	return &Worker{
		store:      store,
		fetcher:    fetcher,
		classifier: gate,
		extractor:  extractor,
		publisher:  publisher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Crawl processes url and returns its terminal status. Errors never escape:
// every failure is recorded on the row as failed. Only a pending row is
// crawled; any other row is left alone and its current status returned.
func (w *Worker) Crawl(ctx context.Context, url string) crawler.Status {
	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()

	if !crawler.IsValidHTTPURL(url) {
		w.logger.Warn("refusing to crawl invalid url", zap.String("url", url))
		metrics.ObserveFailure(crawler.FailureKind(crawler.ErrInvalidInput))
		metrics.ObserveOutcome(string(crawler.StatusFailed))
		w.retireInvalid(ctx, url)
		return crawler.StatusFailed
	}

	if w.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		defer cancel()
	}

	status, err := w.run(ctx, url)
	var notPending notPendingError
	switch {
	case errors.As(err, &notPending):
		w.logger.Debug("url no longer pending, not crawling",
			zap.String("url", url),
			zap.String("status", string(notPending.status)),
		)
		return notPending.status
	case err != nil:
		status = w.fail(ctx, url, err)
	}
	metrics.ObserveOutcome(string(status))
	w.logger.Info("crawl finished", zap.String("url", url), zap.String("status", string(status)))
	return status
}

func (w *Worker) run(ctx context.Context, url string) (crawler.Status, error) {
	if w.classifier != nil {
		update, allowed, err := w.classify(ctx, url)
		if err != nil {
			return "", err
		}
		if !allowed {
			update.CrawledAt = crawler.Ptr(w.clock.Now())
			if err := w.transition(ctx, url, crawler.StatusSkipped, update); err != nil {
				return "", err
			}
			return crawler.StatusSkipped, nil
		}
		if err := w.transition(ctx, url, crawler.StatusCrawling, update); err != nil {
			return "", err
		}
	} else if err := w.claim(ctx, url, crawler.StatusCrawling); err != nil {
		return "", err
	}

	resp, err := w.fetch(ctx, url)
	if err != nil {
		return "", err
	}

	base := resp.URL
	if base == "" {
		base = url
	}
	res, err := w.extractor.Extract(bytes.NewReader(resp.Body), base)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", url, err)
	}
	if res.Rejected > 0 {
		w.logger.Debug("dropped unresolvable links", zap.String("url", url), zap.Int("count", res.Rejected))
	}

	crawledAt := w.clock.Now()
	if err := w.store.CommitCrawlResult(ctx, url, res.Text, res.Links, crawledAt); err != nil {
		return "", err
	}
	metrics.ObserveLinks(len(res.Links))
	w.publish(ctx, url, len(res.Links), crawledAt)
	return crawler.StatusCrawled, nil
}

// classify claims the row as classifying and asks the gate for a verdict.
func (w *Worker) classify(ctx context.Context, url string) (crawler.StatusUpdate, bool, error) {
	if err := w.claim(ctx, url, crawler.StatusClassifying); err != nil {
		return crawler.StatusUpdate{}, false, err
	}
	pred, err := w.classifier.Classify(ctx, url)
	if err != nil {
		return crawler.StatusUpdate{}, false, err
	}
	allowed := classifier.Matches(pred.Label, w.cfg.TargetCategory)
	metrics.ObserveClassification(pred.Label, allowed)
	w.logger.Debug("classified url",
		zap.String("url", url),
		zap.String("label", pred.Label),
		zap.Float64("confidence", pred.Confidence),
		zap.Bool("allowed", allowed),
	)
	return crawler.StatusUpdate{
		Classification: crawler.Ptr(pred.Label),
		Confidence:     crawler.Ptr(pred.Confidence),
	}, allowed, nil
}

func (w *Worker) fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveFetch(resp.Duration)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return crawler.FetchResponse{}, fmt.Errorf("%w: %d %s",
			crawler.ErrFetch, resp.StatusCode, resp.Status)
	}
	if !isHTML(resp.ContentType) {
		return crawler.FetchResponse{}, fmt.Errorf("%w: content is not HTML: %q",
			crawler.ErrUnsupportedContent, resp.ContentType)
	}
	return resp, nil
}

// claim makes the first move out of pending. Losing the claim means another
// crawl got there first.
func (w *Worker) claim(ctx context.Context, url string, status crawler.Status) error {
	current, claimed, err := w.store.ClaimPending(ctx, url, status)
	if err != nil {
		return fmt.Errorf("claim %s: %w", status, err)
	}
	if !claimed {
		return notPendingError{status: current}
	}
	return nil
}

// retireInvalid marks a stored row with an uncrawlable url as failed so batch
// selection stops returning it. A url with no row is left absent.
func (w *Worker) retireInvalid(ctx context.Context, url string) {
	update := crawler.StatusUpdate{
		ErrorMessage: crawler.Ptr(fmt.Sprintf("%s: not an absolute http(s) url", crawler.ErrInvalidInput)),
		CrawledAt:    crawler.Ptr(w.clock.Now()),
	}
	err := w.store.SetStatus(ctx, url, crawler.StatusFailed, update)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		w.logger.Error("record invalid url as failed", zap.String("url", url), zap.Error(err))
	}
}

func (w *Worker) transition(ctx context.Context, url string, status crawler.Status, update crawler.StatusUpdate) error {
	if err := w.store.SetStatus(ctx, url, status, update); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// fail records the failed row on a context detached from the attempt, so an
// expired attempt deadline still leaves a terminal status behind.
func (w *Worker) fail(ctx context.Context, url string, cause error) crawler.Status {
	kind := crawler.FailureKind(cause)
	metrics.ObserveFailure(kind)
	w.logger.Warn("crawl failed",
		zap.String("url", url),
		zap.String("kind", kind),
		zap.Error(cause),
	)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()
	update := crawler.StatusUpdate{
		ErrorMessage: crawler.Ptr(cause.Error()),
		CrawledAt:    crawler.Ptr(w.clock.Now()),
	}
	if err := w.store.SetStatus(recordCtx, url, crawler.StatusFailed, update); err != nil {
		w.logger.Error("record failed status", zap.String("url", url), zap.Error(err))
	}
	return crawler.StatusFailed
}

func (w *Worker) publish(ctx context.Context, url string, links int, at time.Time) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	event := crawler.CrawledEvent{URL: url, LinksDiscovered: links, CrawledAt: at}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		w.logger.Warn("publish crawled event failed", zap.String("url", url), zap.Error(err))
		return
	}
	w.logger.Debug("crawled event published", zap.String("url", url), zap.String("message_id", id))
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/html")
	}
	return mediaType == "text/html"
}
