package crawler

import (
	"context"
	"time"
)

// FrontierStore persists the set of known URLs and their crawl state.
type FrontierStore interface {
	// UpsertPending inserts url as pending when absent and reports whether a row was created.
	UpsertPending(ctx context.Context, url string) (bool, error)
	// ClaimPending moves url from pending to next and reports the row's status
	// afterwards plus whether this call made the move. A row in any other status is
	// left untouched. An unknown url returns ErrNotFound.
	ClaimPending(ctx context.Context, url string, next Status) (Status, bool, error)
	// SetStatus unconditionally updates one row; error_message is cleared unless status is failed.
	SetStatus(ctx context.Context, url string, status Status, update StatusUpdate) error
	// CommitCrawlResult marks url crawled and inserts every link as pending in one transaction.
	CommitCrawlResult(ctx context.Context, url, text string, links []string, at time.Time) error
	// SelectPendingBatch returns up to limit pending URLs.
	SelectPendingBatch(ctx context.Context, limit int) ([]string, error)
	// Get loads one row or returns ErrNotFound.
	Get(ctx context.Context, url string) (URLRecord, error)
	// CountByStatus returns row counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	Close()
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Classifier asks the prediction service for a URL's category.
type Classifier interface {
	Classify(ctx context.Context, url string) (Prediction, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for seed-triggered crawls.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
