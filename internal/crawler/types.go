// Package crawler defines core types shared across subsystems.
package crawler

import "time"

// Status represents the lifecycle state of a frontier URL.
type Status string

// Status values persisted in the frontier table.
const (
	StatusPending     Status = "pending"
	StatusClassifying Status = "classifying"
	StatusCrawling    Status = "crawling"
	StatusCrawled     Status = "crawled"
	StatusSkipped     Status = "skipped"
	StatusFailed      Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusClassifying,
	StatusCrawling,
	StatusCrawled,
	StatusSkipped,
	StatusFailed,
}

// Terminal reports whether no further transition is expected for the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCrawled, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// URLRecord is one frontier row.
type URLRecord struct {
	URL            string     `json:"url"`
	Status         Status     `json:"status"`
	Content        *string    `json:"content,omitempty"`
	Classification *string    `json:"classification,omitempty"`
	Confidence     *float64   `json:"confidence,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CrawledAt      *time.Time `json:"crawled_at,omitempty"`
}

// StatusUpdate carries the optional columns written alongside a status change.
// Nil fields are left untouched, except ErrorMessage which is cleared whenever
// the target status is not failed.
type StatusUpdate struct {
	Content        *string
	Classification *string
	Confidence     *float64
	ErrorMessage   *string
	CrawledAt      *time.Time
}

// Prediction is the classification gate's verdict for a URL.
type Prediction struct {
	Label      string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Status      string
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// CrawledEvent is published after a crawl result has been committed.
type CrawledEvent struct {
	URL             string    `json:"url"`
	LinksDiscovered int       `json:"links_discovered"`
	CrawledAt       time.Time `json:"crawled_at"`
}

// QueueItem wraps a URL ready to crawl.
type QueueItem struct {
	URL       string
	Submitted int64
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
