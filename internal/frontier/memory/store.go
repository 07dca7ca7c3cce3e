// Package memory provides an in-process frontier store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

type entry struct {
	record crawler.URLRecord
	seq    uint64
}

// Store keeps every URL row in a map guarded by a single mutex.
type Store struct {
	mu   sync.RWMutex
	rows map[string]*entry
	seq  uint64
}

var _ crawler.FrontierStore = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{rows: make(map[string]*entry)}
}

// UpsertPending inserts url as pending when it is not already known.
func (s *Store) UpsertPending(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(url), nil
}

// ClaimPending moves url from pending to next under the store lock.
func (s *Store) ClaimPending(_ context.Context, url string, next crawler.Status) (crawler.Status, bool, error) {
	if !next.Valid() {
		return "", false, fmt.Errorf("%w: unknown status %q", crawler.ErrInvalidInput, next)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[url]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", crawler.ErrNotFound, url)
	}
	if e.record.Status != crawler.StatusPending {
		return e.record.Status, false, nil
	}
	e.record.Status = next
	e.record.ErrorMessage = nil
	return next, true, nil
}

// SetStatus updates one row.
func (s *Store) SetStatus(_ context.Context, url string, status crawler.Status, update crawler.StatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", crawler.ErrInvalidInput, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[url]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrNotFound, url)
	}
	rec := &e.record
	rec.Status = status
	if update.Content != nil {
		rec.Content = crawler.Ptr(*update.Content)
	}
	if update.Classification != nil {
		rec.Classification = crawler.Ptr(*update.Classification)
	}
	if update.Confidence != nil {
		rec.Confidence = crawler.Ptr(*update.Confidence)
	}
	if update.CrawledAt != nil {
		rec.CrawledAt = crawler.Ptr(*update.CrawledAt)
	}
	switch {
	case status != crawler.StatusFailed:
		rec.ErrorMessage = nil
	case update.ErrorMessage != nil:
		rec.ErrorMessage = crawler.Ptr(*update.ErrorMessage)
	}
	return nil
}

// CommitCrawlResult marks url crawled and inserts links as pending under one lock,
// so concurrent commits discovering the same link create exactly one row.
func (s *Store) CommitCrawlResult(_ context.Context, url, text string, links []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[url]
	if !ok {
		return fmt.Errorf("%w: commit %s: %w", crawler.ErrPersistence, url, crawler.ErrNotFound)
	}
	e.record.Status = crawler.StatusCrawled
	e.record.Content = crawler.Ptr(text)
	e.record.CrawledAt = crawler.Ptr(at)
	e.record.ErrorMessage = nil
	for _, link := range links {
		s.insertLocked(link)
	}
	return nil
}

// SelectPendingBatch returns up to limit pending URLs in insertion order.
func (s *Store) SelectPendingBatch(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]*entry, 0)
	for _, e := range s.rows {
		if e.record.Status == crawler.StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]string, 0, len(pending))
	for _, e := range pending {
		out = append(out, e.record.URL)
	}
	return out, nil
}

// Get returns a copy of the row for url.
func (s *Store) Get(_ context.Context, url string) (crawler.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rows[url]
	if !ok {
		return crawler.URLRecord{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, url)
	}
	return cloneRecord(e.record), nil
}

// CountByStatus returns row counts keyed by status.
func (s *Store) CountByStatus(_ context.Context) (map[crawler.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[crawler.Status]int64)
	for _, e := range s.rows {
		counts[e.record.Status]++
	}
	return counts, nil
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) insertLocked(url string) bool {
	if _, exists := s.rows[url]; exists {
		return false
	}
	s.seq++
	s.rows[url] = &entry{
		record: crawler.URLRecord{URL: url, Status: crawler.StatusPending},
		seq:    s.seq,
	}
	return true
}

func cloneRecord(r crawler.URLRecord) crawler.URLRecord {
	out := crawler.URLRecord{URL: r.URL, Status: r.Status}
	if r.Content != nil {
		out.Content = crawler.Ptr(*r.Content)
	}
	if r.Classification != nil {
		out.Classification = crawler.Ptr(*r.Classification)
	}
	if r.Confidence != nil {
		out.Confidence = crawler.Ptr(*r.Confidence)
	}
	if r.ErrorMessage != nil {
		out.ErrorMessage = crawler.Ptr(*r.ErrorMessage)
	}
	if r.CrawledAt != nil {
		out.CrawledAt = crawler.Ptr(*r.CrawledAt)
	}
	return out
}
