// Package sqlite provides a single-file frontier store for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const timeLayout = time.RFC3339Nano

// Store implements crawler.FrontierStore on SQLite.
//
// The pool is limited to one connection: SQLite has a single writer, and an
// in-memory database only exists on the connection that created it.
type Store struct {
	db *sql.DB
}

var _ crawler.FrontierStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS urls (
	url            TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'pending'
	               CHECK (status IN ('pending', 'classifying', 'crawling', 'crawled', 'skipped', 'failed')),
	content        TEXT,
	classification TEXT,
	confidence     REAL,
	error_message  TEXT,
	crawled_at     TEXT,
	created_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS urls_status_idx ON urls (status, created_at);
`

// Open opens or creates the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db.sqlite_path is required")
	}
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if path != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// UpsertPending inserts url as pending if absent.
func (s *Store) UpsertPending(ctx context.Context, url string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO urls (url, status) VALUES (?, 'pending') ON CONFLICT (url) DO NOTHING`, url)
	if err != nil {
		return false, fmt.Errorf("%w: upsert pending: %w", crawler.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: upsert pending: %w", crawler.ErrPersistence, err)
	}
	return n == 1, nil
}

// ClaimPending moves url from pending to next with a conditional update.
func (s *Store) ClaimPending(ctx context.Context, url string, next crawler.Status) (crawler.Status, bool, error) {
	if !next.Valid() {
		return "", false, fmt.Errorf("%w: unknown status %q", crawler.ErrInvalidInput, next)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE urls SET
	status = ?2,
	error_message = NULL,
	updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
WHERE url = ?1 AND status = 'pending'`, url, string(next))
	if err != nil {
		return "", false, fmt.Errorf("%w: claim %s: %w", crawler.ErrPersistence, url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("%w: claim %s: %w", crawler.ErrPersistence, url, err)
	}
	if n == 1 {
		return next, true, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM urls WHERE url = ?`, url).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("%w: %s", crawler.ErrNotFound, url)
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: claim %s: %w", crawler.ErrPersistence, url, err)
	}
	return crawler.Status(status), false, nil
}

// SetStatus updates one row.
func (s *Store) SetStatus(ctx context.Context, url string, status crawler.Status, update crawler.StatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", crawler.ErrInvalidInput, status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE urls SET
	status = ?2,
	content = COALESCE(?3, content),
	classification = COALESCE(?4, classification),
	confidence = COALESCE(?5, confidence),
	error_message = CASE WHEN ?2 = 'failed' THEN COALESCE(?6, error_message) ELSE NULL END,
	crawled_at = COALESCE(?7, crawled_at),
	updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
WHERE url = ?1`,
		url,
		string(status),
		nullable(update.Content),
		nullable(update.Classification),
		nullable(update.Confidence),
		nullable(update.ErrorMessage),
		nullable(formatTime(update.CrawledAt)),
	)
	if err != nil {
		return fmt.Errorf("%w: set status %s: %w", crawler.ErrPersistence, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: set status %s: %w", crawler.ErrPersistence, status, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrNotFound, url)
	}
	return nil
}

// CommitCrawlResult records the crawl outcome and enqueues links in one transaction.
func (s *Store) CommitCrawlResult(ctx context.Context, url, text string, links []string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin commit: %w", crawler.ErrPersistence, err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE urls SET
	status = 'crawled',
	content = ?,
	crawled_at = ?,
	error_message = NULL,
	updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
WHERE url = ?`, text, at.UTC().Format(timeLayout), url)
	if err != nil {
		return rollback(tx, fmt.Errorf("mark crawled: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		if err == nil {
			err = crawler.ErrNotFound
		}
		return rollback(tx, fmt.Errorf("mark crawled %s: %w", url, err))
	}

	if len(links) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO urls (url, status) VALUES (?, 'pending') ON CONFLICT (url) DO NOTHING`)
		if err != nil {
			return rollback(tx, fmt.Errorf("prepare link insert: %w", err))
		}
		defer stmt.Close()

		ordered := slices.Compact(slices.Sorted(slices.Values(links)))
		for _, link := range ordered {
			if _, err := stmt.ExecContext(ctx, link); err != nil {
				return rollback(tx, fmt.Errorf("insert link %s: %w", link, err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", crawler.ErrPersistence, err)
	}
	return nil
}

// SelectPendingBatch returns up to limit pending URLs in insertion order.
func (s *Store) SelectPendingBatch(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM urls WHERE status = 'pending' ORDER BY created_at, rowid LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: select pending: %w", crawler.ErrPersistence, err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("%w: scan pending: %w", crawler.ErrPersistence, err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: select pending: %w", crawler.ErrPersistence, err)
	}
	return urls, nil
}

// Get loads one row.
func (s *Store) Get(ctx context.Context, url string) (crawler.URLRecord, error) {
	var (
		rec            crawler.URLRecord
		status         string
		content        sql.NullString
		classification sql.NullString
		confidence     sql.NullFloat64
		errorMessage   sql.NullString
		crawledAt      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT url, status, content, classification, confidence, error_message, crawled_at
FROM urls WHERE url = ?`, url).Scan(
		&rec.URL, &status, &content, &classification, &confidence, &errorMessage, &crawledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.URLRecord{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, url)
	}
	if err != nil {
		return crawler.URLRecord{}, fmt.Errorf("%w: get %s: %w", crawler.ErrPersistence, url, err)
	}

	rec.Status = crawler.Status(status)
	if content.Valid {
		rec.Content = crawler.Ptr(content.String)
	}
	if classification.Valid {
		rec.Classification = crawler.Ptr(classification.String)
	}
	if confidence.Valid {
		rec.Confidence = crawler.Ptr(confidence.Float64)
	}
	if errorMessage.Valid {
		rec.ErrorMessage = crawler.Ptr(errorMessage.String)
	}
	if crawledAt.Valid {
		t, err := time.Parse(timeLayout, crawledAt.String)
		if err != nil {
			return crawler.URLRecord{}, fmt.Errorf("%w: parse crawled_at: %w", crawler.ErrPersistence, err)
		}
		rec.CrawledAt = &t
	}
	return rec, nil
}

// CountByStatus returns row counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[crawler.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM urls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: count by status: %w", crawler.ErrPersistence, err)
	}
	defer rows.Close()

	counts := make(map[crawler.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: scan count: %w", crawler.ErrPersistence, err)
		}
		counts[crawler.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: count by status: %w", crawler.ErrPersistence, err)
	}
	return counts, nil
}

func rollback(tx *sql.Tx, cause error) error {
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("%w: %w (rollback: %v)", crawler.ErrPersistence, cause, err)
	}
	return fmt.Errorf("%w: %w", crawler.ErrPersistence, cause)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return crawler.Ptr(t.UTC().Format(timeLayout))
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
