// Package postgres provides the Postgres-backed frontier store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements crawler.FrontierStore on a single urls table.
type Store struct {
	pool pool
}

var _ crawler.FrontierStore = (*Store)(nil)

const (
	upsertPendingSQL = `INSERT INTO urls (url, status) VALUES ($1, 'pending') ON CONFLICT (url) DO NOTHING`

	claimPendingSQL = `
UPDATE urls SET status = $2, error_message = NULL, updated_at = NOW()
WHERE url = $1 AND status = 'pending'`

	statusSQL = `SELECT status FROM urls WHERE url = $1`

	setStatusSQL = `
UPDATE urls SET
	status = $2,
	content = COALESCE($3, content),
	classification = COALESCE($4, classification),
	confidence = COALESCE($5, confidence),
	error_message = CASE WHEN $2 = 'failed' THEN COALESCE($6, error_message) ELSE NULL END,
	crawled_at = COALESCE($7, crawled_at),
	updated_at = NOW()
WHERE url = $1`

	markCrawledSQL = `
UPDATE urls SET
	status = 'crawled',
	content = $2,
	crawled_at = $3,
	error_message = NULL,
	updated_at = NOW()
WHERE url = $1`

	insertLinksSQL = `
INSERT INTO urls (url, status)
SELECT link, 'pending' FROM unnest($1::text[]) AS link
ON CONFLICT (url) DO NOTHING`

	selectPendingSQL = `SELECT url FROM urls WHERE status = 'pending' ORDER BY created_at, url LIMIT $1`

	getSQL = `
SELECT url, status, content, classification, confidence, error_message, crawled_at
FROM urls WHERE url = $1`

	countByStatusSQL = `SELECT status, COUNT(*) FROM urls GROUP BY status`
)

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertPending inserts url as pending if absent.
func (s *Store) UpsertPending(ctx context.Context, url string) (bool, error) {
	tag, err := s.pool.Exec(ctx, upsertPendingSQL, url)
	if err != nil {
		return false, fmt.Errorf("%w: upsert pending: %w", crawler.ErrPersistence, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimPending moves url from pending to next. The WHERE clause makes the claim
// atomic across processes sharing the table.
func (s *Store) ClaimPending(ctx context.Context, url string, next crawler.Status) (crawler.Status, bool, error) {
	if !next.Valid() {
		return "", false, fmt.Errorf("%w: unknown status %q", crawler.ErrInvalidInput, next)
	}
	tag, err := s.pool.Exec(ctx, claimPendingSQL, url, string(next))
	if err != nil {
		return "", false, fmt.Errorf("%w: claim %s: %w", crawler.ErrPersistence, url, err)
	}
	if tag.RowsAffected() == 1 {
		return next, true, nil
	}

	var status string
	err = s.pool.QueryRow(ctx, statusSQL, url).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
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
	tag, err := s.pool.Exec(ctx, setStatusSQL,
		url,
		string(status),
		update.Content,
		update.Classification,
		update.Confidence,
		update.ErrorMessage,
		update.CrawledAt,
	)
	if err != nil {
		return fmt.Errorf("%w: set status %s: %w", crawler.ErrPersistence, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrNotFound, url)
	}
	return nil
}

// CommitCrawlResult records the crawl outcome and enqueues links in one transaction.
func (s *Store) CommitCrawlResult(ctx context.Context, url, text string, links []string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin commit: %w", crawler.ErrPersistence, err)
	}

	tag, err := tx.Exec(ctx, markCrawledSQL, url, text, at)
	if err != nil {
		return rollback(ctx, tx, fmt.Errorf("mark crawled: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return rollback(ctx, tx, fmt.Errorf("mark crawled %s: %w", url, crawler.ErrNotFound))
	}

	// Sorted so concurrent commits touching the same links take row locks in the same order.
	if ordered := sortedUnique(links); len(ordered) > 0 {
		if _, err := tx.Exec(ctx, insertLinksSQL, ordered); err != nil {
			return rollback(ctx, tx, fmt.Errorf("insert links: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", crawler.ErrPersistence, err)
	}
	return nil
}

// SelectPendingBatch returns up to limit pending URLs, oldest first.
func (s *Store) SelectPendingBatch(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, selectPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: select pending: %w", crawler.ErrPersistence, err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: scan pending: %w", crawler.ErrPersistence, err)
	}
	return urls, nil
}

// Get loads one row.
func (s *Store) Get(ctx context.Context, url string) (crawler.URLRecord, error) {
	var (
		rec    crawler.URLRecord
		status string
	)
	err := s.pool.QueryRow(ctx, getSQL, url).Scan(
		&rec.URL,
		&status,
		&rec.Content,
		&rec.Classification,
		&rec.Confidence,
		&rec.ErrorMessage,
		&rec.CrawledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.URLRecord{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, url)
	}
	if err != nil {
		return crawler.URLRecord{}, fmt.Errorf("%w: get %s: %w", crawler.ErrPersistence, url, err)
	}
	rec.Status = crawler.Status(status)
	return rec, nil
}

// CountByStatus returns row counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[crawler.Status]int64, error) {
	rows, err := s.pool.Query(ctx, countByStatusSQL)
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

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("%w: %w (rollback: %v)", crawler.ErrPersistence, cause, err)
	}
	return fmt.Errorf("%w: %w", crawler.ErrPersistence, cause)
}

func sortedUnique(links []string) []string {
	if len(links) == 0 {
		return nil
	}
	out := slices.Clone(links)
	slices.Sort(out)
	return slices.Compact(out)
}
