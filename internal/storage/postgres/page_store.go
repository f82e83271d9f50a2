// Package postgres provides the Postgres audit trail of crawled page outcomes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_pages"

// PageStoreConfig controls the Postgres connection pool used for page rows.
type PageStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execPinger interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// PageStore writes one row per visited page. Page text is never stored.
type PageStore struct {
	pool  execPinger
	table string
}

// NewPageStore connects to Postgres and ensures the table exists.
func NewPageStore(ctx context.Context, cfg PageStoreConfig) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PageStore{pool: pool, table: table}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(pool execPinger, table string) (*PageStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &PageStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

var _ crawler.PageRecorder = (*PageStore)(nil)

// EnsureSchema creates the page table when missing.
func (s *PageStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id            TEXT        NOT NULL,
	url               TEXT        NOT NULL,
	final_url         TEXT,
	outcome           TEXT        NOT NULL,
	status_code       INTEGER,
	reason            TEXT,
	fragments         INTEGER     NOT NULL DEFAULT 0,
	links             INTEGER     NOT NULL DEFAULT 0,
	attempts          INTEGER     NOT NULL DEFAULT 1,
	fetched_at        TIMESTAMPTZ NOT NULL,
	duration_ms       BIGINT      NOT NULL DEFAULT 0,
	document_name     TEXT,
	submitted         BOOLEAN     NOT NULL DEFAULT FALSE,
	submission_status INTEGER,
	submission_error  TEXT,
	extract_error     TEXT,
	PRIMARY KEY (job_id, url)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordPage inserts the page outcome. A page is recorded at most once per job.
func (s *PageStore) RecordPage(ctx context.Context, page crawler.PageRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("page store is not configured")
	}
	if page.JobID == "" || page.URL == "" {
		return errors.New("job id and url are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	url,
	final_url,
	outcome,
	status_code,
	reason,
	fragments,
	links,
	attempts,
	fetched_at,
	duration_ms,
	document_name,
	submitted,
	submission_status,
	submission_error,
	extract_error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (job_id, url) DO NOTHING`, s.table)

	var (
		documentName     *string
		submitted        bool
		submissionStatus *int
		submissionError  *string
	)
	if sub := page.Submission; sub != nil {
		documentName = nullableString(sub.DocumentName)
		submitted = sub.Success
		if sub.StatusCode != 0 {
			code := sub.StatusCode
			submissionStatus = &code
		}
		submissionError = nullableString(sub.Error)
	}

	args := []any{
		page.JobID,
		page.URL,
		nullableString(page.FinalURL),
		string(page.Outcome),
		nullableInt(page.StatusCode),
		nullableString(page.Reason),
		page.Fragments,
		page.Links,
		page.Attempts,
		page.FetchedAt,
		page.DurationMs,
		documentName,
		submitted,
		submissionStatus,
		submissionError,
		nullableString(page.ExtractError),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
