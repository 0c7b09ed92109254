// Package postgres keeps crawl state in a Postgres table so several hosts
// can share one resumable crawl.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

const defaultTable = "crawl_state"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store implements crawler.StateStore. A hit is sticky across upserts.
type Store struct {
	pool  pool
	table string
	now   func() time.Time
}

// New connects to Postgres and ensures the state table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the state table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	item_id    TEXT PRIMARY KEY,
	hit        BOOLEAN NOT NULL DEFAULT FALSE,
	visited_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create state table: %w", err)
	}
	return nil
}

// Load reads every visited row.
func (s *Store) Load(ctx context.Context) (crawler.CrawlState, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT item_id, hit FROM %s`, s.table))
	if err != nil {
		return crawler.CrawlState{}, fmt.Errorf("query crawl state: %w", err)
	}
	defer rows.Close()

	st := crawler.NewCrawlState()
	for rows.Next() {
		var (
			id  string
			hit bool
		)
		if err := rows.Scan(&id, &hit); err != nil {
			return crawler.CrawlState{}, fmt.Errorf("scan crawl state: %w", err)
		}
		st.MarkVisited(id, hit)
	}
	if err := rows.Err(); err != nil {
		return crawler.CrawlState{}, fmt.Errorf("read crawl state: %w", err)
	}
	return st, nil
}

// Save upserts the whole snapshot in one transaction.
func (s *Store) Save(ctx context.Context, st crawler.CrawlState) (err error) {
	ids := st.SortedVisited()
	if len(ids) == 0 {
		return nil
	}
	hits := make([]bool, len(ids))
	for i, id := range ids {
		_, hits[i] = st.Hits[id]
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %[1]s (item_id, hit, visited_at)
SELECT id, hit, $3 FROM unnest($1::text[], $2::boolean[]) AS t(id, hit)
ON CONFLICT (item_id) DO UPDATE SET hit = %[1]s.hit OR EXCLUDED.hit`, s.table)
	if _, err = tx.Exec(ctx, query, ids, hits, s.now()); err != nil {
		return fmt.Errorf("upsert crawl state: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Reset deletes every row.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, s.table)); err != nil {
		return fmt.Errorf("reset crawl state: %w", err)
	}
	return nil
}
