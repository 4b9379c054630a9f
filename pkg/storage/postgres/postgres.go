package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

var (
	_ storage.RepositoryStore = (*Store)(nil)
	_ storage.ScanStore       = (*Store)(nil)
	_ storage.FindingStore    = (*Store)(nil)
	_ storage.AuditStore      = (*Store)(nil)
)

// Store implements every storage contract on a single pgx pool. Each method
// is atomic on its own; nothing spans more than one call.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool. Call EnsureSchema before using it.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
  id BIGSERIAL PRIMARY KEY,
  project_key TEXT NOT NULL,
  repository_id TEXT NOT NULL,
  repository_name TEXT NOT NULL,
  repository_url TEXT NOT NULL,
  vcs_instance BIGINT NOT NULL,
  deleted_at TIMESTAMPTZ NULL,
  UNIQUE (project_key, repository_id, vcs_instance)
);

CREATE TABLE IF NOT EXISTS scans (
  id BIGSERIAL PRIMARY KEY,
  repository_id BIGINT NOT NULL REFERENCES repositories (id),
  scan_type TEXT NOT NULL CHECK (scan_type IN ('BASE', 'INCREMENTAL')),
  last_scanned_commit TEXT NOT NULL,
  timestamp TIMESTAMPTZ NOT NULL,
  increment_number INTEGER NOT NULL DEFAULT 0 CHECK (increment_number >= 0),
  rule_pack TEXT NOT NULL,
  is_latest BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS scans_repository_latest_idx ON scans (repository_id, is_latest);

CREATE TABLE IF NOT EXISTS findings (
  id BIGSERIAL PRIMARY KEY,
  file_path TEXT NOT NULL,
  line_number INTEGER NOT NULL,
  column_start INTEGER NOT NULL,
  column_end INTEGER NOT NULL,
  commit_id TEXT NOT NULL,
  commit_message TEXT NOT NULL,
  commit_timestamp TIMESTAMPTZ NOT NULL,
  author TEXT NOT NULL,
  email TEXT NOT NULL,
  rule_name TEXT NOT NULL,
  repository_id BIGINT NOT NULL REFERENCES repositories (id),
  event_sent_on TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS findings_repository_idx ON findings (repository_id);

CREATE TABLE IF NOT EXISTS scan_findings (
  scan_id BIGINT NOT NULL REFERENCES scans (id) ON DELETE CASCADE,
  finding_id BIGINT NOT NULL REFERENCES findings (id) ON DELETE CASCADE,
  PRIMARY KEY (scan_id, finding_id)
);
CREATE INDEX IF NOT EXISTS scan_findings_finding_idx ON scan_findings (finding_id);

CREATE TABLE IF NOT EXISTS audits (
  id BIGSERIAL PRIMARY KEY,
  finding_id BIGINT NOT NULL REFERENCES findings (id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  auditor TEXT NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  timestamp TIMESTAMPTZ NOT NULL,
  is_latest BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS audits_finding_latest_idx ON audits (finding_id, is_latest);
`

// EnsureSchema creates the tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ERROR creating schema: %w", err)
	}
	return nil
}

// Close helps when wiring Store to a lifecycle manager.
func (s *Store) Close() {
	s.pool.Close()
}

// NewDB opens a pgx pool with tuned defaults.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}
