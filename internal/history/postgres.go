package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phishguard/phishguard/internal/scan"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

const ddlAnalysisHistory = `
CREATE TABLE IF NOT EXISTS analysis_history (
    key        TEXT         PRIMARY KEY,
    entries    JSONB        NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);`

// PostgresStore persists the history as a single JSONB row keyed by [Key].
// All operations are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore establishes a connection pool to the database at dsn and
// ensures the history table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlAnalysisHistory); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Load reads the persisted history. A missing row yields an empty slice.
func (s *PostgresStore) Load(ctx context.Context) ([]scan.Entry, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT entries FROM analysis_history WHERE key = $1`, Key,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: query: %w", err)
	}

	var entries []scan.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("history: decode row: %w", err)
	}
	return entries, nil
}

// Save replaces the persisted history with an upsert on [Key].
func (s *PostgresStore) Save(ctx context.Context, entries []scan.Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_history (key, entries, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET entries = EXCLUDED.entries, updated_at = now()`,
		Key, data)
	if err != nil {
		return fmt.Errorf("history: upsert: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
