// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// KVStoreConfig controls the Postgres connection pool backing the shared KV.
type KVStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// KVStore implements extractor.KVStore on a single table. Expiry is evaluated
// with the database clock so every process agrees on lock lifetimes.
type KVStore struct {
	pool  queryExecCloser
	table string
}

// NewKVStore creates a Postgres-backed KVStore using the provided config.
func NewKVStore(ctx context.Context, cfg KVStoreConfig) (*KVStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	table, err := tableOrDefault(cfg.Table)
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
		return nil, fmt.Errorf("connect postgres: %w: %w", extractor.ErrStoreUnavailable, err)
	}
	return &KVStore{pool: pool, table: table}, nil
}

// NewKVStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewKVStoreWithPool(pool queryExecCloser, table string) (*KVStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableOrDefault(table)
	if err != nil {
		return nil, err
	}
	return &KVStore{pool: pool, table: table}, nil
}

func tableOrDefault(table string) (string, error) {
	if table == "" {
		table = "kv_entries"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *KVStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the backing table when missing.
func (s *KVStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create kv table: %w: %w", extractor.ErrStoreUnavailable, err)
	}
	return nil
}

const expiresExpr = `CASE WHEN $3::bigint > 0 THEN now() + ($3::bigint * interval '1 millisecond') END`

// SetNX inserts key, or takes over an expired row, and reports whether it wrote.
func (s *KVStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (key, value, expires_at) VALUES ($1, $2, %[2]s)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= now()`, s.table, expiresExpr)
	tag, err := s.pool.Exec(ctx, query, key, value, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w: %w", key, extractor.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Set upserts key unconditionally.
func (s *KVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (key, value, expires_at) VALUES ($1, $2, %[2]s)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, s.table, expiresExpr)
	if _, err := s.pool.Exec(ctx, query, key, value, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("set %s: %w: %w", key, extractor.ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the live value for key.
func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	query := fmt.Sprintf(`
SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, s.table)
	return s.scanValue(ctx, "get", key, query, key)
}

// GetDel deletes the live row for key and returns its value.
func (s *KVStore) GetDel(ctx context.Context, key string) (string, error) {
	query := fmt.Sprintf(`
DELETE FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now()) RETURNING value`, s.table)
	return s.scanValue(ctx, "getdel", key, query, key)
}

func (s *KVStore) scanValue(ctx context.Context, op, key, query string, args ...any) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("key %s: %w", key, extractor.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %w", op, key, extractor.ErrStoreUnavailable, err)
	}
	return value, nil
}

// DeleteIfValue removes key only while it holds value.
func (s *KVStore) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	query := fmt.Sprintf(`
DELETE FROM %s WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())`, s.table)
	tag, err := s.pool.Exec(ctx, query, key, value)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w: %w", key, extractor.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired removes rows whose TTL has elapsed and returns how many went.
func (s *KVStore) PurgeExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= now()`, s.table)
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w: %w", extractor.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
