package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"sharecal/internal/common"
	"sharecal/internal/domain"
)

// EnsureSchema creates the cache table if it doesn't exist. Times are unix millis.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS cache_entries (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  expires_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`
	_, err := db.Exec(schema)
	return err
}

type SQLiteStore struct {
	db  *sql.DB
	now Clock
	log zerolog.Logger
}

func NewSQLiteStore(db *sql.DB, now Clock, log zerolog.Logger) *SQLiteStore {
	if now == nil {
		now = time.Now
	}
	return &SQLiteStore{db: db, now: now, log: log.With().Str("component", "cache").Logger()}
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok, err := s.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !json.Valid(e.Value) {
		// Self-heal: drop the row unless a writer replaced it meanwhile.
		_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=? AND updated_at=?`, key, e.UpdatedAt.UnixMilli())
		if err != nil {
			return nil, false, fmt.Errorf("delete corrupt cache entry: %w", err)
		}
		s.log.Warn().Str("key", key).Msg("dropped unreadable cache entry")
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Lookup returns the live entry with its timestamps.
func (s *SQLiteStore) Lookup(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key,value,expires_at,created_at,updated_at FROM cache_entries WHERE key=?`, key)
	var e domain.CacheEntry
	var exp, created, updated int64
	err := row.Scan(&e.Key, &e.Value, &exp, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	e.ExpiresAt = time.UnixMilli(exp)
	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	if !s.now().Before(e.ExpiresAt) {
		return domain.CacheEntry{}, false, nil
	}
	return e, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !json.Valid(value) {
		return common.Errorf(common.KindValidation, "cache value for %s is not JSON", key)
	}
	now := s.now().UnixMilli()
	exp := s.now().Add(ttl).UnixMilli()
	// An expired row counts as absent, so overwriting it starts a fresh created_at.
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cache_entries (key,value,expires_at,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET
  value=excluded.value,
  expires_at=excluded.expires_at,
  created_at=CASE WHEN cache_entries.expires_at <= excluded.updated_at THEN excluded.created_at ELSE cache_entries.created_at END,
  updated_at=excluded.updated_at`, key, value, exp, now, now)
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=?`, key)
	return err
}

// SweepExpired evaluates the expiry inside the DELETE itself, so a row refreshed by a
// concurrent Set after it was considered stale survives.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
