// Package cache is a SQLite-backed response cache for provider payloads.
// Entries carry an entity key so a mutation can invalidate everything cached
// for that entity in one call.
package cache

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/errors"
)

// Store persists cached provider responses.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
	now func() time.Time
}

// NewStore creates a response cache store.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{
		db:  db,
		log: log.Named("cache"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the cached body for key, or (nil, false, nil) on a miss.
// Expired entries count as misses.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM response_cache WHERE cache_key = ? AND expires_at > ?
	`, key, s.now()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read cache entry")
	}
	return body, true, nil
}

// Put stores body under key for ttl, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key, entityKey string, body []byte, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO response_cache (cache_key, entity_key, body, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			entity_key = excluded.entity_key,
			body = excluded.body,
			expires_at = excluded.expires_at
	`, key, entityKey, body, now.Add(ttl), now)
	if err != nil {
		return errors.Wrap(err, "failed to write cache entry")
	}
	return nil
}

// Invalidate removes all entries for the given entity keys. Errors are logged
// and swallowed; stale cache entries expire on their own, so invalidation is
// best-effort and callers never fail on it.
func (s *Store) Invalidate(ctx context.Context, entityKeys ...string) {
	if len(entityKeys) == 0 {
		return
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(entityKeys)), ",")
	args := make([]interface{}, len(entityKeys))
	for i, k := range entityKeys {
		args[i] = k
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM response_cache WHERE entity_key IN (`+placeholders+`)
	`, args...)
	if err != nil {
		s.log.Warnw("Cache invalidation failed", "entity_keys", entityKeys, "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debugw("Cache invalidated", "entity_keys", entityKeys, "removed", n)
	}
}

// PruneExpired deletes entries whose TTL has passed.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune cache")
	}
	return res.RowsAffected()
}
