package watchlist

import (
	"context"
	"database/sql"
	"time"

	"github.com/bozzfozz/harmony-sub003/errors"
)

// Store persists watchlist entries in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a watchlist store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const entryColumns = `entity_id, name, last_checked, cooldown_until, retry_count, paused, created_at, updated_at`

// Add registers an entity on the watchlist. Adding an entity that is already
// watched is a no-op and returns the existing entry.
func (s *Store) Add(ctx context.Context, entityID, name string) (*Entry, error) {
	if entityID == "" {
		return nil, errors.Wrap(errors.ErrValidation, "entity_id is required")
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist_entities (entity_id, name, retry_count, paused, created_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(entity_id) DO NOTHING
	`, entityID, name, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to add watchlist entry")
	}

	return s.Get(ctx, entityID)
}

// Get returns a single entry by entity ID.
func (s *Store) Get(ctx context.Context, entityID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM watchlist_entities WHERE entity_id = ?
	`, entityID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "watchlist entry %s", entityID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get watchlist entry")
	}
	return entry, nil
}

// List returns all entries, oldest-checked first.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM watchlist_entities
		ORDER BY last_checked ASC NULLS FIRST, entity_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list watchlist entries")
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Due returns up to limit entries eligible for a refresh at now: not paused,
// not cooling down, ordered so the longest-unchecked entries go first. Entries
// never checked sort ahead of everything.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM watchlist_entities
		WHERE paused = 0
		  AND (cooldown_until IS NULL OR cooldown_until <= ?)
		ORDER BY last_checked ASC NULLS FIRST, entity_id ASC
		LIMIT ?
	`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select due watchlist entries")
	}
	defer rows.Close()

	return scanEntries(rows)
}

// MarkChecked records a successful refresh: stamps last_checked, clears the
// failure counter and any cooldown.
func (s *Store) MarkChecked(ctx context.Context, entityID string, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE watchlist_entities
		SET last_checked = ?, retry_count = 0, cooldown_until = NULL, updated_at = ?
		WHERE entity_id = ?
	`, checkedAt.UTC(), s.now(), entityID)
	if err != nil {
		return errors.Wrap(err, "failed to mark watchlist entry checked")
	}
	return requireRow(res, entityID)
}

// RecordFailure increments the failure counter and applies a cooldown. Once
// the counter reaches the ceiling the entry is paused until an operator
// resumes it.
func (s *Store) RecordFailure(ctx context.Context, entityID string, cooldown time.Duration, retryCeiling int) error {
	now := s.now()
	cooldownUntil := now.Add(cooldown)

	res, err := s.db.ExecContext(ctx, `
		UPDATE watchlist_entities
		SET retry_count = retry_count + 1,
		    cooldown_until = ?,
		    paused = CASE WHEN retry_count + 1 >= ? THEN 1 ELSE paused END,
		    updated_at = ?
		WHERE entity_id = ?
	`, cooldownUntil, retryCeiling, now, entityID)
	if err != nil {
		return errors.Wrap(err, "failed to record watchlist failure")
	}
	return requireRow(res, entityID)
}

// Rename updates the display name for an entry.
func (s *Store) Rename(ctx context.Context, entityID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE watchlist_entities SET name = ?, updated_at = ? WHERE entity_id = ?
	`, name, s.now(), entityID)
	if err != nil {
		return errors.Wrap(err, "failed to rename watchlist entry")
	}
	return requireRow(res, entityID)
}

// SetPaused pauses or resumes an entry. Resuming clears the failure counter
// and cooldown so the entry is immediately eligible again.
func (s *Store) SetPaused(ctx context.Context, entityID string, paused bool) error {
	var res sql.Result
	var err error
	if paused {
		res, err = s.db.ExecContext(ctx, `
			UPDATE watchlist_entities SET paused = 1, updated_at = ? WHERE entity_id = ?
		`, s.now(), entityID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE watchlist_entities
			SET paused = 0, retry_count = 0, cooldown_until = NULL, updated_at = ?
			WHERE entity_id = ?
		`, s.now(), entityID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to update watchlist pause state")
	}
	return requireRow(res, entityID)
}

// Remove deletes an entry from the watchlist.
func (s *Store) Remove(ctx context.Context, entityID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlist_entities WHERE entity_id = ?`, entityID)
	if err != nil {
		return errors.Wrap(err, "failed to remove watchlist entry")
	}
	return requireRow(res, entityID)
}

func requireRow(res sql.Result, entityID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "watchlist entry %s", entityID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var lastChecked, cooldownUntil sql.NullTime
	var paused int

	err := row.Scan(
		&e.EntityID, &e.Name, &lastChecked, &cooldownUntil,
		&e.RetryCount, &paused, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastChecked.Valid {
		e.LastChecked = &lastChecked.Time
	}
	if cooldownUntil.Valid {
		e.CooldownUntil = &cooldownUntil.Time
	}
	e.Paused = paused != 0

	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan watchlist entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
