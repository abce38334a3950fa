package watchlist

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozzfozz/harmony-sub003/errors"
	harmonytest "github.com/bozzfozz/harmony-sub003/internal/testing"
)

func newWatchlistStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(harmonytest.CreateTestDB(t))
}

func TestAddIsIdempotent(t *testing.T) {
	store := newWatchlistStore(t)
	ctx := context.Background()

	first, err := store.Add(ctx, "artist-1", "Boards of Canada")
	require.NoError(t, err)
	assert.Equal(t, "Boards of Canada", first.Name)
	assert.False(t, first.Paused)

	// Re-adding keeps the existing entry untouched.
	second, err := store.Add(ctx, "artist-1", "Different Name")
	require.NoError(t, err)
	assert.Equal(t, "Boards of Canada", second.Name)

	_, err = store.Add(ctx, "", "nameless")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestDueSelection(t *testing.T) {
	store := newWatchlistStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := store.Add(ctx, "never-checked", "A")
	require.NoError(t, err)
	_, err = store.Add(ctx, "stale", "B")
	require.NoError(t, err)
	_, err = store.Add(ctx, "fresh", "C")
	require.NoError(t, err)
	_, err = store.Add(ctx, "paused", "D")
	require.NoError(t, err)
	_, err = store.Add(ctx, "cooling", "E")
	require.NoError(t, err)

	require.NoError(t, store.MarkChecked(ctx, "stale", now.Add(-48*time.Hour)))
	require.NoError(t, store.MarkChecked(ctx, "fresh", now.Add(-time.Minute)))
	require.NoError(t, store.SetPaused(ctx, "paused", true))
	require.NoError(t, store.RecordFailure(ctx, "cooling", time.Hour, 5))

	due, err := store.Due(ctx, now, 10)
	require.NoError(t, err)

	var ids []string
	for _, e := range due {
		ids = append(ids, e.EntityID)
	}
	// Never-checked first, then oldest check; paused and cooling excluded,
	// fresh still eligible (the batch limit, not recency, bounds a tick).
	assert.Equal(t, []string{"never-checked", "stale", "fresh"}, ids)

	// Cooldown expiry brings the entry back.
	due, err = store.Due(ctx, time.Now().UTC().Add(2*time.Hour), 10)
	require.NoError(t, err)
	ids = ids[:0]
	for _, e := range due {
		ids = append(ids, e.EntityID)
	}
	assert.Contains(t, ids, "cooling")
}

func TestDueRespectsLimit(t *testing.T) {
	store := newWatchlistStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := store.Add(ctx, id, id)
		require.NoError(t, err)
	}

	due, err := store.Due(ctx, time.Now().UTC(), 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestFailureCeilingPausesEntry(t *testing.T) {
	store := newWatchlistStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, "flaky", "Flaky Artist")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordFailure(ctx, "flaky", time.Minute, 3))
	}

	entry, err := store.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.RetryCount)
	assert.True(t, entry.Paused)

	// Resuming clears the failure state entirely.
	require.NoError(t, store.SetPaused(ctx, "flaky", false))
	entry, err = store.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.False(t, entry.Paused)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Nil(t, entry.CooldownUntil)
}

func TestMarkCheckedClearsFailureState(t *testing.T) {
	store := newWatchlistStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, "recovers", "Recovers")
	require.NoError(t, err)
	require.NoError(t, store.RecordFailure(ctx, "recovers", time.Hour, 5))

	checkedAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkChecked(ctx, "recovers", checkedAt))

	entry, err := store.Get(ctx, "recovers")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Nil(t, entry.CooldownUntil)
	require.NotNil(t, entry.LastChecked)
	assert.Equal(t, checkedAt, entry.LastChecked.UTC())
}

func TestRemoveAndNotFound(t *testing.T) {
	store := newWatchlistStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, "gone", "Gone")
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, "gone"))

	_, err = store.Get(ctx, "gone")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(store.Remove(ctx, "gone")))
	assert.True(t, errors.IsNotFound(store.MarkChecked(ctx, "gone", time.Now())))
}
