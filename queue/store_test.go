package queue

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/errors"
	harmonytest "github.com/bozzfozz/harmony-sub003/internal/testing"
)

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEmitter) named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func testPolicyViper() *viper.Viper {
	v := viper.New()
	v.Set("retry.ttl", "1h")
	v.Set("retry.default.max_attempts", 3)
	v.Set("retry.default.base_delay", "1s")
	v.Set("retry.default.jitter_pct", 0.0)
	v.Set("retry.default.backoff_cap", "5m")
	return v
}

// newTestStore creates a store over an in-memory database with a controllable
// clock and zero backoff jitter.
func newTestStore(t *testing.T) (*Store, *viper.Viper, *captureEmitter, *time.Time) {
	t.Helper()

	conn := harmonytest.CreateTestDB(t)
	v := testPolicyViper()
	emitter := &captureEmitter{}

	log := zap.NewNop().Sugar()
	policies := NewPolicyProviderWithRand(v, log, rand.New(rand.NewSource(1)))
	store := NewStore(conn, policies, emitter, log)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := &now
	store.now = func() time.Time { return *clock }

	return store, v, emitter, clock
}

func TestEnqueueIdempotent(t *testing.T) {
	store, _, emitter, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, EnqueueParams{
		Type:           TypeSync,
		Payload:        []byte(`{"release_id":"rel-1"}`),
		IdempotencyKey: "sync:rel-1",
	})
	require.NoError(t, err)
	assert.False(t, first.AlreadyEnqueued)
	assert.NotEmpty(t, first.JobID)

	second, err := store.Enqueue(ctx, EnqueueParams{
		Type:           TypeSync,
		Payload:        []byte(`{"release_id":"rel-1"}`),
		IdempotencyKey: "sync:rel-1",
	})
	require.NoError(t, err)
	assert.True(t, second.AlreadyEnqueued)
	assert.Equal(t, first.JobID, second.JobID)

	// Only the real insert emits an event.
	assert.Len(t, emitter.named(EventEnqueue), 1)
}

func TestEnqueueValidation(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, EnqueueParams{Type: "", IdempotencyKey: "k"})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: ""})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestEnqueueConcurrentSameKey(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	const callers = 10
	results := make([]EnqueueResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Enqueue(ctx, EnqueueParams{
				Type:           TypeArtistRefresh,
				IdempotencyKey: "refresh:artist-1:100",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].JobID, results[i].JobID)
		if !results[i].AlreadyEnqueued {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestKeyReusableAfterCompletion(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:rel-2"})
	require.NoError(t, err)

	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, store.Ack(ctx, job.ID, job.LeaseID, time.Second))

	// The key is free again once its holder is terminal.
	second, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:rel-2"})
	require.NoError(t, err)
	assert.False(t, second.AlreadyEnqueued)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestClaimOrdering(t *testing.T) {
	store, _, _, clock := newTestStore(t)
	ctx := context.Background()

	low, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "a", Priority: 200})
	require.NoError(t, err)

	*clock = clock.Add(time.Second)
	urgent, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "b", Priority: 10})
	require.NoError(t, err)

	*clock = clock.Add(time.Second)
	older, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "c", Priority: 10})
	require.NoError(t, err)

	// Lowest priority value first, then oldest.
	got1, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, urgent.JobID, got1.ID)

	got2, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, older.JobID, got2.ID)

	got3, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, low.JobID, got3.ID)

	// Everything is leased now.
	got4, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got4)
}

func TestClaimFiltersJobTypes(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:x"})
	require.NoError(t, err)

	job, err := store.Claim(ctx, []string{TypeArtistRefresh}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = store.Claim(ctx, nil, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimHonorsNotBefore(t *testing.T) {
	store, _, _, clock := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, EnqueueParams{
		Type:           TypeSync,
		IdempotencyKey: "sync:delayed",
		NotBefore:      clock.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	*clock = clock.Add(10 * time.Minute)
	job, err = store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	store, _, _, clock := newTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:crashy"})
	require.NoError(t, err)

	first, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempt)

	// Not expired yet: nothing to claim.
	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Worker vanished; deadline passes and the job becomes claimable again.
	*clock = clock.Add(2 * time.Minute)
	second, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, res.JobID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.LeaseID, second.LeaseID)

	// The first worker's lease is dead on every operation.
	assert.True(t, errors.IsLeaseLost(store.Heartbeat(ctx, first.ID, first.LeaseID, time.Minute)))
	assert.True(t, errors.IsLeaseLost(store.Ack(ctx, first.ID, first.LeaseID, time.Second)))
	_, err = store.Nack(ctx, first.ID, first.LeaseID, errors.New("late failure"), true, time.Second)
	assert.True(t, errors.IsLeaseLost(err))

	// The live lease still works.
	require.NoError(t, store.Heartbeat(ctx, second.ID, second.LeaseID, time.Minute))
}

func TestHeartbeatExtendsDeadline(t *testing.T) {
	store, _, emitter, clock := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:slow"})
	require.NoError(t, err)

	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)

	// Keep heartbeating past the original deadline; the lease stays held.
	for i := 0; i < 3; i++ {
		*clock = clock.Add(45 * time.Second)
		require.NoError(t, store.Heartbeat(ctx, job.ID, job.LeaseID, time.Minute))
	}

	reclaimed, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, reclaimed)

	beats := emitter.named(EventHeartbeat)
	require.Len(t, beats, 3)
	for _, e := range beats {
		assert.Equal(t, job.ID, e.JobID)
		assert.Equal(t, TypeSync, e.JobType)
		assert.Equal(t, StatusLeased, e.Status)
		assert.Equal(t, 1, e.Attempt)
	}

	require.NoError(t, store.Ack(ctx, job.ID, job.LeaseID, time.Second))
}

func TestAckCompletesJob(t *testing.T) {
	store, _, emitter, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:done"})
	require.NoError(t, err)

	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Ack(ctx, job.ID, job.LeaseID, 250*time.Millisecond))

	stored, err := store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Empty(t, stored.LeaseID)
	assert.Nil(t, stored.VisibilityDeadline)

	acks := emitter.named(EventAck)
	require.Len(t, acks, 1)
	assert.Equal(t, 250*time.Millisecond, acks[0].Duration)

	// Acking twice is a stale lease, not a double completion.
	assert.True(t, errors.IsLeaseLost(store.Ack(ctx, job.ID, job.LeaseID, time.Second)))
}

func TestRetryBackoffDoubles(t *testing.T) {
	store, _, emitter, clock := newTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:flaky"})
	require.NoError(t, err)

	// Attempt 1 fails: next eligibility is base_delay (1s) out.
	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	next, err := store.Nack(ctx, job.ID, job.LeaseID, errors.Wrap(errors.ErrDependency, "provider down"), true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, NextRetry, next)

	stored, err := store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, stored.Status)
	assert.Equal(t, clock.Add(time.Second), stored.NotBefore)
	assert.Contains(t, stored.LastError, "provider down")

	// Not eligible until the delay passes.
	job, err = store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Attempt 2 fails: delay doubles to 2s.
	*clock = clock.Add(time.Second)
	job, err = store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)

	_, err = store.Nack(ctx, job.ID, job.LeaseID, errors.Wrap(errors.ErrDependency, "still down"), true, time.Second)
	require.NoError(t, err)

	stored, err = store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(2*time.Second), stored.NotBefore)

	// Attempt 3 succeeds.
	*clock = clock.Add(2 * time.Second)
	job, err = store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Attempt)
	require.NoError(t, store.Ack(ctx, job.ID, job.LeaseID, time.Second))

	assert.Len(t, emitter.named(EventRetryScheduled), 2)
	assert.Len(t, emitter.named(EventDeadLetter), 0)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	store, _, emitter, clock := newTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:doomed"})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempt)

		next, err := store.Nack(ctx, job.ID, job.LeaseID, errors.Wrap(errors.ErrDependency, "peer offline"), true, time.Second)
		require.NoError(t, err)

		if attempt < 3 {
			assert.Equal(t, NextRetry, next)
			*clock = clock.Add(time.Hour)
		} else {
			assert.Equal(t, NextDeadLetter, next)
		}
	}

	stored, err := store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, stored.Status)

	deaths := emitter.named(EventDeadLetter)
	require.Len(t, deaths, 1)
	assert.Equal(t, ReasonMaxRetriesExhausted, deaths[0].Reason)
	assert.Equal(t, 3, deaths[0].Attempt)

	// The snapshot row exists for operators.
	var count int
	require.NoError(t, store.db.QueryRow(
		`SELECT COUNT(*) FROM dead_letter_jobs WHERE job_id = ?`, res.JobID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestNonRetryableDeadLettersImmediately(t *testing.T) {
	store, _, emitter, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, EnqueueParams{Type: TypeMatching, IdempotencyKey: "match:bad"})
	require.NoError(t, err)

	job, err := store.Claim(ctx, []string{TypeMatching}, time.Minute)
	require.NoError(t, err)

	next, err := store.Nack(ctx, job.ID, job.LeaseID, errors.Wrap(errors.ErrValidation, "malformed payload"), false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, NextDeadLetter, next)

	stored, err := store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, stored.Status)
	assert.Equal(t, 1, stored.Attempt)

	deaths := emitter.named(EventDeadLetter)
	require.Len(t, deaths, 1)
	assert.Equal(t, string(CodeValidation), deaths[0].Reason)
}

func TestPolicyChangeAppliesAtClaim(t *testing.T) {
	store, v, _, clock := newTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:budget"})
	require.NoError(t, err)

	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, job.MaxAttempts)
	_, err = store.Nack(ctx, job.ID, job.LeaseID, errors.New("fail"), true, time.Second)
	require.NoError(t, err)

	// Operator raises the budget; the next claim of this job sees it.
	v.Set("retry.sync.max_attempts", 5)
	store.policies.Refresh()

	*clock = clock.Add(time.Hour)
	job, err = store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 5, job.MaxAttempts)

	stored, err := store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.MaxAttempts)
}

func TestReleaseRestoresJobWithoutChargingBudget(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "sync:parked"})
	require.NoError(t, err)

	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt)

	require.NoError(t, store.Release(ctx, job.ID, job.LeaseID))

	stored, err := store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
	assert.Equal(t, 0, stored.Attempt)

	// Immediately claimable again at attempt 1.
	job, err = store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)
}

func TestGetStatsAndCleanup(t *testing.T) {
	store, _, _, clock := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: key})
		require.NoError(t, err)
	}

	job, err := store.Claim(ctx, []string{TypeSync}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Ack(ctx, job.ID, job.LeaseID, time.Second))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 3, stats.Total)

	// Completed jobs age out; live jobs never do.
	*clock = clock.Add(48 * time.Hour)
	removed, err := store.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}
