package queue

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, store *Store, registry *Registry, concurrency map[string]int) *Scheduler {
	t.Helper()
	return NewScheduler(store, registry, SchedulerConfig{
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		ShutdownGrace:     5 * time.Second,
		Concurrency:       concurrency,
	}, zap.NewNop().Sugar())
}

func TestClaimRoundDispatchesAllEligible(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	handled := make(chan string, 10)
	registry := NewRegistry()
	for _, jobType := range []string{TypeSync, TypeMatching} {
		jt := jobType
		registry.Register(&funcHandler{jobType: jt, fn: func(_ context.Context, job *Job, _ HeartbeatFunc) error {
			handled <- job.ID
			return nil
		}})
	}

	var want []string
	for _, p := range []EnqueueParams{
		{Type: TypeSync, IdempotencyKey: "s1"},
		{Type: TypeSync, IdempotencyKey: "s2"},
		{Type: TypeMatching, IdempotencyKey: "m1"},
	} {
		res, err := store.Enqueue(ctx, p)
		require.NoError(t, err)
		want = append(want, res.JobID)
	}

	sched := newTestScheduler(t, store, registry, map[string]int{TypeSync: 2, TypeMatching: 2})
	require.NoError(t, sched.claimRound(ctx))
	for _, pool := range sched.pools {
		pool.Wait()
	}

	got := map[string]bool{}
	for range want {
		select {
		case id := <-handled:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}
	for _, id := range want {
		assert.True(t, got[id], "job %s not handled", id)
	}
}

func TestClaimRoundSkipsSaturatedTypes(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	slowRelease := make(chan struct{})
	slowStarted := make(chan struct{}, 1)
	fastDone := make(chan struct{}, 1)

	registry := NewRegistry()
	registry.Register(&funcHandler{jobType: TypeSync, fn: func(context.Context, *Job, HeartbeatFunc) error {
		slowStarted <- struct{}{}
		<-slowRelease
		return nil
	}})
	registry.Register(&funcHandler{jobType: TypeMatching, fn: func(context.Context, *Job, HeartbeatFunc) error {
		fastDone <- struct{}{}
		return nil
	}})

	_, err := store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "slow1"})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, EnqueueParams{Type: TypeSync, IdempotencyKey: "slow2"})
	require.NoError(t, err)

	sched := newTestScheduler(t, store, registry, map[string]int{TypeSync: 1, TypeMatching: 1})

	// First round fills the single sync slot.
	require.NoError(t, sched.claimRound(ctx))
	<-slowStarted

	// The sync pool is saturated, but matching work still flows.
	_, err = store.Enqueue(ctx, EnqueueParams{Type: TypeMatching, IdempotencyKey: "fast1"})
	require.NoError(t, err)
	require.NoError(t, sched.claimRound(ctx))

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("matching job starved by saturated sync pool")
	}

	// The second sync job was never claimed while its pool was full.
	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)

	close(slowRelease)
	for _, pool := range sched.pools {
		pool.Wait()
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	store, _, _, _ := newTestStore(t)

	registry := NewRegistry()
	registry.Register(&funcHandler{jobType: TypeSync, fn: func(context.Context, *Job, HeartbeatFunc) error {
		return nil
	}})

	sched := newTestScheduler(t, store, registry, map[string]int{TypeSync: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
