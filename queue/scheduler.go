package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/errors"
)

// SchedulerConfig configures the claim loop.
type SchedulerConfig struct {
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ShutdownGrace     time.Duration
	CleanupRetention  time.Duration
	Concurrency       map[string]int
}

// Scheduler is the lease manager: a control loop that claims eligible jobs
// across registered job types and hands them to per-type worker pools.
// A type whose pool is full is excluded from the next claim, so a slow job
// type never starves the others.
type Scheduler struct {
	store *Store
	cfg   SchedulerConfig
	pools map[string]*Pool
	log   *zap.SugaredLogger

	// workCtx outlives claim-loop cancellation so in-flight handlers can
	// drain; workCancel is the hard stop.
	workCtx    context.Context
	workCancel context.CancelFunc
}

// NewScheduler creates a scheduler with one bounded pool per registered job
// type.
func NewScheduler(store *Store, registry *Registry, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	workCtx, workCancel := context.WithCancel(context.Background())

	pools := make(map[string]*Pool)
	for _, jobType := range registry.Types() {
		size := cfg.Concurrency[jobType]
		pools[jobType] = NewPool(jobType, size, store, registry, cfg.VisibilityTimeout, log)
	}

	return &Scheduler{
		store:      store,
		cfg:        cfg,
		pools:      pools,
		log:        log.Named("scheduler"),
		workCtx:    workCtx,
		workCancel: workCancel,
	}
}

// Run executes the claim loop until ctx is cancelled, then drains in-flight
// work. Cancellation stops new claims immediately; running handlers get the
// shutdown grace period to finish their current attempt. Whatever does not
// finish in time is abandoned and recovered by lease expiry, the same path
// that covers crashes and deploys.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infow("Scheduler started",
		"poll_interval", s.cfg.PollInterval,
		"visibility_timeout", s.cfg.VisibilityTimeout,
		"job_types", len(s.pools),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	cleanupEvery := time.Hour
	lastCleanup := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case <-ticker.C:
			if err := s.claimRound(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warnw("Claim round error", "error", err)
			}

			if s.cfg.CleanupRetention > 0 && time.Since(lastCleanup) > cleanupEvery {
				lastCleanup = time.Now()
				if removed, err := s.store.CleanupOldJobs(ctx, s.cfg.CleanupRetention); err != nil {
					s.log.Warnw("Cleanup error", "error", err)
				} else if removed > 0 {
					s.log.Infow("Cleaned up old completed jobs", "removed", removed)
				}
			}
		}
	}
}

// claimRound claims jobs for types with free worker slots until no eligible
// job remains or every pool is saturated.
func (s *Scheduler) claimRound(ctx context.Context) error {
	for {
		var claimable []string
		for jobType, pool := range s.pools {
			if pool.Free() > 0 {
				claimable = append(claimable, jobType)
			}
		}
		if len(claimable) == 0 {
			return nil
		}

		job, err := s.store.Claim(ctx, claimable, s.cfg.VisibilityTimeout)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}

		pool := s.pools[job.Type]
		if pool == nil || !pool.Dispatch(s.workCtx, job) {
			// The pool filled between capacity check and dispatch. Return the
			// job unleased without charging its budget.
			if relErr := s.store.Release(ctx, job.ID, job.LeaseID); relErr != nil && !errors.IsLeaseLost(relErr) {
				s.log.Warnw("Failed to release undispatchable job",
					"job_id", job.ID,
					"error", relErr,
				)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// drain waits for in-flight workers up to the shutdown grace period, then
// hard-cancels them.
func (s *Scheduler) drain() {
	s.log.Infow("Scheduler stopping, draining in-flight jobs", "grace", s.cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		for _, pool := range s.pools {
			pool.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Infow("Scheduler drained cleanly")
	case <-time.After(s.cfg.ShutdownGrace):
		s.workCancel()
		s.log.Warnw("Shutdown grace elapsed, abandoning in-flight leases",
			"note", "jobs recover via visibility timeout",
		)
		// Give cancelled handlers a moment to unwind before returning.
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	s.workCancel()
}
