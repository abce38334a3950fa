package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/errors"
)

// Pool is a bounded worker pool for a single job type. The scheduler checks
// Free before claiming so a saturated type never blocks claiming for others,
// and dispatches claimed jobs into the pool's slots.
type Pool struct {
	jobType    string
	store      *Store
	registry   *Registry
	visibility time.Duration
	log        *zap.SugaredLogger

	mu    sync.Mutex
	inUse int
	size  int
	wg    sync.WaitGroup
}

// NewPool creates a worker pool for one job type with the given concurrency.
func NewPool(jobType string, size int, store *Store, registry *Registry, visibility time.Duration, log *zap.SugaredLogger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		jobType:    jobType,
		store:      store,
		registry:   registry,
		visibility: visibility,
		size:       size,
		log:        log.Named("worker").With("job_type", jobType),
	}
}

// Free returns the number of available worker slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - p.inUse
}

// Dispatch hands a leased job to an available worker slot. Returns false if
// the pool is saturated; the caller then releases the job back to the store.
func (p *Pool) Dispatch(ctx context.Context, job *Job) bool {
	p.mu.Lock()
	if p.inUse >= p.size {
		p.mu.Unlock()
		return false
	}
	p.inUse++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
		}()
		p.execute(ctx, job)
	}()
	return true
}

// Wait blocks until all in-flight workers finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// execute runs one job attempt: handler invocation with a heartbeat callback,
// then ack on success or classified nack on failure. A LeaseLost on either
// path means the job was reclaimed while we worked; the result is discarded
// and the reclaim path owns the retry.
func (p *Pool) execute(ctx context.Context, job *Job) {
	start := time.Now()

	heartbeat := func(hbCtx context.Context) error {
		return p.store.Heartbeat(hbCtx, job.ID, job.LeaseID, p.visibility)
	}

	handler := p.registry.Get(job.Type)
	if handler == nil {
		// Will never succeed by retrying: nothing serves this type.
		err := errors.Wrapf(errors.ErrValidation, "no handler registered for job type %s", job.Type)
		p.nack(ctx, job, err, time.Since(start))
		return
	}

	err := p.runHandler(ctx, handler, job, heartbeat)
	elapsed := time.Since(start)

	if err == nil {
		if ackErr := p.store.Ack(ctx, job.ID, job.LeaseID, elapsed); ackErr != nil {
			if errors.IsLeaseLost(ackErr) {
				p.log.Debugw("Ack discarded, lease was reclaimed", "job_id", job.ID)
				return
			}
			p.log.Errorw("Failed to ack job", "job_id", job.ID, "error", ackErr)
		}
		return
	}

	if errors.IsLeaseLost(err) {
		p.log.Debugw("Handler aborted on lost lease", "job_id", job.ID)
		return
	}

	p.nack(ctx, job, err, elapsed)
}

// runHandler invokes the handler, converting panics into internal errors so
// a buggy handler dead-letters after its budget instead of killing the pool.
func (p *Pool) runHandler(ctx context.Context, handler Handler, job *Job, heartbeat HeartbeatFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(errors.ErrInternal, "handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, job, heartbeat)
}

func (p *Pool) nack(ctx context.Context, job *Job, jobErr error, elapsed time.Duration) {
	code, retryable := Classify(jobErr)
	next, err := p.store.Nack(ctx, job.ID, job.LeaseID, jobErr, retryable, elapsed)
	if err != nil {
		if errors.IsLeaseLost(err) {
			p.log.Debugw("Nack discarded, lease was reclaimed", "job_id", job.ID)
			return
		}
		p.log.Errorw("Failed to nack job", "job_id", job.ID, "error", err)
		return
	}

	p.log.Warnw("Job attempt failed",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"code", code,
		"retryable", retryable,
		"next_state", next,
		"error", jobErr,
	)
}
