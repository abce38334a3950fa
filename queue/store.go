package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/errors"
)

const (
	// storeRetryAttempts bounds retries of a single store operation against
	// transient storage faults. Store failures are infrastructure faults, not
	// job faults: they never consume the job's retry budget.
	storeRetryAttempts = 3
	storeRetryDelay    = 50 * time.Millisecond

	// enqueueRaceAttempts bounds the insert-or-return loop against the rare
	// race where the conflicting live job reaches a terminal state between
	// the insert and the lookup.
	enqueueRaceAttempts = 3
)

// ReasonMaxRetriesExhausted is the dead-letter reason for jobs that burned
// their whole retry budget on retryable failures.
const ReasonMaxRetriesExhausted = "max_retries_exhausted"

const jobColumns = `id, job_type, payload, idempotency_key, priority, status,
	attempt, max_attempts, visibility_deadline, lease_id, not_before,
	last_error, requeued_from, created_at, updated_at`

const liveStatuses = `'queued', 'leased', 'retrying'`

// Store handles persistence of jobs and is the single shared mutable resource
// across workers. All cross-worker coordination goes through its atomic
// claim, heartbeat, ack and nack operations.
type Store struct {
	db       *sql.DB
	policies *PolicyProvider
	emitter  Emitter
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewStore creates a job store.
func NewStore(db *sql.DB, policies *PolicyProvider, emitter Emitter, log *zap.SugaredLogger) *Store {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Store{
		db:       db,
		policies: policies,
		emitter:  emitter,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue inserts a new job unless a live job already holds the idempotency
// key, in which case the existing job's id is returned. Race-safe under
// concurrent calls with the same key: uniqueness is enforced by a partial
// unique index in storage, not by check-then-insert.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	if p.Type == "" {
		return EnqueueResult{}, errors.Wrap(errors.ErrValidation, "job type cannot be empty")
	}
	if p.IdempotencyKey == "" {
		return EnqueueResult{}, errors.Wrap(errors.ErrValidation, "idempotency key cannot be empty")
	}

	now := s.now()
	notBefore := p.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	} else {
		notBefore = notBefore.UTC()
	}

	insert := `
		INSERT INTO jobs (
			id, job_type, payload, idempotency_key, priority, status,
			attempt, max_attempts, not_before, requeued_from,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 'queued', 0, 0, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) WHERE status IN (` + liveStatuses + `) DO NOTHING
	`

	for i := 0; i < enqueueRaceAttempts; i++ {
		id := uuid.NewString()
		payload := sql.NullString{String: string(p.Payload), Valid: len(p.Payload) > 0}
		requeuedFrom := sql.NullString{String: p.RequeuedFrom, Valid: p.RequeuedFrom != ""}

		var inserted bool
		err := s.withRetry(ctx, "enqueue", func() error {
			res, err := s.db.ExecContext(ctx, insert,
				id, p.Type, payload, p.IdempotencyKey, p.Priority,
				notBefore, requeuedFrom, now, now,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted = n == 1
			return nil
		})
		if err != nil {
			return EnqueueResult{}, errors.Wrapf(err, "failed to enqueue %s job", p.Type)
		}

		if inserted {
			s.emitter.Emit(Event{
				Event:   EventEnqueue,
				JobID:   id,
				JobType: p.Type,
				Status:  StatusQueued,
			})
			return EnqueueResult{JobID: id}, nil
		}

		// A live job owns the key; return it instead of creating a row.
		var existingID string
		err = s.withRetry(ctx, "enqueue lookup", func() error {
			return s.db.QueryRowContext(ctx,
				`SELECT id FROM jobs WHERE idempotency_key = ? AND status IN (`+liveStatuses+`) LIMIT 1`,
				p.IdempotencyKey,
			).Scan(&existingID)
		})
		if errors.Is(err, sql.ErrNoRows) {
			// Owner completed between insert and lookup; try again.
			continue
		}
		if err != nil {
			return EnqueueResult{}, errors.Wrap(err, "failed to look up existing job for idempotency key")
		}
		return EnqueueResult{JobID: existingID, AlreadyEnqueued: true}, nil
	}

	return EnqueueResult{}, errors.Newf("enqueue raced with completing jobs for key %s", p.IdempotencyKey)
}

// Claim atomically leases the highest-priority eligible job among the given
// job types: queued or retrying with not_before due, or leased with an
// expired visibility deadline (an abandoned lease). Returns nil when no job
// is eligible. No two concurrent callers can claim the same job: the claim is
// a single UPDATE and SQLite serializes writers.
func (s *Store) Claim(ctx context.Context, jobTypes []string, visibilityTimeout time.Duration) (*Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}

	now := s.now()
	leaseID := uuid.NewString()
	deadline := now.Add(visibilityTimeout)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(jobTypes)), ", ")
	query := fmt.Sprintf(`
		UPDATE jobs SET
			status = 'leased',
			lease_id = ?,
			visibility_deadline = ?,
			attempt = attempt + 1,
			updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE job_type IN (%s)
			  AND (
			    (status IN ('queued', 'retrying') AND not_before <= ?)
			    OR (status = 'leased' AND visibility_deadline < ?)
			  )
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns, placeholders)

	args := []interface{}{leaseID, deadline, now}
	for _, jt := range jobTypes {
		args = append(args, jt)
	}
	args = append(args, now, now)

	var job *Job
	err := s.withRetry(ctx, "claim", func() error {
		row := s.db.QueryRowContext(ctx, query, args...)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			job = nil
			return nil
		}
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return nil, nil
	}

	// Resolve the retry budget at claim time so live policy changes apply to
	// not-yet-exhausted jobs.
	pol := s.policies.Resolve(job.Type)
	if job.MaxAttempts != pol.MaxAttempts {
		err := s.withRetry(ctx, "claim policy", func() error {
			_, err := s.db.ExecContext(ctx,
				`UPDATE jobs SET max_attempts = ? WHERE id = ? AND lease_id = ?`,
				pol.MaxAttempts, job.ID, job.LeaseID,
			)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to persist resolved retry budget")
		}
		job.MaxAttempts = pol.MaxAttempts
	}

	s.emitter.Emit(Event{
		Event:   EventClaim,
		JobID:   job.ID,
		JobType: job.Type,
		Status:  StatusLeased,
		Attempt: job.Attempt,
	})
	return job, nil
}

// Heartbeat extends the visibility deadline of a held lease. Returns
// ErrLeaseLost if the lease was already reclaimed; the caller must abort its
// work and discard the result.
func (s *Store) Heartbeat(ctx context.Context, jobID, leaseID string, extension time.Duration) error {
	now := s.now()
	var jobType string
	var attempt int
	held := false
	err := s.withRetry(ctx, "heartbeat", func() error {
		err := s.db.QueryRowContext(ctx,
			`UPDATE jobs SET visibility_deadline = ?, updated_at = ?
			 WHERE id = ? AND lease_id = ? AND status = 'leased'
			 RETURNING job_type, attempt`,
			now.Add(extension), now, jobID, leaseID,
		).Scan(&jobType, &attempt)
		if errors.Is(err, sql.ErrNoRows) {
			held = false
			return nil
		}
		if err != nil {
			return err
		}
		held = true
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat job %s", jobID)
	}
	if !held {
		return errors.Wrapf(errors.ErrLeaseLost, "heartbeat rejected for job %s", jobID)
	}

	s.emitter.Emit(Event{
		Event:   EventHeartbeat,
		JobID:   jobID,
		JobType: jobType,
		Status:  StatusLeased,
		Attempt: attempt,
	})
	return nil
}

// Ack transitions a leased job to completed. Returns ErrLeaseLost for a stale
// lease: the job was reclaimed and is being retried elsewhere, so the
// caller's result is discarded.
func (s *Store) Ack(ctx context.Context, jobID, leaseID string, duration time.Duration) error {
	job, err := s.getLeased(ctx, jobID, leaseID)
	if err != nil {
		return err
	}

	now := s.now()
	var affected int64
	err = s.withRetry(ctx, "ack", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'completed', lease_id = NULL,
			   visibility_deadline = NULL, last_error = '', updated_at = ?
			 WHERE id = ? AND lease_id = ? AND status = 'leased'`,
			now, jobID, leaseID,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to ack job %s", jobID)
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrLeaseLost, "ack rejected for job %s", jobID)
	}

	s.emitter.Emit(Event{
		Event:    EventAck,
		JobID:    job.ID,
		JobType:  job.Type,
		Status:   StatusCompleted,
		Attempt:  job.Attempt,
		Duration: duration,
	})
	return nil
}

// Nack records a failed attempt. Retryable failures with budget left move the
// job to retrying with a backoff delay; everything else dead-letters it. A
// stale lease returns ErrLeaseLost and changes nothing.
func (s *Store) Nack(ctx context.Context, jobID, leaseID string, jobErr error, retryable bool, duration time.Duration) (NextState, error) {
	job, err := s.getLeased(ctx, jobID, leaseID)
	if err != nil {
		return "", err
	}

	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}

	pol := s.policies.Resolve(job.Type)
	now := s.now()

	if retryable && job.Attempt < pol.MaxAttempts {
		delay := s.policies.NextDelay(job.Attempt, pol)
		notBefore := now.Add(delay)

		var affected int64
		err = s.withRetry(ctx, "nack retry", func() error {
			res, err := s.db.ExecContext(ctx,
				`UPDATE jobs SET status = 'retrying', lease_id = NULL,
				   visibility_deadline = NULL, not_before = ?, last_error = ?,
				   max_attempts = ?, updated_at = ?
				 WHERE id = ? AND lease_id = ? AND status = 'leased'`,
				notBefore, errMsg, pol.MaxAttempts, now, jobID, leaseID,
			)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return "", errors.Wrapf(err, "failed to nack job %s", jobID)
		}
		if affected == 0 {
			return "", errors.Wrapf(errors.ErrLeaseLost, "nack rejected for job %s", jobID)
		}

		s.emitter.Emit(Event{
			Event:    EventRetryScheduled,
			JobID:    job.ID,
			JobType:  job.Type,
			Status:   StatusRetrying,
			Attempt:  job.Attempt,
			Duration: duration,
			Error:    errMsg,
		})
		return NextRetry, nil
	}

	reason := ReasonMaxRetriesExhausted
	if !retryable {
		code, _ := Classify(jobErr)
		reason = string(code)
	}

	if err := s.deadLetter(ctx, job, leaseID, reason, errMsg, now); err != nil {
		return "", err
	}

	s.emitter.Emit(Event{
		Event:    EventDeadLetter,
		JobID:    job.ID,
		JobType:  job.Type,
		Status:   StatusDeadLetter,
		Attempt:  job.Attempt,
		Duration: duration,
		Error:    errMsg,
		Reason:   reason,
	})
	return NextDeadLetter, nil
}

// deadLetter transitions the job and snapshots it into dead_letter_jobs in
// one transaction.
func (s *Store) deadLetter(ctx context.Context, job *Job, leaseID, reason, errMsg string, now time.Time) error {
	return s.withRetry(ctx, "dead letter", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'dead_letter', lease_id = NULL,
			   visibility_deadline = NULL, last_error = ?, updated_at = ?
			 WHERE id = ? AND lease_id = ? AND status = 'leased'`,
			errMsg, now, job.ID, leaseID,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return err
		}
		if affected == 0 {
			tx.Rollback()
			return errors.Wrapf(errors.ErrLeaseLost, "dead letter rejected for job %s", job.ID)
		}

		payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dead_letter_jobs (
				id, job_id, job_type, payload, idempotency_key, priority,
				attempt, max_attempts, reason, last_error, entered_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), job.ID, job.Type, payload, job.IdempotencyKey,
			job.Priority, job.Attempt, job.MaxAttempts, reason, errMsg, now,
		)
		if err != nil {
			tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}

// Release returns a leased job to the queue without charging its retry
// budget. Used by the dispatcher when no worker slot is available for the
// job's type.
func (s *Store) Release(ctx context.Context, jobID, leaseID string) error {
	now := s.now()
	var affected int64
	err := s.withRetry(ctx, "release", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'queued', lease_id = NULL,
			   visibility_deadline = NULL, attempt = attempt - 1, updated_at = ?
			 WHERE id = ? AND lease_id = ? AND status = 'leased'`,
			now, jobID, leaseID,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to release job %s", jobID)
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrLeaseLost, "release rejected for job %s", jobID)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.withRetry(ctx, "get job", func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var jobs []*Job
	err := s.withRetry(ctx, "list jobs", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs, err = scanJobs(rows)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return jobs, nil
}

// Stats holds per-status job counts.
type Stats struct {
	Queued     int `json:"queued"`
	Leased     int `json:"leased"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	DeadLetter int `json:"dead_letter"`
	Total      int `json:"total"`
}

// GetStats returns queue statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.withRetry(ctx, "stats", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()

		*stats = Stats{}
		for rows.Next() {
			var status JobStatus
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			switch status {
			case StatusQueued:
				stats.Queued = count
			case StatusLeased:
				stats.Leased = count
			case StatusRetrying:
				stats.Retrying = count
			case StatusCompleted:
				stats.Completed = count
			case StatusDeadLetter:
				stats.DeadLetter = count
			}
			stats.Total += count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}
	return stats, nil
}

// CleanupOldJobs removes completed jobs older than the retention window.
// Dead-lettered jobs are kept until an operator purges or requeues them.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	var removed int64
	err := s.withRetry(ctx, "cleanup", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE status = 'completed' AND updated_at < ?`, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	return int(removed), nil
}

// getLeased loads a job only if the given lease is still held.
func (s *Store) getLeased(ctx context.Context, jobID, leaseID string) (*Job, error) {
	var job *Job
	err := s.withRetry(ctx, "get leased", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND lease_id = ? AND status = 'leased'`,
			jobID, leaseID,
		)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrLeaseLost, "lease %s no longer held for job %s", leaseID, jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load leased job %s", jobID)
	}
	return job, nil
}

// withRetry runs a store operation, retrying transient storage faults with a
// short delay. Non-transient errors surface immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < storeRetryAttempts; i++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if s.log != nil {
			s.log.Warnw("Transient store error, retrying",
				"operation", op,
				"attempt", i+1,
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(storeRetryDelay):
		}
	}
	return errors.Wrapf(err, "%s: store retries exhausted", op)
}

// isTransient reports whether a storage error is worth retrying.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job row.
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var payload, leaseID, requeuedFrom sql.NullString
	var visibilityDeadline sql.NullTime

	err := row.Scan(
		&job.ID, &job.Type, &payload, &job.IdempotencyKey, &job.Priority,
		&job.Status, &job.Attempt, &job.MaxAttempts, &visibilityDeadline,
		&leaseID, &job.NotBefore, &job.LastError, &requeuedFrom,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	if leaseID.Valid {
		job.LeaseID = leaseID.String
	}
	if requeuedFrom.Valid {
		job.RequeuedFrom = requeuedFrom.String
	}
	if visibilityDeadline.Valid {
		t := visibilityDeadline.Time
		job.VisibilityDeadline = &t
	}
	return &job, nil
}

// scanJobs scans all rows from a query.
func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
