package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/errors"
)

// DeadLetterEntry is an immutable snapshot of a job at the moment its retry
// budget was exhausted or it failed non-retryably.
type DeadLetterEntry struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       int             `json:"priority"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	Reason         string          `json:"reason"`
	LastError      string          `json:"last_error,omitempty"`
	EnteredAt      time.Time       `json:"entered_at"`
}

// DLQFilter narrows a dead-letter listing.
type DLQFilter struct {
	JobType string
	Limit   int
}

// DLQ manages the dead-letter queue: operator inspection, manual requeue and
// purge. Entries are created by the store's nack path; this type only reads
// and removes them.
type DLQ struct {
	db      *sql.DB
	store   *Store
	emitter Emitter
	log     *zap.SugaredLogger
}

// NewDLQ creates a dead-letter queue manager.
func NewDLQ(db *sql.DB, store *Store, emitter Emitter, log *zap.SugaredLogger) *DLQ {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &DLQ{db: db, store: store, emitter: emitter, log: log}
}

const dlqColumns = `id, job_id, job_type, payload, idempotency_key, priority,
	attempt, max_attempts, reason, last_error, entered_at`

// List returns dead-letter entries, newest first.
func (d *DLQ) List(ctx context.Context, filter DLQFilter) ([]*DeadLetterEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + dlqColumns + ` FROM dead_letter_jobs`
	var args []interface{}
	if filter.JobType != "" {
		query += ` WHERE job_type = ?`
		args = append(args, filter.JobType)
	}
	query += ` ORDER BY entered_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letter entries")
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dead letter entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get retrieves one dead-letter entry by id.
func (d *DLQ) Get(ctx context.Context, entryID string) (*DeadLetterEntry, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_jobs WHERE id = ?`, entryID)
	entry, err := scanDLQEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "dead letter entry %s", entryID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get dead letter entry %s", entryID)
	}
	return entry, nil
}

// Requeue creates a new job from a dead-letter entry and removes the entry.
// The new job carries the original payload and priority, a fresh idempotency
// key derived from the original, a reset attempt counter, and a link back to
// the source entry; its retry budget is re-resolved at claim time.
func (d *DLQ) Requeue(ctx context.Context, entryID string) (string, error) {
	entry, err := d.Get(ctx, entryID)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s:requeue:%d", entry.IdempotencyKey, time.Now().Unix())
	result, err := d.store.Enqueue(ctx, EnqueueParams{
		Type:           entry.JobType,
		Payload:        entry.Payload,
		IdempotencyKey: key,
		Priority:       entry.Priority,
		RequeuedFrom:   entry.ID,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to requeue dead letter entry %s", entryID)
	}

	if _, err := d.db.ExecContext(ctx, `DELETE FROM dead_letter_jobs WHERE id = ?`, entryID); err != nil {
		// Job already exists; the leftover entry is visible to operators and
		// can be purged manually.
		d.log.Warnw("Requeued job but failed to remove dead letter entry",
			"entry_id", entryID,
			"job_id", result.JobID,
			"error", err,
		)
	}

	d.emitter.Emit(Event{
		Event:   EventDLQRequeued,
		JobID:   result.JobID,
		JobType: entry.JobType,
		Status:  StatusQueued,
	})

	d.log.Infow("Dead letter entry requeued",
		"entry_id", entryID,
		"job_id", result.JobID,
		"job_type", entry.JobType,
	)
	return result.JobID, nil
}

// Purge deletes a dead-letter entry without requeueing it.
func (d *DLQ) Purge(ctx context.Context, entryID string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM dead_letter_jobs WHERE id = ?`, entryID)
	if err != nil {
		return errors.Wrapf(err, "failed to purge dead letter entry %s", entryID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "dead letter entry %s", entryID)
	}

	d.log.Infow("Dead letter entry purged", "entry_id", entryID)
	return nil
}

func scanDLQEntry(row rowScanner) (*DeadLetterEntry, error) {
	var entry DeadLetterEntry
	var payload sql.NullString

	err := row.Scan(
		&entry.ID, &entry.JobID, &entry.JobType, &payload,
		&entry.IdempotencyKey, &entry.Priority, &entry.Attempt,
		&entry.MaxAttempts, &entry.Reason, &entry.LastError, &entry.EnteredAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		entry.Payload = []byte(payload.String)
	}
	return &entry, nil
}
