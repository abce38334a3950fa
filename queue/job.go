// Package queue implements Harmony's persistent job orchestration core: a
// SQLite-backed job store with visibility-timeout leasing, idempotent enqueue,
// per-type retry policies with exponential backoff, a dead-letter queue, and a
// claim scheduler feeding bounded per-type worker pools.
package queue

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusLeased     JobStatus = "leased"
	StatusCompleted  JobStatus = "completed"
	StatusRetrying   JobStatus = "retrying"
	StatusDeadLetter JobStatus = "dead_letter"
)

// IsTerminal returns true for statuses a job never leaves.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case StatusQueued, StatusLeased, StatusCompleted, StatusRetrying, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// Job type tags. Each selects the handler registered under the same name.
const (
	TypeArtistRefresh = "artist_refresh"
	TypeArtistScan    = "artist_scan"
	TypeSync          = "sync"
	TypeMatching      = "matching"
	TypeArtistSync    = "artist_sync"
)

// Job is a unit of background work.
//
// The job row is the single source of truth for queue state: workers never
// coordinate with each other directly, only through atomic claim, heartbeat,
// ack and nack operations against this row.
type Job struct {
	ID                 string          `json:"id"`
	Type               string          `json:"job_type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key"`
	Priority           int             `json:"priority"`
	Status             JobStatus       `json:"status"`
	Attempt            int             `json:"attempt"`
	MaxAttempts        int             `json:"max_attempts"`
	VisibilityDeadline *time.Time      `json:"visibility_deadline,omitempty"`
	LeaseID            string          `json:"lease_id,omitempty"`
	NotBefore          time.Time       `json:"not_before"`
	LastError          string          `json:"last_error,omitempty"`
	RequeuedFrom       string          `json:"requeued_from,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// EnqueueParams describes a job to enqueue.
type EnqueueParams struct {
	Type           string
	Payload        json.RawMessage
	IdempotencyKey string
	Priority       int
	NotBefore      time.Time // zero means eligible immediately
	RequeuedFrom   string    // DLQ entry id when created by a requeue
}

// EnqueueResult reports the outcome of an enqueue call.
type EnqueueResult struct {
	JobID           string `json:"job_id"`
	AlreadyEnqueued bool   `json:"already_enqueued"`
}

// NextState is the state a job moved to after a nack.
type NextState string

const (
	NextRetry      NextState = "retrying"
	NextDeadLetter NextState = "dead_letter"
)
