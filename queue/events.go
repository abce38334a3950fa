package queue

import (
	"time"

	"go.uber.org/zap"
)

// Event names, one per observable state transition.
const (
	EventEnqueue        = "enqueue"
	EventClaim          = "claim"
	EventHeartbeat      = "heartbeat"
	EventAck            = "ack"
	EventRetryScheduled = "retry_scheduled"
	EventDeadLetter     = "dead_letter_entered"
	EventDLQRequeued    = "dlq_requeued"
)

// Event is one structured record on the orchestrator's event stream.
type Event struct {
	Event    string        `json:"event"`
	JobID    string        `json:"job_id"`
	JobType  string        `json:"job_type"`
	Status   JobStatus     `json:"status"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Emitter receives every job state transition. The store and DLQ manager are
// the only call sites, so the event contract is enforced in one place instead
// of being duplicated per handler.
type Emitter interface {
	Emit(e Event)
}

// ZapEmitter writes events to a structured logger. The observability layer
// consumes these records downstream.
type ZapEmitter struct {
	log *zap.SugaredLogger
}

// NewZapEmitter creates an emitter backed by the given logger.
func NewZapEmitter(log *zap.SugaredLogger) *ZapEmitter {
	return &ZapEmitter{log: log.Named("events")}
}

// Emit implements Emitter.
func (z *ZapEmitter) Emit(e Event) {
	fields := []interface{}{
		"event", e.Event,
		"job_id", e.JobID,
		"job_type", e.JobType,
		"status", e.Status,
		"attempt", e.Attempt,
		"duration", e.Duration,
	}
	if e.Error != "" {
		fields = append(fields, "error", e.Error)
	}
	if e.Reason != "" {
		fields = append(fields, "reason", e.Reason)
	}
	z.log.Infow("job event", fields...)
}

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
