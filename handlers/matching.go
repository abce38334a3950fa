package handlers

import (
	"context"
	"encoding/json"

	"github.com/bozzfozz/harmony-sub003/errors"
	"github.com/bozzfozz/harmony-sub003/gateway"
	"github.com/bozzfozz/harmony-sub003/queue"
)

// MatchingPayload carries a set of pre-gathered download candidates for a
// release. Producers outside the worker (search endpoints, bulk importers)
// enqueue these; the handler only ranks and accepts.
type MatchingPayload struct {
	ReleaseID  string                 `json:"release_id"`
	ArtistName string                 `json:"artist_name"`
	Title      string                 `json:"title"`
	Candidates []gateway.SearchResult `json:"candidates"`
}

// MatchingHandler ranks candidate results for a release and enqueues a sync
// job once an acceptable candidate exists. An empty or unusable candidate set
// is a validation failure: re-running the same payload cannot produce a
// different outcome.
type MatchingHandler struct {
	deps Deps
}

func (h *MatchingHandler) Type() string { return queue.TypeMatching }

func (h *MatchingHandler) Handle(ctx context.Context, job *queue.Job, heartbeat queue.HeartbeatFunc) error {
	var p MatchingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(errors.ErrValidation, "malformed matching payload")
	}
	if p.ReleaseID == "" {
		return errors.Wrap(errors.ErrValidation, "matching payload missing release_id")
	}
	if len(p.Candidates) == 0 {
		return errors.Wrapf(errors.ErrValidation, "no candidates for release %s", p.ReleaseID)
	}

	best := BestCandidate(p.Candidates)
	if best == nil {
		return errors.Wrapf(errors.ErrValidation, "no usable candidate for release %s", p.ReleaseID)
	}

	payload, err := json.Marshal(SyncPayload{
		ReleaseID:  p.ReleaseID,
		ArtistName: p.ArtistName,
		Title:      p.Title,
	})
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to marshal sync payload")
	}

	res, err := h.deps.Queue.Enqueue(ctx, queue.EnqueueParams{
		Type:           queue.TypeSync,
		Payload:        payload,
		IdempotencyKey: "sync:" + p.ReleaseID,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue sync for release %s", p.ReleaseID)
	}

	h.deps.Log.Infow("Match accepted",
		"job_id", job.ID,
		"release_id", p.ReleaseID,
		"peer", best.Username,
		"sync_job", res.JobID,
		"already_enqueued", res.AlreadyEnqueued,
	)
	return nil
}
