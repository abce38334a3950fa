package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bozzfozz/harmony-sub003/errors"
	"github.com/bozzfozz/harmony-sub003/queue"
	"github.com/bozzfozz/harmony-sub003/watchlist"
)

// ScanPayload is the payload of an artist_scan job.
type ScanPayload struct {
	EntityID   string `json:"entity_id"`
	ArtistName string `json:"artist_name"`
}

// ArtistRefreshHandler fetches fresh artist metadata from the catalog,
// records watchlist bookkeeping, and chains an artist_scan job to diff the
// release list against the library.
type ArtistRefreshHandler struct {
	deps Deps
}

func (h *ArtistRefreshHandler) Type() string { return queue.TypeArtistRefresh }

func (h *ArtistRefreshHandler) Handle(ctx context.Context, job *queue.Job, heartbeat queue.HeartbeatFunc) error {
	var p watchlist.RefreshPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(errors.ErrValidation, "malformed refresh payload")
	}
	if p.EntityID == "" {
		return errors.Wrap(errors.ErrValidation, "refresh payload missing entity_id")
	}

	log := h.deps.Log.With("job_id", job.ID, "entity_id", p.EntityID)

	artist, err := h.deps.Catalog.GetArtist(ctx, p.EntityID)
	if err != nil {
		h.recordFailure(ctx, p.EntityID, log)
		return errors.Wrapf(err, "failed to refresh artist %s", p.EntityID)
	}

	// Metadata changed upstream, drop anything cached for this artist.
	h.deps.Cache.Invalidate(ctx, "artist:"+p.EntityID)

	if err := h.deps.Watchlist.MarkChecked(ctx, p.EntityID, time.Now().UTC()); err != nil && !errors.IsNotFound(err) {
		log.Warnw("Failed to mark watchlist entry checked", "error", err)
	}

	scanPayload, err := json.Marshal(ScanPayload{EntityID: p.EntityID, ArtistName: artist.Name})
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to marshal scan payload")
	}

	res, err := h.deps.Queue.Enqueue(ctx, queue.EnqueueParams{
		Type:           queue.TypeArtistScan,
		Payload:        scanPayload,
		IdempotencyKey: fmt.Sprintf("scan:%s:%s", p.EntityID, job.ID),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue scan for artist %s", p.EntityID)
	}

	log.Infow("Artist refreshed", "artist", artist.Name, "scan_job", res.JobID)
	return nil
}

// recordFailure applies cooldown bookkeeping on the watchlist entry. The job
// itself still retries on its own schedule; the cooldown only shapes when the
// timer enqueues the next refresh.
func (h *ArtistRefreshHandler) recordFailure(ctx context.Context, entityID string, log interface{ Warnw(string, ...interface{}) }) {
	err := h.deps.Watchlist.RecordFailure(ctx, entityID, h.deps.Cooldown, h.deps.RetryCeil)
	if err != nil && !errors.IsNotFound(err) {
		log.Warnw("Failed to record watchlist failure", "error", err)
	}
}
