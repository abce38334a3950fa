package handlers

import (
	"context"
	"encoding/json"

	"github.com/bozzfozz/harmony-sub003/errors"
	"github.com/bozzfozz/harmony-sub003/queue"
)

// ArtistSyncPayload identifies the artist whose stored mapping should be
// reconciled with the catalog.
type ArtistSyncPayload struct {
	EntityID string `json:"entity_id"`
}

// ArtistSyncHandler reconciles the locally stored artist mapping with the
// catalog: re-fetches the profile, updates the watchlist display name if it
// drifted, and invalidates cached responses for the artist.
type ArtistSyncHandler struct {
	deps Deps
}

func (h *ArtistSyncHandler) Type() string { return queue.TypeArtistSync }

func (h *ArtistSyncHandler) Handle(ctx context.Context, job *queue.Job, heartbeat queue.HeartbeatFunc) error {
	var p ArtistSyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(errors.ErrValidation, "malformed artist sync payload")
	}
	if p.EntityID == "" {
		return errors.Wrap(errors.ErrValidation, "artist sync payload missing entity_id")
	}

	log := h.deps.Log.With("job_id", job.ID, "entity_id", p.EntityID)

	artist, err := h.deps.Catalog.GetArtist(ctx, p.EntityID)
	if err != nil {
		return errors.Wrapf(err, "failed to sync artist %s", p.EntityID)
	}

	entry, err := h.deps.Watchlist.Get(ctx, p.EntityID)
	if err != nil {
		if errors.IsNotFound(err) {
			// Artist left the watchlist after this job was enqueued.
			log.Debugw("Artist no longer watched, skipping mapping update")
			return nil
		}
		return errors.Wrapf(err, "failed to load watchlist entry %s", p.EntityID)
	}

	if entry.Name != artist.Name {
		if err := h.deps.Watchlist.Rename(ctx, p.EntityID, artist.Name); err != nil {
			return errors.Wrapf(err, "failed to rename artist %s", p.EntityID)
		}
		log.Infow("Artist mapping updated", "old_name", entry.Name, "new_name", artist.Name)
	}

	h.deps.Cache.Invalidate(ctx, "artist:"+p.EntityID)
	return nil
}
