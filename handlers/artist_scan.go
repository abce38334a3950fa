package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bozzfozz/harmony-sub003/errors"
	"github.com/bozzfozz/harmony-sub003/gateway"
	"github.com/bozzfozz/harmony-sub003/queue"
)

// SyncPayload is the payload of a sync job: one release to acquire.
type SyncPayload struct {
	ReleaseID  string `json:"release_id"`
	ArtistName string `json:"artist_name"`
	Title      string `json:"title"`
}

// ArtistScanHandler diffs an artist's catalog release list against the local
// library and enqueues one sync job per missing release. Release lists are
// cached per artist so back-to-back scans do not hammer the provider.
type ArtistScanHandler struct {
	deps Deps
}

func (h *ArtistScanHandler) Type() string { return queue.TypeArtistScan }

func (h *ArtistScanHandler) Handle(ctx context.Context, job *queue.Job, heartbeat queue.HeartbeatFunc) error {
	var p ScanPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(errors.ErrValidation, "malformed scan payload")
	}
	if p.EntityID == "" {
		return errors.Wrap(errors.ErrValidation, "scan payload missing entity_id")
	}

	log := h.deps.Log.With("job_id", job.ID, "entity_id", p.EntityID)

	releases, err := h.fetchReleases(ctx, p.EntityID)
	if err != nil {
		return errors.Wrapf(err, "failed to list releases for artist %s", p.EntityID)
	}

	enqueued := 0
	for i, rel := range releases {
		if i > 0 && i%25 == 0 {
			if err := heartbeat(ctx); err != nil {
				return err
			}
		}

		have, err := h.deps.Library.HasRelease(ctx, rel.ID)
		if err != nil {
			return errors.Wrapf(errors.ErrInternal, "library lookup for release %s: %v", rel.ID, err)
		}
		if have {
			continue
		}

		payload, err := json.Marshal(SyncPayload{
			ReleaseID:  rel.ID,
			ArtistName: p.ArtistName,
			Title:      rel.Title,
		})
		if err != nil {
			return errors.Wrap(errors.ErrInternal, "failed to marshal sync payload")
		}

		res, err := h.deps.Queue.Enqueue(ctx, queue.EnqueueParams{
			Type:           queue.TypeSync,
			Payload:        payload,
			IdempotencyKey: "sync:" + rel.ID,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to enqueue sync for release %s", rel.ID)
		}
		if !res.AlreadyEnqueued {
			enqueued++
		}
	}

	log.Infow("Artist scan complete",
		"releases", len(releases),
		"syncs_enqueued", enqueued,
	)
	return nil
}

// fetchReleases returns the artist's release list, served from the response
// cache when a fresh copy exists.
func (h *ArtistScanHandler) fetchReleases(ctx context.Context, entityID string) ([]gateway.Release, error) {
	cacheKey := fmt.Sprintf("artist:%s:releases", entityID)

	if body, ok, err := h.deps.Cache.Get(ctx, cacheKey); err == nil && ok {
		var releases []gateway.Release
		if err := json.Unmarshal(body, &releases); err == nil {
			return releases, nil
		}
		// Corrupt cache entry, fall through to the provider.
	}

	releases, err := h.deps.Catalog.GetArtistReleases(ctx, entityID)
	if err != nil {
		return nil, err
	}

	if body, err := json.Marshal(releases); err == nil {
		if err := h.deps.Cache.Put(ctx, cacheKey, "artist:"+entityID, body, h.deps.CacheTTL); err != nil {
			h.deps.Log.Warnw("Failed to cache release list", "entity_id", entityID, "error", err)
		}
	}

	return releases, nil
}
