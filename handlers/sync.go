package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bozzfozz/harmony-sub003/errors"
	"github.com/bozzfozz/harmony-sub003/gateway"
	"github.com/bozzfozz/harmony-sub003/queue"
)

// SyncHandler acquires one release through the peer-search provider: fetches
// the track listing, searches the peer network per track, and requests a
// download of the best candidate. Tracks with no acceptable candidate are
// reported as a dependency failure so the job retries later, when peers may
// have come online.
type SyncHandler struct {
	deps Deps
}

func (h *SyncHandler) Type() string { return queue.TypeSync }

func (h *SyncHandler) Handle(ctx context.Context, job *queue.Job, heartbeat queue.HeartbeatFunc) error {
	var p SyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrap(errors.ErrValidation, "malformed sync payload")
	}
	if p.ReleaseID == "" {
		return errors.Wrap(errors.ErrValidation, "sync payload missing release_id")
	}

	log := h.deps.Log.With("job_id", job.ID, "release_id", p.ReleaseID)

	tracks, err := h.deps.Catalog.GetReleaseTracks(ctx, p.ReleaseID)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch tracks for release %s", p.ReleaseID)
	}
	if len(tracks) == 0 {
		return errors.Wrapf(errors.ErrValidation, "release %s has no tracks", p.ReleaseID)
	}

	var missing []string
	requested := 0
	for _, track := range tracks {
		if err := heartbeat(ctx); err != nil {
			return err
		}

		query := fmt.Sprintf("%s %s", p.ArtistName, track.Title)
		results, err := h.deps.PeerSearch.Search(ctx, query, 25)
		if err != nil {
			return errors.Wrapf(err, "peer search for track %s", track.ID)
		}

		best := BestCandidate(results)
		if best == nil {
			missing = append(missing, track.Title)
			continue
		}

		status, err := h.deps.PeerSearch.RequestDownload(ctx, *best)
		if err != nil {
			return errors.Wrapf(err, "failed to request download for track %s", track.ID)
		}
		requested++
		log.Debugw("Download requested",
			"track", track.Title,
			"transfer_id", status.ID,
			"peer", best.Username,
		)
	}

	if len(missing) > 0 {
		return errors.Wrapf(errors.ErrDependency,
			"no candidates for %d of %d tracks (first: %s)",
			len(missing), len(tracks), missing[0])
	}

	log.Infow("Release sync requested", "tracks", len(tracks), "downloads", requested)
	return nil
}

// BestCandidate picks the most attractive search result: audio files only,
// ranked by free queue slots, then bitrate, then reported speed.
func BestCandidate(results []gateway.SearchResult) *gateway.SearchResult {
	var best *gateway.SearchResult
	bestScore := -1

	for i := range results {
		r := &results[i]
		if r.Username == "" || r.Filename == "" {
			continue
		}

		score := 0
		if r.QueueLen == 0 {
			// An open slot outweighs any quality difference; a deep queue can
			// stall a whole release.
			score += 2000
		} else {
			score += 1000 / (r.QueueLen + 1)
		}
		score += r.BitrateK
		score += r.SpeedKBps / 10

		if score > bestScore {
			best = r
			bestScore = score
		}
	}

	return best
}
