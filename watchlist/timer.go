package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/queue"
)

// TimerConfig contains configuration for the watchlist timer.
type TimerConfig struct {
	Interval     time.Duration // how often to look for due entries
	BatchSize    int           // max entries enqueued per tick
	RetryCeiling int           // consecutive failures before an entry is paused
	Cooldown     time.Duration // backoff applied after a failed refresh
}

// DefaultTimerConfig returns sensible defaults.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		Interval:     15 * time.Minute,
		BatchSize:    20,
		RetryCeiling: 5,
		Cooldown:     time.Hour,
	}
}

// RefreshPayload is the payload of an artist_refresh job enqueued by the
// timer.
type RefreshPayload struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name,omitempty"`
}

// Timer periodically enqueues refresh jobs for due watchlist entries. The
// idempotency key is derived from the entity and the interval window the
// tick falls in, so a tick that fires twice (restart mid-tick, overlapping
// instances) enqueues each refresh at most once per window.
type Timer struct {
	store  *Store
	queue  *queue.Store
	cfg    TimerConfig
	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTimer creates a watchlist timer.
func NewTimer(store *Store, q *queue.Store, cfg TimerConfig, log *zap.SugaredLogger) *Timer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTimerConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultTimerConfig().BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Timer{
		store:  store,
		queue:  q,
		cfg:    cfg,
		log:    log.Named("watchlist"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the timer loop.
func (t *Timer) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("Watchlist timer started",
		"interval", t.cfg.Interval,
		"batch_size", t.cfg.BatchSize,
	)
}

// Stop gracefully stops the timer.
func (t *Timer) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("Watchlist timer stopped")
}

func (t *Timer) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			if err := t.Tick(t.ctx, tickTime); err != nil {
				t.log.Warnw("Watchlist tick error", "error", err)
			}
		}
	}
}

// Tick enqueues refresh jobs for all entries due at tickTime. Exported so
// operators can trigger an immediate pass.
//
// Keys are derived from the start of the interval window containing
// tickTime, not from tickTime itself. Two fires inside the same window,
// seconds apart after a restart, resolve to the same key and enqueue once.
func (t *Timer) Tick(ctx context.Context, tickTime time.Time) error {
	window := tickTime.UTC().Truncate(t.cfg.Interval)

	due, err := t.store.Due(ctx, tickTime, t.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	enqueued := 0
	for _, entry := range due {
		payload, err := json.Marshal(RefreshPayload{EntityID: entry.EntityID, Name: entry.Name})
		if err != nil {
			t.log.Errorw("Failed to marshal refresh payload", "entity_id", entry.EntityID, "error", err)
			continue
		}

		res, err := t.queue.Enqueue(ctx, queue.EnqueueParams{
			Type:           queue.TypeArtistRefresh,
			Payload:        payload,
			IdempotencyKey: RefreshKey(entry.EntityID, window),
		})
		if err != nil {
			t.log.Warnw("Failed to enqueue refresh",
				"entity_id", entry.EntityID,
				"error", err,
			)
			continue
		}
		if !res.AlreadyEnqueued {
			enqueued++
		}
	}

	if enqueued > 0 {
		t.log.Infow("Watchlist tick enqueued refreshes", "due", len(due), "enqueued", enqueued)
	}
	return nil
}

// RefreshKey derives the idempotency key for a refresh of entityID in the
// tick window starting at windowStart.
func RefreshKey(entityID string, windowStart time.Time) string {
	return fmt.Sprintf("refresh:%s:%d", entityID, windowStart.UTC().Unix())
}
