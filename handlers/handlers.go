// Package handlers implements the domain job handlers registered with the
// queue. Each handler decodes its own payload, talks to providers through the
// gateway clients, and reports failures by wrapping the taxonomy sentinels so
// the queue classifies them without domain knowledge.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/cache"
	"github.com/bozzfozz/harmony-sub003/gateway"
	"github.com/bozzfozz/harmony-sub003/queue"
	"github.com/bozzfozz/harmony-sub003/watchlist"
)

// Library answers whether a release is already present locally. Sync jobs are
// only enqueued for releases the library does not have.
type Library interface {
	HasRelease(ctx context.Context, releaseID string) (bool, error)
}

// NopLibrary reports no release as present, so every discovered release is
// synced.
type NopLibrary struct{}

func (NopLibrary) HasRelease(context.Context, string) (bool, error) { return false, nil }

// Deps bundles the shared dependencies of all handlers.
type Deps struct {
	Queue      *queue.Store
	Watchlist  *watchlist.Store
	Catalog    *gateway.CatalogClient
	PeerSearch *gateway.PeerSearchClient
	Cache      *cache.Store
	Library    Library
	CacheTTL   time.Duration
	Cooldown   time.Duration // watchlist cooldown after a failed refresh
	RetryCeil  int           // watchlist failures before pausing an entry
	Log        *zap.SugaredLogger
}

// RegisterAll registers every domain handler with the registry.
func RegisterAll(r *queue.Registry, deps Deps) {
	if deps.Library == nil {
		deps.Library = NopLibrary{}
	}
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = 6 * time.Hour
	}

	r.Register(&ArtistRefreshHandler{deps: deps})
	r.Register(&ArtistScanHandler{deps: deps})
	r.Register(&SyncHandler{deps: deps})
	r.Register(&MatchingHandler{deps: deps})
	r.Register(&ArtistSyncHandler{deps: deps})
}
