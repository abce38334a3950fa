package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/config"
)

const catalogPageSize = 50

// Artist is a streaming-catalog artist profile.
type Artist struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Genres    []string `json:"genres"`
	Followers int      `json:"followers"`
	ImageURL  string   `json:"image_url"`
}

// Release is a catalog release (album, EP, single).
type Release struct {
	ID          string `json:"id"`
	ArtistID    string `json:"artist_id"`
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date"`
	TotalTracks int    `json:"total_tracks"`
	Kind        string `json:"kind"` // album, single, compilation
}

// Track is a single track within a release.
type Track struct {
	ID         string `json:"id"`
	ReleaseID  string `json:"release_id"`
	Title      string `json:"title"`
	ArtistName string `json:"artist_name"`
	DurationMS int    `json:"duration_ms"`
	TrackNum   int    `json:"track_number"`
}

type releasePage struct {
	Items []Release `json:"items"`
	Total int       `json:"total"`
	Next  *string   `json:"next"`
}

type trackPage struct {
	Items []Track `json:"items"`
	Total int     `json:"total"`
}

// CatalogClient talks to the streaming-catalog provider.
type CatalogClient struct {
	*client
}

// NewCatalogClient creates the catalog provider client.
func NewCatalogClient(cfg config.ProviderConfig, log *zap.SugaredLogger) *CatalogClient {
	return &CatalogClient{client: newClient("catalog", cfg, log)}
}

// GetArtist fetches an artist profile by provider ID.
func (c *CatalogClient) GetArtist(ctx context.Context, artistID string) (*Artist, error) {
	var artist Artist
	if err := c.getJSON(ctx, "/v1/artists/"+url.PathEscape(artistID), nil, &artist); err != nil {
		return nil, err
	}
	if artist.ID == "" || artist.Name == "" {
		return nil, &Error{Provider: c.provider, Code: CodeBadResponse, Message: "artist response missing id or name", Retryable: false}
	}
	return &artist, nil
}

// GetArtistReleases fetches the artist's full release list, walking the
// provider's pagination.
func (c *CatalogClient) GetArtistReleases(ctx context.Context, artistID string) ([]Release, error) {
	var all []Release
	offset := 0

	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(catalogPageSize))
		query.Set("offset", strconv.Itoa(offset))

		var page releasePage
		path := fmt.Sprintf("/v1/artists/%s/releases", url.PathEscape(artistID))
		if err := c.getJSON(ctx, path, query, &page); err != nil {
			return nil, err
		}

		for _, rel := range page.Items {
			if rel.ID == "" {
				return nil, &Error{Provider: c.provider, Code: CodeBadResponse, Message: "release item missing id", Retryable: false}
			}
			if rel.ArtistID == "" {
				rel.ArtistID = artistID
			}
			all = append(all, rel)
		}

		offset += len(page.Items)
		if len(page.Items) < catalogPageSize || (page.Total > 0 && offset >= page.Total) {
			break
		}
	}

	return all, nil
}

// GetReleaseTracks fetches the track listing of a release.
func (c *CatalogClient) GetReleaseTracks(ctx context.Context, releaseID string) ([]Track, error) {
	var page trackPage
	path := fmt.Sprintf("/v1/releases/%s/tracks", url.PathEscape(releaseID))
	if err := c.getJSON(ctx, path, nil, &page); err != nil {
		return nil, err
	}
	for i := range page.Items {
		if page.Items[i].ID == "" {
			return nil, &Error{Provider: c.provider, Code: CodeBadResponse, Message: "track item missing id", Retryable: false}
		}
		if page.Items[i].ReleaseID == "" {
			page.Items[i].ReleaseID = releaseID
		}
	}
	return page.Items, nil
}
