package gateway

import (
	"context"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/bozzfozz/harmony-sub003/config"
	"github.com/bozzfozz/harmony-sub003/errors"
)

// SearchResult is a downloadable candidate returned by the peer-search
// provider.
type SearchResult struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	BitrateK  int    `json:"bitrate_kbps"`
	QueueLen  int    `json:"queue_length"`
	SpeedKBps int    `json:"speed_kbps"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// DownloadStatus reports the state of a requested transfer.
type DownloadStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"` // queued, transferring, complete, failed
	Progress int    `json:"progress_pct"`
	Error    string `json:"error,omitempty"`
}

// PeerSearchClient talks to the peer-search download provider.
type PeerSearchClient struct {
	*client
}

// NewPeerSearchClient creates the peer-search provider client.
func NewPeerSearchClient(cfg config.ProviderConfig, log *zap.SugaredLogger) *PeerSearchClient {
	return &PeerSearchClient{client: newClient("peersearch", cfg, log)}
}

// Search queries the peer network for files matching the query string.
func (c *PeerSearchClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if query == "" {
		return nil, errors.Wrap(errors.ErrValidation, "search query is empty")
	}
	if limit <= 0 {
		limit = 25
	}

	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))

	var resp searchResponse
	if err := c.getJSON(ctx, "/api/v0/search", q, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// RequestDownload asks the provider to start transferring a search result.
func (c *PeerSearchClient) RequestDownload(ctx context.Context, result SearchResult) (*DownloadStatus, error) {
	if result.Username == "" || result.Filename == "" {
		return nil, errors.Wrap(errors.ErrValidation, "download request missing username or filename")
	}

	q := url.Values{}
	q.Set("username", result.Username)
	q.Set("filename", result.Filename)

	var status DownloadStatus
	if err := c.getJSON(ctx, "/api/v0/transfers/enqueue", q, &status); err != nil {
		return nil, err
	}
	if status.ID == "" {
		return nil, &Error{Provider: c.provider, Code: CodeBadResponse, Message: "transfer response missing id", Retryable: false}
	}
	return &status, nil
}

// GetDownloadStatus polls the state of a transfer.
func (c *PeerSearchClient) GetDownloadStatus(ctx context.Context, transferID string) (*DownloadStatus, error) {
	var status DownloadStatus
	if err := c.getJSON(ctx, "/api/v0/transfers/"+url.PathEscape(transferID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
