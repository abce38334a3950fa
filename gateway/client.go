package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bozzfozz/harmony-sub003/config"
	"github.com/bozzfozz/harmony-sub003/errors"
	"github.com/bozzfozz/harmony-sub003/internal/httpclient"
)

const maxResponseBytes = 10 << 20 // 10MB cap on provider responses

// client is the shared HTTP plumbing under both provider clients: per-call
// deadline, client-side rate limiting, status classification, bounded decode.
type client struct {
	provider string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	log      *zap.SugaredLogger
}

func newClient(provider string, cfg config.ProviderConfig, log *zap.SugaredLogger) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	return &client{
		provider: provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     httpclient.New(timeout),
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
		timeout:  timeout,
		log:      log.Named(provider),
	}
}

// getJSON performs a rate-limited GET and decodes the JSON body into out.
// Transport failures and timeouts come back as retryable *Error values.
func (c *client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build provider request")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Provider: c.provider, Code: CodeTimeout, Message: "request timed out", Retryable: true}
		}
		return &Error{Provider: c.provider, Code: CodeUnavailable, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	c.log.Debugw("Provider request",
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return classifyStatus(c.provider, resp.StatusCode, resp.Header)
	}

	body := io.LimitReader(resp.Body, maxResponseBytes)
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return &Error{Provider: c.provider, Code: CodeBadResponse, Message: "malformed response body", Retryable: false}
	}
	return nil
}
