// Package httpclient provides the outbound HTTP client used by the provider
// gateway. Every client carries a hard request timeout and conservative
// transport limits so a stalled provider cannot pin worker goroutines.
package httpclient

import (
	"net"
	"net/http"
	"time"

	"github.com/bozzfozz/harmony-sub003/errors"
)

const maxRedirects = 10

// New creates an HTTP client with the given hard per-request timeout.
func New(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Newf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}
