// Package gateway isolates the upstream providers behind typed clients with
// shared failure semantics. Handlers never see raw HTTP responses, only
// *Error values carrying a stable code and a retryability verdict.
package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bozzfozz/harmony-sub003/errors"
)

// Error codes shared by both provider clients.
const (
	CodeBadRequest   = "PROVIDER_BAD_REQUEST"
	CodeNotFound     = "PROVIDER_NOT_FOUND"
	CodeRateLimited  = "PROVIDER_RATE_LIMITED"
	CodeUnavailable  = "PROVIDER_UNAVAILABLE"
	CodeTimeout      = "PROVIDER_TIMEOUT"
	CodeBadResponse  = "PROVIDER_BAD_RESPONSE"
	CodeUnauthorized = "PROVIDER_UNAUTHORIZED"
)

// Error is a classified provider failure. Retryable errors wrap
// errors.ErrDependency and non-retryable ones wrap errors.ErrValidation, so
// the queue's failure classifier routes them without knowing about providers.
type Error struct {
	Provider   string
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

// Unwrap maps the error onto the queue's failure taxonomy.
func (e *Error) Unwrap() error {
	if e.Retryable {
		return errors.ErrDependency
	}
	return errors.ErrValidation
}

// classifyStatus builds an *Error from a non-2xx HTTP response status.
func classifyStatus(provider string, status int, header http.Header) *Error {
	e := &Error{Provider: provider, Message: http.StatusText(status)}

	switch {
	case status == http.StatusTooManyRequests:
		e.Code = CodeRateLimited
		e.Retryable = true
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case status == http.StatusNotFound:
		e.Code = CodeNotFound
		e.Retryable = false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Code = CodeUnauthorized
		e.Retryable = false
	case status >= 500:
		e.Code = CodeUnavailable
		e.Retryable = true
	case status >= 400:
		e.Code = CodeBadRequest
		e.Retryable = false
	default:
		e.Code = CodeBadResponse
		e.Retryable = false
		e.Message = fmt.Sprintf("unexpected status %d", status)
	}

	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
