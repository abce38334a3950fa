package queue

import (
	"context"

	"github.com/bozzfozz/harmony-sub003/errors"
)

// Code is the taxonomy classification of a job failure.
type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodeDependency Code = "DEPENDENCY_ERROR"
	CodeLeaseLost  Code = "LEASE_LOST"
	CodeInternal   Code = "INTERNAL_ERROR"
)

// Classify maps a handler error onto the failure taxonomy and reports whether
// it is retryable. Unclassified errors default to a retryable INTERNAL_ERROR:
// the bounded retry budget makes a persistent bug dead-letter eventually
// instead of silently losing work or retrying forever.
func Classify(err error) (Code, bool) {
	switch {
	case err == nil:
		return CodeInternal, true
	case errors.Is(err, errors.ErrValidation):
		return CodeValidation, false
	case errors.Is(err, errors.ErrLeaseLost):
		return CodeLeaseLost, false
	case errors.Is(err, errors.ErrDependency),
		errors.Is(err, errors.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return CodeDependency, true
	default:
		return CodeInternal, true
	}
}
