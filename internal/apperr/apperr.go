// Package apperr classifies errors by how the caller should react to them.
//
// Only two classes matter at the webhook boundary: retryable errors are
// surfaced to the provider as 5xx so that it redelivers, everything else is
// either a rejection or an acknowledged outcome.
package apperr

import (
	"context"
	"errors"
	"net"
)

// Retryable marks an error as transient.
type Retryable struct {
	Err error
}

func (e *Retryable) Error() string {
	if e.Err == nil {
		return "retryable error"
	}
	return e.Err.Error()
}

func (e *Retryable) Unwrap() error { return e.Err }

// Retry wraps err as retryable. A nil err stays nil.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &Retryable{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is transient.
// Deadline expiry and network timeouts count as transient even when they
// were not explicitly marked.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r *Retryable
	if errors.As(err, &r) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
