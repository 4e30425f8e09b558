package llm

import (
	"context"

	"github.com/pkg/errors"
)

// retryableError marks a transport-level failure that a caller could retry.
// The gateway does not retry today but preserves the classification in its
// error responses.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err as retryable. Context cancellation is never
// retryable and passes through unwrapped.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was classified as transient.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
