package ai

import (
	"context"
	"errors"
)

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrRateLimited         = errors.New("ai provider rate limited")
	// ErrInvalidInput means the provider rejected the request itself; retrying cannot help.
	ErrInvalidInput = errors.New("ai provider rejected input")
)

// IsRetryable reports whether a failed call may succeed on a later attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidInput):
		return false
	case errors.Is(err, ErrInferenceTimeout),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrInvalidResponse),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
