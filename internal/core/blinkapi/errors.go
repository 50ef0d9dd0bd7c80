package blinkapi

import (
	"fmt"
	"time"
)

// AuthError indicates the remote service rejected our credentials or session.
// Callers must drive a re-auth transition; the call is never retried as-is.
type AuthError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("blinkapi: %s: auth rejected (HTTP %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("blinkapi: %s: auth rejected (HTTP %d)", e.Op, e.StatusCode)
}

// TransientError indicates a network or server failure worth retrying on the
// next scheduled attempt.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("blinkapi: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError indicates the account is being throttled. Callers back off
// before the next attempt instead of retrying immediately.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("blinkapi: %s: rate limited (retry after %s)", e.Op, e.RetryAfter)
}
