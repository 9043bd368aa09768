package mediator

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// DefaultRetryDelay is the constant delay, and the exponential base, used when
// RetryStrategy.Delay is zero.
const DefaultRetryDelay = 100 * time.Millisecond

// RetryStrategy configures how transport failures are retried.
type RetryStrategy struct {
	// Retries is the number of additional attempts after the first one.
	Retries int
	// Delay is the wait between attempts, or the base of the exponential
	// schedule when Exponential is set.
	Delay time.Duration
	// Exponential doubles the delay after every attempt.
	Exponential bool
	// ResetTimeout gives every attempt a fresh Config.Timeout instead of
	// sharing one deadline across all attempts.
	ResetTimeout bool
}

func (r *RetryStrategy) attempts() int {
	if r == nil || r.Retries <= 0 {
		return 1
	}
	return r.Retries + 1
}

// delay returns the wait before retry number n (1-based).
func (r *RetryStrategy) delay(n int) time.Duration {
	base := DefaultRetryDelay
	if r != nil && r.Delay > 0 {
		base = r.Delay
	}
	if r == nil || !r.Exponential || n <= 1 {
		return base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d > time.Minute {
			return time.Minute
		}
	}
	return d
}

func (r *RetryStrategy) resetTimeout() bool {
	return r != nil && r.ResetTimeout
}

// retryable reports whether an attempt should be repeated. Network failures
// are always retried; 5xx answers only for idempotent methods.
func retryable(parent context.Context, method string, resp *http.Response, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil || resp.StatusCode < 500 {
		return false
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
