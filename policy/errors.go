/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package policy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error wraps a terminal failure of a wrapped operation that has no more specific kind.
// More specific kinds are RetryExhaustedError, TimeoutError, BulkheadRejectedError
// and RateLimitRejectedError. A wrapped operation always fails with one of these kinds,
// so callers can match them deterministically with errors.As.
type Error struct {
	Inner error
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation failed: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *Error) Unwrap() error {
	return e.Inner
}

// RetryExhaustedError is returned when the operation failed with a non-retryable error
// or all retry attempts were used up. Attempts counts the first try as well.
type RetryExhaustedError struct {
	Attempts int
	Inner    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempt(s): %s", e.Attempts, e.Inner.Error())
}

// Unwrap returns the last error the operation failed with.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Inner
}

// TimeoutError is returned when the wrapped call did not complete within the configured timeout.
// The timeout covers the whole call, including the time spent in the bulkhead queue and all retries.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.Timeout)
}

// Unwrap makes the error matchable with errors.Is(err, context.DeadlineExceeded).
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// BulkheadRejectedError is returned when the wrapped call is rejected right away
// because the concurrency limit is reached and the wait queue is already full.
type BulkheadRejectedError struct {
	QueueLen   int
	QueueLimit int
}

func (e *BulkheadRejectedError) Error() string {
	return fmt.Sprintf("bulkhead rejected the call, %d of %d queue slots are occupied", e.QueueLen, e.QueueLimit)
}

// RateLimitRejectedError is returned when the wrapped call is rejected
// because the rate limit is exceeded. RetryAfter carries the duration
// after which the call may be tried again.
type RateLimitRejectedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitRejectedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// translateError converts an arbitrary terminal failure into one of the canonical error kinds.
// Errors that are already canonical pass through unchanged.
func translateError(err error) error {
	var genericErr *Error
	var retryExhaustedErr *RetryExhaustedError
	var timeoutErr *TimeoutError
	var bulkheadRejectedErr *BulkheadRejectedError
	var rateLimitRejectedErr *RateLimitRejectedError
	switch {
	case errors.As(err, &genericErr),
		errors.As(err, &retryExhaustedErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &bulkheadRejectedErr),
		errors.As(err, &rateLimitRejectedErr):
		return err
	}
	return &Error{Inner: err}
}
