/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/retry"
)

// Default parameter values for RetryableRoundTripper.
const (
	DefaultMaxRetryAttempts                  = 10
	DefaultExponentialBackoffInitialInterval = time.Second
	DefaultExponentialBackoffMultiplier      = 2
)

// UnlimitedRetryAttempts disables the attempts counter.
// With this value retries are stopped only by the backoff policy (or the request context).
const UnlimitedRetryAttempts = -1

// RetryAttemptNumberHeader is set on every retried request and carries the attempt number, starting from 1.
// The initial request goes out without it.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// CheckRetryFunc decides right after each round trip whether one more attempt should be made.
// doneRetryAttempts is the number of retries already performed, i.e. it's 0 when the initial request has just finished.
type CheckRetryFunc func(ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int) (bool, error)

// RetryableRoundTripper retries failing HTTP requests on top of another http.RoundTripper.
//
// Requests with a body are made rewindable before the first attempt
// (via GetBody, seeking, or buffering, see makeRequestBodyRewindable),
// and the delay between attempts honors the Retry-After response header unless IgnoreRetryAfter is set.
type RetryableRoundTripper struct {
	// Delegate performs the actual round trips.
	Delegate http.RoundTripper

	// Logger is used for logging.
	// Prefer LoggerProvider when the logger depends on the request context.
	Logger log.FieldLogger

	// LoggerProvider extracts a logger from the request context and takes precedence over Logger.
	// It's handy when requests are sent while serving another request,
	// and the logs should carry that request's fields (request ID and so on).
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MaxRetryAttempts limits the number of retries,
	// so up to MaxRetryAttempts+1 requests may be sent in total (the initial request is not a retry).
	// UnlimitedRetryAttempts leaves stopping to BackoffPolicy. Defaults to DefaultMaxRetryAttempts.
	MaxRetryAttempts int

	// CheckRetry decides after each attempt whether to continue. Defaults to DefaultCheckRetry.
	CheckRetry CheckRetryFunc

	// IgnoreRetryAfter makes all delays be computed by BackoffPolicy,
	// even when the response carries a Retry-After header.
	IgnoreRetryAfter bool

	// BackoffPolicy computes the delay before the next attempt
	// when the Retry-After header is absent or ignored. Defaults to DefaultBackoffPolicy.
	BackoffPolicy retry.Policy
}

// RetryableRoundTripperOpts holds optional parameters for NewRetryableRoundTripperWithOpts.
// Each field configures the same-named field of RetryableRoundTripper
// (CheckRetryFunc sets CheckRetry), see its documentation for details and defaults.
type RetryableRoundTripperOpts struct {
	Logger           log.FieldLogger
	LoggerProvider   func(ctx context.Context) log.FieldLogger
	MaxRetryAttempts int
	CheckRetryFunc   CheckRetryFunc
	IgnoreRetryAfter bool
	BackoffPolicy    retry.Policy
}

// NewRetryableRoundTripper returns a new RetryableRoundTripper with default options.
func NewRetryableRoundTripper(delegate http.RoundTripper) (*RetryableRoundTripper, error) {
	return NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{})
}

// NewRetryableRoundTripperWithOpts returns a new RetryableRoundTripper with the specified options.
func NewRetryableRoundTripperWithOpts(
	delegate http.RoundTripper, opts RetryableRoundTripperOpts,
) (*RetryableRoundTripper, error) {
	if opts.MaxRetryAttempts < 0 && opts.MaxRetryAttempts != UnlimitedRetryAttempts {
		return nil, fmt.Errorf("incorrect max retry attempts")
	}
	if opts.MaxRetryAttempts == 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}

	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}

	if opts.CheckRetryFunc == nil {
		opts.CheckRetryFunc = DefaultCheckRetry
	}

	if opts.BackoffPolicy == nil {
		opts.BackoffPolicy = DefaultBackoffPolicy
	}

	return &RetryableRoundTripper{
		Delegate:         delegate,
		Logger:           opts.Logger,
		LoggerProvider:   opts.LoggerProvider,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		CheckRetry:       opts.CheckRetryFunc,
		BackoffPolicy:    opts.BackoffPolicy,
		IgnoreRetryAfter: opts.IgnoreRetryAfter,
	}, nil
}

// RoundTrip sends the request, retrying it until CheckRetry reports the result as final
// or one of the stop conditions fires: max attempts done, backoff policy exhausted, request context ended.
// When retries stop on such a condition, the last attempt's response and error are returned as is.
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindBody := func(*http.Request) error { return nil }
	if req.Body != nil {
		origBody := req.Body
		defer func() {
			_ = origBody.Close() // Per RoundTripper contract.
		}()

		var err error
		if rewindBody, err = makeRequestBodyRewindable(req); err != nil {
			return nil, &RetryableRoundTripperError{Inner: err}
		}
	}

	nextWaitTime := rt.makeNextWaitTimeProvider()
	ctx := req.Context()
	cloned := false

	var resp *http.Response
	var roundTripErr error
	for attempt := 0; ; attempt++ {
		if rewindErr := rewindBody(req); rewindErr != nil {
			if attempt == 0 {
				return nil, &RetryableRoundTripperError{Inner: rewindErr}
			}
			rt.logger(ctx).Error(fmt.Sprintf(
				"failed to rewind request body between retry attempts, %d request(s) done", attempt+1),
				log.Error(rewindErr))
			return resp, roundTripErr
		}

		// The previous response body must be drained and closed, or the connection can't be reused.
		if resp != nil && roundTripErr == nil {
			drainResponseBody(resp, rt.logger(ctx))
		}

		if attempt > 0 {
			if !cloned {
				req, cloned = req.Clone(ctx), true // Per RoundTripper contract.
			}
			req.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(attempt))
		}

		resp, roundTripErr = rt.Delegate.RoundTrip(req)

		needRetry, checkRetryErr := rt.CheckRetry(ctx, resp, roundTripErr, attempt)
		if checkRetryErr != nil {
			rt.logger(ctx).Error(fmt.Sprintf(
				"failed to check if retry is needed, %d request(s) done", attempt+1),
				log.Error(checkRetryErr))
			return resp, roundTripErr
		}
		if !needRetry {
			return resp, roundTripErr
		}

		if rt.MaxRetryAttempts > 0 && attempt >= rt.MaxRetryAttempts {
			rt.logger(ctx).Warnf("max retry attempts exceeded (%d), %d request(s) done",
				rt.MaxRetryAttempts, attempt+1)
			return resp, roundTripErr
		}
		waitTime, stop := nextWaitTime(resp)
		if stop {
			return resp, roundTripErr
		}
		if !rt.waitForRetry(ctx, waitTime, attempt) {
			return resp, roundTripErr
		}
	}
}

type waitTimeProvider func(resp *http.Response) (waitTime time.Duration, stop bool)

func (rt *RetryableRoundTripper) makeNextWaitTimeProvider() waitTimeProvider {
	bf := rt.BackoffPolicy.NewBackOff()
	return func(resp *http.Response) (time.Duration, bool) {
		if resp != nil && !rt.IgnoreRetryAfter {
			if retryAfter, ok := parseRetryAfterFromResponse(resp); ok {
				return retryAfter, false
			}
		}
		waitTime := bf.NextBackOff()
		return waitTime, waitTime == backoff.Stop
	}
}

func (rt *RetryableRoundTripper) waitForRetry(ctx context.Context, waitTime time.Duration, attempt int) bool {
	select {
	case <-ctx.Done():
		rt.logger(ctx).Warnf("context canceled (%v) while waiting for the next retry attempt, %d request(s) done",
			ctx.Err(), attempt+1)
		return false
	case <-time.After(waitTime):
		return true
	}
}

func (rt *RetryableRoundTripper) logger(ctx context.Context) log.FieldLogger {
	if rt.LoggerProvider != nil {
		return rt.LoggerProvider(ctx)
	}
	return rt.Logger
}

// RetryableRoundTripperError is returned by RetryableRoundTripper.RoundTrip
// when the request body cannot be made rewindable, and so the request cannot be retried at all.
type RetryableRoundTripperError struct {
	Inner error
}

// Error implements the error interface.
func (e *RetryableRoundTripperError) Error() string {
	return fmt.Sprintf("retryable round trip: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RetryableRoundTripperError) Unwrap() error {
	return e.Inner
}

// DefaultCheckRetry is the default CheckRetryFunc.
// Temporary round trip errors and 429 responses always lead to a retry attempt.
// 5xx responses are retried only for idempotent requests: requests with GET, HEAD, OPTIONS, PUT, DELETE or TRACE
// method, and requests whose context carries an "idempotent request" hint (see NewContextWithIdempotentHint).
func DefaultCheckRetry(
	ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int,
) (needRetry bool, err error) {
	if roundTripErr != nil {
		return CheckErrorIsTemporary(roundTripErr), nil
	}
	if resp == nil {
		return false, fmt.Errorf("both response and round trip error are nil")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return isIdempotentRequest(resp.Request) || GetIdempotentHintFromContext(ctx), nil
	}
	return false, nil
}

func isIdempotentRequest(req *http.Request) bool {
	if req == nil {
		return false
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

// DefaultBackoffPolicy is the backoff policy used when RetryableRoundTripperOpts.BackoffPolicy is not specified:
// exponential backoff with a 1s initial interval and no cap on the number of retries.
var DefaultBackoffPolicy retry.Policy = retry.NewExponentialBackoffPolicyWithOpts(
	DefaultExponentialBackoffInitialInterval, 0,
	retry.ExponentialBackoffPolicyOpts{Multiplier: DefaultExponentialBackoffMultiplier},
)

// CheckErrorIsTemporary reports whether err looks transient.
// io.EOF and errors exposing a Temporary() bool method that returns true are considered temporary.
func CheckErrorIsTemporary(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var terr interface{ Temporary() bool }
	ok := errors.As(err, &terr)
	return ok && terr.Temporary()
}

// parseRetryAfterFromResponse extracts the wait time from the Retry-After response header.
// Both header forms are understood: a non-negative number of seconds and an HTTP date (RFC 1123).
func parseRetryAfterFromResponse(resp *http.Response) (retryAfter time.Duration, ok bool) {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	if seconds, atoiErr := strconv.Atoi(value); atoiErr == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	date, parseTimeErr := time.Parse(time.RFC1123, value)
	if parseTimeErr != nil {
		return 0, false
	}
	return time.Until(date), true
}
