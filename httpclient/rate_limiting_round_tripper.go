/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Default parameter values for RateLimitingRoundTripper.
const (
	DefaultRateLimitingBurst       = 1
	DefaultRateLimitingInterval    = time.Second
	DefaultRateLimitingWaitTimeout = 15 * time.Second
)

// RateLimitingRoundTripperAdaptation represents params to adapt the rate limit
// in accordance with a value received in responses.
type RateLimitingRoundTripperAdaptation struct {
	// ResponseHeaderName is the name of the response header carrying the server-advertised limit.
	ResponseHeaderName string

	// SlackPercent is the percentage subtracted from the advertised limit to stay below it.
	SlackPercent int
}

// RateLimitingRoundTripperOpts represents options for RateLimitingRoundTripper.
type RateLimitingRoundTripperOpts struct {
	// Burst allows short spikes above the sustained rate. Defaults to DefaultRateLimitingBurst.
	Burst int

	// Interval is the period the rate limit applies to ("N requests per Interval").
	// Defaults to DefaultRateLimitingInterval.
	Interval time.Duration

	// WaitTimeout is the maximum time to wait for the limiter to admit a request.
	// Defaults to DefaultRateLimitingWaitTimeout.
	WaitTimeout time.Duration

	// Adaptation configures adjusting the limit from response headers.
	Adaptation RateLimitingRoundTripperAdaptation
}

// RateLimitingRoundTripper limits the rate of outgoing requests made through the delegate transport.
// The limit may be lowered adaptively from a response header (e.g. X-RateLimit-Limit)
// and is restored once the header disappears.
type RateLimitingRoundTripper struct {
	Delegate http.RoundTripper

	limiter *rate.Limiter

	RateLimit   int
	Interval    time.Duration
	Burst       int
	WaitTimeout time.Duration
	Adaptation  RateLimitingRoundTripperAdaptation
}

// NewRateLimitingRoundTripper creates a new RateLimitingRoundTripper
// limiting requests to rateLimit per second.
func NewRateLimitingRoundTripper(delegate http.RoundTripper, rateLimit int) (*RateLimitingRoundTripper, error) {
	return NewRateLimitingRoundTripperWithOpts(delegate, rateLimit, RateLimitingRoundTripperOpts{})
}

// NewRateLimitingRoundTripperWithOpts creates a new RateLimitingRoundTripper
// limiting requests to rateLimit per opts.Interval.
// For options that are not presented, the default values will be used.
func NewRateLimitingRoundTripperWithOpts(
	delegate http.RoundTripper, rateLimit int, opts RateLimitingRoundTripperOpts,
) (*RateLimitingRoundTripper, error) {
	if rateLimit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive")
	}

	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst must not be negative")
	}
	if opts.Burst == 0 {
		opts.Burst = DefaultRateLimitingBurst
	}

	if opts.Interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultRateLimitingInterval
	}

	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = DefaultRateLimitingWaitTimeout
	}

	if opts.Adaptation.SlackPercent < 0 || opts.Adaptation.SlackPercent > 100 {
		return nil, fmt.Errorf("slack percent must be in range [0..100]")
	}

	return &RateLimitingRoundTripper{
		Delegate:    delegate,
		limiter:     rate.NewLimiter(limiterRate(rateLimit, opts.Interval), opts.Burst),
		RateLimit:   rateLimit,
		Interval:    opts.Interval,
		Burst:       opts.Burst,
		WaitTimeout: opts.WaitTimeout,
		Adaptation:  opts.Adaptation,
	}, nil
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *RateLimitingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Body != nil {
		defer func() {
			_ = r.Body.Close() // Per RoundTripper contract.
		}()
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), rt.WaitTimeout)
	defer cancel()
	if err := rt.limiter.Wait(waitCtx); err != nil {
		// A canceled request surfaces its own error from the delegate.
		if r.Context().Err() == nil {
			return nil, &RateLimitingWaitError{Inner: err}
		}
	}

	resp, err := rt.Delegate.RoundTrip(r)
	if err != nil {
		return resp, err
	}

	if rt.Adaptation.ResponseHeaderName != "" {
		if limit, ok := rt.limitFromResponse(resp); ok {
			rt.applyLimit(limit)
		} else {
			rt.applyLimit(rt.RateLimit)
		}
	}

	return resp, nil
}

func (rt *RateLimitingRoundTripper) limitFromResponse(resp *http.Response) (int, bool) {
	limitStr := resp.Header.Get(rt.Adaptation.ResponseHeaderName)
	if limitStr == "" {
		return 0, false
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return 0, false
	}

	limit = limit * (100 - rt.Adaptation.SlackPercent) / 100
	if limit == 0 {
		// Keep sending one request per interval instead of stopping completely.
		limit = 1
	}
	return limit, true
}

func (rt *RateLimitingRoundTripper) applyLimit(limit int) {
	// The server-advertised limit may only lower the configured one.
	if limit > rt.RateLimit {
		limit = rt.RateLimit
	}
	newRate := limiterRate(limit, rt.Interval)
	if rt.limiter.Limit() != newRate {
		rt.limiter.SetLimit(newRate)
	}
}

func limiterRate(limit int, interval time.Duration) rate.Limit {
	return rate.Limit(float64(limit) / interval.Seconds())
}

// RateLimitingWaitError is returned in RoundTrip method of RateLimitingRoundTripper
// when the limiter does not admit the request within WaitTimeout.
type RateLimitingWaitError struct {
	Inner error
}

func (e *RateLimitingWaitError) Error() string {
	return fmt.Sprintf("wait due to client side rate limiting: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RateLimitingWaitError) Unwrap() error {
	return e.Inner
}
