/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// The handler echoes the rateLimit query parameter in the given response header,
// which lets tests drive the adaptive limit from the server side.
func makeRateLimitingTestServer(limitHeader string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if limitHeader != "" {
			if rl := r.URL.Query().Get("rateLimit"); rl != "" {
				rw.Header().Set(limitHeader, rl)
			}
		}
		_, _ = rw.Write([]byte("ok"))
	}))
}

func timedGet(t *testing.T, client *http.Client, url string) (elapsed time.Duration, err error) {
	t.Helper()
	startedAt := time.Now()
	resp, err := client.Get(url)
	elapsed = time.Since(startedAt)
	if err == nil {
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}
	return elapsed, err
}

func TestNewRateLimitingRoundTripper(t *testing.T) {
	tests := []struct {
		name       string
		rateLimit  int
		opts       RateLimitingRoundTripperOpts
		wantErrMsg string
	}{
		{
			name:       "rate limit is negative",
			rateLimit:  -1,
			wantErrMsg: "rate limit must be positive",
		},
		{
			name:       "rate limit is zero",
			rateLimit:  0,
			wantErrMsg: "rate limit must be positive",
		},
		{
			name:       "burst is negative",
			rateLimit:  1,
			opts:       RateLimitingRoundTripperOpts{Burst: -1},
			wantErrMsg: "burst must not be negative",
		},
		{
			name:       "interval is negative",
			rateLimit:  1,
			opts:       RateLimitingRoundTripperOpts{Interval: -time.Second},
			wantErrMsg: "interval must not be negative",
		},
		{
			name:       "slack percent < 0",
			rateLimit:  1,
			opts:       RateLimitingRoundTripperOpts{Adaptation: RateLimitingRoundTripperAdaptation{SlackPercent: -1}},
			wantErrMsg: "slack percent must be in range [0..100]",
		},
		{
			name:       "slack percent > 100",
			rateLimit:  1,
			opts:       RateLimitingRoundTripperOpts{Adaptation: RateLimitingRoundTripperAdaptation{SlackPercent: 101}},
			wantErrMsg: "slack percent must be in range [0..100]",
		},
	}
	for i := range tests {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, tt.rateLimit, tt.opts)
			require.EqualError(t, err, tt.wantErrMsg)
		})
	}

	t.Run("defaults are applied", func(t *testing.T) {
		rt, err := NewRateLimitingRoundTripper(http.DefaultTransport, 10)
		require.NoError(t, err)
		require.Equal(t, 10, rt.RateLimit)
		require.Equal(t, DefaultRateLimitingBurst, rt.Burst)
		require.Equal(t, DefaultRateLimitingInterval, rt.Interval)
		require.Equal(t, DefaultRateLimitingWaitTimeout, rt.WaitTimeout)
		require.Equal(t, rate.Limit(10), rt.limiter.Limit())
	})

	t.Run("custom interval defines the limiter rate", func(t *testing.T) {
		rt, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, 30, RateLimitingRoundTripperOpts{
			Interval: time.Minute,
		})
		require.NoError(t, err)
		require.Equal(t, rate.Limit(0.5), rt.limiter.Limit())
	})
}

func TestRateLimitingRoundTripperThrottling(t *testing.T) {
	const allowedTimeDeviation = time.Millisecond * 100

	server := makeRateLimitingTestServer("")
	defer server.Close()

	makeClient := func(rateLimit int, waitTimeout time.Duration) *http.Client {
		tr, err := NewRateLimitingRoundTripperWithOpts(
			http.DefaultTransport, rateLimit, RateLimitingRoundTripperOpts{WaitTimeout: waitTimeout})
		require.NoError(t, err)
		return &http.Client{Transport: tr}
	}

	t.Run("2nd request is delayed by one interval", func(t *testing.T) {
		client := makeClient(1, time.Second*2)

		elapsed, err := timedGet(t, client, server.URL)
		require.NoError(t, err)
		require.Less(t, elapsed, allowedTimeDeviation, "the 1st request should pass immediately")

		elapsed, err = timedGet(t, client, server.URL)
		require.NoError(t, err)
		require.InDelta(t, time.Second, elapsed, float64(allowedTimeDeviation),
			"the 2nd request should wait for the next token")
	})

	t.Run("wait timeout too short for the 2nd request", func(t *testing.T) {
		client := makeClient(1, time.Millisecond*500)

		_, err := timedGet(t, client, server.URL)
		require.NoError(t, err)

		elapsed, err := timedGet(t, client, server.URL)
		var waitErr *RateLimitingWaitError
		require.ErrorAs(t, err, &waitErr,
			"the 2nd request should fail, the next token arrives after the wait timeout")
		require.Less(t, elapsed, allowedTimeDeviation,
			"the rate limiting error should be returned immediately")
	})

	t.Run("batch is smoothed over the interval, over-limit request fails", func(t *testing.T) {
		const rateLimit = 4
		const reqsCount = rateLimit + 1

		client := makeClient(rateLimit, time.Second-time.Second/rateLimit+allowedTimeDeviation)

		startedAt := time.Now()
		errsCh := make(chan error, reqsCount)
		var wg sync.WaitGroup
		wg.Add(reqsCount)
		for i := 0; i < reqsCount; i++ {
			go func() {
				defer wg.Done()
				_, err := timedGet(t, client, server.URL)
				errsCh <- err
			}()
		}
		wg.Wait()
		close(errsCh)

		require.WithinDuration(t, startedAt.Add(time.Second-time.Second/rateLimit), time.Now(), allowedTimeDeviation)

		succeeded := 0
		var errs []error
		for err := range errsCh {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			succeeded++
		}
		require.Equal(t, rateLimit, succeeded)
		require.Len(t, errs, 1, "exactly one request should exceed the wait timeout")
		var waitErr *RateLimitingWaitError
		require.ErrorAs(t, errs[0], &waitErr)
	})
}

func TestRateLimitingRoundTripperCanceledRequest(t *testing.T) {
	server := makeRateLimitingTestServer("")
	defer server.Close()

	tr, err := NewRateLimitingRoundTripper(http.DefaultTransport, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = tr.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
	var waitErr *RateLimitingWaitError
	require.False(t, errors.As(err, &waitErr),
		"cancellation should surface from the transport, not as a rate limiting error")
}

func TestRateLimitingRoundTripperAdaptation(t *testing.T) {
	const allowedTimeDeviation = time.Millisecond * 100
	const limitHeader = "X-Rate-Limit"

	server := makeRateLimitingTestServer(limitHeader)
	defer server.Close()

	makeAdaptiveClient := func(rateLimit, slackPercent int) (*http.Client, *RateLimitingRoundTripper) {
		tr, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, rateLimit, RateLimitingRoundTripperOpts{
			Adaptation: RateLimitingRoundTripperAdaptation{
				ResponseHeaderName: limitHeader,
				SlackPercent:       slackPercent,
			},
		})
		require.NoError(t, err)
		return &http.Client{Transport: tr}, tr
	}

	t.Run("limit is lowered by the response header", func(t *testing.T) {
		client, transport := makeAdaptiveClient(5, 0)

		_, err := timedGet(t, client, server.URL+"?rateLimit=1")
		require.NoError(t, err)
		require.Equal(t, rate.Limit(1), transport.limiter.Limit())
		require.Equal(t, 5, transport.RateLimit, "the configured limit stays intact")

		elapsed, err := timedGet(t, client, server.URL)
		require.NoError(t, err)
		require.InDelta(t, time.Second, elapsed, float64(allowedTimeDeviation),
			"the next request should be paced by the lowered limit")
	})

	t.Run("advertised limit never raises the configured one", func(t *testing.T) {
		client, transport := makeAdaptiveClient(10, 0)
		_, err := timedGet(t, client, server.URL+"?rateLimit=20")
		require.NoError(t, err)
		require.Equal(t, rate.Limit(10), transport.limiter.Limit())
	})

	t.Run("slack percent is subtracted from the advertised limit", func(t *testing.T) {
		client, transport := makeAdaptiveClient(10, 20)
		_, err := timedGet(t, client, server.URL+"?rateLimit=10")
		require.NoError(t, err)
		require.Equal(t, rate.Limit(8), transport.limiter.Limit())
	})

	t.Run("invalid advertised values are ignored", func(t *testing.T) {
		client, transport := makeAdaptiveClient(100, 0)
		for _, q := range []string{"?rateLimit=foobar", "?rateLimit=-1", "?rateLimit=1.1"} {
			_, err := timedGet(t, client, server.URL+q)
			require.NoError(t, err)
			require.Equal(t, rate.Limit(100), transport.limiter.Limit())
		}
	})

	t.Run("zero advertised limit degrades to one request per interval", func(t *testing.T) {
		client, transport := makeAdaptiveClient(10, 0)
		_, err := timedGet(t, client, server.URL+"?rateLimit=0")
		require.NoError(t, err)
		require.Equal(t, rate.Limit(1), transport.limiter.Limit())
	})

	t.Run("configured limit is restored when the header disappears", func(t *testing.T) {
		client, transport := makeAdaptiveClient(10, 0)

		_, err := timedGet(t, client, server.URL+"?rateLimit=5")
		require.NoError(t, err)
		require.Equal(t, rate.Limit(5), transport.limiter.Limit())

		_, err = timedGet(t, client, server.URL)
		require.NoError(t, err)
		require.Equal(t, rate.Limit(10), transport.limiter.Limit())
	})
}
