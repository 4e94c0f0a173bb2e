/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-resilience/testutil"
)

func TestCallbackMetricsCollector(t *testing.T) {
	// All callbacks are optional, a zero collector is a no-op.
	empty := &CallbackMetricsCollector{}
	empty.Retry("db.query", 1, 3, fmt.Errorf("boom"), time.Millisecond)
	empty.Success("db.query", 1, time.Millisecond)
	empty.Failure("db.query", 3, time.Millisecond, fmt.Errorf("boom"))
	empty.BulkheadRejected("db.query", 2, 4)
	empty.RateLimitRejected("db.query", time.Second)
	empty.Timeout("db.query", time.Second)

	var events []string
	collector := &CallbackMetricsCollector{
		OnRetry: func(operation string, attempt, maxAttempts int, err error, delay time.Duration) {
			events = append(events, fmt.Sprintf("retry %s %d/%d %s", operation, attempt, maxAttempts, delay))
		},
		OnSuccess: func(operation string, attempts int, elapsed time.Duration) {
			events = append(events, fmt.Sprintf("success %s %d", operation, attempts))
		},
		OnFailure: func(operation string, attempts int, elapsed time.Duration, err error) {
			events = append(events, fmt.Sprintf("failure %s %d %s", operation, attempts, err))
		},
		OnBulkheadRejected: func(operation string, queueLen, queueLimit int) {
			events = append(events, fmt.Sprintf("bulkhead %s %d/%d", operation, queueLen, queueLimit))
		},
		OnRateLimitRejected: func(operation string, retryAfter time.Duration) {
			events = append(events, fmt.Sprintf("ratelimit %s %s", operation, retryAfter))
		},
		OnTimeout: func(operation string, timeout time.Duration) {
			events = append(events, fmt.Sprintf("timeout %s %s", operation, timeout))
		},
	}
	collector.Retry("db.query", 1, 3, fmt.Errorf("boom"), time.Millisecond*10)
	collector.Success("db.query", 2, time.Millisecond)
	collector.Failure("db.query", 3, time.Millisecond, fmt.Errorf("boom"))
	collector.BulkheadRejected("db.query", 2, 4)
	collector.RateLimitRejected("db.query", time.Second)
	collector.Timeout("db.query", time.Second*5)
	require.Equal(t, []string{
		"retry db.query 1/3 10ms",
		"success db.query 2",
		"failure db.query 3 boom",
		"bulkhead db.query 2/4",
		"ratelimit db.query 1s",
		"timeout db.query 5s",
	}, events)
}

func TestPrometheusMetrics(t *testing.T) {
	promMetrics := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{Namespace: "test"})
	promMetrics.MustRegister()
	defer promMetrics.Unregister()

	const operation = "db.query"
	labels := prometheus.Labels{"operation": operation}

	promMetrics.Success(operation, 1, time.Millisecond*100)
	promMetrics.Success(operation, 2, time.Millisecond*200)
	promMetrics.Failure(operation, 3, time.Second, &RetryExhaustedError{Attempts: 3, Inner: fmt.Errorf("boom")})
	promMetrics.Failure(operation, 1, time.Second, &TimeoutError{Timeout: time.Second})
	promMetrics.Failure(operation, 1, time.Second, fmt.Errorf("boom"))
	promMetrics.Retry(operation, 1, 3, fmt.Errorf("boom"), time.Millisecond*10)
	promMetrics.BulkheadRejected(operation, 0, 0)
	promMetrics.RateLimitRejected(operation, time.Second)
	promMetrics.Timeout(operation, time.Second)

	testutil.RequireSamplesCountInCounter(t, promMetrics.Successes.With(labels), 2)
	testutil.RequireSamplesCountInCounter(t, promMetrics.Failures.With(
		prometheus.Labels{"operation": operation, "reason": "retry_exhausted"}), 1)
	testutil.RequireSamplesCountInCounter(t, promMetrics.Failures.With(
		prometheus.Labels{"operation": operation, "reason": "timeout"}), 1)
	testutil.RequireSamplesCountInCounter(t, promMetrics.Failures.With(
		prometheus.Labels{"operation": operation, "reason": "error"}), 1)
	testutil.RequireSamplesCountInCounter(t, promMetrics.Retries.With(labels), 1)
	testutil.RequireSamplesCountInCounter(t, promMetrics.BulkheadRejects.With(labels), 1)
	testutil.RequireSamplesCountInCounter(t, promMetrics.RateLimitRejects.With(labels), 1)
	testutil.RequireSamplesCountInHistogram(t, promMetrics.CallDurations.With(
		prometheus.Labels{"operation": operation, "status": "success"}).(prometheus.Histogram), 2)
	testutil.RequireSamplesCountInHistogram(t, promMetrics.CallDurations.With(
		prometheus.Labels{"operation": operation, "status": "failure"}).(prometheus.Histogram), 3)
}

func TestPrometheusMetricsMustCurryWith(t *testing.T) {
	promMetrics := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{
		Namespace:         "test_curry",
		CurriedLabelNames: []string{"service"},
	})
	promMetrics.MustRegister()
	defer promMetrics.Unregister()

	curried := promMetrics.MustCurryWith(prometheus.Labels{"service": "billing"})
	curried.Success("db.query", 1, time.Millisecond)

	testutil.RequireSamplesCountInCounter(t, promMetrics.Successes.With(
		prometheus.Labels{"operation": "db.query", "service": "billing"}), 1)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &RetryExhaustedError{Attempts: 1, Inner: fmt.Errorf("boom")}, want: "retry_exhausted"},
		{err: &TimeoutError{Timeout: time.Second}, want: "timeout"},
		{err: &BulkheadRejectedError{}, want: "bulkhead_rejected"},
		{err: &RateLimitRejectedError{}, want: "rate_limit_rejected"},
		{err: &Error{Inner: fmt.Errorf("boom")}, want: "error"},
		{err: fmt.Errorf("boom"), want: "error"},
		{err: fmt.Errorf("wrapped: %w", &TimeoutError{Timeout: time.Second}), want: "timeout"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, failureReason(tt.err))
	}
}
