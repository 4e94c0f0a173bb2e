/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package policy

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-resilience/internal/libinfo"
)

// MetricsCollector is an interface for collecting events of wrapped operations.
// All methods are called synchronously, implementations should be fast.
type MetricsCollector interface {
	// Retry is called after a failed attempt when one more attempt will be done after the given delay.
	Retry(operation string, attempt, maxAttempts int, err error, delay time.Duration)

	// Success is called when the wrapped call completes successfully.
	Success(operation string, attempts int, elapsed time.Duration)

	// Failure is called when the wrapped call fails terminally,
	// before any fallback is applied. err is one of the canonical error kinds.
	Failure(operation string, attempts int, elapsed time.Duration, err error)

	// BulkheadRejected is called when the call is rejected because the bulkhead queue is full.
	BulkheadRejected(operation string, queueLen, queueLimit int)

	// RateLimitRejected is called when the call is rejected because the rate limit is exceeded.
	RateLimitRejected(operation string, retryAfter time.Duration)

	// Timeout is called when the call is abandoned because the timeout elapsed.
	Timeout(operation string, timeout time.Duration)
}

// CallbackMetricsCollector implements MetricsCollector with optional callback slots.
// A nil callback is a no-op, so only the events of interest have to be filled in.
type CallbackMetricsCollector struct {
	OnRetry             func(operation string, attempt, maxAttempts int, err error, delay time.Duration)
	OnSuccess           func(operation string, attempts int, elapsed time.Duration)
	OnFailure           func(operation string, attempts int, elapsed time.Duration, err error)
	OnBulkheadRejected  func(operation string, queueLen, queueLimit int)
	OnRateLimitRejected func(operation string, retryAfter time.Duration)
	OnTimeout           func(operation string, timeout time.Duration)
}

// Retry implements MetricsCollector.
func (c *CallbackMetricsCollector) Retry(operation string, attempt, maxAttempts int, err error, delay time.Duration) {
	if c.OnRetry != nil {
		c.OnRetry(operation, attempt, maxAttempts, err, delay)
	}
}

// Success implements MetricsCollector.
func (c *CallbackMetricsCollector) Success(operation string, attempts int, elapsed time.Duration) {
	if c.OnSuccess != nil {
		c.OnSuccess(operation, attempts, elapsed)
	}
}

// Failure implements MetricsCollector.
func (c *CallbackMetricsCollector) Failure(operation string, attempts int, elapsed time.Duration, err error) {
	if c.OnFailure != nil {
		c.OnFailure(operation, attempts, elapsed, err)
	}
}

// BulkheadRejected implements MetricsCollector.
func (c *CallbackMetricsCollector) BulkheadRejected(operation string, queueLen, queueLimit int) {
	if c.OnBulkheadRejected != nil {
		c.OnBulkheadRejected(operation, queueLen, queueLimit)
	}
}

// RateLimitRejected implements MetricsCollector.
func (c *CallbackMetricsCollector) RateLimitRejected(operation string, retryAfter time.Duration) {
	if c.OnRateLimitRejected != nil {
		c.OnRateLimitRejected(operation, retryAfter)
	}
}

// Timeout implements MetricsCollector.
func (c *CallbackMetricsCollector) Timeout(operation string, timeout time.Duration) {
	if c.OnTimeout != nil {
		c.OnTimeout(operation, timeout)
	}
}

type disabledMetrics struct{}

func (disabledMetrics) Retry(string, int, int, error, time.Duration) {}
func (disabledMetrics) Success(string, int, time.Duration)           {}
func (disabledMetrics) Failure(string, int, time.Duration, error)    {}
func (disabledMetrics) BulkheadRejected(string, int, int)            {}
func (disabledMetrics) RateLimitRejected(string, time.Duration)      {}
func (disabledMetrics) Timeout(string, time.Duration)                {}

const (
	metricsLabelOperation = "operation"
	metricsLabelReason    = "reason"
	metricsLabelStatus    = "status"
)

const (
	metricsStatusSuccess = "success"
	metricsStatusFailure = "failure"
)

// Terminal failure reasons used as the "reason" label value.
const (
	metricsReasonRetryExhausted    = "retry_exhausted"
	metricsReasonTimeout           = "timeout"
	metricsReasonBulkheadRejected  = "bulkhead_rejected"
	metricsReasonRateLimitRejected = "rate_limit_rejected"
	metricsReasonError             = "error"
)

// DefaultCallDurationBuckets is default buckets into which observations of wrapped call durations are counted.
var DefaultCallDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be a prefix for all metric names.
	Namespace string

	// DurationBuckets is a list of buckets into which observations of wrapped call durations are counted.
	DurationBuckets []float64

	// ConstLabels is a labels with constant values that will be added to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried later with MustCurryWith.
	CurriedLabelNames []string
}

// PrometheusMetrics implements MetricsCollector on top of Prometheus metrics.
type PrometheusMetrics struct {
	Successes        *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	BulkheadRejects  *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec
	CallDurations    *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	durBuckets := opts.DurationBuckets
	if durBuckets == nil {
		durBuckets = DefaultCallDurationBuckets
	}
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)
	makeLabelNames := func(names ...string) []string {
		return append(names, opts.CurriedLabelNames...)
	}

	successes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "resilience_call_successes_total",
		Help:        "Number of successfully completed wrapped calls.",
		ConstLabels: constLabels,
	}, makeLabelNames(metricsLabelOperation))

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "resilience_call_failures_total",
		Help:        "Number of terminally failed wrapped calls.",
		ConstLabels: constLabels,
	}, makeLabelNames(metricsLabelOperation, metricsLabelReason))

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "resilience_retries_total",
		Help:        "Number of retry attempts of wrapped calls.",
		ConstLabels: constLabels,
	}, makeLabelNames(metricsLabelOperation))

	bulkheadRejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "resilience_bulkhead_rejects_total",
		Help:        "Number of wrapped calls rejected because the bulkhead queue was full.",
		ConstLabels: constLabels,
	}, makeLabelNames(metricsLabelOperation))

	rateLimitRejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "resilience_rate_limit_rejects_total",
		Help:        "Number of wrapped calls rejected because the rate limit was exceeded.",
		ConstLabels: constLabels,
	}, makeLabelNames(metricsLabelOperation))

	timeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "resilience_timeouts_total",
		Help:        "Number of wrapped calls abandoned because the timeout elapsed.",
		ConstLabels: constLabels,
	}, makeLabelNames(metricsLabelOperation))

	callDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   opts.Namespace,
		Name:        "resilience_call_duration_seconds",
		Help:        "Histogram of wrapped call durations, including queue wait and all retries.",
		Buckets:     durBuckets,
		ConstLabels: constLabels,
	}, makeLabelNames(metricsLabelOperation, metricsLabelStatus))

	return &PrometheusMetrics{
		Successes:        successes,
		Failures:         failures,
		Retries:          retries,
		BulkheadRejects:  bulkheadRejects,
		RateLimitRejects: rateLimitRejects,
		Timeouts:         timeouts,
		CallDurations:    callDurations,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		Successes:        pm.Successes.MustCurryWith(labels),
		Failures:         pm.Failures.MustCurryWith(labels),
		Retries:          pm.Retries.MustCurryWith(labels),
		BulkheadRejects:  pm.BulkheadRejects.MustCurryWith(labels),
		RateLimitRejects: pm.RateLimitRejects.MustCurryWith(labels),
		Timeouts:         pm.Timeouts.MustCurryWith(labels),
		CallDurations:    pm.CallDurations.MustCurryWith(labels).(*prometheus.HistogramVec),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.Successes,
		pm.Failures,
		pm.Retries,
		pm.BulkheadRejects,
		pm.RateLimitRejects,
		pm.Timeouts,
		pm.CallDurations,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Successes)
	prometheus.Unregister(pm.Failures)
	prometheus.Unregister(pm.Retries)
	prometheus.Unregister(pm.BulkheadRejects)
	prometheus.Unregister(pm.RateLimitRejects)
	prometheus.Unregister(pm.Timeouts)
	prometheus.Unregister(pm.CallDurations)
}

// Retry implements MetricsCollector.
func (pm *PrometheusMetrics) Retry(operation string, attempt, maxAttempts int, err error, delay time.Duration) {
	pm.Retries.With(prometheus.Labels{metricsLabelOperation: operation}).Inc()
}

// Success implements MetricsCollector.
func (pm *PrometheusMetrics) Success(operation string, attempts int, elapsed time.Duration) {
	pm.Successes.With(prometheus.Labels{metricsLabelOperation: operation}).Inc()
	pm.CallDurations.With(prometheus.Labels{
		metricsLabelOperation: operation, metricsLabelStatus: metricsStatusSuccess,
	}).Observe(elapsed.Seconds())
}

// Failure implements MetricsCollector.
func (pm *PrometheusMetrics) Failure(operation string, attempts int, elapsed time.Duration, err error) {
	pm.Failures.With(prometheus.Labels{
		metricsLabelOperation: operation, metricsLabelReason: failureReason(err),
	}).Inc()
	pm.CallDurations.With(prometheus.Labels{
		metricsLabelOperation: operation, metricsLabelStatus: metricsStatusFailure,
	}).Observe(elapsed.Seconds())
}

// BulkheadRejected implements MetricsCollector.
func (pm *PrometheusMetrics) BulkheadRejected(operation string, queueLen, queueLimit int) {
	pm.BulkheadRejects.With(prometheus.Labels{metricsLabelOperation: operation}).Inc()
}

// RateLimitRejected implements MetricsCollector.
func (pm *PrometheusMetrics) RateLimitRejected(operation string, retryAfter time.Duration) {
	pm.RateLimitRejects.With(prometheus.Labels{metricsLabelOperation: operation}).Inc()
}

// Timeout implements MetricsCollector.
func (pm *PrometheusMetrics) Timeout(operation string, timeout time.Duration) {
	pm.Timeouts.With(prometheus.Labels{metricsLabelOperation: operation}).Inc()
}

func failureReason(err error) string {
	var retryExhaustedErr *RetryExhaustedError
	var timeoutErr *TimeoutError
	var bulkheadRejectedErr *BulkheadRejectedError
	var rateLimitRejectedErr *RateLimitRejectedError
	switch {
	case errors.As(err, &retryExhaustedErr):
		return metricsReasonRetryExhausted
	case errors.As(err, &timeoutErr):
		return metricsReasonTimeout
	case errors.As(err, &bulkheadRejectedErr):
		return metricsReasonBulkheadRejected
	case errors.As(err, &rateLimitRejectedErr):
		return metricsReasonRateLimitRejected
	}
	return metricsReasonError
}
