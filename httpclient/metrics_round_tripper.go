/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-resilience/internal/libinfo"
)

// ClassifyRequestFunc does request classification, producing non-parameterized summary for given request.
// The summary is used as a value of the "summary" metrics label, so it must have a low cardinality
// (raw URL paths should not be used).
type ClassifyRequestFunc func(r *http.Request, clientType string) string

// MetricsCollector is an interface for collecting metrics for client requests.
type MetricsCollector interface {
	// RequestDuration observes the duration of the request and the status code.
	RequestDuration(clientType, remoteAddress, summary, requestType, status string, startTime time.Time)
}

// PrometheusMetricsCollector is a Prometheus metrics collector.
type PrometheusMetricsCollector struct {
	// Durations is a histogram of the http client requests durations.
	Durations *prometheus.HistogramVec
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_client_request_duration_seconds",
			Help:        "A histogram of the http client requests durations.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600},
			ConstLabels: libinfo.AddPrometheusLibVersionLabel(nil),
		}, []string{"client_type", "remote_address", "summary", "request_type", "status"}),
	}
}

// MustRegister registers the Prometheus metrics in the default registry.
func (p *PrometheusMetricsCollector) MustRegister() {
	prometheus.MustRegister(p.Durations)
}

// Unregister the Prometheus metrics from the default registry.
func (p *PrometheusMetricsCollector) Unregister() {
	prometheus.Unregister(p.Durations)
}

// RequestDuration observes the duration of the request and the status code.
func (p *PrometheusMetricsCollector) RequestDuration(
	clientType, remoteAddress, summary, requestType, status string, startTime time.Time,
) {
	p.Durations.WithLabelValues(clientType, remoteAddress, summary, requestType, status).
		Observe(time.Since(startTime).Seconds())
}

// MetricsRoundTripper is an HTTP transport that measures requests done.
type MetricsRoundTripper struct {
	// Delegate is the next RoundTripper in the chain.
	Delegate http.RoundTripper

	// ClientType represents a type of client, e.g. 'auth-service'.
	ClientType string

	// Collector is a metrics collector.
	Collector MetricsCollector

	// ClassifyRequest does request classification, producing non-parameterized summary for given request.
	ClassifyRequest ClassifyRequestFunc
}

// MetricsRoundTripperOpts represents an options for MetricsRoundTripper.
type MetricsRoundTripperOpts struct {
	// ClientType represents a type of client, e.g. 'auth-service'.
	ClientType string

	// Collector is a metrics collector.
	Collector MetricsCollector

	// ClassifyRequest does request classification, producing non-parameterized summary for given request.
	ClassifyRequest ClassifyRequestFunc
}

// NewMetricsRoundTripper creates an HTTP transport that measures requests done.
func NewMetricsRoundTripper(delegate http.RoundTripper, collector MetricsCollector) http.RoundTripper {
	return NewMetricsRoundTripperWithOpts(delegate, MetricsRoundTripperOpts{Collector: collector})
}

// NewMetricsRoundTripperWithOpts creates an HTTP transport that measures requests done.
func NewMetricsRoundTripperWithOpts(delegate http.RoundTripper, opts MetricsRoundTripperOpts) http.RoundTripper {
	return &MetricsRoundTripper{
		Delegate:        delegate,
		ClientType:      opts.ClientType,
		Collector:       opts.Collector,
		ClassifyRequest: opts.ClassifyRequest,
	}
}

// RoundTrip measures external requests done.
func (rt *MetricsRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.Collector == nil {
		return rt.Delegate.RoundTrip(r)
	}

	status := "0"
	start := time.Now()

	resp, err := rt.Delegate.RoundTrip(r)
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}

	rt.Collector.RequestDuration(
		rt.ClientType, r.Host, rt.requestSummary(r), GetRequestTypeFromContext(r.Context()), status, start)
	return resp, err
}

func (rt *MetricsRoundTripper) requestSummary(r *http.Request) string {
	if rt.ClassifyRequest != nil {
		return rt.ClassifyRequest(r, rt.ClientType)
	}

	return fmt.Sprintf("%s %s", r.Method, rt.ClientType)
}
