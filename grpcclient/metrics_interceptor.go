/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcclient

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-resilience/internal/libinfo"
)

const (
	callMetricsLabelService = "grpc_service"
	callMetricsLabelMethod  = "grpc_method"
	callMetricsLabelCode    = "grpc_code"
)

// CallInfoMetrics represents a call info for collecting metrics.
type CallInfoMetrics struct {
	Service string
	Method  string
}

// MetricsCollector is an interface for collecting metrics for outgoing gRPC calls.
type MetricsCollector interface {
	// ObserveCallFinish observes the duration of the call and the status code.
	ObserveCallFinish(callInfo CallInfoMetrics, code codes.Code, startTime time.Time)
}

// DefaultPrometheusDurationBuckets is default buckets into which observations of outgoing gRPC calls are counted.
var DefaultPrometheusDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600}

// PrometheusOption is a function type for configuring the metrics collector.
type PrometheusOption func(*prometheusOptions)

// prometheusOptions hold options for configuring Prometheus metrics collector.
type prometheusOptions struct {
	namespace         string
	durationBuckets   []float64
	constLabels       prometheus.Labels
	curriedLabelNames []string
}

// WithPrometheusNamespace sets the namespace for metrics.
func WithPrometheusNamespace(namespace string) PrometheusOption {
	return func(c *prometheusOptions) {
		c.namespace = namespace
	}
}

// WithPrometheusDurationBuckets sets the duration buckets for histogram metrics.
func WithPrometheusDurationBuckets(buckets []float64) PrometheusOption {
	return func(c *prometheusOptions) {
		c.durationBuckets = buckets
	}
}

// WithPrometheusConstLabels sets constant labels that will be applied to all metrics.
func WithPrometheusConstLabels(labels prometheus.Labels) PrometheusOption {
	return func(c *prometheusOptions) {
		c.constLabels = labels
	}
}

// WithPrometheusCurriedLabelNames sets label names that will be curried.
func WithPrometheusCurriedLabelNames(labelNames []string) PrometheusOption {
	return func(c *prometheusOptions) {
		c.curriedLabelNames = labelNames
	}
}

// PrometheusMetrics represents collector of metrics for outgoing gRPC calls.
type PrometheusMetrics struct {
	Durations *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetrics(opts ...PrometheusOption) *PrometheusMetrics {
	config := &prometheusOptions{
		durationBuckets: DefaultPrometheusDurationBuckets,
	}
	for _, opt := range opts {
		opt(config)
	}

	labelNames := append(
		make([]string, 0, len(config.curriedLabelNames)+3), config.curriedLabelNames...)
	labelNames = append(labelNames, callMetricsLabelService, callMetricsLabelMethod, callMetricsLabelCode)

	durations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   config.namespace,
			Name:        "grpc_client_call_duration_seconds",
			Help:        "A histogram of the outgoing gRPC call durations.",
			Buckets:     config.durationBuckets,
			ConstLabels: libinfo.AddPrometheusLibVersionLabel(config.constLabels),
		},
		labelNames,
	)

	return &PrometheusMetrics{
		Durations: durations,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		Durations: pm.Durations.MustCurryWith(labels).(*prometheus.HistogramVec),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.Durations,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Durations)
}

// ObserveCallFinish observes the duration of the call and the status code.
func (pm *PrometheusMetrics) ObserveCallFinish(callInfo CallInfoMetrics, code codes.Code, startTime time.Time) {
	pm.Durations.With(prometheus.Labels{
		callMetricsLabelService: callInfo.Service,
		callMetricsLabelMethod:  callInfo.Method,
		callMetricsLabelCode:    code.String(),
	}).Observe(time.Since(startTime).Seconds())
}

// MetricsOption is a function type for configuring the metrics interceptor.
type MetricsOption func(*metricsOptions)

// metricsOptions holds options for configuring the metrics interceptor.
type metricsOptions struct {
	excludedMethods []string
}

// WithMetricsExcludedMethods returns an option that excludes the specified methods from metrics collection.
func WithMetricsExcludedMethods(methods ...string) MetricsOption {
	return func(c *metricsOptions) {
		c.excludedMethods = append(c.excludedMethods, methods...)
	}
}

// MetricsUnaryInterceptor is a gRPC unary client interceptor that collects metrics for outgoing calls.
func MetricsUnaryInterceptor(collector MetricsCollector, opts ...MetricsOption) grpc.UnaryClientInterceptor {
	config := &metricsOptions{}
	for _, opt := range opts {
		opt(config)
	}

	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) error {
		if isMethodExcluded(method, config.excludedMethods) {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		service, methodName := splitFullMethodName(method)
		callInfo := CallInfoMetrics{Service: service, Method: methodName}
		startTime := time.Now()

		err := invoker(ctx, method, req, reply, cc, callOpts...)
		collector.ObserveCallFinish(callInfo, getCodeFromError(err), startTime)
		return err
	}
}

// isMethodExcluded checks if the given method is in the excluded methods list.
func isMethodExcluded(fullMethod string, excludedMethods []string) bool {
	for _, excludedMethod := range excludedMethods {
		if fullMethod == excludedMethod {
			return true
		}
	}
	return false
}

func splitFullMethodName(fullMethod string) (service string, method string) {
	const unknown = "unknown"
	fullMethod = strings.TrimPrefix(fullMethod, "/") // remove leading slash
	if i := strings.Index(fullMethod, "/"); i >= 0 {
		return fullMethod[:i], fullMethod[i+1:]
	}
	return unknown, unknown
}

func getCodeFromError(err error) codes.Code {
	s, ok := status.FromError(err)
	if !ok {
		s = status.FromContextError(err)
	}
	return s.Code()
}
