/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/acronis/go-resilience/log"
)

// CloneHTTPRequest creates a shallow copy of the request along with a deep copy of its headers.
func CloneHTTPRequest(req *http.Request) *http.Request {
	r := new(http.Request)
	*r = *req
	r.Header = CloneHTTPHeader(req.Header)
	return r
}

// CloneHTTPHeader creates a deep copy of an http.Header.
func CloneHTTPHeader(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		newValues := make([]string, len(values))
		copy(newValues, values)
		out[key] = newValues
	}
	return out
}

// New creates an *http.Client with a transport chain configured by cfg:
// retries on the outside, then request ID and User-Agent propagation,
// then rate limiting, metrics, and logging next to the network,
// so that every retry attempt is rate limited, measured, and logged on its own.
// Disabled sections of cfg are skipped.
func New(cfg *Config) (*http.Client, error) {
	return NewWithOpts(cfg, Opts{})
}

// MustNew is a variant of New that panics on error.
func MustNew(cfg *Config) *http.Client {
	client, err := New(cfg)
	if err != nil {
		panic(err)
	}

	return client
}

// Opts provides options for NewWithOpts and MustNewWithOpts functions.
type Opts struct {
	// UserAgent is set as the User-Agent header on outgoing requests when not empty.
	UserAgent string

	// ClientType distinguishes requests made by different clients (e.g. 'auth-service')
	// in logs and metrics.
	ClientType string

	// Delegate is the transport performing the actual round trips.
	// A clone of http.DefaultTransport is used when nil.
	Delegate http.RoundTripper

	// LoggerProvider extracts a context-specific logger
	// for the logging and retryable round trippers.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// RequestIDProvider supplies the value for the X-Request-ID header.
	// When nil, the request ID is taken from the outgoing request's context.
	RequestIDProvider func(ctx context.Context) string

	// MetricsCollector collects metrics of the performed requests,
	// NewPrometheusMetricsCollector is typically used here.
	MetricsCollector MetricsCollector

	// ClassifyRequest produces a non-parameterized summary for a request (e.g. "get_events"),
	// keeping the cardinality of the request_type metrics label low.
	ClassifyRequest ClassifyRequestFunc
}

// NewWithOpts is a variant of New that allows customizing the transport chain with opts.
func NewWithOpts(cfg *Config, opts Opts) (*http.Client, error) {
	var err error
	delegate := opts.Delegate

	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}

	if cfg.Log.Enabled {
		logOpts := cfg.Log.TransportOpts()
		logOpts.LoggerProvider = opts.LoggerProvider
		logOpts.ClientType = opts.ClientType
		delegate = NewLoggingRoundTripperWithOpts(delegate, logOpts)
	}

	if cfg.Metrics.Enabled {
		delegate = NewMetricsRoundTripperWithOpts(delegate, MetricsRoundTripperOpts{
			ClientType:      opts.ClientType,
			Collector:       opts.MetricsCollector,
			ClassifyRequest: opts.ClassifyRequest,
		})
	}

	if cfg.RateLimits.Enabled {
		delegate, err = NewRateLimitingRoundTripperWithOpts(
			delegate, cfg.RateLimits.Limit, cfg.RateLimits.TransportOpts(),
		)
		if err != nil {
			return nil, fmt.Errorf("create rate limiting round tripper: %w", err)
		}
	}

	if opts.UserAgent != "" {
		delegate = NewUserAgentRoundTripper(delegate, opts.UserAgent)
	}

	delegate = NewRequestIDRoundTripperWithOpts(delegate, RequestIDRoundTripperOpts{
		RequestIDProvider: opts.RequestIDProvider,
	})

	if cfg.Retries.Enabled {
		retryOpts := cfg.Retries.TransportOpts()
		retryOpts.LoggerProvider = opts.LoggerProvider
		retryOpts.BackoffPolicy = cfg.Retries.GetPolicy()
		delegate, err = NewRetryableRoundTripperWithOpts(delegate, retryOpts)
		if err != nil {
			return nil, fmt.Errorf("create retryable round tripper: %w", err)
		}
	}

	return &http.Client{Transport: delegate, Timeout: cfg.Timeout}, nil
}

// MustNewWithOpts is a variant of NewWithOpts that panics on error.
func MustNewWithOpts(cfg *Config, opts Opts) *http.Client {
	client, err := NewWithOpts(cfg, opts)
	if err != nil {
		panic(err)
	}

	return client
}
