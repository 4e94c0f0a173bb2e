/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-resilience/httpmiddleware"
	"github.com/acronis/go-resilience/log"
)

// LoggingMode determines which round trips are logged.
type LoggingMode string

const (
	LoggingModeNone   LoggingMode = "none"   // log nothing
	LoggingModeAll    LoggingMode = "all"    // log every request
	LoggingModeFailed LoggingMode = "failed" // log round trip errors and responses with a 4xx/5xx status
)

// IsValid checks if the logging mode is valid.
func (lm LoggingMode) IsValid() bool {
	switch lm {
	case LoggingModeNone, LoggingModeAll, LoggingModeFailed:
		return true
	}
	return false
}

// LoggingRoundTripper logs the outcome of every round trip with the request's own logger.
type LoggingRoundTripper struct {
	// Delegate performs the actual round trips.
	Delegate http.RoundTripper

	// Opts are the options for the logging round tripper.
	Opts LoggingRoundTripperOpts
}

// LoggingRoundTripperOpts holds options for NewLoggingRoundTripperWithOpts.
type LoggingRoundTripperOpts struct {
	// ClientType represents a type of client, e.g. 'auth-service'.
	ClientType string

	// LoggerProvider is a function that provides a context-specific logger.
	// httpmiddleware.GetLoggerFromContext is used by default.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// Mode of logging: none, all (default), failed.
	Mode LoggingMode

	// SlowRequestThreshold is a threshold for slow requests.
	// Requests that take less time are not logged.
	SlowRequestThreshold time.Duration
}

// NewLoggingRoundTripper creates an HTTP transport that logs requests.
func NewLoggingRoundTripper(delegate http.RoundTripper) http.RoundTripper {
	return NewLoggingRoundTripperWithOpts(delegate, LoggingRoundTripperOpts{})
}

// NewLoggingRoundTripperWithOpts creates an HTTP transport that logs requests with options.
func NewLoggingRoundTripperWithOpts(delegate http.RoundTripper, opts LoggingRoundTripperOpts) http.RoundTripper {
	return &LoggingRoundTripper{
		Delegate: delegate,
		Opts:     opts,
	}
}

func (rt *LoggingRoundTripper) getLogger(ctx context.Context) log.FieldLogger {
	if rt.Opts.LoggerProvider != nil {
		return rt.Opts.LoggerProvider(ctx)
	}

	return httpmiddleware.GetLoggerFromContext(ctx)
}

// RoundTrip performs the round trip and logs its outcome according to the configured mode.
func (rt *LoggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.Opts.Mode == LoggingModeNone {
		return rt.Delegate.RoundTrip(r)
	}

	ctx := r.Context()
	logger := rt.getLogger(ctx)
	start := time.Now()

	resp, err := rt.Delegate.RoundTrip(r)
	elapsed := time.Since(start)
	if logger != nil && elapsed >= rt.Opts.SlowRequestThreshold {
		reqType := GetRequestTypeFromContext(ctx)

		common := "client http request %s %s "
		args := []interface{}{r.Method, r.URL.String(), elapsed.Seconds(), rt.Opts.ClientType, reqType, err}
		message := common + "time taken %.3f, client type %s, request type %s, err %+v"
		loggerAtLevel := logger.Infof

		if resp != nil {
			if rt.Opts.Mode == LoggingModeFailed && resp.StatusCode < http.StatusBadRequest {
				return resp, err
			}

			args = []interface{}{
				r.Method, r.URL.String(), resp.StatusCode, elapsed.Seconds(), rt.Opts.ClientType, reqType, err}
			message = common + "status code %d, time taken %.3f, client type %s, request type %s, err %+v"
		}

		if err != nil {
			loggerAtLevel = logger.Errorf
		}

		loggerAtLevel(message, args...)
		loggingParams := httpmiddleware.GetLoggingParamsFromContext(ctx)
		if loggingParams != nil {
			timeSlotName := "external_request_ms"
			if rt.Opts.ClientType != "" {
				timeSlotName = fmt.Sprintf("external_request_%s_ms", rt.Opts.ClientType)
			}
			loggingParams.AddTimeSlotDurationInMs(timeSlotName, elapsed)
			requestID := httpmiddleware.GetRequestIDFromContext(ctx)
			if requestID != "" {
				loggingParams.ExtendFields(log.String("request_id", requestID))
			}
		}
	}

	return resp, err
}
