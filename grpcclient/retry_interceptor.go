/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcclient

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-resilience/httpmiddleware"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/retry"
)

const (
	// DefaultRetryMaxAttempts is a default maximum number of retry attempts.
	DefaultRetryMaxAttempts = 10

	// UnlimitedRetryAttempts should be used as a value of WithRetryMaxAttempts option
	// in order to not limit the number of retry attempts.
	UnlimitedRetryAttempts = -1

	// RetryAttemptMetadataKey is the metadata key that will contain the serial number
	// of the retry attempt in retried calls.
	RetryAttemptMetadataKey = "x-retry-attempt"
)

// DefaultRetryBackoffPolicy is the retry policy that is used for computing delays
// between retry attempts by default.
var DefaultRetryBackoffPolicy retry.Policy = retry.NewExponentialBackoffPolicyWithOpts(
	time.Second, 0, retry.ExponentialBackoffPolicyOpts{Multiplier: 2},
)

// RetryCheckFunc is a function that is called to determine if the failed gRPC call may be retried.
type RetryCheckFunc func(ctx context.Context, callErr error, doneRetryAttempts int) bool

// DefaultRetryCheck allows retrying calls that failed with the Unavailable
// or ResourceExhausted status code.
func DefaultRetryCheck(_ context.Context, callErr error, _ int) bool {
	switch status.Code(callErr) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	}
	return false
}

// RetryOption represents a configuration option for the retry interceptor.
type RetryOption func(*retryOptions)

type retryOptions struct {
	maxAttempts    int
	backoffPolicy  retry.Policy
	checkRetry     RetryCheckFunc
	loggerProvider func(ctx context.Context) log.FieldLogger
}

// WithRetryMaxAttempts sets the maximum number of retry attempts.
// DefaultRetryMaxAttempts is used when the option is not passed.
// Zero disables retries, a negative value (UnlimitedRetryAttempts) removes the limit.
func WithRetryMaxAttempts(maxAttempts int) RetryOption {
	return func(opts *retryOptions) {
		opts.maxAttempts = maxAttempts
	}
}

// WithRetryBackoffPolicy sets the retry policy that computes delays between retry attempts.
// DefaultRetryBackoffPolicy is used when the option is not passed.
func WithRetryBackoffPolicy(backoffPolicy retry.Policy) RetryOption {
	return func(opts *retryOptions) {
		opts.backoffPolicy = backoffPolicy
	}
}

// WithRetryCheck sets the function that determines if the failed call may be retried.
// DefaultRetryCheck is used when the option is not passed.
func WithRetryCheck(checkRetry RetryCheckFunc) RetryOption {
	return func(opts *retryOptions) {
		opts.checkRetry = checkRetry
	}
}

// WithRetryLoggerProvider sets the function that provides a context-specific logger.
// httpmiddleware.GetLoggerFromContext is used by default.
func WithRetryLoggerProvider(provider func(ctx context.Context) log.FieldLogger) RetryOption {
	return func(opts *retryOptions) {
		opts.loggerProvider = provider
	}
}

// RetryUnaryInterceptor is a gRPC unary client interceptor that retries failed calls.
// Delays between attempts are computed by the backoff policy, and the context is respected
// while waiting. Retried calls carry the serial number of the attempt
// in the RetryAttemptMetadataKey metadata.
func RetryUnaryInterceptor(options ...RetryOption) grpc.UnaryClientInterceptor {
	opts := retryOptions{
		maxAttempts:   DefaultRetryMaxAttempts,
		backoffPolicy: DefaultRetryBackoffPolicy,
		checkRetry:    DefaultRetryCheck,
	}
	for _, option := range options {
		option(&opts)
	}

	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) error {
		doneCalls := 0

		isRetryable := func(callErr error) bool {
			doneRetryAttempts := doneCalls - 1
			if !opts.checkRetry(ctx, callErr, doneRetryAttempts) {
				return false
			}
			if opts.maxAttempts >= 0 && doneRetryAttempts >= opts.maxAttempts {
				if logger := retryLogger(ctx, opts.loggerProvider); logger != nil {
					logger.Warnf("max retry attempts exceeded (%d), %d call(s) done", opts.maxAttempts, doneCalls)
				}
				return false
			}
			return true
		}

		return retry.DoWithRetry(ctx, opts.backoffPolicy, isRetryable, nil, func(fnCtx context.Context) error {
			callCtx := fnCtx
			if doneCalls > 0 {
				callCtx = metadata.AppendToOutgoingContext(fnCtx, RetryAttemptMetadataKey, strconv.Itoa(doneCalls))
			}
			doneCalls++
			return invoker(callCtx, method, req, reply, cc, callOpts...)
		})
	}
}

func retryLogger(ctx context.Context, provider func(ctx context.Context) log.FieldLogger) log.FieldLogger {
	if provider != nil {
		return provider(ctx)
	}
	return httpmiddleware.GetLoggerFromContext(ctx)
}
