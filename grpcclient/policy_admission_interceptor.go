/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcclient

import (
	"context"
	"errors"

	"google.golang.org/grpc"

	"github.com/acronis/go-resilience/httpmiddleware"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/policy"
)

// PolicyAdmissionGetOperationFunc is a function that is called for getting the operation name
// that will be resolved in the registry. The call is invoked without admission when bypass is true.
type PolicyAdmissionGetOperationFunc func(ctx context.Context, fullMethod string) (operation string, bypass bool)

// PolicyAdmissionOption represents a configuration option for the policy admission interceptor.
type PolicyAdmissionOption func(*policyAdmissionOptions)

type policyAdmissionOptions struct {
	getOperation   PolicyAdmissionGetOperationFunc
	loggerProvider func(ctx context.Context) log.FieldLogger
	dryRun         bool
}

// WithPolicyAdmissionGetOperation sets the function that builds the operation name
// resolved in the registry. The full gRPC method name ("/package.Service/Method") is used by default.
func WithPolicyAdmissionGetOperation(getOperation PolicyAdmissionGetOperationFunc) PolicyAdmissionOption {
	return func(opts *policyAdmissionOptions) {
		opts.getOperation = getOperation
	}
}

// WithPolicyAdmissionDryRun enables the dry-run mode: rejected calls are invoked anyway.
// Rejections are still logged and counted in the policy metrics.
func WithPolicyAdmissionDryRun(dryRun bool) PolicyAdmissionOption {
	return func(opts *policyAdmissionOptions) {
		opts.dryRun = dryRun
	}
}

// WithPolicyAdmissionLoggerProvider sets the function that provides a context-specific logger.
// httpmiddleware.GetLoggerFromContext is used by default.
func WithPolicyAdmissionLoggerProvider(provider func(ctx context.Context) log.FieldLogger) PolicyAdmissionOption {
	return func(opts *policyAdmissionOptions) {
		opts.loggerProvider = provider
	}
}

// PolicyAdmissionUnaryInterceptor is a gRPC unary client interceptor that applies the admission
// policies of the operation resolved from the registry to outgoing calls: the rate limit check
// and the limit of concurrently executing calls.
//
// The rate limiter and the concurrency limiter are shared with the wrappers of the same operation.
// Rejected calls are not invoked, and the rejection is returned as *policy.RateLimitRejectedError
// or *policy.BulkheadRejectedError. When the operation's rate limit policy enables waiting,
// the interceptor blocks until the limiter admits the call or the call's context is done.
func PolicyAdmissionUnaryInterceptor(
	registry *policy.Registry, options ...PolicyAdmissionOption,
) grpc.UnaryClientInterceptor {
	if registry == nil {
		panic("registry cannot be nil")
	}

	opts := policyAdmissionOptions{}
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
		operation, bypass := method, false
		if opts.getOperation != nil {
			operation, bypass = opts.getOperation(ctx, method)
		}
		if bypass || operation == "" {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		release, admitErr := registry.Admit(ctx, operation)
		if admitErr != nil {
			if opts.dryRun && isPolicyAdmissionRejection(admitErr) {
				if logger := policyAdmissionLogger(ctx, opts.loggerProvider); logger != nil {
					logger.Warn("gRPC call rejected by admission policies, invoking will be continued because of dry run mode",
						log.String(policy.OperationLogFieldKey, operation),
						log.Error(admitErr),
					)
				}
				return invoker(ctx, method, req, reply, cc, callOpts...)
			}
			return admitErr
		}
		defer release()

		return invoker(ctx, method, req, reply, cc, callOpts...)
	}
}

func policyAdmissionLogger(ctx context.Context, provider func(ctx context.Context) log.FieldLogger) log.FieldLogger {
	if provider != nil {
		return provider(ctx)
	}
	return httpmiddleware.GetLoggerFromContext(ctx)
}

func isPolicyAdmissionRejection(err error) bool {
	var rateLimitErr *policy.RateLimitRejectedError
	var bulkheadErr *policy.BulkheadRejectedError
	return errors.As(err, &rateLimitErr) || errors.As(err, &bulkheadErr)
}
