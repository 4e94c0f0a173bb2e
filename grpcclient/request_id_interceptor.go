/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/acronis/go-resilience/httpmiddleware"
)

// RequestIDMetadataKey is the metadata key that will contain the propagated request ID.
const RequestIDMetadataKey = "x-request-id"

// RequestIDOption represents a configuration option for the request ID interceptor.
type RequestIDOption func(*requestIDOptions)

type requestIDOptions struct {
	requestIDProvider func(ctx context.Context) string
}

// WithRequestIDProvider sets the function that provides a request ID.
// httpmiddleware.GetRequestIDFromContext is used by default.
func WithRequestIDProvider(provider func(ctx context.Context) string) RequestIDOption {
	return func(opts *requestIDOptions) {
		opts.requestIDProvider = provider
	}
}

// RequestIDUnaryInterceptor is a gRPC unary client interceptor that adds the request ID
// to the outgoing metadata. The metadata is left untouched when it already contains
// the request ID or when the provider returns an empty string.
func RequestIDUnaryInterceptor(options ...RequestIDOption) grpc.UnaryClientInterceptor {
	opts := requestIDOptions{
		requestIDProvider: httpmiddleware.GetRequestIDFromContext,
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
		requestID := opts.requestIDProvider(ctx)
		if requestID == "" {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}
		if md, ok := metadata.FromOutgoingContext(ctx); ok && len(md.Get(RequestIDMetadataKey)) > 0 {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}
		return invoker(metadata.AppendToOutgoingContext(ctx, RequestIDMetadataKey, requestID),
			method, req, reply, cc, callOpts...)
	}
}
