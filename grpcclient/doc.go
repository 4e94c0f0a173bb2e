/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package grpcclient provides unary client interceptors for outgoing gRPC calls:
// admission against the policies of a registry, retries with backoff,
// metrics collection, and request ID propagation.
//
// The recommended chaining order (from the outermost interceptor) is
// retry, request ID, policy admission, metrics, so that every retry attempt
// is admitted and measured separately:
//
//	conn, err := grpc.NewClient(target, grpc.WithChainUnaryInterceptor(
//		grpcclient.RetryUnaryInterceptor(),
//		grpcclient.RequestIDUnaryInterceptor(),
//		grpcclient.PolicyAdmissionUnaryInterceptor(registry),
//		grpcclient.MetricsUnaryInterceptor(promMetrics),
//	))
package grpcclient
