/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcclient

import (
	"context"

	"google.golang.org/grpc"
)

const testFullMethod = "/grpc.testing.TestService/UnaryCall"

// fakeInvoker is a grpc.UnaryInvoker replacement that records contexts of all calls
// and fails them with the configured errors. When there are more calls than errors,
// the last error is repeated; no errors mean all the calls succeed.
type fakeInvoker struct {
	callsCount int
	ctxs       []context.Context
	errs       []error
}

func (fi *fakeInvoker) Invoke(
	ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption,
) error {
	fi.ctxs = append(fi.ctxs, ctx)
	fi.callsCount++
	if len(fi.errs) == 0 {
		return nil
	}
	if fi.callsCount > len(fi.errs) {
		return fi.errs[len(fi.errs)-1]
	}
	return fi.errs[fi.callsCount-1]
}
