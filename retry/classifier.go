/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/cloudflare/ahocorasick"
)

// StatusCodeError is implemented by errors that carry an HTTP-like status code.
// DefaultIsRetryable discovers it with errors.As anywhere in the error chain.
type StatusCodeError interface {
	error
	StatusCode() int
}

// transientMessages are substrings of error texts that are considered transient
// when no more specific classification is possible. All entries must be lowercase.
var transientMessages = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"i/o timeout",
	"tls handshake timeout",
	"unexpected eof",
	"transport connection broken",
	"network error",
	"fetch failed",
}

var transientMessageMatcher = ahocorasick.NewStringMatcher(transientMessages)

// DefaultIsRetryable tells if the given error looks transient and the failed work is worth retrying.
//
// The verdict is made in the following order:
//   - context cancellation and deadline errors are not retryable;
//   - if the error carries an HTTP-like status code (see StatusCodeError),
//     400, 401, 403, 404 and 422 are not retryable, 408, 429 and all 5xx are retryable,
//     any other code falls through to the checks below;
//   - well-known transient network failures (ECONNRESET, ECONNREFUSED, ETIMEDOUT, ENETUNREACH,
//     EPIPE, net.Error timeouts, unexpected EOFs) are retryable;
//   - errors whose text contains a well-known transient failure message are retryable;
//   - everything else is not retryable.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var scErr StatusCodeError
	if errors.As(err, &scErr) {
		if verdict, ok := classifyStatusCode(scErr.StatusCode()); ok {
			return verdict
		}
	}

	if isTransientNetError(err) {
		return true
	}

	return len(transientMessageMatcher.MatchThreadSafe([]byte(strings.ToLower(err.Error())))) != 0
}

// IsRetryableStatusCode tells if a request that failed with the given HTTP status code may be retried.
func IsRetryableStatusCode(statusCode int) bool {
	verdict, ok := classifyStatusCode(statusCode)
	return ok && verdict
}

func classifyStatusCode(statusCode int) (verdict, ok bool) {
	switch statusCode {
	case 400, 401, 403, 404, 422:
		return false, true
	case 408, 429:
		return true, true
	}
	if statusCode >= 500 {
		return true, true
	}
	return false, false
}

func isTransientNetError(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var tempErr interface{ Temporary() bool }
	return errors.As(err, &tempErr) && tempErr.Temporary()
}
