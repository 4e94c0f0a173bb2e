/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/acronis/go-resilience/log"
)

// makeRequestBodyRewindable prepares the request body for retries and returns
// a function that rewinds it to its initial state.
//
// http.Request.GetBody is preferred when the caller provided it, and a seekable
// body is rewound in place. Otherwise the whole body is buffered in memory,
// so for large payloads callers should supply req.GetBody or an io.ReadSeeker.
func makeRequestBodyRewindable(req *http.Request) (func(*http.Request) error, error) {
	if req.GetBody != nil {
		return rewindViaGetBody(req)
	}
	if seeker, ok := req.Body.(io.ReadSeeker); ok {
		return rewindViaSeek(req, seeker)
	}
	return rewindViaBuffer(req)
}

func rewindViaGetBody(req *http.Request) (func(*http.Request) error, error) {
	// The first attempt reads from a fresh reader too.
	initialBody, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("get body before doing first request: %w", err)
	}
	req.Body = initialBody
	return func(r *http.Request) error {
		newBody, newBodyErr := r.GetBody()
		if newBodyErr != nil {
			return fmt.Errorf("get body for retry: %w", newBodyErr)
		}
		r.Body = newBody
		return nil
	}, nil
}

func rewindViaSeek(req *http.Request, seeker io.ReadSeeker) (func(*http.Request) error, error) {
	offset, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("seek request body before doing first request: %w", err)
	}
	req.Body = io.NopCloser(req.Body)
	return func(*http.Request) error {
		if _, seekErr := seeker.Seek(offset, io.SeekStart); seekErr != nil {
			return fmt.Errorf("seek request body to offset %d for retry: %w", offset, seekErr)
		}
		return nil
	}, nil
}

func rewindViaBuffer(req *http.Request) (func(*http.Request) error, error) {
	buffered, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read all request body before doing first request: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(buffered))
	return func(r *http.Request) error {
		r.Body = io.NopCloser(bytes.NewReader(buffered))
		return nil
	}, nil
}

// drainResponseBody reads and discards the entire response body to allow connection reuse.
func drainResponseBody(resp *http.Response, logger log.FieldLogger) {
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("failed to close previous response body between retry attempts", log.Error(closeErr))
		}
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Error("failed to discard previous response body between retry attempts", log.Error(err))
	}
}
