/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import "net/http"

// UserAgentUpdateStrategy defines how the configured value is combined
// with the User-Agent header already present in the request.
type UserAgentUpdateStrategy int

const (
	// UserAgentUpdateStrategySetIfEmpty sets the header only when the request has none.
	UserAgentUpdateStrategySetIfEmpty UserAgentUpdateStrategy = iota

	// UserAgentUpdateStrategyAppend adds the configured value after the existing one.
	UserAgentUpdateStrategyAppend

	// UserAgentUpdateStrategyPrepend adds the configured value before the existing one.
	UserAgentUpdateStrategyPrepend
)

func (s UserAgentUpdateStrategy) merge(existing, userAgent string) string {
	if existing == "" {
		return userAgent
	}
	switch s {
	case UserAgentUpdateStrategyAppend:
		return existing + " " + userAgent
	case UserAgentUpdateStrategyPrepend:
		return userAgent + " " + existing
	default:
		return existing
	}
}

// UserAgentRoundTripper sets the User-Agent HTTP header in outgoing requests.
type UserAgentRoundTripper struct {
	Delegate       http.RoundTripper
	UserAgent      string
	UpdateStrategy UserAgentUpdateStrategy
}

// UserAgentRoundTripperOpts represents options for UserAgentRoundTripper.
type UserAgentRoundTripperOpts struct {
	UpdateStrategy UserAgentUpdateStrategy
}

// NewUserAgentRoundTripper creates a new UserAgentRoundTripper
// that fills in the User-Agent header unless the request already has one.
func NewUserAgentRoundTripper(delegate http.RoundTripper, userAgent string) *UserAgentRoundTripper {
	return NewUserAgentRoundTripperWithOpts(delegate, userAgent, UserAgentRoundTripperOpts{})
}

// NewUserAgentRoundTripperWithOpts creates a new UserAgentRoundTripper with specified options.
func NewUserAgentRoundTripperWithOpts(
	delegate http.RoundTripper, userAgent string, opts UserAgentRoundTripperOpts,
) *UserAgentRoundTripper {
	return &UserAgentRoundTripper{delegate, userAgent, opts.UpdateStrategy}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *UserAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	existing := req.Header.Get("User-Agent")
	merged := rt.UpdateStrategy.merge(existing, rt.UserAgent)
	if merged == existing {
		return rt.Delegate.RoundTrip(req)
	}

	req = req.Clone(req.Context()) // Per RoundTripper contract.
	req.Header.Set("User-Agent", merged)
	return rt.Delegate.RoundTrip(req)
}
