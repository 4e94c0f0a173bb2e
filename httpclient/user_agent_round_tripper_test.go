/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserAgentRoundTripper_RoundTrip(t *testing.T) {
	const echoHeader = "X-Echoed-User-Agent"

	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set(echoHeader, r.Header.Get("User-Agent"))
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	doRequest := func(t *testing.T, reqUserAgent string, rt *UserAgentRoundTripper) string {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		if reqUserAgent != "" {
			req.Header.Set("User-Agent", reqUserAgent)
		}
		client := &http.Client{Transport: rt}
		resp, err := client.Do(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, reqUserAgent, req.Header.Get("User-Agent"),
			"the caller's request should not be mutated")
		return resp.Header.Get(echoHeader)
	}

	tests := []struct {
		name          string
		reqUserAgent  string
		strategy      UserAgentUpdateStrategy
		wantUserAgent string
	}{
		{
			name:          "empty header is filled in",
			strategy:      UserAgentUpdateStrategySetIfEmpty,
			wantUserAgent: "edge-proxy/1.8",
		},
		{
			name:          "existing header wins",
			reqUserAgent:  "file-sync/3.1",
			strategy:      UserAgentUpdateStrategySetIfEmpty,
			wantUserAgent: "file-sync/3.1",
		},
		{
			name:          "append to empty header",
			strategy:      UserAgentUpdateStrategyAppend,
			wantUserAgent: "edge-proxy/1.8",
		},
		{
			name:          "append to existing header",
			reqUserAgent:  "file-sync/3.1",
			strategy:      UserAgentUpdateStrategyAppend,
			wantUserAgent: "file-sync/3.1 edge-proxy/1.8",
		},
		{
			name:          "prepend to empty header",
			strategy:      UserAgentUpdateStrategyPrepend,
			wantUserAgent: "edge-proxy/1.8",
		},
		{
			name:          "prepend to existing header",
			reqUserAgent:  "file-sync/3.1",
			strategy:      UserAgentUpdateStrategyPrepend,
			wantUserAgent: "edge-proxy/1.8 file-sync/3.1",
		},
	}
	for i := range tests {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			rt := NewUserAgentRoundTripperWithOpts(http.DefaultTransport, "edge-proxy/1.8", UserAgentRoundTripperOpts{
				UpdateStrategy: tt.strategy,
			})
			require.Equal(t, tt.wantUserAgent, doRequest(t, tt.reqUserAgent, rt))
		})
	}
}
