/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-resilience/httpmiddleware"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/log/logtest"
)

func TestNewLoggingRoundTripper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	logger := logtest.NewRecorder()
	loggingRoundTripper := NewLoggingRoundTripperWithOpts(http.DefaultTransport, LoggingRoundTripperOpts{
		ClientType: "test-client-type",
	})
	client := &http.Client{Transport: loggingRoundTripper}
	ctx := httpmiddleware.NewContextWithLogger(context.Background(), logger)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL, nil)
	require.NoError(t, err)

	r, err := client.Do(req)
	defer func() { _ = r.Body.Close() }()
	require.NoError(t, err)
	require.NotEmpty(t, logger.Entries())

	loggerEntry := logger.Entries()[0]
	require.Equal(t, log.LevelInfo, loggerEntry.Level)
	require.Contains(t, loggerEntry.Text, "client http request POST "+server.URL+" status code 418")
	require.Contains(t, loggerEntry.Text, "client type test-client-type")
}

func TestLoggingRoundTripperError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serverURL := "http://" + ln.Addr().String()
	_ = ln.Close()

	logger := logtest.NewRecorder()
	client := &http.Client{Transport: NewLoggingRoundTripper(http.DefaultTransport)}
	ctx := httpmiddleware.NewContextWithLogger(context.Background(), logger)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, nil)
	require.NoError(t, err)

	r, err := client.Do(req)
	require.Error(t, err)
	require.Nil(t, r)
	require.NotEmpty(t, logger.Entries())

	loggerEntry := logger.Entries()[0]
	require.Equal(t, log.LevelError, loggerEntry.Level)
	require.Contains(t, loggerEntry.Text, "client http request POST "+serverURL)
	require.Contains(t, loggerEntry.Text, "err dial tcp "+ln.Addr().String()+": connect: connection refused")
	require.NotContains(t, loggerEntry.Text, "status code")
}

func TestLoggingRoundTripperModes(t *testing.T) {
	tests := []struct {
		name           string
		mode           LoggingMode
		respStatusCode int
		wantLogged     bool
	}{
		{name: "all mode, successful response", mode: LoggingModeAll, respStatusCode: http.StatusOK, wantLogged: true},
		{name: "all mode, failed response", mode: LoggingModeAll, respStatusCode: http.StatusInternalServerError, wantLogged: true},
		{name: "failed mode, successful response", mode: LoggingModeFailed, respStatusCode: http.StatusOK, wantLogged: false},
		{name: "failed mode, failed response", mode: LoggingModeFailed, respStatusCode: http.StatusInternalServerError, wantLogged: true},
		{name: "none mode, failed response", mode: LoggingModeNone, respStatusCode: http.StatusInternalServerError, wantLogged: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				rw.WriteHeader(tt.respStatusCode)
			}))
			defer server.Close()

			logger := logtest.NewRecorder()
			client := &http.Client{Transport: NewLoggingRoundTripperWithOpts(
				http.DefaultTransport, LoggingRoundTripperOpts{Mode: tt.mode})}
			req, err := http.NewRequestWithContext(
				httpmiddleware.NewContextWithLogger(context.Background(), logger), http.MethodGet, server.URL, nil)
			require.NoError(t, err)

			resp, err := client.Do(req)
			require.NoError(t, err)
			_ = resp.Body.Close()

			if tt.wantLogged {
				require.NotEmpty(t, logger.Entries())
				require.Contains(t, logger.Entries()[0].Text,
					fmt.Sprintf("client http request GET %s status code %d", server.URL, tt.respStatusCode))
			} else {
				require.Empty(t, logger.Entries())
			}
		})
	}
}

func TestLoggingRoundTripperSlowRequestThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	logger := logtest.NewRecorder()
	client := &http.Client{Transport: NewLoggingRoundTripperWithOpts(
		http.DefaultTransport, LoggingRoundTripperOpts{SlowRequestThreshold: time.Minute})}
	req, err := http.NewRequestWithContext(
		httpmiddleware.NewContextWithLogger(context.Background(), logger), http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Empty(t, logger.Entries())
}
