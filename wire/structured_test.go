package wire

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

var testCreds = Credentials{SiteID: 7, SiteName: "site7", Password: "pass", HardwareID: "hw-1"}

func TestStructuredPull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, PathPull, r.URL.Path)

		var env PullEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		require.Equal(t, StructuredVersion, env.Version)
		require.Equal(t, int32(7), env.Common.SiteID)
		require.Equal(t, HashPassword("pass"), env.Common.PasswordSHA256)
		require.Equal(t, "hw-1", env.Common.HardwareID)
		require.Equal(t, int64(10), env.Data.Cursor)
		require.Equal(t, 50, env.Data.BatchSize)

		_, _ = w.Write([]byte(`{"data":{"records":[{"cursor":11,"table_name":"item","record_id":"X","action":"upsert","data":{"id":"X"}}],"max_cursor":20}}`))
	}))
	defer srv.Close()

	c := NewStructuredClient(TransportConfig{BaseURL: srv.URL}, testCreds, nil)
	resp, err := c.Pull(context.Background(), syncmodel.PullRequest{Cursor: 10, BatchSize: 50, IsInitialised: true})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	require.Equal(t, int64(11), resp.Records[0].Cursor)
	require.Equal(t, syncmodel.ActionUpsert, resp.Records[0].Action)
	require.JSONEq(t, `{"id":"X"}`, string(resp.Records[0].Data))
	require.Equal(t, int64(20), resp.MaxCursor)
}

func TestStructuredErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth code", http.StatusUnauthorized, `{"error":{"code":"AUTHENTICATION_FAILED","message":"bad password"}}`, syncmodel.ErrAuth},
		{"hardware mismatch", http.StatusForbidden, `{"error":{"code":"SITE_HARDWARE_MISMATCH","message":"x"}}`, syncmodel.ErrAuth},
		{"version code", http.StatusBadRequest, `{"error":{"code":"SYNC_VERSION_NOT_SUPPORTED","message":"x"}}`, syncmodel.ErrVersion},
		{"bad request", http.StatusBadRequest, `{"error":{"code":"BAD_REQUEST","message":"x"}}`, syncmodel.ErrProtocol},
		{"bare 403", http.StatusForbidden, `nope`, syncmodel.ErrAuth},
		{"garbage body", http.StatusOK, `<html>`, syncmodel.ErrProtocol},
		{"empty envelope", http.StatusOK, `{}`, syncmodel.ErrProtocol},
		{"server error", http.StatusBadGateway, `upstream down`, syncmodel.ErrTransport},
		{"throttled", http.StatusTooManyRequests, ``, syncmodel.ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewStructuredClient(TransportConfig{BaseURL: srv.URL}, testCreds, nil)
			_, err := c.Push(context.Background(), syncmodel.PushRequest{})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestStructuredConnectionFailureIsRetryable(t *testing.T) {
	httpClient := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})}
	c := NewStructuredClient(TransportConfig{BaseURL: "http://central", HTTPClient: httpClient}, testCreds, nil)

	_, err := c.SiteStatus(context.Background())
	require.ErrorIs(t, err, syncmodel.ErrTransport)
	require.True(t, syncmodel.IsRetryable(err))
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	httpClient := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: io.NopCloser(strings.NewReader("busy"))}, nil
	})}
	c := NewStructuredClient(TransportConfig{BaseURL: "http://central", HTTPClient: httpClient, BreakerFailures: 2}, testCreds, nil)

	for i := 0; i < 4; i++ {
		_, err := c.Pull(context.Background(), syncmodel.PullRequest{})
		require.ErrorIs(t, err, syncmodel.ErrTransport)
	}
	require.Equal(t, int32(2), calls.Load())
}

func TestStructuredSiteStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathSiteStatus, r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"site_id":7,"central_site_id":1,"sync_version":6,"server_version":"2.1.0"}}`))
	}))
	defer srv.Close()

	c := NewStructuredClient(TransportConfig{BaseURL: srv.URL + "/"}, testCreds, nil)
	status, err := c.SiteStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), status.CentralSiteID)
	require.NoError(t, CheckVersion(status, StructuredVersion, StructuredVersion))
	require.ErrorIs(t, CheckVersion(status, 7, 8), syncmodel.ErrVersion)
	require.ErrorIs(t, CheckVersion(nil, 1, 1), syncmodel.ErrProtocol)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"acknowledged_cursor":1}}`))
	}))
	defer srv.Close()

	c := NewStructuredClient(TransportConfig{BaseURL: srv.URL, RateLimit: 0.001, RateBurst: 1}, testCreds, nil)
	_, err := c.Push(context.Background(), syncmodel.PushRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Push(ctx, syncmodel.PushRequest{})
	require.ErrorIs(t, err, syncmodel.ErrTransport)
}
