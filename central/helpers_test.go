package central

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mobiletoly/go-sitesync/sitesync"
	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
	"github.com/mobiletoly/go-sitesync/wire"
)

const (
	testCentralSiteID = int32(1)
	testSiteID        = int32(2)
	testSitePassword  = "pharmacy-password"
	testJWTSecret     = "test-secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testCentral struct {
	store    *sitesync.Store
	sites    *SiteRegistry
	server   *Server
	http     *httptest.Server
	admin    *AdminAuth
	registry *prometheus.Registry
}

func newTestCentral(t *testing.T) *testCentral {
	t.Helper()
	store, err := sitesync.OpenSQLite(context.Background(), ":memory:", &sitesync.StoreConfig{CreateDomainTables: true}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return newTestCentralOn(t, store)
}

// newTestCentralOn serves an already opened store.
func newTestCentralOn(t *testing.T, store *sitesync.Store) *testCentral {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	sites, err := NewSiteRegistry(ctx, store, bcrypt.MinCost, logger)
	require.NoError(t, err)
	_, err = sites.Register(ctx, testSiteID, "pharmacy", testSitePassword)
	require.NoError(t, err)

	registry, err := translator.Default()
	require.NoError(t, err)

	promRegistry := prometheus.NewRegistry()
	cfg := DefaultConfig(testCentralSiteID)
	cfg.Registerer = promRegistry
	cfg.Gatherer = promRegistry

	admin := NewAdminAuth(testJWTSecret, logger)
	server, err := NewServer(store, sites, registry, admin, cfg, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testCentral{store: store, sites: sites, server: server, http: srv, admin: admin, registry: promRegistry}
}

func (c *testCentral) client(hardwareID string) *wire.StructuredClient {
	return c.clientWithPassword(testSitePassword, hardwareID)
}

func (c *testCentral) clientWithPassword(password, hardwareID string) *wire.StructuredClient {
	return wire.NewStructuredClient(
		wire.TransportConfig{BaseURL: c.http.URL, Timeout: 5 * time.Second},
		wire.Credentials{SiteID: testSiteID, SiteName: "pharmacy", Password: password, HardwareID: hardwareID},
		testLogger(),
	)
}

func (c *testCentral) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := c.store.DB().Exec(query, args...)
	require.NoError(t, err)
}

func (c *testCentral) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, c.store.DB().QueryRow(query, args...).Scan(&n))
	return n
}

func (c *testCentral) token(t *testing.T) string {
	t.Helper()
	token, err := c.admin.GenerateToken("ops", time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a JSON request and decodes the JSON response into out when out is
// not nil.
func (c *testCentral) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func record(t *testing.T, cursor int64, row translator.Row) syncmodel.WireRecord {
	t.Helper()
	data, err := json.Marshal(row)
	require.NoError(t, err)
	return syncmodel.WireRecord{
		Cursor:    cursor,
		TableName: row.TableName(),
		RecordID:  row.RowID(),
		Action:    syncmodel.ActionUpsert,
		Data:      data,
	}
}

// seedCentral writes central data plus two stores: s1 owned by the test
// site and s2 owned by site 3, each with a location.
func seedCentral(t *testing.T, c *testCentral) {
	t.Helper()
	c.exec(t, `INSERT INTO name (id, name) VALUES ('n1', 'Pharmacy')`)
	c.exec(t, `INSERT INTO store (id, name_id, site_id) VALUES ('s1', 'n1', 2)`)
	c.exec(t, `INSERT INTO store (id, name_id, site_id) VALUES ('s2', 'n1', 3)`)
	c.exec(t, `INSERT INTO unit (id, name) VALUES ('u1', 'Tablet')`)
	c.exec(t, `INSERT INTO location (id, name, store_id) VALUES ('loc1', 'Shelf', 's1')`)
	c.exec(t, `INSERT INTO location (id, name, store_id) VALUES ('loc2', 'Fridge', 's2')`)
}
