package central

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
	"github.com/mobiletoly/go-sitesync/wire"
)

// pushDanglingStockLine pushes, as the test site, a stock line whose item
// the central does not have yet.
func pushDanglingStockLine(t *testing.T, c *testCentral) {
	t.Helper()
	_, err := c.client("hw-1").Push(context.Background(), syncmodel.PushRequest{Batch: []syncmodel.WireRecord{
		record(t, 1, &translator.StockLineRow{ID: "sl1", ItemID: "i9", StoreID: "s1", PackSize: 1}),
	}})
	require.NoError(t, err)
	require.Zero(t, c.count(t, `SELECT COUNT(*) FROM stock_line`))
	require.Equal(t, 1, c.count(t, `SELECT COUNT(*) FROM sync_buffer WHERE integrated_at IS NULL`))
}

func TestServer_PushRetriesRowsOfOtherSites(t *testing.T) {
	ctx := context.Background()
	c := newTestCentral(t)
	seedCentral(t, c)
	pushDanglingStockLine(t, c)

	_, err := c.sites.Register(ctx, 3, "clinic", "clinic-password")
	require.NoError(t, err)
	clinic := wire.NewStructuredClient(
		wire.TransportConfig{BaseURL: c.http.URL, Timeout: 5 * time.Second},
		wire.Credentials{SiteID: 3, SiteName: "clinic", Password: "clinic-password", HardwareID: "hw-3"},
		testLogger(),
	)
	_, err = clinic.Push(ctx, syncmodel.PushRequest{Batch: []syncmodel.WireRecord{
		record(t, 1, &translator.ItemRow{ID: "i9", Name: "Amoxicillin", Type: translator.ItemTypeStock, DefaultPackSize: 1}),
	}})
	require.NoError(t, err)

	require.Equal(t, 1, c.count(t, `SELECT COUNT(*) FROM stock_line WHERE id = 'sl1' AND item_id = 'i9'`))
	require.Zero(t, c.count(t, `SELECT COUNT(*) FROM sync_buffer WHERE integrated_at IS NULL`))
	// the stock line is still tagged with the site that sent it
	require.Equal(t, 1, c.count(t, `SELECT COUNT(*) FROM changelog
		WHERE table_name = 'stock_line' AND record_id = 'sl1' AND source_site_id = 2`))
}

func TestServer_RetryPendingAfterCentralWrite(t *testing.T) {
	ctx := context.Background()
	c := newTestCentral(t)
	seedCentral(t, c)
	pushDanglingStockLine(t, c)

	report, err := c.server.RetryPending(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Applied)
	require.Equal(t, 1, report.Failed)

	c.exec(t, `INSERT INTO item (id, name, type) VALUES ('i9', 'Amoxicillin', 'stock')`)
	report, err = c.server.RetryPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 1, c.count(t, `SELECT COUNT(*) FROM stock_line WHERE id = 'sl1'`))

	failures, err := c.store.BufferFailures(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestRetryService_RetriesOnEveryTick(t *testing.T) {
	c := newTestCentral(t)
	seedCentral(t, c)
	pushDanglingStockLine(t, c)
	c.exec(t, `INSERT INTO item (id, name, type) VALUES ('i9', 'Amoxicillin', 'stock')`)

	svc := NewRetryService(c.server, 10*time.Millisecond, nil)
	require.Equal(t, "pending-retry", svc.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return c.count(t, `SELECT COUNT(*) FROM stock_line WHERE id = 'sl1'`) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("retry service did not stop")
	}
}
