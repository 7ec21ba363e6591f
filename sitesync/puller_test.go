package sitesync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
)

func centralRecords(t *testing.T) []syncmodel.WireRecord {
	return []syncmodel.WireRecord{
		upsert(t, 10, &translator.NameRow{ID: "n1", Name: "Pharmacy"}),
		upsert(t, 11, &translator.StoreRow{ID: "s1", NameID: "n1", SiteID: 2}),
		upsert(t, 12, &translator.UnitRow{ID: "u1", Name: "Tablet"}),
		upsert(t, 13, &translator.ItemRow{ID: "i1", Name: "Paracetamol", Type: translator.ItemTypeStock, DefaultPackSize: 1}),
	}
}

func TestCursor_AdvancesOnlyForward(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pos, err := store.Cursor(ctx, syncmodel.DirectionPull, testPartner)
	require.NoError(t, err)
	require.Zero(t, pos)

	require.NoError(t, store.advanceCursor(ctx, store.DB(), syncmodel.DirectionPull, testPartner, 10))
	require.NoError(t, store.advanceCursor(ctx, store.DB(), syncmodel.DirectionPull, testPartner, 5))
	pos, err = store.Cursor(ctx, syncmodel.DirectionPull, testPartner)
	require.NoError(t, err)
	require.Equal(t, int64(10), pos)

	// the push cursor is independent
	pos, err = store.Cursor(ctx, syncmodel.DirectionPush, testPartner)
	require.NoError(t, err)
	require.Zero(t, pos)

	// only an explicit reset rewinds
	require.NoError(t, store.ResetCursor(ctx, syncmodel.DirectionPull, testPartner, 3))
	pos, err = store.Cursor(ctx, syncmodel.DirectionPull, testPartner)
	require.NoError(t, err)
	require.Equal(t, int64(3), pos)

	require.Error(t, store.ResetCursor(ctx, "sideways", testPartner, 1))
	require.Error(t, store.ResetCursor(ctx, syncmodel.DirectionPush, testPartner, -1))

	cursors, err := store.Cursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	require.Equal(t, syncmodel.DirectionPull, cursors[0].Direction)
}

func TestPuller_BuffersAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := newFakeClient(centralRecords(t)...)
	puller := NewPuller(store, client, testPartner, nil)

	report, err := puller.Pull(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 2, report.Batches)
	require.Equal(t, 4, report.Records)
	require.Equal(t, int64(13), report.Cursor)
	// 3 + 1 records, then the empty batch that ends the loop
	require.Equal(t, 3, client.pullCalls)

	pos, err := store.Cursor(ctx, syncmodel.DirectionPull, testPartner)
	require.NoError(t, err)
	require.Equal(t, int64(13), pos)

	pending, err := store.PendingBuffer(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	require.Equal(t, syncmodel.FormatStructured, pending[0].Format)
	require.Nil(t, pending[0].IntegrationError)
}

func TestPuller_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := newFakeClient(centralRecords(t)...)
	puller := NewPuller(store, client, testPartner, nil)

	_, err := puller.Pull(ctx, 100)
	require.NoError(t, err)
	before := count(t, store, `SELECT COUNT(*) FROM sync_buffer`)

	report, err := puller.Pull(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, report.Records)
	require.Equal(t, before, count(t, store, `SELECT COUNT(*) FROM sync_buffer`))
	require.Equal(t, int64(13), client.pullReqs[len(client.pullReqs)-1].Cursor)
}

func TestPuller_RedeliveryResetsIntegration(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := newFakeClient(centralRecords(t)...)
	puller := NewPuller(store, client, testPartner, nil)
	integrator := NewIntegrator(store, newTestRegistry(t), nil)

	_, err := puller.Pull(ctx, 100)
	require.NoError(t, err)
	_, err = integrator.IntegratePending(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, count(t, store, `SELECT COUNT(*) FROM sync_buffer WHERE integrated_at IS NULL`))

	// the peer changed the item again
	client.records = append(client.records,
		upsert(t, 20, &translator.ItemRow{ID: "i1", Name: "Paracetamol 500", Type: translator.ItemTypeStock, DefaultPackSize: 1}))
	_, err = puller.Pull(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 4, count(t, store, `SELECT COUNT(*) FROM sync_buffer`))
	require.Equal(t, 1, count(t, store, `SELECT COUNT(*) FROM sync_buffer WHERE integrated_at IS NULL`))
}

func TestPuller_CursorAndBufferAreAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := newFakeClient(centralRecords(t)...)
	puller := NewPuller(store, client, testPartner, nil)

	// fail between the buffer writes and the cursor update
	mustExec(t, store, `CREATE TRIGGER crash_cursor BEFORE INSERT ON sync_cursor
		BEGIN SELECT RAISE(ABORT, 'simulated crash'); END`)

	_, err := puller.Pull(ctx, 100)
	require.Error(t, err)
	require.Equal(t, syncmodel.KindStorage, syncmodel.KindOf(err))

	pos, err := store.Cursor(ctx, syncmodel.DirectionPull, testPartner)
	require.NoError(t, err)
	require.Zero(t, pos)
	require.Zero(t, count(t, store, `SELECT COUNT(*) FROM sync_buffer`))

	// recovery re-fetches the same batch
	mustExec(t, store, `DROP TRIGGER crash_cursor`)
	report, err := puller.Pull(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 4, report.Records)
	require.Equal(t, 4, count(t, store, `SELECT COUNT(*) FROM sync_buffer`))
}

func TestPuller_MalformedRecordDoesNotStopIngestion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	records := centralRecords(t)
	records = append(records[:2],
		syncmodel.WireRecord{Cursor: 12, TableName: "unit", RecordID: "u9", Action: "replace"},
		syncmodel.WireRecord{Cursor: 13, TableName: "unit", Action: syncmodel.ActionUpsert},
		upsert(t, 14, &translator.UnitRow{ID: "u1", Name: "Tablet"}),
	)
	client := newFakeClient(records...)
	puller := NewPuller(store, client, testPartner, nil)

	report, err := puller.Pull(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 5, report.Records)
	require.Equal(t, 2, report.Malformed)
	require.Equal(t, int64(14), report.Cursor)

	require.Equal(t, 2, count(t, store, `SELECT COUNT(*) FROM sync_buffer WHERE integration_error IS NOT NULL`))
	require.Equal(t, 1, count(t, store, `SELECT COUNT(*) FROM sync_buffer WHERE record_id = 'malformed:13'`))

	report2, err := NewIntegrator(store, newTestRegistry(t), nil).IntegratePending(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 3, report2.Applied)
	require.Equal(t, 2, report2.Failed)
	for _, f := range report2.Failures {
		require.Equal(t, syncmodel.KindParse, f.Kind)
	}
}

func TestPuller_OutOfOrderRecordIsNeverApplied(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	records := append(centralRecords(t),
		upsert(t, 20, &translator.ItemRow{ID: "i1", Name: "Paracetamol 500", Type: translator.ItemTypeStock, DefaultPackSize: 1}),
		upsert(t, 15, &translator.ItemRow{ID: "i1", Name: "Paracetamol old", Type: translator.ItemTypeStock, DefaultPackSize: 1}),
		upsert(t, 16, &translator.UnitRow{ID: "u7", Name: "Bottle"}),
	)
	client := newFakeClient(records...)
	puller := NewPuller(store, client, testPartner, nil)

	report, err := puller.Pull(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 7, report.Records)
	require.Equal(t, 2, report.Malformed)
	require.Equal(t, int64(20), report.Cursor)

	// the older delivery did not replace the newer buffered item
	item, err := store.BufferRow(ctx, "item", "i1")
	require.NoError(t, err)
	require.Equal(t, int64(20), item.SyncCursor)
	require.Nil(t, item.ReceiveError)

	unit, err := store.BufferRow(ctx, "unit", "u7")
	require.NoError(t, err)
	require.NotNil(t, unit.ReceiveError)
	require.Equal(t, "cursor 16 does not follow 20", *unit.ReceiveError)

	integrated, err := NewIntegrator(store, newTestRegistry(t), nil).IntegratePending(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 4, integrated.Applied)
	require.Equal(t, 1, integrated.Failed)
	require.Equal(t, syncmodel.KindParse, integrated.Failures[0].Kind)

	require.Equal(t, 1, count(t, store, `SELECT COUNT(*) FROM item WHERE id = 'i1' AND name = 'Paracetamol 500'`))
	require.Zero(t, count(t, store, `SELECT COUNT(*) FROM unit WHERE id = 'u7'`))

	// the marker survives integration and the row stays visible to operators
	failures, err := store.BufferFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "u7", failures[0].RecordID)
	require.NotNil(t, failures[0].ReceiveError)
	require.Nil(t, failures[0].IntegratedAt)

	// an in-order delivery replaces the marked row and applies
	client.records = append(client.records, upsert(t, 30, &translator.UnitRow{ID: "u7", Name: "Bottle"}))
	_, err = puller.Pull(ctx, 100)
	require.NoError(t, err)
	integrated, err = NewIntegrator(store, newTestRegistry(t), nil).IntegratePending(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, integrated.Applied)
	require.Equal(t, 1, count(t, store, `SELECT COUNT(*) FROM unit WHERE id = 'u7'`))
	unit, err = store.BufferRow(ctx, "unit", "u7")
	require.NoError(t, err)
	require.Nil(t, unit.ReceiveError)
	require.Nil(t, unit.IntegrationError)
}

func TestBufferRecord_OlderDeliveryNeverReplacesPendingRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	bufferAll(t, store, bufferRow(t, 20, &translator.UnitRow{ID: "u1", Name: "Tablets"}))
	bufferAll(t, store, bufferRow(t, 15, &translator.UnitRow{ID: "u1", Name: "Tablet"}))
	row, err := store.BufferRow(ctx, "unit", "u1")
	require.NoError(t, err)
	require.Equal(t, int64(20), row.SyncCursor)

	// another source may always replace it
	other := bufferRow(t, 3, &translator.UnitRow{ID: "u1", Name: "Capsule"})
	source := int32(3)
	other.SourceSiteID = &source
	bufferAll(t, store, other)
	row, err = store.BufferRow(ctx, "unit", "u1")
	require.NoError(t, err)
	require.Equal(t, int64(3), row.SyncCursor)
	require.Equal(t, source, *row.SourceSiteID)

	// once integrated, a redelivery is buffered again whatever its cursor
	_, err = NewIntegrator(store, newTestRegistry(t), nil).IntegratePending(ctx, nil)
	require.NoError(t, err)
	bufferAll(t, store, other)
	require.Equal(t, 1, count(t, store, `SELECT COUNT(*) FROM sync_buffer WHERE integrated_at IS NULL`))
}

func TestPuller_NonAdvancingBatchIsProtocolError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.ResetCursor(ctx, syncmodel.DirectionPull, testPartner, 50))

	client := &stubPullClient{fakeClient: newFakeClient(), batch: centralRecords(t)}
	_, err := NewPuller(store, client, testPartner, nil).Pull(ctx, 100)
	require.Error(t, err)
	require.True(t, errors.Is(err, syncmodel.ErrProtocol))
	require.Zero(t, count(t, store, `SELECT COUNT(*) FROM sync_buffer`))
}

func TestPuller_TransportErrorLeavesCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := newFakeClient(centralRecords(t)...)
	client.pullErrs = []error{syncmodel.NewError(syncmodel.KindTransport, "pull", errors.New("connection refused"))}

	_, err := NewPuller(store, client, testPartner, nil).Pull(ctx, 100)
	require.True(t, syncmodel.IsRetryable(err))

	pos, err := store.Cursor(ctx, syncmodel.DirectionPull, testPartner)
	require.NoError(t, err)
	require.Zero(t, pos)
}

// stubPullClient always returns the same batch, whatever the cursor.
type stubPullClient struct {
	*fakeClient
	batch []syncmodel.WireRecord
}

func (c *stubPullClient) Pull(context.Context, syncmodel.PullRequest) (*syncmodel.PullResponse, error) {
	return &syncmodel.PullResponse{Records: c.batch, MaxCursor: 13}, nil
}
