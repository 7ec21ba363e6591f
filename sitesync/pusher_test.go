package sitesync

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
)

func pushCursor(t *testing.T, s *Store) int64 {
	t.Helper()
	pos, err := s.Cursor(context.Background(), syncmodel.DirectionPush, testPartner)
	require.NoError(t, err)
	return pos
}

func TestPusher_SendsInCursorOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedLocal(t, store)
	mustExec(t, store, `INSERT INTO item (id, name, unit_id, type) VALUES ('i1', 'Paracetamol', 'u1', 'stock')`)
	mustExec(t, store, `UPDATE unit SET name = 'Tablets' WHERE id = 'u1'`)

	client := newFakeClient()
	pusher := NewPusher(store, client, newTestRegistry(t), testPartner, nil)

	report, err := pusher.Push(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 5, report.Sent)
	require.Equal(t, 3, report.Batches)

	sent := client.allPushed()
	require.Len(t, sent, 5)
	for i := 1; i < len(sent); i++ {
		require.Greater(t, sent[i].Cursor, sent[i-1].Cursor)
	}
	for _, batch := range client.pushed {
		require.LessOrEqual(t, len(batch), 2)
	}

	latest, err := store.LatestCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, latest, pushCursor(t, store))

	// the last unit upsert carries the current row
	var unit translator.UnitRow
	require.NoError(t, json.Unmarshal(sent[4].Data, &unit))
	require.Equal(t, "Tablets", unit.Name)

	// nothing left to send
	report, err = pusher.Push(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, report.Sent)
	require.Len(t, client.pushed, 3)
}

func TestPusher_DeleteNeedsNoCurrentRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustExec(t, store, `INSERT INTO unit (id, name) VALUES ('u1', 'Tablet')`)
	mustExec(t, store, `DELETE FROM unit WHERE id = 'u1'`)

	client := newFakeClient()
	report, err := NewPusher(store, client, newTestRegistry(t), testPartner, nil).Push(ctx, 10)
	require.NoError(t, err)

	// the upsert of a vanished row is dropped, the delete is sent
	require.Equal(t, 1, report.Sent)
	require.Equal(t, 1, report.Skipped)
	sent := client.allPushed()
	require.Len(t, sent, 1)
	require.Equal(t, syncmodel.ActionDelete, sent[0].Action)
	require.Equal(t, "u1", sent[0].RecordID)
	require.Equal(t, int64(2), pushCursor(t, store))
}

func TestPusher_AllSkippedBatchMovesCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustExec(t, store, `INSERT INTO changelog (table_name, record_id, action) VALUES ('unit', 'gone', 'upsert')`)
	mustExec(t, store, `INSERT INTO changelog (table_name, record_id, action) VALUES ('unit', 'lost', 'upsert')`)

	client := newFakeClient()
	pusher := NewPusher(store, client, newTestRegistry(t), testPartner, nil)
	report, err := pusher.Push(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, report.Sent)
	require.Equal(t, 2, report.Skipped)
	require.Empty(t, client.pushed)
	require.Equal(t, int64(2), pushCursor(t, store))

	// later changes are sent from past the skipped rows
	mustExec(t, store, `INSERT INTO unit (id, name) VALUES ('u1', 'Tablet')`)
	report, err = pusher.Push(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	sent := client.allPushed()
	require.Len(t, sent, 1)
	require.Equal(t, int64(3), sent[0].Cursor)
	require.Equal(t, int64(3), pushCursor(t, store))
}

func TestPusher_NeverEchoesPartnerChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.SaveSiteIdentity(ctx, 2, 1))

	// integrated from the central (site 1)
	bufferAll(t, store, bufferRow(t, 1, &translator.UnitRow{ID: "u1", Name: "Tablet"}))
	_, err := NewIntegrator(store, newTestRegistry(t), nil).IntegratePending(ctx, nil)
	require.NoError(t, err)
	mustExec(t, store, `INSERT INTO unit (id, name) VALUES ('u2', 'Bottle')`)

	client := newFakeClient()
	_, err = NewPusher(store, client, newTestRegistry(t), testPartner, nil).Push(ctx, 10)
	require.NoError(t, err)

	sent := client.allPushed()
	require.Len(t, sent, 1)
	require.Equal(t, "u2", sent[0].RecordID)
}

func TestPusher_PartialAcknowledgement(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedLocal(t, store) // cursors 1..3

	client := newFakeClient()
	client.ack = func(batch []syncmodel.WireRecord) int64 { return batch[0].Cursor }
	pusher := NewPusher(store, client, newTestRegistry(t), testPartner, nil)

	batch, err := pusher.PushBatch(ctx, 0, 10, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), batch.Cursor)
	require.Equal(t, 1, batch.Sent)
	require.Equal(t, int64(1), pushCursor(t, store))

	// the rest is resent
	client.ack = nil
	report, err := pusher.Push(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, report.Sent)
	require.Equal(t, int64(3), pushCursor(t, store))
	require.Equal(t, int64(2), client.pushed[1][0].Cursor)
}

func TestPusher_AcknowledgementBelowBatchIsProtocolError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedLocal(t, store)

	client := newFakeClient()
	client.ack = func([]syncmodel.WireRecord) int64 { return 0 }

	_, err := NewPusher(store, client, newTestRegistry(t), testPartner, nil).Push(ctx, 10)
	require.ErrorIs(t, err, syncmodel.ErrProtocol)
	require.Zero(t, pushCursor(t, store))
}

func TestPusher_TransportErrorResendsSameBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedLocal(t, store)

	client := newFakeClient()
	client.pushErrs = []error{syncmodel.NewError(syncmodel.KindTransport, "push", errors.New("timeout"))}
	pusher := NewPusher(store, client, newTestRegistry(t), testPartner, nil)

	_, err := pusher.Push(ctx, 10)
	require.True(t, syncmodel.IsRetryable(err))
	require.Zero(t, pushCursor(t, store))

	_, err = pusher.Push(ctx, 10)
	require.NoError(t, err)
	require.Len(t, client.pushed, 1)
	require.Len(t, client.pushed[0], 3)
	require.Equal(t, int64(3), pushCursor(t, store))
}

func TestPusher_LegacyFormat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedLocal(t, store)

	client := newFakeClient()
	client.format = syncmodel.FormatLegacy
	_, err := NewPusher(store, client, newTestRegistry(t), testPartner, nil).Push(ctx, 10)
	require.NoError(t, err)

	sent := client.allPushed()
	require.Len(t, sent, 3)
	require.Equal(t, "name", sent[0].TableName)
	var legacy map[string]any
	require.NoError(t, json.Unmarshal(sent[0].Data, &legacy))
	require.Equal(t, "n1", legacy["ID"])
}

func TestAcknowledgedPosition(t *testing.T) {
	records := []syncmodel.WireRecord{{Cursor: 4}, {Cursor: 6}, {Cursor: 7}}

	pos, err := acknowledgedPosition(&syncmodel.PushResponse{AcknowledgedCursor: 7}, records, 9)
	require.NoError(t, err)
	require.Equal(t, int64(9), pos, "trailing unsent rows are covered")

	pos, err = acknowledgedPosition(&syncmodel.PushResponse{AcknowledgedCursor: 6}, records, 9)
	require.NoError(t, err)
	require.Equal(t, int64(6), pos)

	_, err = acknowledgedPosition(&syncmodel.PushResponse{AcknowledgedCursor: 3}, records, 9)
	require.ErrorIs(t, err, syncmodel.ErrProtocol)

	_, err = acknowledgedPosition(nil, records, 9)
	require.ErrorIs(t, err, syncmodel.ErrProtocol)
}
