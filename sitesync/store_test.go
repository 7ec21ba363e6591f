package sitesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

func TestOpenSQLite_CreatesSchema(t *testing.T) {
	store := newTestStore(t)

	for _, table := range []string{"changelog", "sync_buffer", "sync_cursor", "sync_state", "sync_log", "invoice_line"} {
		require.Equal(t, 1, count(t, store, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table),
			"table %s should exist", table)
	}
	require.Equal(t, 1, count(t, store, `SELECT COUNT(*) FROM sync_state`))
	require.Equal(t, 1, count(t, store, `PRAGMA foreign_keys`))

	// three triggers per synchronized table
	require.Equal(t, 3*len(DefaultSyncTables),
		count(t, store, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name LIKE 'changelog_%'`))
}

func TestNewStore_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedLocal(t, store)

	again, err := NewStore(ctx, store.DB(), SQLite, &StoreConfig{CreateDomainTables: true}, testLogger())
	require.NoError(t, err)
	require.Equal(t, 1, count(t, again, `SELECT COUNT(*) FROM sync_state`))
	require.Equal(t, 1, count(t, again, `SELECT COUNT(*) FROM store`))
}

func TestChangelog_RecordsLocalWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedLocal(t, store)

	mustExec(t, store, `INSERT INTO item (id, name, code, unit_id, type) VALUES ('i1', 'Paracetamol', 'PARA', 'u1', 'stock')`)
	mustExec(t, store, `INSERT INTO invoice (id, name_id, store_id, type, status, created_datetime)
		VALUES ('inv1', 'n1', 's1', 'outbound_shipment', 'new', '2025-01-02 10:00:00')`)
	mustExec(t, store, `INSERT INTO invoice_line (id, invoice_id, item_id, pack_size, type)
		VALUES ('l1', 'inv1', 'i1', 10, 'stock_out')`)
	mustExec(t, store, `UPDATE item SET name = 'Paracetamol 500' WHERE id = 'i1'`)
	mustExec(t, store, `DELETE FROM invoice_line WHERE id = 'l1'`)

	rows, err := store.changelogAfter(ctx, store.DB(), 0, 100, nil)
	require.NoError(t, err)
	require.Len(t, rows, 8)

	for i := 1; i < len(rows); i++ {
		require.Greater(t, rows[i].Cursor, rows[i-1].Cursor)
	}
	for _, row := range rows {
		require.Nil(t, row.SourceSiteID, "local writes have no source site")
		require.False(t, row.CreatedAt.IsZero())
	}

	byKey := func(table, id string, action syncmodel.Action) syncmodel.ChangelogRow {
		for _, row := range rows {
			if row.TableName == table && row.RecordID == id && row.Action == action {
				return row
			}
		}
		t.Fatalf("no changelog row for %s/%s %s", table, id, action)
		return syncmodel.ChangelogRow{}
	}

	store1 := byKey("store", "s1", syncmodel.ActionUpsert)
	require.Nil(t, store1.StoreID)
	require.Equal(t, "n1", *store1.NameID)

	inv := byKey("invoice", "inv1", syncmodel.ActionUpsert)
	require.Equal(t, "s1", *inv.StoreID)
	require.Equal(t, "n1", *inv.NameID)

	// invoice lines take their store from the invoice, also on delete
	line := byKey("invoice_line", "l1", syncmodel.ActionUpsert)
	require.Equal(t, "s1", *line.StoreID)
	deleted := byKey("invoice_line", "l1", syncmodel.ActionDelete)
	require.Equal(t, "s1", *deleted.StoreID)

	latest, err := store.LatestCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, rows[len(rows)-1].Cursor, latest)
}

func TestChangelogForSite_FiltersByOwnershipAndSource(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedLocal(t, store) // store s1 belongs to site 2

	mustExec(t, store, `INSERT INTO name (id, name) VALUES ('n2', 'Other')`)
	mustExec(t, store, `INSERT INTO store (id, name_id, site_id) VALUES ('s2', 'n2', 3)`)
	mustExec(t, store, `INSERT INTO location (id, name, store_id) VALUES ('loc1', 'Shelf', 's1')`)
	mustExec(t, store, `INSERT INTO location (id, name, store_id) VALUES ('loc2', 'Shelf', 's2')`)
	// a change pushed by site 2 itself
	mustExec(t, store, `UPDATE sync_state SET apply_source_site_id = 2 WHERE id = 1`)
	mustExec(t, store, `INSERT INTO location (id, name, store_id) VALUES ('loc3', 'Fridge', 's1')`)
	mustExec(t, store, `UPDATE sync_state SET apply_source_site_id = NULL WHERE id = 1`)

	ids := func(rows []syncmodel.ChangelogRow) []string {
		var out []string
		for _, row := range rows {
			if row.TableName == "location" {
				out = append(out, row.RecordID)
			}
		}
		return out
	}

	initial, err := store.ChangelogForSite(ctx, 0, 100, 2, false)
	require.NoError(t, err)
	require.Equal(t, []string{"loc1", "loc3"}, ids(initial))

	incremental, err := store.ChangelogForSite(ctx, 0, 100, 2, true)
	require.NoError(t, err)
	require.Equal(t, []string{"loc1"}, ids(incremental))

	other, err := store.ChangelogForSite(ctx, 0, 100, 3, true)
	require.NoError(t, err)
	require.Equal(t, []string{"loc2"}, ids(other))
}

func TestStore_ClosedStoreRejectsCalls(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:", &StoreConfig{CreateDomainTables: true}, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Cursor(ctx, syncmodel.DirectionPull, testPartner)
	require.Error(t, err)
}

func TestNewStore_MissingSyncTableFails(t *testing.T) {
	_, err := OpenSQLite(context.Background(), ":memory:", nil, testLogger())
	require.Error(t, err)
}

func TestRenderTriggers_RejectsInvalidTableName(t *testing.T) {
	_, err := SQLite.changelogTriggers(syncmodel.SyncTable{Name: "item; DROP TABLE item"})
	require.Error(t, err)

	stmts, err := Postgres.changelogTriggers(syncmodel.SyncTable{Name: "invoice", StoreExpr: "%s.store_id"})
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	require.Contains(t, stmts[0], "OLD.store_id")
	require.Contains(t, stmts[0], "pg_advisory_xact_lock")
}

func TestPostgresRebind(t *testing.T) {
	require.Equal(t, "SELECT $1, $2 WHERE a = $3", Postgres.Rebind("SELECT ?, ? WHERE a = ?"))
	require.Equal(t, "SELECT ?", SQLite.Rebind("SELECT ?"))
}
