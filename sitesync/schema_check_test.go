package sitesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForeignKeys_DiscoversDomainReferences(t *testing.T) {
	s := newTestStore(t)

	fks, err := s.ForeignKeys(context.Background())
	require.NoError(t, err)

	require.Contains(t, fks, ForeignKey{Table: "store", Column: "name_id", RefTable: "name", RefColumn: "id"})
	require.Contains(t, fks, ForeignKey{Table: "stock_line", Column: "location_id", RefTable: "location", RefColumn: "id"})
	require.Contains(t, fks, ForeignKey{Table: "invoice_line", Column: "invoice_id", RefTable: "invoice", RefColumn: "id"})
}

func TestCheckDependencyOrder(t *testing.T) {
	s := newTestStore(t)

	violations, err := s.CheckDependencyOrder(context.Background(), newTestRegistry(t))
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestOrderViolations(t *testing.T) {
	fks := []ForeignKey{
		{Table: "store", Column: "name_id", RefTable: "name", RefColumn: "id"},
		{Table: "item", Column: "unit_id", RefTable: "unit", RefColumn: "id"},
		{Table: "unit", Column: "parent_id", RefTable: "unit", RefColumn: "id"},
		{Table: "item", Column: "vendor_id", RefTable: "vendor", RefColumn: "id"},
		{Table: "audit", Column: "item_id", RefTable: "item", RefColumn: "id"},
	}

	got := orderViolations(fks, []string{"name", "store", "item", "unit"})
	require.Equal(t, []ForeignKey{
		{Table: "item", Column: "unit_id", RefTable: "unit", RefColumn: "id"},
		{Table: "item", Column: "vendor_id", RefTable: "vendor", RefColumn: "id"},
	}, got)
}
