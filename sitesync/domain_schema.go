// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
)

// DefaultSyncTables lists the synchronized tables with the expressions used
// to attribute each change to a store and a name.
var DefaultSyncTables = []syncmodel.SyncTable{
	{Name: translator.TableName, NameExpr: "%s.id"},
	{Name: translator.TableStore, NameExpr: "%s.name_id"},
	{Name: translator.TableUnit},
	{Name: translator.TableItem},
	{Name: translator.TableLocation, StoreExpr: "%s.store_id"},
	{Name: translator.TableStockLine, StoreExpr: "%s.store_id"},
	{Name: translator.TableInvoice, StoreExpr: "%s.store_id", NameExpr: "%s.name_id"},
	{Name: translator.TableInvoiceLine, StoreExpr: "(SELECT store_id FROM invoice WHERE id = %s.invoice_id)"},
}

// domainSchema creates the synchronized tables. The DDL is valid for both
// dialects.
var domainSchema = []string{
	`CREATE TABLE IF NOT EXISTS name (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		is_customer BOOLEAN NOT NULL DEFAULT FALSE,
		is_supplier BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS store (
		id TEXT PRIMARY KEY,
		name_id TEXT NOT NULL REFERENCES name (id),
		code TEXT NOT NULL DEFAULT '',
		site_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS store_site_idx ON store (site_id)`,
	`CREATE TABLE IF NOT EXISTS unit (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		sort_index INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS item (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		unit_id TEXT REFERENCES unit (id),
		type TEXT NOT NULL,
		default_pack_size DOUBLE PRECISION NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS location (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		on_hold BOOLEAN NOT NULL DEFAULT FALSE,
		store_id TEXT NOT NULL REFERENCES store (id)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_line (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES item (id),
		store_id TEXT NOT NULL REFERENCES store (id),
		location_id TEXT REFERENCES location (id),
		batch TEXT,
		pack_size DOUBLE PRECISION NOT NULL,
		cost_price_per_pack DOUBLE PRECISION NOT NULL DEFAULT 0,
		sell_price_per_pack DOUBLE PRECISION NOT NULL DEFAULT 0,
		available_number_of_packs DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_number_of_packs DOUBLE PRECISION NOT NULL DEFAULT 0,
		expiry_date TEXT,
		on_hold BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS invoice (
		id TEXT PRIMARY KEY,
		name_id TEXT NOT NULL REFERENCES name (id),
		store_id TEXT NOT NULL REFERENCES store (id),
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		invoice_number BIGINT NOT NULL DEFAULT 0,
		their_reference TEXT,
		comment TEXT,
		created_datetime TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoice_line (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoice (id),
		item_id TEXT NOT NULL REFERENCES item (id),
		stock_line_id TEXT REFERENCES stock_line (id),
		batch TEXT,
		pack_size DOUBLE PRECISION NOT NULL,
		number_of_packs DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost_price_per_pack DOUBLE PRECISION NOT NULL DEFAULT 0,
		sell_price_per_pack DOUBLE PRECISION NOT NULL DEFAULT 0,
		type TEXT NOT NULL
	)`,
}

func applyDomainSchema(ctx context.Context, q queryer) error {
	for i, stmt := range domainSchema {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply domain schema step %d: %w", i+1, err)
		}
	}
	return nil
}
