// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// Legacy wire table names.
const (
	LegacyTableName        = "name"
	LegacyTableStore       = "store"
	LegacyTableUnit        = "unit"
	LegacyTableItem        = "item"
	LegacyTableLocation    = "Location"
	LegacyTableStockLine   = "item_line"
	LegacyTableInvoice     = "transact"
	LegacyTableInvoiceLine = "trans_line"
)

const legacyNullDate = "0000-00-00"

// legacyTranslator adapts a legacy record shape L to the internal row T.
type legacyTranslator[L any, T any, P rowPtr[T]] struct {
	wireTable string
	table     string
	deps      []string
	toRow     func(*L) (P, error)
	fromRow   func(P) (*L, error)
	legacyID  func(*L) string
}

func (t *legacyTranslator[L, T, P]) Table() string            { return t.table }
func (t *legacyTranslator[L, T, P]) Format() syncmodel.Format { return syncmodel.FormatLegacy }
func (t *legacyTranslator[L, T, P]) WireTable() string        { return t.wireTable }
func (t *legacyTranslator[L, T, P]) Dependencies() []string   { return t.deps }

func (t *legacyTranslator[L, T, P]) TranslateIncoming(row syncmodel.BufferRow) (Result, error) {
	if row.Format != syncmodel.FormatLegacy || row.TableName != t.wireTable {
		return skip, nil
	}
	if row.RecordID == "" {
		return Result{}, &TranslateError{Table: t.wireTable, Reason: "missing record id"}
	}
	if row.Action == syncmodel.ActionDelete {
		return Result{Kind: ResultDelete, Table: t.table, RecordID: row.RecordID}, nil
	}

	var legacy L
	if err := json.Unmarshal(row.Data, &legacy); err != nil {
		return Result{}, &TranslateError{Table: t.wireTable, RecordID: row.RecordID, Reason: "invalid legacy payload", Err: err}
	}
	if id := t.legacyID(&legacy); id != row.RecordID {
		return Result{}, &TranslateError{Table: t.wireTable, RecordID: row.RecordID,
			Reason: fmt.Sprintf("payload ID %q does not match record id", id)}
	}
	p, err := t.toRow(&legacy)
	if err != nil {
		return Result{}, &TranslateError{Table: t.wireTable, RecordID: row.RecordID, Reason: "invalid legacy row", Err: err}
	}
	return Result{Kind: ResultUpsert, Table: t.table, RecordID: row.RecordID, Row: p}, nil
}

func (t *legacyTranslator[L, T, P]) TranslateOutgoing(change syncmodel.ChangelogRow, current map[string]any) (Result, error) {
	if change.TableName != t.table {
		return skip, nil
	}
	rec := &syncmodel.WireRecord{
		Cursor:    change.Cursor,
		TableName: t.wireTable,
		RecordID:  change.RecordID,
		Action:    change.Action,
		StoreID:   change.StoreID,
		NameID:    change.NameID,
	}
	if change.Action == syncmodel.ActionDelete {
		return Result{Kind: ResultDelete, Table: t.table, RecordID: change.RecordID, Wire: rec}, nil
	}

	var v T
	if err := decodeCurrent(current, &v); err != nil {
		return Result{}, &TranslateError{Table: t.table, RecordID: change.RecordID, Reason: "invalid current row", Err: err}
	}
	legacy, err := t.fromRow(P(&v))
	if err != nil {
		return Result{}, &TranslateError{Table: t.table, RecordID: change.RecordID, Reason: "no legacy form", Err: err}
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		return Result{}, &TranslateError{Table: t.table, RecordID: change.RecordID, Reason: "cannot encode legacy row", Err: err}
	}
	rec.Data = data
	return Result{Kind: ResultUpsert, Table: t.table, RecordID: change.RecordID, Row: P(&v), Wire: rec}, nil
}

// LegacyTranslators returns one legacy-format translator per synchronized
// table.
func LegacyTranslators() []Translator {
	return []Translator{
		&legacyTranslator[legacyName, NameRow, *NameRow]{
			wireTable: LegacyTableName, table: TableName,
			toRow: legacyNameToRow, fromRow: nameRowToLegacy, legacyID: func(l *legacyName) string { return l.ID },
		},
		&legacyTranslator[legacyStore, StoreRow, *StoreRow]{
			wireTable: LegacyTableStore, table: TableStore, deps: []string{TableName},
			toRow: legacyStoreToRow, fromRow: storeRowToLegacy, legacyID: func(l *legacyStore) string { return l.ID },
		},
		&legacyTranslator[legacyUnit, UnitRow, *UnitRow]{
			wireTable: LegacyTableUnit, table: TableUnit,
			toRow: legacyUnitToRow, fromRow: unitRowToLegacy, legacyID: func(l *legacyUnit) string { return l.ID },
		},
		&legacyTranslator[legacyItem, ItemRow, *ItemRow]{
			wireTable: LegacyTableItem, table: TableItem, deps: []string{TableUnit},
			toRow: legacyItemToRow, fromRow: itemRowToLegacy, legacyID: func(l *legacyItem) string { return l.ID },
		},
		&legacyTranslator[legacyLocation, LocationRow, *LocationRow]{
			wireTable: LegacyTableLocation, table: TableLocation, deps: []string{TableStore},
			toRow: legacyLocationToRow, fromRow: locationRowToLegacy, legacyID: func(l *legacyLocation) string { return l.ID },
		},
		&legacyTranslator[legacyItemLine, StockLineRow, *StockLineRow]{
			wireTable: LegacyTableStockLine, table: TableStockLine, deps: []string{TableItem, TableStore, TableLocation},
			toRow: legacyItemLineToRow, fromRow: stockLineRowToLegacy, legacyID: func(l *legacyItemLine) string { return l.ID },
		},
		&legacyTranslator[legacyTransact, InvoiceRow, *InvoiceRow]{
			wireTable: LegacyTableInvoice, table: TableInvoice, deps: []string{TableName, TableStore},
			toRow: legacyTransactToRow, fromRow: invoiceRowToLegacy, legacyID: func(l *legacyTransact) string { return l.ID },
		},
		&legacyTranslator[legacyTransLine, InvoiceLineRow, *InvoiceLineRow]{
			wireTable: LegacyTableInvoiceLine, table: TableInvoiceLine, deps: []string{TableInvoice, TableItem, TableStockLine},
			toRow: legacyTransLineToRow, fromRow: invoiceLineRowToLegacy, legacyID: func(l *legacyTransLine) string { return l.ID },
		},
	}
}

// Legacy peers send "" for absent references.
func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilToEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func parseLegacyDate(s string) (*string, error) {
	if s == "" || s == legacyNullDate {
		return nil, nil
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return &s, nil
}

func formatLegacyDate(p *string) string {
	if p == nil {
		return legacyNullDate
	}
	return *p
}
