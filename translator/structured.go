// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// rowPtr constrains P to be *T and a Row.
type rowPtr[T any] interface {
	*T
	Row
}

// structuredTranslator handles the structured format, where wire table and
// field names are the internal ones.
type structuredTranslator[T any, P rowPtr[T]] struct {
	table    string
	deps     []string
	validate func(P) error
}

func (t *structuredTranslator[T, P]) Table() string            { return t.table }
func (t *structuredTranslator[T, P]) Format() syncmodel.Format { return syncmodel.FormatStructured }
func (t *structuredTranslator[T, P]) WireTable() string        { return t.table }
func (t *structuredTranslator[T, P]) Dependencies() []string   { return t.deps }

func (t *structuredTranslator[T, P]) TranslateIncoming(row syncmodel.BufferRow) (Result, error) {
	if row.Format != syncmodel.FormatStructured || row.TableName != t.table {
		return skip, nil
	}
	if row.RecordID == "" {
		return Result{}, &TranslateError{Table: t.table, Reason: "missing record id"}
	}
	if row.Action == syncmodel.ActionDelete {
		return Result{Kind: ResultDelete, Table: t.table, RecordID: row.RecordID}, nil
	}

	var v T
	if err := json.Unmarshal(row.Data, &v); err != nil {
		return Result{}, &TranslateError{Table: t.table, RecordID: row.RecordID, Reason: "invalid payload", Err: err}
	}
	p := P(&v)
	if p.RowID() != row.RecordID {
		return Result{}, &TranslateError{Table: t.table, RecordID: row.RecordID,
			Reason: fmt.Sprintf("payload id %q does not match record id", p.RowID())}
	}
	if t.validate != nil {
		if err := t.validate(p); err != nil {
			return Result{}, &TranslateError{Table: t.table, RecordID: row.RecordID, Reason: "invalid row", Err: err}
		}
	}
	return Result{Kind: ResultUpsert, Table: t.table, RecordID: row.RecordID, Row: p}, nil
}

func (t *structuredTranslator[T, P]) TranslateOutgoing(change syncmodel.ChangelogRow, current map[string]any) (Result, error) {
	if change.TableName != t.table {
		return skip, nil
	}
	rec := &syncmodel.WireRecord{
		Cursor:    change.Cursor,
		TableName: t.table,
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
	data, err := json.Marshal(P(&v))
	if err != nil {
		return Result{}, &TranslateError{Table: t.table, RecordID: change.RecordID, Reason: "cannot encode row", Err: err}
	}
	rec.Data = data
	return Result{Kind: ResultUpsert, Table: t.table, RecordID: change.RecordID, Row: P(&v), Wire: rec}, nil
}

// StructuredTranslators returns one structured-format translator per
// synchronized table.
func StructuredTranslators() []Translator {
	return []Translator{
		&structuredTranslator[NameRow, *NameRow]{table: TableName, validate: validateName},
		&structuredTranslator[StoreRow, *StoreRow]{table: TableStore, deps: []string{TableName}, validate: validateStore},
		&structuredTranslator[UnitRow, *UnitRow]{table: TableUnit},
		&structuredTranslator[ItemRow, *ItemRow]{table: TableItem, deps: []string{TableUnit}, validate: validateItem},
		&structuredTranslator[LocationRow, *LocationRow]{table: TableLocation, deps: []string{TableStore}, validate: validateLocation},
		&structuredTranslator[StockLineRow, *StockLineRow]{table: TableStockLine,
			deps: []string{TableItem, TableStore, TableLocation}, validate: validateStockLine},
		&structuredTranslator[InvoiceRow, *InvoiceRow]{table: TableInvoice,
			deps: []string{TableName, TableStore}, validate: validateInvoice},
		&structuredTranslator[InvoiceLineRow, *InvoiceLineRow]{table: TableInvoiceLine,
			deps: []string{TableInvoice, TableItem, TableStockLine}, validate: validateInvoiceLine},
	}
}

func validateName(r *NameRow) error {
	return required("name", r.Name)
}

func validateStore(r *StoreRow) error {
	return required("name_id", r.NameID)
}

func validateItem(r *ItemRow) error {
	if err := required("name", r.Name); err != nil {
		return err
	}
	return oneOf("type", r.Type, ItemTypeStock, ItemTypeService, ItemTypeNonStock)
}

func validateLocation(r *LocationRow) error {
	return required("store_id", r.StoreID)
}

func validateStockLine(r *StockLineRow) error {
	if err := required("item_id", r.ItemID); err != nil {
		return err
	}
	if err := required("store_id", r.StoreID); err != nil {
		return err
	}
	if r.PackSize <= 0 {
		return fmt.Errorf("pack_size must be positive, got %v", r.PackSize)
	}
	return nil
}

func validateInvoice(r *InvoiceRow) error {
	if err := required("name_id", r.NameID); err != nil {
		return err
	}
	if err := required("store_id", r.StoreID); err != nil {
		return err
	}
	if err := oneOf("type", r.Type, InvoiceTypeOutbound, InvoiceTypeInbound, InvoiceTypeAdjustment); err != nil {
		return err
	}
	return oneOf("status", r.Status, InvoiceStatusNew, InvoiceStatusPicked, InvoiceStatusShipped,
		InvoiceStatusDelivered, InvoiceStatusVerified)
}

func validateInvoiceLine(r *InvoiceLineRow) error {
	if err := required("invoice_id", r.InvoiceID); err != nil {
		return err
	}
	if err := required("item_id", r.ItemID); err != nil {
		return err
	}
	return oneOf("type", r.Type, InvoiceLineStockIn, InvoiceLineStockOut, InvoiceLineService)
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q is not one of %v", field, value, allowed)
}
