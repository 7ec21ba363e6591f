// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package translator

import "time"

// Internal table names.
const (
	TableName        = "name"
	TableStore       = "store"
	TableUnit        = "unit"
	TableItem        = "item"
	TableLocation    = "location"
	TableStockLine   = "stock_line"
	TableInvoice     = "invoice"
	TableInvoiceLine = "invoice_line"
)

// Row is one internal row of a synchronized table. The concrete types below
// form the closed set of records the integrator can apply.
type Row interface {
	TableName() string
	RowID() string
}

type NameRow struct {
	ID         string `db:"id" json:"id"`
	Name       string `db:"name" json:"name"`
	Code       string `db:"code" json:"code"`
	IsCustomer bool   `db:"is_customer" json:"is_customer"`
	IsSupplier bool   `db:"is_supplier" json:"is_supplier"`
}

func (r *NameRow) TableName() string { return TableName }
func (r *NameRow) RowID() string     { return r.ID }

type StoreRow struct {
	ID     string `db:"id" json:"id"`
	NameID string `db:"name_id" json:"name_id"`
	Code   string `db:"code" json:"code"`
	SiteID int32  `db:"site_id" json:"site_id"`
}

func (r *StoreRow) TableName() string { return TableStore }
func (r *StoreRow) RowID() string     { return r.ID }

type UnitRow struct {
	ID          string  `db:"id" json:"id"`
	Name        string  `db:"name" json:"name"`
	Description *string `db:"description" json:"description"`
	SortIndex   int32   `db:"sort_index" json:"sort_index"`
}

func (r *UnitRow) TableName() string { return TableUnit }
func (r *UnitRow) RowID() string     { return r.ID }

// Item types.
const (
	ItemTypeStock    = "stock"
	ItemTypeService  = "service"
	ItemTypeNonStock = "non_stock"
)

type ItemRow struct {
	ID              string  `db:"id" json:"id"`
	Name            string  `db:"name" json:"name"`
	Code            string  `db:"code" json:"code"`
	UnitID          *string `db:"unit_id" json:"unit_id"`
	Type            string  `db:"type" json:"type"`
	DefaultPackSize float64 `db:"default_pack_size" json:"default_pack_size"`
}

func (r *ItemRow) TableName() string { return TableItem }
func (r *ItemRow) RowID() string     { return r.ID }

type LocationRow struct {
	ID      string `db:"id" json:"id"`
	Name    string `db:"name" json:"name"`
	Code    string `db:"code" json:"code"`
	OnHold  bool   `db:"on_hold" json:"on_hold"`
	StoreID string `db:"store_id" json:"store_id"`
}

func (r *LocationRow) TableName() string { return TableLocation }
func (r *LocationRow) RowID() string     { return r.ID }

type StockLineRow struct {
	ID                     string  `db:"id" json:"id"`
	ItemID                 string  `db:"item_id" json:"item_id"`
	StoreID                string  `db:"store_id" json:"store_id"`
	LocationID             *string `db:"location_id" json:"location_id"`
	Batch                  *string `db:"batch" json:"batch"`
	PackSize               float64 `db:"pack_size" json:"pack_size"`
	CostPricePerPack       float64 `db:"cost_price_per_pack" json:"cost_price_per_pack"`
	SellPricePerPack       float64 `db:"sell_price_per_pack" json:"sell_price_per_pack"`
	AvailableNumberOfPacks float64 `db:"available_number_of_packs" json:"available_number_of_packs"`
	TotalNumberOfPacks     float64 `db:"total_number_of_packs" json:"total_number_of_packs"`
	ExpiryDate             *string `db:"expiry_date" json:"expiry_date"` // YYYY-MM-DD
	OnHold                 bool    `db:"on_hold" json:"on_hold"`
}

func (r *StockLineRow) TableName() string { return TableStockLine }
func (r *StockLineRow) RowID() string     { return r.ID }

// Invoice types and statuses.
const (
	InvoiceTypeOutbound   = "outbound_shipment"
	InvoiceTypeInbound    = "inbound_shipment"
	InvoiceTypeAdjustment = "inventory_adjustment"

	InvoiceStatusNew       = "new"
	InvoiceStatusPicked    = "picked"
	InvoiceStatusShipped   = "shipped"
	InvoiceStatusDelivered = "delivered"
	InvoiceStatusVerified  = "verified"
)

type InvoiceRow struct {
	ID              string    `db:"id" json:"id"`
	NameID          string    `db:"name_id" json:"name_id"`
	StoreID         string    `db:"store_id" json:"store_id"`
	Type            string    `db:"type" json:"type"`
	Status          string    `db:"status" json:"status"`
	InvoiceNumber   int64     `db:"invoice_number" json:"invoice_number"`
	TheirReference  *string   `db:"their_reference" json:"their_reference"`
	Comment         *string   `db:"comment" json:"comment"`
	CreatedDatetime time.Time `db:"created_datetime" json:"created_datetime"`
}

func (r *InvoiceRow) TableName() string { return TableInvoice }
func (r *InvoiceRow) RowID() string     { return r.ID }

// Invoice line types.
const (
	InvoiceLineStockIn  = "stock_in"
	InvoiceLineStockOut = "stock_out"
	InvoiceLineService  = "service"
)

type InvoiceLineRow struct {
	ID               string  `db:"id" json:"id"`
	InvoiceID        string  `db:"invoice_id" json:"invoice_id"`
	ItemID           string  `db:"item_id" json:"item_id"`
	StockLineID      *string `db:"stock_line_id" json:"stock_line_id"`
	Batch            *string `db:"batch" json:"batch"`
	PackSize         float64 `db:"pack_size" json:"pack_size"`
	NumberOfPacks    float64 `db:"number_of_packs" json:"number_of_packs"`
	CostPricePerPack float64 `db:"cost_price_per_pack" json:"cost_price_per_pack"`
	SellPricePerPack float64 `db:"sell_price_per_pack" json:"sell_price_per_pack"`
	Type             string  `db:"type" json:"type"`
}

func (r *InvoiceLineRow) TableName() string { return TableInvoiceLine }
func (r *InvoiceLineRow) RowID() string     { return r.ID }
