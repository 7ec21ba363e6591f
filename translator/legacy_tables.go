// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"fmt"
	"time"
)

type legacyName struct {
	ID       string `json:"ID"`
	Name     string `json:"name"`
	Code     string `json:"code"`
	Customer bool   `json:"customer"`
	Supplier bool   `json:"supplier"`
}

func legacyNameToRow(l *legacyName) (*NameRow, error) {
	if l.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	return &NameRow{ID: l.ID, Name: l.Name, Code: l.Code, IsCustomer: l.Customer, IsSupplier: l.Supplier}, nil
}

func nameRowToLegacy(r *NameRow) (*legacyName, error) {
	return &legacyName{ID: r.ID, Name: r.Name, Code: r.Code, Customer: r.IsCustomer, Supplier: r.IsSupplier}, nil
}

type legacyStore struct {
	ID               string `json:"ID"`
	NameID           string `json:"name_ID"`
	Code             string `json:"code"`
	SyncIDRemoteSite int32  `json:"sync_id_remote_site"`
}

func legacyStoreToRow(l *legacyStore) (*StoreRow, error) {
	if l.NameID == "" {
		return nil, fmt.Errorf("name_ID is required")
	}
	return &StoreRow{ID: l.ID, NameID: l.NameID, Code: l.Code, SiteID: l.SyncIDRemoteSite}, nil
}

func storeRowToLegacy(r *StoreRow) (*legacyStore, error) {
	return &legacyStore{ID: r.ID, NameID: r.NameID, Code: r.Code, SyncIDRemoteSite: r.SiteID}, nil
}

type legacyUnit struct {
	ID          string `json:"ID"`
	Units       string `json:"units"`
	Comment     string `json:"comment"`
	OrderNumber int32  `json:"order_number"`
}

func legacyUnitToRow(l *legacyUnit) (*UnitRow, error) {
	return &UnitRow{ID: l.ID, Name: l.Units, Description: emptyToNil(l.Comment), SortIndex: l.OrderNumber}, nil
}

func unitRowToLegacy(r *UnitRow) (*legacyUnit, error) {
	return &legacyUnit{ID: r.ID, Units: r.Name, Comment: nilToEmpty(r.Description), OrderNumber: r.SortIndex}, nil
}

type legacyItem struct {
	ID              string  `json:"ID"`
	ItemName        string  `json:"item_name"`
	Code            string  `json:"code"`
	UnitID          string  `json:"unit_ID"`
	TypeOf          string  `json:"type_of"`
	DefaultPackSize float64 `json:"default_pack_size"`
}

func legacyItemToRow(l *legacyItem) (*ItemRow, error) {
	var itemType string
	switch l.TypeOf {
	case "general":
		itemType = ItemTypeStock
	case "service":
		itemType = ItemTypeService
	case "non_stock":
		itemType = ItemTypeNonStock
	default:
		return nil, fmt.Errorf("unknown type_of %q", l.TypeOf)
	}
	return &ItemRow{
		ID:              l.ID,
		Name:            l.ItemName,
		Code:            l.Code,
		UnitID:          emptyToNil(l.UnitID),
		Type:            itemType,
		DefaultPackSize: l.DefaultPackSize,
	}, nil
}

func itemRowToLegacy(r *ItemRow) (*legacyItem, error) {
	typeOf := r.Type
	if typeOf == ItemTypeStock {
		typeOf = "general"
	}
	return &legacyItem{
		ID:              r.ID,
		ItemName:        r.Name,
		Code:            r.Code,
		UnitID:          nilToEmpty(r.UnitID),
		TypeOf:          typeOf,
		DefaultPackSize: r.DefaultPackSize,
	}, nil
}

type legacyLocation struct {
	ID          string `json:"ID"`
	Description string `json:"Description"`
	Code        string `json:"code"`
	Hold        bool   `json:"hold"`
	StoreID     string `json:"store_ID"`
}

func legacyLocationToRow(l *legacyLocation) (*LocationRow, error) {
	if l.StoreID == "" {
		return nil, fmt.Errorf("store_ID is required")
	}
	return &LocationRow{ID: l.ID, Name: l.Description, Code: l.Code, OnHold: l.Hold, StoreID: l.StoreID}, nil
}

func locationRowToLegacy(r *LocationRow) (*legacyLocation, error) {
	return &legacyLocation{ID: r.ID, Description: r.Name, Code: r.Code, Hold: r.OnHold, StoreID: r.StoreID}, nil
}

type legacyItemLine struct {
	ID         string  `json:"ID"`
	ItemID     string  `json:"item_ID"`
	StoreID    string  `json:"store_ID"`
	LocationID string  `json:"location_ID"`
	Batch      string  `json:"batch"`
	PackSize   float64 `json:"pack_size"`
	CostPrice  float64 `json:"cost_price"`
	SellPrice  float64 `json:"sell_price"`
	Available  float64 `json:"available"`
	Quantity   float64 `json:"quantity"`
	ExpiryDate string  `json:"expiry_date"`
	Hold       bool    `json:"hold"`
}

func legacyItemLineToRow(l *legacyItemLine) (*StockLineRow, error) {
	if l.ItemID == "" || l.StoreID == "" {
		return nil, fmt.Errorf("item_ID and store_ID are required")
	}
	if l.PackSize <= 0 {
		return nil, fmt.Errorf("pack_size must be positive, got %v", l.PackSize)
	}
	expiry, err := parseLegacyDate(l.ExpiryDate)
	if err != nil {
		return nil, err
	}
	return &StockLineRow{
		ID:                     l.ID,
		ItemID:                 l.ItemID,
		StoreID:                l.StoreID,
		LocationID:             emptyToNil(l.LocationID),
		Batch:                  emptyToNil(l.Batch),
		PackSize:               l.PackSize,
		CostPricePerPack:       l.CostPrice,
		SellPricePerPack:       l.SellPrice,
		AvailableNumberOfPacks: l.Available,
		TotalNumberOfPacks:     l.Quantity,
		ExpiryDate:             expiry,
		OnHold:                 l.Hold,
	}, nil
}

func stockLineRowToLegacy(r *StockLineRow) (*legacyItemLine, error) {
	return &legacyItemLine{
		ID:         r.ID,
		ItemID:     r.ItemID,
		StoreID:    r.StoreID,
		LocationID: nilToEmpty(r.LocationID),
		Batch:      nilToEmpty(r.Batch),
		PackSize:   r.PackSize,
		CostPrice:  r.CostPricePerPack,
		SellPrice:  r.SellPricePerPack,
		Available:  r.AvailableNumberOfPacks,
		Quantity:   r.TotalNumberOfPacks,
		ExpiryDate: formatLegacyDate(r.ExpiryDate),
		Hold:       r.OnHold,
	}, nil
}

type legacyTransact struct {
	ID         string `json:"ID"`
	NameID     string `json:"name_ID"`
	StoreID    string `json:"store_ID"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	InvoiceNum int64  `json:"invoice_num"`
	TheirRef   string `json:"their_ref"`
	Comment    string `json:"comment"`
	EntryDate  string `json:"entry_date"`
	EntryTime  int64  `json:"entry_time"` // seconds since midnight
}

var legacyInvoiceTypes = map[string]string{
	"ci": InvoiceTypeOutbound,
	"si": InvoiceTypeInbound,
	"sc": InvoiceTypeAdjustment,
}

// legacyInvoiceStatuses maps (internal type, legacy status) to the internal
// status.
var legacyInvoiceStatuses = map[string]map[string]string{
	InvoiceTypeOutbound:   {"nw": InvoiceStatusNew, "sg": InvoiceStatusNew, "cn": InvoiceStatusPicked, "fn": InvoiceStatusShipped},
	InvoiceTypeInbound:    {"nw": InvoiceStatusNew, "sg": InvoiceStatusNew, "cn": InvoiceStatusDelivered, "fn": InvoiceStatusVerified},
	InvoiceTypeAdjustment: {"nw": InvoiceStatusNew, "sg": InvoiceStatusNew, "cn": InvoiceStatusVerified, "fn": InvoiceStatusVerified},
}

func legacyTransactToRow(l *legacyTransact) (*InvoiceRow, error) {
	invoiceType, ok := legacyInvoiceTypes[l.Type]
	if !ok {
		return nil, fmt.Errorf("unknown transact type %q", l.Type)
	}
	status, ok := legacyInvoiceStatuses[invoiceType][l.Status]
	if !ok {
		return nil, fmt.Errorf("unknown transact status %q for type %q", l.Status, l.Type)
	}
	if l.NameID == "" || l.StoreID == "" {
		return nil, fmt.Errorf("name_ID and store_ID are required")
	}
	created, err := time.Parse(time.DateOnly, l.EntryDate)
	if err != nil {
		return nil, fmt.Errorf("invalid entry_date %q: %w", l.EntryDate, err)
	}
	created = created.Add(time.Duration(l.EntryTime) * time.Second).UTC()
	return &InvoiceRow{
		ID:              l.ID,
		NameID:          l.NameID,
		StoreID:         l.StoreID,
		Type:            invoiceType,
		Status:          status,
		InvoiceNumber:   l.InvoiceNum,
		TheirReference:  emptyToNil(l.TheirRef),
		Comment:         emptyToNil(l.Comment),
		CreatedDatetime: created,
	}, nil
}

func invoiceRowToLegacy(r *InvoiceRow) (*legacyTransact, error) {
	legacyType := ""
	for code, t := range legacyInvoiceTypes {
		if t == r.Type {
			legacyType = code
			break
		}
	}
	if legacyType == "" {
		return nil, fmt.Errorf("no legacy transact type for invoice type %q", r.Type)
	}
	var legacyStatus string
	switch r.Status {
	case InvoiceStatusNew:
		legacyStatus = "nw"
	case InvoiceStatusPicked, InvoiceStatusDelivered:
		legacyStatus = "cn"
	default:
		legacyStatus = "fn"
	}
	created := r.CreatedDatetime.UTC()
	midnight := time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, time.UTC)
	return &legacyTransact{
		ID:         r.ID,
		NameID:     r.NameID,
		StoreID:    r.StoreID,
		Type:       legacyType,
		Status:     legacyStatus,
		InvoiceNum: r.InvoiceNumber,
		TheirRef:   nilToEmpty(r.TheirReference),
		Comment:    nilToEmpty(r.Comment),
		EntryDate:  created.Format(time.DateOnly),
		EntryTime:  int64(created.Sub(midnight) / time.Second),
	}, nil
}

type legacyTransLine struct {
	ID            string  `json:"ID"`
	TransactionID string  `json:"transaction_ID"`
	ItemID        string  `json:"item_ID"`
	ItemLineID    string  `json:"item_line_ID"`
	Batch         string  `json:"batch"`
	PackSize      float64 `json:"pack_size"`
	Quantity      float64 `json:"quantity"` // in units, not packs
	CostPrice     float64 `json:"cost_price"`
	SellPrice     float64 `json:"sell_price"`
	Type          string  `json:"type"`
}

func legacyTransLineToRow(l *legacyTransLine) (*InvoiceLineRow, error) {
	if l.TransactionID == "" || l.ItemID == "" {
		return nil, fmt.Errorf("transaction_ID and item_ID are required")
	}
	if l.PackSize <= 0 {
		return nil, fmt.Errorf("pack_size must be positive, got %v", l.PackSize)
	}
	switch l.Type {
	case InvoiceLineStockIn, InvoiceLineStockOut, InvoiceLineService:
	default:
		return nil, fmt.Errorf("unknown trans_line type %q", l.Type)
	}
	return &InvoiceLineRow{
		ID:               l.ID,
		InvoiceID:        l.TransactionID,
		ItemID:           l.ItemID,
		StockLineID:      emptyToNil(l.ItemLineID),
		Batch:            emptyToNil(l.Batch),
		PackSize:         l.PackSize,
		NumberOfPacks:    l.Quantity / l.PackSize,
		CostPricePerPack: l.CostPrice,
		SellPricePerPack: l.SellPrice,
		Type:             l.Type,
	}, nil
}

func invoiceLineRowToLegacy(r *InvoiceLineRow) (*legacyTransLine, error) {
	return &legacyTransLine{
		ID:            r.ID,
		TransactionID: r.InvoiceID,
		ItemID:        r.ItemID,
		ItemLineID:    nilToEmpty(r.StockLineID),
		Batch:         nilToEmpty(r.Batch),
		PackSize:      r.PackSize,
		Quantity:      r.NumberOfPacks * r.PackSize,
		CostPrice:     r.CostPricePerPack,
		SellPrice:     r.SellPricePerPack,
		Type:          r.Type,
	}, nil
}
