// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncmodel

import (
	"time"

	"github.com/goccy/go-json"
)

// Action is the kind of mutation carried by a changelog row or wire record.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return a == ActionUpsert || a == ActionDelete
}

// Direction selects which cursor is addressed.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// Format is the record shape spoken by a peer.
type Format string

const (
	FormatLegacy     Format = "legacy"
	FormatStructured Format = "structured"
)

// ChangelogRow is one immutable entry of the local change ledger.
type ChangelogRow struct {
	Cursor       int64     `db:"cursor"`
	TableName    string    `db:"table_name"`
	RecordID     string    `db:"record_id"`
	Action       Action    `db:"action"`
	StoreID      *string   `db:"store_id"`       // owning store, NULL for central data
	NameID       *string   `db:"name_id"`        // related name, if any
	SourceSiteID *int32    `db:"source_site_id"` // NULL for local writes
	CreatedAt    time.Time `db:"created_at"`
}

// BufferRow is a pulled record staged before integration.
type BufferRow struct {
	TableName        string          `db:"table_name" json:"table_name"`
	RecordID         string          `db:"record_id" json:"record_id"`
	Action           Action          `db:"action" json:"action"`
	Data             json.RawMessage `db:"data" json:"data,omitempty"`
	Format           Format          `db:"format" json:"format"`
	StoreID          *string         `db:"store_id" json:"store_id,omitempty"`
	NameID           *string         `db:"name_id" json:"name_id,omitempty"`
	SourceSiteID     *int32          `db:"source_site_id" json:"source_site_id,omitempty"`
	SyncCursor       int64           `db:"sync_cursor" json:"sync_cursor"` // remote cursor that delivered the row
	ReceivedAt       time.Time       `db:"received_at" json:"received_at"`
	IntegratedAt     *time.Time      `db:"integrated_at" json:"integrated_at,omitempty"`
	IntegrationError *string         `db:"integration_error" json:"integration_error,omitempty"`
	Attempts         int             `db:"attempts" json:"attempts"`
	// ReceiveError marks a record that arrived malformed or out of cursor
	// order. Such a row is never applied; a later delivery replaces it.
	ReceiveError *string `db:"receive_error" json:"receive_error,omitempty"`
}

// Cursor is the last processed position for one direction and partner.
type Cursor struct {
	Direction Direction `db:"direction" json:"direction"`
	PartnerID string    `db:"partner_id" json:"partner_id"`
	Position  int64     `db:"position" json:"position"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// WireRecord is the protocol-agnostic record exchanged with a peer.
type WireRecord struct {
	Cursor    int64           `json:"cursor"`
	TableName string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Action    Action          `json:"action"`
	StoreID   *string         `json:"store_id,omitempty"`
	NameID    *string         `json:"name_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type PullRequest struct {
	Cursor        int64 `json:"cursor"`
	BatchSize     int   `json:"batch_size"`
	IsInitialised bool  `json:"is_initialised"`
}

type PullResponse struct {
	Records   []WireRecord `json:"records"`
	MaxCursor int64        `json:"max_cursor"`
}

type PushRequest struct {
	Batch []WireRecord `json:"batch"`
}

type PushResponse struct {
	AcknowledgedCursor int64 `json:"acknowledged_cursor"`
}

// SiteStatus describes the peer as seen by the requesting site.
type SiteStatus struct {
	SiteID        int32  `json:"site_id"`         // requesting site as known by the peer
	CentralSiteID int32  `json:"central_site_id"` // the peer itself
	SyncVersion   int    `json:"sync_version"`
	ServerVersion string `json:"server_version"`
}

// SyncTable describes how the changelog is produced for one table.
// StoreExpr and NameExpr are SQL expressions with a single %s placeholder
// for the trigger row alias (NEW or OLD); empty means NULL.
type SyncTable struct {
	Name      string
	StoreExpr string
	NameExpr  string
}

// SyncLogEntry is one recorded sync cycle.
type SyncLogEntry struct {
	ID           string     `db:"id" json:"id"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	State        string     `db:"state" json:"state"`
	ErrorKind    *string    `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	Pulled       int        `db:"pulled" json:"pulled"`
	Integrated   int        `db:"integrated" json:"integrated"`
	Failed       int        `db:"failed" json:"failed"`
	Pushed       int        `db:"pushed" json:"pushed"`
}
