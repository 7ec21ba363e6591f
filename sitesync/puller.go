// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/wire"
)

// malformedIDPrefix names buffer rows received without a record id.
const malformedIDPrefix = "malformed:"

// PullReport summarizes a pull run.
type PullReport struct {
	Batches   int   `json:"batches"`
	Records   int   `json:"records"`
	Malformed int   `json:"malformed"`
	Cursor    int64 `json:"cursor"`
}

// Puller fetches records from a peer into the sync buffer.
type Puller struct {
	store     *Store
	client    wire.Client
	partnerID string
	logger    *slog.Logger
}

func NewPuller(store *Store, client wire.Client, partnerID string, logger *slog.Logger) *Puller {
	if logger == nil {
		logger = store.logger
	}
	return &Puller{store: store, client: client, partnerID: partnerID, logger: logger}
}

// Pull fetches batches from the stored pull cursor until the peer returns
// an empty batch.
func (p *Puller) Pull(ctx context.Context, batchSize int) (*PullReport, error) {
	if err := p.store.checkClosed(); err != nil {
		return nil, err
	}
	cursor, err := p.store.Cursor(ctx, syncmodel.DirectionPull, p.partnerID)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "pull", err)
	}
	state, err := p.store.State(ctx)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "pull", err)
	}

	report := &PullReport{Cursor: cursor}
	for {
		batch, err := p.PullBatch(ctx, report.Cursor, batchSize, state)
		if err != nil {
			return report, err
		}
		if batch.Records == 0 {
			return report, nil
		}
		report.Batches++
		report.Records += batch.Records
		report.Malformed += batch.Malformed
		report.Cursor = batch.Cursor
	}
}

// PullBatch fetches one batch after cursor, buffers it and advances the pull
// cursor in the same transaction. The network call happens before the
// transaction starts.
func (p *Puller) PullBatch(ctx context.Context, cursor int64, batchSize int, state *SyncState) (*PullReport, error) {
	stages := p.store.stages()
	initialised := state != nil && state.Initialised()

	start := stages.start()
	resp, err := p.client.Pull(ctx, syncmodel.PullRequest{
		Cursor:        cursor,
		BatchSize:     batchSize,
		IsInitialised: initialised,
	})
	if err != nil {
		stages.observe(ctx, MetricsOpPull, MetricsStagePullFetch, start, 0, 1, true)
		return nil, err
	}
	stages.observe(ctx, MetricsOpPull, MetricsStagePullFetch, start, len(resp.Records), 1, false)

	report := &PullReport{Cursor: cursor}
	if len(resp.Records) == 0 {
		return report, nil
	}

	var source *int32
	if state != nil {
		source = state.CentralSiteID
	}
	rows, maxCursor := toBufferRows(resp.Records, cursor, source, p.client.Format(),
		p.logger.With("partner_id", p.partnerID))
	if maxCursor <= cursor {
		return nil, syncmodel.NewError(syncmodel.KindProtocol, "pull",
			fmt.Errorf("batch of %d records does not advance cursor %d", len(resp.Records), cursor))
	}

	start = stages.start()
	err = p.store.withTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			if err := p.store.bufferRecord(ctx, tx, row); err != nil {
				return err
			}
		}
		return p.store.advanceCursor(ctx, tx, syncmodel.DirectionPull, p.partnerID, maxCursor)
	})
	stages.observe(ctx, MetricsOpPull, MetricsStagePullBuffer, start, len(rows), 1, err != nil)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "pull", err)
	}

	for _, row := range rows {
		if row.ReceiveError != nil {
			report.Malformed++
		}
	}
	report.Records = len(rows)
	report.Cursor = maxCursor
	p.logger.Debug("Pulled batch", "partner_id", p.partnerID, "records", report.Records,
		"malformed", report.Malformed, "cursor", maxCursor)
	return report, nil
}

// toBufferRows converts a batch into buffer rows. Records that are malformed
// or out of cursor order are kept with an error marker so integration
// reports them.
func toBufferRows(records []syncmodel.WireRecord, cursor int64, source *int32, format syncmodel.Format, logger *slog.Logger) ([]syncmodel.BufferRow, int64) {
	receivedAt := time.Now().UTC()

	rows := make([]syncmodel.BufferRow, 0, len(records))
	last := cursor
	for _, rec := range records {
		row := syncmodel.BufferRow{
			TableName:    rec.TableName,
			RecordID:     rec.RecordID,
			Action:       rec.Action,
			Data:         rec.Data,
			Format:       format,
			StoreID:      rec.StoreID,
			NameID:       rec.NameID,
			SourceSiteID: source,
			SyncCursor:   rec.Cursor,
			ReceivedAt:   receivedAt,
		}

		var problem string
		switch {
		case rec.RecordID == "":
			row.RecordID = fmt.Sprintf("%s%d", malformedIDPrefix, rec.Cursor)
			problem = "missing record id"
		case rec.TableName == "":
			problem = "missing table name"
		case !rec.Action.Valid():
			problem = fmt.Sprintf("invalid action %q", rec.Action)
		case rec.Cursor <= last:
			problem = fmt.Sprintf("cursor %d does not follow %d", rec.Cursor, last)
		}
		if problem != "" {
			row.ReceiveError = &problem
			row.IntegrationError = &problem
			logger.Warn("Received malformed record", "table", rec.TableName,
				"record_id", rec.RecordID, "cursor", rec.Cursor, "problem", problem)
		}

		if rec.Cursor > last {
			last = rec.Cursor
		}
		rows = append(rows, row)
	}
	return rows, last
}
