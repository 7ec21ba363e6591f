// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
	"github.com/mobiletoly/go-sitesync/wire"
)

// PushReport summarizes a push run.
type PushReport struct {
	Batches int   `json:"batches"`
	Sent    int   `json:"sent"`
	Skipped int   `json:"skipped"`
	Cursor  int64 `json:"cursor"`
}

// Pusher sends local changelog rows to a peer.
type Pusher struct {
	store     *Store
	client    wire.Client
	registry  *translator.Registry
	partnerID string
	logger    *slog.Logger
}

func NewPusher(store *Store, client wire.Client, registry *translator.Registry, partnerID string, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = store.logger
	}
	return &Pusher{store: store, client: client, registry: registry, partnerID: partnerID, logger: logger}
}

// Push sends batches from the stored push cursor until the changelog is
// exhausted.
func (p *Pusher) Push(ctx context.Context, batchSize int) (*PushReport, error) {
	if err := p.store.checkClosed(); err != nil {
		return nil, err
	}
	cursor, err := p.store.Cursor(ctx, syncmodel.DirectionPush, p.partnerID)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "push", err)
	}
	state, err := p.store.State(ctx)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "push", err)
	}
	var partnerSite *int32
	if state != nil {
		partnerSite = state.CentralSiteID
	}

	report := &PushReport{Cursor: cursor}
	for {
		batch, err := p.PushBatch(ctx, report.Cursor, batchSize, partnerSite)
		if err != nil {
			return report, err
		}
		if batch.Cursor == report.Cursor {
			return report, nil
		}
		report.Batches++
		report.Sent += batch.Sent
		report.Skipped += batch.Skipped
		report.Cursor = batch.Cursor
	}
}

// PushBatch sends the changelog rows after since and returns the new push
// cursor. The cursor moves only as far as the peer acknowledged.
func (p *Pusher) PushBatch(ctx context.Context, since int64, batchSize int, partnerSite *int32) (*PushReport, error) {
	stages := p.store.stages()
	report := &PushReport{Cursor: since}

	start := stages.start()
	changes, err := p.store.changelogAfter(ctx, p.store.db, since, batchSize, partnerSite)
	if err != nil {
		stages.observe(ctx, MetricsOpPush, MetricsStagePushCollect, start, 0, 1, true)
		return nil, syncmodel.NewError(syncmodel.KindStorage, "push", err)
	}
	if len(changes) == 0 {
		stages.observe(ctx, MetricsOpPush, MetricsStagePushCollect, start, 0, 1, false)
		return report, nil
	}

	records := make([]syncmodel.WireRecord, 0, len(changes))
	for _, change := range changes {
		rec, err := p.store.outgoingRecord(ctx, p.registry, p.client.Format(), change)
		if err != nil {
			return nil, syncmodel.NewError(syncmodel.KindStorage, "push", err)
		}
		if rec == nil {
			report.Skipped++
			continue
		}
		records = append(records, *rec)
	}
	stages.observe(ctx, MetricsOpPush, MetricsStagePushCollect, start, len(records), 1, false)

	last := changes[len(changes)-1].Cursor
	// A batch with every row skipped has nothing for the peer to acknowledge.
	next := last
	if len(records) > 0 {
		start = stages.start()
		resp, err := p.client.Push(ctx, syncmodel.PushRequest{Batch: records})
		stages.observe(ctx, MetricsOpPush, MetricsStagePushSend, start, len(records), 1, err != nil)
		if err != nil {
			return nil, err
		}
		next, err = acknowledgedPosition(resp, records, last)
		if err != nil {
			return nil, err
		}
		if next < last {
			p.logger.Info("Peer acknowledged part of the batch", "partner_id", p.partnerID,
				"acknowledged", resp.AcknowledgedCursor, "last", last)
		}
	}

	start = stages.start()
	err = p.store.withTx(ctx, func(tx *sql.Tx) error {
		return p.store.advanceCursor(ctx, tx, syncmodel.DirectionPush, p.partnerID, next)
	})
	stages.observe(ctx, MetricsOpPush, MetricsStagePushAck, start, len(records), 1, err != nil)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "push", err)
	}

	for _, rec := range records {
		if rec.Cursor <= next {
			report.Sent++
		}
	}
	report.Cursor = next
	p.logger.Debug("Pushed batch", "partner_id", p.partnerID, "sent", report.Sent,
		"skipped", report.Skipped, "cursor", next)
	return report, nil
}

// acknowledgedPosition returns the new push cursor for an acknowledgement.
// Acknowledging the last sent record covers trailing rows that were not
// sent; a lower acknowledgement is a prefix.
func acknowledgedPosition(resp *syncmodel.PushResponse, records []syncmodel.WireRecord, last int64) (int64, error) {
	if resp == nil {
		return 0, syncmodel.NewError(syncmodel.KindProtocol, "push", fmt.Errorf("empty acknowledgement"))
	}
	ack := resp.AcknowledgedCursor
	first := records[0].Cursor
	lastSent := records[len(records)-1].Cursor
	switch {
	case ack < first:
		return 0, syncmodel.NewError(syncmodel.KindProtocol, "push",
			fmt.Errorf("acknowledged cursor %d is below the batch start %d", ack, first))
	case ack >= lastSent:
		return last, nil
	default:
		return ack, nil
	}
}
