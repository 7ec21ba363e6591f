// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
)

// outgoingRecord translates one changelog row for a peer speaking format.
// A nil record means the row is not sent: it vanished after an upsert or no
// translator handles it.
func (s *Store) outgoingRecord(ctx context.Context, registry *translator.Registry, format syncmodel.Format, change syncmodel.ChangelogRow) (*syncmodel.WireRecord, error) {
	var current map[string]any
	if change.Action == syncmodel.ActionUpsert {
		row, err := s.loadRow(ctx, s.db, change.TableName, change.RecordID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			// a later delete in the changelog carries it
			s.logger.Debug("Changed row no longer exists", "table", change.TableName, "record_id", change.RecordID)
			return nil, nil
		}
		current = row
	}

	res, err := registry.TranslateOutgoing(format, change, current)
	if err != nil {
		s.logger.Warn("Cannot translate change, not sending it", "table", change.TableName,
			"record_id", change.RecordID, "cursor", change.Cursor, "error", err)
		return nil, nil
	}
	if res.Kind == translator.ResultSkip || res.Wire == nil {
		s.logger.Warn("No translator for changed table, not sending it", "table", change.TableName,
			"format", format)
		return nil, nil
	}
	return res.Wire, nil
}

// ServeChanges answers a pull from siteID: the translated changelog rows
// after req.Cursor visible to the site, at most req.BatchSize of them. Pages
// whose rows are all skipped are passed over so the site never sees an empty
// batch while rows remain. MaxCursor is the latest changelog cursor.
func (s *Store) ServeChanges(ctx context.Context, registry *translator.Registry, siteID int32, req syncmodel.PullRequest) (*syncmodel.PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.Cursor < 0 {
		return nil, fmt.Errorf("cursor must be >= 0, got %d", req.Cursor)
	}
	if req.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", req.BatchSize)
	}

	latest, err := s.LatestCursor(ctx)
	if err != nil {
		return nil, err
	}
	resp := &syncmodel.PullResponse{Records: []syncmodel.WireRecord{}, MaxCursor: latest}

	after := req.Cursor
	for len(resp.Records) == 0 {
		changes, err := s.ChangelogForSite(ctx, after, req.BatchSize, siteID, req.IsInitialised)
		if err != nil {
			return nil, fmt.Errorf("failed to read changelog for site %d: %w", siteID, err)
		}
		if len(changes) == 0 {
			break
		}
		for _, change := range changes {
			rec, err := s.outgoingRecord(ctx, registry, syncmodel.FormatStructured, change)
			if err != nil {
				return nil, fmt.Errorf("failed to prepare %s/%s: %w", change.TableName, change.RecordID, err)
			}
			if rec != nil {
				resp.Records = append(resp.Records, *rec)
			}
		}
		after = changes[len(changes)-1].Cursor
	}
	return resp, nil
}

// ReceivePush buffers a batch pushed by siteID in one transaction and
// returns the highest cursor in it. Malformed records are kept with an error
// marker and integrate as parse failures.
func (s *Store) ReceivePush(ctx context.Context, siteID int32, format syncmodel.Format, records []syncmodel.WireRecord) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	source := siteID
	rows, last := toBufferRows(records, 0, &source, format, s.logger.With("site_id", siteID))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			if err := s.bufferRecord(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to buffer push from site %d: %w", siteID, err)
	}
	return last, nil
}
