// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

var ErrBufferRowNotFound = errors.New("sync buffer row not found")

const bufferColumns = `table_name, record_id, action, data, format, store_id, name_id, source_site_id,
	sync_cursor, received_at, integrated_at, integration_error, attempts, receive_error`

// bufferRecord stores a received record. A record already in the buffer is
// overwritten and becomes pending again; attempts are kept. An older delivery
// from the same source never replaces a pending row.
func (s *Store) bufferRecord(ctx context.Context, q queryer, row syncmodel.BufferRow) error {
	var data any
	if len(row.Data) > 0 {
		data = string(row.Data)
	}
	receivedAt := row.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, q, `
		INSERT INTO sync_buffer (table_name, record_id, action, data, format, store_id, name_id,
			source_site_id, sync_cursor, received_at, integrated_at, integration_error, attempts, receive_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, 0, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			action = excluded.action,
			data = excluded.data,
			format = excluded.format,
			store_id = excluded.store_id,
			name_id = excluded.name_id,
			source_site_id = excluded.source_site_id,
			sync_cursor = excluded.sync_cursor,
			received_at = excluded.received_at,
			integrated_at = NULL,
			integration_error = excluded.integration_error,
			receive_error = excluded.receive_error
		WHERE sync_buffer.integrated_at IS NOT NULL
			OR excluded.sync_cursor >= sync_buffer.sync_cursor
			OR excluded.source_site_id IS DISTINCT FROM sync_buffer.source_site_id`,
		row.TableName, row.RecordID, string(row.Action), data, string(row.Format), row.StoreID, row.NameID,
		row.SourceSiteID, row.SyncCursor, receivedAt, row.IntegrationError, row.ReceiveError)
	if err != nil {
		return fmt.Errorf("failed to buffer %s/%s: %w", row.TableName, row.RecordID, err)
	}
	return nil
}

// PendingBuffer returns rows not integrated yet, oldest first. Rows that
// failed before stay pending and are returned again. A non-nil source
// restricts the result to rows received from that site.
func (s *Store) PendingBuffer(ctx context.Context, source *int32) ([]syncmodel.BufferRow, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	return s.pendingBuffer(ctx, s.db, source)
}

func (s *Store) pendingBuffer(ctx context.Context, q queryer, source *int32) ([]syncmodel.BufferRow, error) {
	query := `SELECT ` + bufferColumns + ` FROM sync_buffer WHERE integrated_at IS NULL`
	var args []any
	if source != nil {
		query += ` AND source_site_id = ?`
		args = append(args, *source)
	}
	query += ` ORDER BY received_at, sync_cursor`
	return s.scanBuffer(ctx, q, query, args...)
}

// BufferFailures returns pending rows whose last integration attempt failed.
func (s *Store) BufferFailures(ctx context.Context, limit int) ([]syncmodel.BufferRow, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return s.scanBuffer(ctx, s.db, `SELECT `+bufferColumns+` FROM sync_buffer
		WHERE integrated_at IS NULL AND integration_error IS NOT NULL
		ORDER BY received_at, sync_cursor LIMIT ?`, limit)
}

// BufferRow returns one buffered record.
func (s *Store) BufferRow(ctx context.Context, table, recordID string) (*syncmodel.BufferRow, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.scanBuffer(ctx, s.db, `SELECT `+bufferColumns+` FROM sync_buffer
		WHERE table_name = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrBufferRowNotFound, table, recordID)
	}
	return &rows[0], nil
}

// SkipBufferRow marks a failed row as handled without applying it. The
// failure reason is kept for the audit trail.
func (s *Store) SkipBufferRow(ctx context.Context, table, recordID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db, `UPDATE sync_buffer
		SET integrated_at = ?, integration_error = COALESCE(integration_error, '') || ' (skipped)'
		WHERE table_name = ? AND record_id = ? AND integrated_at IS NULL`,
		time.Now().UTC(), table, recordID)
	if err != nil {
		return fmt.Errorf("failed to skip %s/%s: %w", table, recordID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrBufferRowNotFound, table, recordID)
	}
	s.logger.Warn("Buffer row skipped by operator", "table", table, "record_id", recordID)
	return nil
}

func (s *Store) markIntegrated(ctx context.Context, q queryer, table, recordID string, at time.Time) error {
	if _, err := s.exec(ctx, q, `UPDATE sync_buffer SET integrated_at = ?, integration_error = NULL
		WHERE table_name = ? AND record_id = ?`, at, table, recordID); err != nil {
		return fmt.Errorf("failed to mark %s/%s integrated: %w", table, recordID, err)
	}
	return nil
}

func (s *Store) markFailed(ctx context.Context, q queryer, table, recordID, reason string) error {
	if _, err := s.exec(ctx, q, `UPDATE sync_buffer SET integration_error = ?, attempts = attempts + 1
		WHERE table_name = ? AND record_id = ?`, reason, table, recordID); err != nil {
		return fmt.Errorf("failed to mark %s/%s failed: %w", table, recordID, err)
	}
	return nil
}

func (s *Store) scanBuffer(ctx context.Context, q queryer, query string, args ...any) ([]syncmodel.BufferRow, error) {
	rows, err := s.query(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync buffer: %w", err)
	}
	defer rows.Close()

	var out []syncmodel.BufferRow
	for rows.Next() {
		var (
			r              syncmodel.BufferRow
			action, format string
			data           sql.NullString
		)
		if err := rows.Scan(&r.TableName, &r.RecordID, &action, &data, &format, &r.StoreID, &r.NameID,
			&r.SourceSiteID, &r.SyncCursor, &r.ReceivedAt, &r.IntegratedAt, &r.IntegrationError, &r.Attempts, &r.ReceiveError); err != nil {
			return nil, fmt.Errorf("failed to scan sync buffer row: %w", err)
		}
		r.Action = syncmodel.Action(action)
		r.Format = syncmodel.Format(format)
		if data.Valid {
			r.Data = []byte(data.String)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync buffer: %w", err)
	}
	return out, nil
}
