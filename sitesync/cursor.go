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

// Cursor returns the position for direction and partner, 0 if none was
// stored yet.
func (s *Store) Cursor(ctx context.Context, direction syncmodel.Direction, partnerID string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	return s.cursor(ctx, s.db, direction, partnerID)
}

func (s *Store) cursor(ctx context.Context, q queryer, direction syncmodel.Direction, partnerID string) (int64, error) {
	var position int64
	err := s.queryRow(ctx, q,
		`SELECT position FROM sync_cursor WHERE direction = ? AND partner_id = ?`,
		string(direction), partnerID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s cursor for %s: %w", direction, partnerID, err)
	}
	return position, nil
}

// advanceCursor moves the cursor forward inside the caller's transaction.
// A position at or below the stored one leaves the row untouched.
func (s *Store) advanceCursor(ctx context.Context, q queryer, direction syncmodel.Direction, partnerID string, position int64) error {
	_, err := s.exec(ctx, q, `
		INSERT INTO sync_cursor (direction, partner_id, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (direction, partner_id) DO UPDATE
		SET position = excluded.position, updated_at = excluded.updated_at
		WHERE excluded.position > sync_cursor.position`,
		string(direction), partnerID, position, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance %s cursor for %s: %w", direction, partnerID, err)
	}
	return nil
}

// ResetCursor sets a cursor to position, moving it backwards if needed. It
// is an administrative operation: rewinding the pull cursor re-fetches
// records, rewinding the push cursor re-sends changes.
func (s *Store) ResetCursor(ctx context.Context, direction syncmodel.Direction, partnerID string, position int64) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if direction != syncmodel.DirectionPull && direction != syncmodel.DirectionPush {
		return fmt.Errorf("invalid cursor direction %q", direction)
	}
	if position < 0 {
		return fmt.Errorf("invalid cursor position %d", position)
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO sync_cursor (direction, partner_id, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (direction, partner_id) DO UPDATE
		SET position = excluded.position, updated_at = excluded.updated_at`,
		string(direction), partnerID, position, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset %s cursor for %s: %w", direction, partnerID, err)
	}
	s.logger.Warn("Cursor reset by operator", "direction", direction, "partner_id", partnerID, "position", position)
	return nil
}

// Cursors lists every stored cursor.
func (s *Store) Cursors(ctx context.Context) ([]syncmodel.Cursor, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, s.db,
		`SELECT direction, partner_id, position, updated_at FROM sync_cursor ORDER BY partner_id, direction`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []syncmodel.Cursor
	for rows.Next() {
		var c syncmodel.Cursor
		var direction string
		if err := rows.Scan(&direction, &c.PartnerID, &c.Position, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		c.Direction = syncmodel.Direction(direction)
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}
