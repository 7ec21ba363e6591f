// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"fmt"
	"time"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// SyncState is the singleton identity and progress record of the store.
type SyncState struct {
	SiteID        *int32
	CentralSiteID *int32
	InitialisedAt *time.Time
}

// Initialised reports whether a full initial sync has completed.
func (st SyncState) Initialised() bool { return st.InitialisedAt != nil }

// State reads the sync state.
func (s *Store) State(ctx context.Context) (*SyncState, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var st SyncState
	if err := s.queryRow(ctx, s.db,
		`SELECT site_id, central_site_id, initialised_at FROM sync_state WHERE id = 1`,
	).Scan(&st.SiteID, &st.CentralSiteID, &st.InitialisedAt); err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}
	return &st, nil
}

// SaveSiteIdentity records this site's id and its partner's id as reported
// by site status.
func (s *Store) SaveSiteIdentity(ctx context.Context, siteID, centralSiteID int32) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if _, err := s.exec(ctx, s.db, `UPDATE sync_state SET site_id = ?, central_site_id = ? WHERE id = 1`,
		siteID, centralSiteID); err != nil {
		return fmt.Errorf("failed to save site identity: %w", err)
	}
	return nil
}

// markInitialised records the first complete cycle. Later calls keep the
// original timestamp.
func (s *Store) markInitialised(ctx context.Context) error {
	if _, err := s.exec(ctx, s.db, `UPDATE sync_state SET initialised_at = ? WHERE id = 1 AND initialised_at IS NULL`,
		time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark site initialised: %w", err)
	}
	return nil
}

func (s *Store) startSyncLog(ctx context.Context, id string, startedAt time.Time) error {
	if _, err := s.exec(ctx, s.db, `INSERT INTO sync_log (id, started_at, state) VALUES (?, ?, ?)`,
		id, startedAt, string(StateLockAcquired)); err != nil {
		return fmt.Errorf("failed to start sync log: %w", err)
	}
	return nil
}

func (s *Store) finishSyncLog(ctx context.Context, e syncmodel.SyncLogEntry) error {
	if _, err := s.exec(ctx, s.db, `UPDATE sync_log
		SET finished_at = ?, state = ?, error_kind = ?, error_message = ?,
			pulled = ?, integrated = ?, failed = ?, pushed = ?
		WHERE id = ?`,
		e.FinishedAt, e.State, e.ErrorKind, e.ErrorMessage, e.Pulled, e.Integrated, e.Failed, e.Pushed, e.ID); err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	return nil
}

// SyncLog returns the most recent cycles, newest first.
func (s *Store) SyncLog(ctx context.Context, limit int) ([]syncmodel.SyncLogEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, s.db, `SELECT id, started_at, finished_at, state, error_kind, error_message,
		pulled, integrated, failed, pushed
		FROM sync_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync log: %w", err)
	}
	defer rows.Close()

	var out []syncmodel.SyncLogEntry
	for rows.Next() {
		var e syncmodel.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.StartedAt, &e.FinishedAt, &e.State, &e.ErrorKind, &e.ErrorMessage,
			&e.Pulled, &e.Integrated, &e.Failed, &e.Pushed); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
