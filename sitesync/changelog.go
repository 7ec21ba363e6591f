// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

const changelogColumns = `c.cursor, c.table_name, c.record_id, c.action, c.store_id, c.name_id, c.source_site_id, c.created_at`

// changelogAfter reads changelog rows above after in cursor order, leaving
// out rows that partnerSiteID itself produced.
func (s *Store) changelogAfter(ctx context.Context, q queryer, after int64, limit int, partnerSiteID *int32) ([]syncmodel.ChangelogRow, error) {
	query := `SELECT ` + changelogColumns + ` FROM changelog c WHERE c.cursor > ?`
	args := []any{after}
	if partnerSiteID != nil {
		query += ` AND (c.source_site_id IS NULL OR c.source_site_id <> ?)`
		args = append(args, *partnerSiteID)
	}
	query += ` ORDER BY c.cursor LIMIT ?`
	args = append(args, limit)
	return s.scanChangelog(ctx, q, query, args...)
}

// ChangelogForSite reads the changelog rows a central serves to siteID:
// central data and data of stores owned by the site. Once the site is
// initialised, rows the site pushed itself are left out.
func (s *Store) ChangelogForSite(ctx context.Context, after int64, limit int, siteID int32, initialised bool) ([]syncmodel.ChangelogRow, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	query := `SELECT ` + changelogColumns + ` FROM changelog c
		WHERE c.cursor > ?
		AND (c.store_id IS NULL OR c.store_id IN (SELECT id FROM store WHERE site_id = ?))`
	args := []any{after, siteID}
	if initialised {
		query += ` AND (c.source_site_id IS NULL OR c.source_site_id <> ?)`
		args = append(args, siteID)
	}
	query += ` ORDER BY c.cursor LIMIT ?`
	args = append(args, limit)
	return s.scanChangelog(ctx, s.db, query, args...)
}

// LatestCursor returns the highest changelog cursor, 0 for an empty
// changelog.
func (s *Store) LatestCursor(ctx context.Context) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	var latest int64
	if err := s.queryRow(ctx, s.db, `SELECT COALESCE(MAX(cursor), 0) FROM changelog`).Scan(&latest); err != nil {
		return 0, fmt.Errorf("failed to read latest changelog cursor: %w", err)
	}
	return latest, nil
}

func (s *Store) scanChangelog(ctx context.Context, q queryer, query string, args ...any) ([]syncmodel.ChangelogRow, error) {
	rows, err := s.query(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read changelog: %w", err)
	}
	defer rows.Close()

	var out []syncmodel.ChangelogRow
	for rows.Next() {
		var (
			c      syncmodel.ChangelogRow
			action string
		)
		if err := rows.Scan(&c.Cursor, &c.TableName, &c.RecordID, &action, &c.StoreID, &c.NameID, &c.SourceSiteID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan changelog row: %w", err)
		}
		c.Action = syncmodel.Action(action)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changelog: %w", err)
	}
	return out, nil
}
