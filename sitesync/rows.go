// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-sitesync/translator"
)

// loadRow reads a synchronized row as a column map. It returns nil when the
// row does not exist.
func (s *Store) loadRow(ctx context.Context, q queryer, table, id string) (map[string]any, error) {
	rows, err := s.query(ctx, q, fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, quoteIdent(table)), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", table, err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s/%s: %w", table, id, err)
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		// TEXT columns may come back as []byte
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, rows.Err()
}

// upsertRow inserts row or updates every column of the existing row with the
// same id. Fields without a matching column are ignored.
func (s *Store) upsertRow(ctx context.Context, q queryer, row translator.Row) error {
	table := row.TableName()
	info, err := s.tableInfo.Get(ctx, q, table)
	if err != nil {
		return err
	}

	cols, vals := translator.Columns(row)
	names := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	updates := make([]string, 0, len(cols))
	for i, col := range cols {
		if info.Column(col) == nil {
			continue
		}
		quoted := quoteIdent(col)
		names = append(names, quoted)
		args = append(args, vals[i])
		if col != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoted, quoted))
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO `,
		quoteIdent(table), strings.Join(names, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "))
	if len(updates) == 0 {
		query += `NOTHING`
	} else {
		query += `UPDATE SET ` + strings.Join(updates, ", ")
	}
	_, err = s.exec(ctx, q, query, args...)
	return err
}

// deleteRow removes a row; deleting a missing row is not an error.
func (s *Store) deleteRow(ctx context.Context, q queryer, table, id string) error {
	_, err := s.exec(ctx, q, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(table)), id)
	return err
}
