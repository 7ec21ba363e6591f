// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mobiletoly/go-sitesync/translator"
)

// ForeignKey is one referencing column of a synchronized table.
type ForeignKey struct {
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// ForeignKeys discovers the foreign keys declared on the synchronized tables.
func (s *Store) ForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var all []ForeignKey
	for _, t := range s.syncTables {
		fks, err := s.dialect.foreignKeys(ctx, s.db, t.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to query foreign keys of %s: %w", t.Name, err)
		}
		all = append(all, fks...)
	}
	return all, nil
}

// CheckDependencyOrder returns the foreign keys whose parent table does not
// integrate before its child in registry order. Such records would fail as
// referential errors on every first attempt.
func (s *Store) CheckDependencyOrder(ctx context.Context, registry *translator.Registry) ([]ForeignKey, error) {
	fks, err := s.ForeignKeys(ctx)
	if err != nil {
		return nil, err
	}
	return orderViolations(fks, registry.Order()), nil
}

func orderViolations(fks []ForeignKey, order []string) []ForeignKey {
	rank := make(map[string]int, len(order))
	for i, table := range order {
		rank[table] = i
	}
	var out []ForeignKey
	for _, fk := range fks {
		if fk.Table == fk.RefTable {
			continue
		}
		child, ok := rank[fk.Table]
		if !ok {
			continue
		}
		parent, ok := rank[fk.RefTable]
		if !ok || parent >= child {
			out = append(out, fk)
		}
	}
	return out
}

func (sqliteDialect) foreignKeys(ctx context.Context, q queryer, table string) ([]ForeignKey, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var (
			id, seq                   int
			refTable, from            string
			to                        sql.NullString
			onUpdate, onDelete, match string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		refCol := to.String
		if !to.Valid {
			refCol = "id"
		}
		fks = append(fks, ForeignKey{Table: table, Column: from, RefTable: refTable, RefColumn: refCol})
	}
	return fks, rows.Err()
}

func (postgresDialect) foreignKeys(ctx context.Context, q queryer, table string) ([]ForeignKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kcu.column_name, kcu2.table_name, kcu2.column_name
		FROM information_schema.key_column_usage AS kcu
		JOIN information_schema.referential_constraints AS rc
			ON kcu.constraint_name = rc.constraint_name
			AND kcu.constraint_schema = rc.constraint_schema
		JOIN information_schema.key_column_usage AS kcu2
			ON rc.unique_constraint_name = kcu2.constraint_name
			AND rc.unique_constraint_schema = kcu2.constraint_schema
			AND kcu.ordinal_position = kcu2.ordinal_position
		WHERE kcu.table_schema = current_schema() AND kcu.table_name = $1
		ORDER BY kcu.constraint_name, kcu.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		fk := ForeignKey{Table: table}
		if err := rows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}
