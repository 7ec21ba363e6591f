// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// Dialect isolates the SQL differences between the SQLite site store and the
// Postgres central store. Queries are written with ? placeholders.
type Dialect interface {
	Name() string
	Rebind(query string) string
	IsForeignKeyViolation(err error) bool
	// IsRetryable reports transient storage failures (busy database,
	// serialization failures, deadlocks) worth retrying the phase for.
	IsRetryable(err error) bool

	schema() []string
	changelogTriggers(t syncmodel.SyncTable) ([]string, error)
	setApplySource(ctx context.Context, tx *sql.Tx, siteID *int32) error
	describeTable(ctx context.Context, q queryer, table string) ([]ColumnInfo, error)
	foreignKeys(ctx context.Context, q queryer, table string) ([]ForeignKey, error)
}

var (
	SQLite   Dialect = sqliteDialect{}
	Postgres Dialect = postgresDialect{}
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return "sqlite3" }
func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) IsForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func (sqliteDialect) IsRetryable(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func (sqliteDialect) schema() []string {
	return append([]string{
		`CREATE TABLE IF NOT EXISTS changelog (
			cursor INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			action TEXT NOT NULL CHECK (action IN ('upsert', 'delete')),
			store_id TEXT,
			name_id TEXT,
			source_site_id INTEGER,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}, commonSchema...)
}

func (sqliteDialect) changelogTriggers(t syncmodel.SyncTable) ([]string, error) {
	return renderTriggers(sqliteTriggerTemplates, t)
}

func (sqliteDialect) setApplySource(ctx context.Context, tx *sql.Tx, siteID *int32) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sync_state SET apply_source_site_id = ? WHERE id = 1`, siteID); err != nil {
		return fmt.Errorf("failed to set apply source: %w", err)
	}
	return nil
}

func (sqliteDialect) describeTable(ctx context.Context, q queryer, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			cid       int
			col       ColumnInfo
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &col.Name, &col.DeclaredType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		col.NotNull = notNull != 0
		col.IsPrimaryKey = pk > 0
		if dfltValue.Valid {
			col.DefaultValue = &dfltValue.String
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

// Rebind turns ? placeholders into $n. Queries in this package never carry
// a literal question mark.
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (postgresDialect) IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

func (postgresDialect) schema() []string {
	return append([]string{
		`CREATE TABLE IF NOT EXISTS changelog (
			cursor BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			action TEXT NOT NULL CHECK (action IN ('upsert', 'delete')),
			store_id TEXT,
			name_id TEXT,
			source_site_id INTEGER,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}, commonSchema...)
}

func (postgresDialect) changelogTriggers(t syncmodel.SyncTable) ([]string, error) {
	return renderTriggers(postgresTriggerTemplates, t)
}

func (postgresDialect) setApplySource(ctx context.Context, tx *sql.Tx, siteID *int32) error {
	value := ""
	if siteID != nil {
		value = strconv.Itoa(int(*siteID))
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('sitesync.source_site_id', $1, true)`, value); err != nil {
		return fmt.Errorf("failed to set apply source: %w", err)
	}
	return nil
}

func (postgresDialect) describeTable(ctx context.Context, q queryer, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'NO', c.column_default,
		       EXISTS (
		           SELECT 1 FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage k
		             ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
		           WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = c.table_schema
		             AND tc.table_name = c.table_name AND k.column_name = c.column_name)
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			col       ColumnInfo
			dfltValue sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.DeclaredType, &col.NotNull, &dfltValue, &col.IsPrimaryKey); err != nil {
			return nil, err
		}
		if dfltValue.Valid {
			col.DefaultValue = &dfltValue.String
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// commonSchema is valid for both dialects.
var commonSchema = []string{
	`CREATE INDEX IF NOT EXISTS changelog_record_idx ON changelog (table_name, record_id)`,
	`CREATE TABLE IF NOT EXISTS sync_buffer (
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		action TEXT NOT NULL,
		data TEXT,
		format TEXT NOT NULL,
		store_id TEXT,
		name_id TEXT,
		source_site_id INTEGER,
		sync_cursor BIGINT NOT NULL DEFAULT 0,
		received_at TIMESTAMP NOT NULL,
		integrated_at TIMESTAMP,
		integration_error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		receive_error TEXT,
		PRIMARY KEY (table_name, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS sync_buffer_pending_idx ON sync_buffer (integrated_at, received_at)`,
	`CREATE TABLE IF NOT EXISTS sync_cursor (
		direction TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		position BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (direction, partner_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		site_id INTEGER,
		central_site_id INTEGER,
		initialised_at TIMESTAMP,
		apply_source_site_id INTEGER
	)`,
	`INSERT INTO sync_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS sync_log (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		state TEXT NOT NULL,
		error_kind TEXT,
		error_message TEXT,
		pulled INTEGER NOT NULL DEFAULT 0,
		integrated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		pushed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS sync_log_started_idx ON sync_log (started_at)`,
}
