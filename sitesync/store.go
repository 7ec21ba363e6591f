// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// StoreConfig configures the local sync store.
type StoreConfig struct {
	// SyncTables receive changelog triggers. Defaults to DefaultSyncTables.
	SyncTables []syncmodel.SyncTable
	// CreateDomainTables creates the synchronized tables before installing
	// triggers. Applications that own their schema leave this off.
	CreateDomainTables bool
	// Metrics receives per-stage timings; nil disables recording.
	Metrics StageMetricsRecorder
	// LogStageTimings logs stage timings at debug level.
	LogStageTimings bool
}

// Store is the durable side of the engine: changelog, cursors, sync buffer,
// sync state and sync log, plus generic access to synchronized rows.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	logger     *slog.Logger
	config     *StoreConfig
	syncTables []syncmodel.SyncTable
	tableInfo  *TableInfoProvider

	mu     sync.RWMutex
	closed bool
}

// NewStore initializes the engine schema and changelog triggers on db.
func NewStore(ctx context.Context, db *sql.DB, dialect Dialect, config *StoreConfig, logger *slog.Logger) (*Store, error) {
	if config == nil {
		config = &StoreConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	tables := config.SyncTables
	if len(tables) == 0 {
		tables = DefaultSyncTables
	}

	s := &Store{
		db:         db,
		dialect:    dialect,
		logger:     logger,
		config:     config,
		syncTables: tables,
		tableInfo:  NewTableInfoProvider(dialect),
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize sync store: %w", err)
	}
	logger.Debug("Sync store initialized", "dialect", dialect.Name(), "sync_tables", len(tables))
	return s, nil
}

// OpenSQLite opens (or creates) a site database file and initializes it.
func OpenSQLite(ctx context.Context, path string, config *StoreConfig, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: SQLite has a single writer, and an in-memory database
	// exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s, err := NewStore(ctx, db, SQLite, config, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initializeSchemaInTx(ctx context.Context, tx *sql.Tx) error {
	for i, stmt := range s.dialect.schema() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply sync schema step %d: %w", i+1, err)
		}
	}
	if s.config.CreateDomainTables {
		if err := applyDomainSchema(ctx, tx); err != nil {
			return err
		}
		s.tableInfo.Invalidate()
	}
	return s.installChangelogTriggers(ctx, tx)
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync store has been closed")
	}
	return nil
}

// withTx runs fn in a transaction that is committed when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}
