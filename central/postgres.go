// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package central

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/mobiletoly/go-sitesync/sitesync"
)

// PostgresConfig configures the central database pool.
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Database is the central store together with the pool it runs on.
type Database struct {
	Store *sitesync.Store
	Pool  *pgxpool.Pool
}

// Close closes the store and then the pool.
func (d *Database) Close() error {
	err := d.Store.Close()
	d.Pool.Close()
	return err
}

// OpenPostgres connects to the central database and initializes the sync
// schema, the synchronized tables and their changelog triggers.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, storeConfig *sitesync.StoreConfig, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if storeConfig == nil {
		storeConfig = &sitesync.StoreConfig{CreateDomainTables: true}
	}
	store, err := sitesync.NewStore(ctx, stdlib.OpenDBFromPool(pool), sitesync.Postgres, storeConfig, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("Central database ready", "max_conns", poolConfig.MaxConns)
	return &Database{Store: store, Pool: pool}, nil
}
