// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mobiletoly/go-sitesync/central"
	"github.com/mobiletoly/go-sitesync/internal/config"
	"github.com/mobiletoly/go-sitesync/sitesync"
	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
	"github.com/mobiletoly/go-sitesync/wire"
)

// app is the state shared by commands: configuration, logger and an open
// store.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *sitesync.Store
	registry *translator.Registry
	close    func() error
}

func loadConfig(opts *RootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.Log, os.Stderr), nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// openApp loads configuration and opens the store it names. metrics may be
// nil.
func openApp(ctx context.Context, opts *RootOptions, metrics sitesync.StageMetricsRecorder) (*app, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	registry, err := translator.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to build translator registry: %w", err)
	}

	storeConfig := &sitesync.StoreConfig{
		CreateDomainTables: cfg.Database.CreateDomainTables,
		Metrics:            metrics,
		LogStageTimings:    cfg.Sync.LogStageTimings,
	}
	a := &app{cfg: cfg, logger: logger, registry: registry}

	switch cfg.Database.Driver {
	case "postgres":
		db, err := central.OpenPostgres(ctx, central.PostgresConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		}, storeConfig, logger)
		if err != nil {
			return nil, err
		}
		a.store, a.close = db.Store, db.Close
	default:
		store, err := sitesync.OpenSQLite(ctx, cfg.Database.Path, storeConfig, logger)
		if err != nil {
			return nil, err
		}
		a.store, a.close = store, store.Close
	}

	violations, err := a.store.CheckDependencyOrder(ctx, registry)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	for _, fk := range violations {
		logger.Warn("Referenced table does not integrate before its child",
			"table", fk.Table, "column", fk.Column, "ref_table", fk.RefTable)
	}
	return a, nil
}

func (a *app) Close() error {
	return a.close()
}

// newClient builds the wire client for the configured partner.
func (a *app) newClient() (wire.Client, int) {
	sc := a.cfg.Sync
	transport := wire.TransportConfig{
		BaseURL:         sc.BaseURL,
		Timeout:         sc.Timeout,
		RateLimit:       sc.RateLimit,
		RateBurst:       sc.RateBurst,
		BreakerFailures: sc.BreakerFailures,
		BreakerTimeout:  sc.BreakerTimeout,
		AppVersion:      sc.AppVersion,
	}
	creds := wire.Credentials{
		SiteID:     sc.SiteID,
		SiteName:   sc.SiteName,
		Password:   sc.Password,
		HardwareID: sc.HardwareID,
	}
	logger := a.logger.With("partner_id", sc.PartnerID)
	if syncmodel.Format(sc.Format) == syncmodel.FormatLegacy {
		return wire.NewLegacyClient(transport, creds, logger), wire.LegacyVersion
	}
	return wire.NewStructuredClient(transport, creds, logger), wire.StructuredVersion
}

// newDriver builds a driver for the configured partner. A central server
// without an upstream has nothing to drive.
func (a *app) newDriver() (*sitesync.Driver, error) {
	if a.cfg.Sync.BaseURL == "" {
		return nil, errors.New("sync.base_url is not configured")
	}
	client, version := a.newClient()

	dc := sitesync.DefaultDriverConfig(a.cfg.Sync.PartnerID, version)
	if a.cfg.Role == "central" {
		dc.Role = sitesync.RoleCentral
	}
	dc.BatchSize = a.cfg.Sync.BatchSize
	dc.MaxAttempts = a.cfg.Sync.MaxAttempts
	dc.BackoffMin = a.cfg.Sync.BackoffMin
	dc.BackoffMax = a.cfg.Sync.BackoffMax
	dc.LockPath = a.cfg.Sync.LockPath

	return sitesync.NewDriver(a.store, client, a.registry, dc, a.logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
