// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/mobiletoly/go-sitesync/central"
	"github.com/mobiletoly/go-sitesync/sitesync"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduled synchroniser and HTTP endpoints",
		Long: `Run sitesync as a long-lived process.

A remote site runs the sync scheduler and, when http.listen_addr is set,
serves /healthz and /metrics. A central server serves the sync and operator
APIs, and also drives an upstream partner when sync.base_url is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServices(ctx, rootOpts)
		},
	}
}

func runServices(ctx context.Context, opts *RootOptions) error {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := openApp(ctx, opts, sitesync.NewPrometheusRecorder(promRegistry))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("Failed to close store", "error", err)
		}
	}()

	supervisor := suture.New("sitesync", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: a.logger}).MustHook(),
		Timeout:   a.cfg.HTTP.ShutdownTimeout,
	})

	if a.cfg.Sync.BaseURL != "" {
		driver, err := a.newDriver()
		if err != nil {
			return err
		}
		scheduler, err := sitesync.NewScheduler(driver, a.cfg.Sync.Schedule, a.cfg.Sync.RunOnStart, a.logger)
		if err != nil {
			return err
		}
		supervisor.Add(scheduler)
	}

	handler, server, err := a.httpHandler(ctx, promRegistry)
	if err != nil {
		return err
	}
	if server != nil && a.cfg.Central.RetryInterval > 0 {
		supervisor.Add(central.NewRetryService(server, a.cfg.Central.RetryInterval, a.logger))
	}
	if handler != nil {
		supervisor.Add(newHTTPService(&http.Server{
			Addr:         a.cfg.HTTP.ListenAddr,
			Handler:      handler,
			ReadTimeout:  a.cfg.HTTP.ReadTimeout,
			WriteTimeout: a.cfg.HTTP.WriteTimeout,
		}, a.cfg.HTTP.ShutdownTimeout))
	}

	a.logger.Info("Starting sitesync", "role", a.cfg.Role, "listen_addr", a.cfg.HTTP.ListenAddr, "partner_id", a.cfg.Sync.PartnerID)
	if err := supervisor.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}
	a.logger.Info("Stopped sitesync")
	return nil
}

// httpHandler returns the central API and its server for a central, a
// metrics and health router for a remote site with a listener, and nil
// otherwise.
func (a *app) httpHandler(ctx context.Context, promRegistry *prometheus.Registry) (http.Handler, *central.Server, error) {
	if a.cfg.Role == "central" {
		sites, err := central.NewSiteRegistry(ctx, a.store, a.cfg.Central.BcryptCost, a.logger)
		if err != nil {
			return nil, nil, err
		}
		serverConfig := central.DefaultConfig(a.cfg.Central.SiteID)
		serverConfig.MaxBatchSize = a.cfg.Central.MaxBatchSize
		serverConfig.RateLimitRequests = a.cfg.Central.RateLimitRequests
		serverConfig.RateLimitWindow = a.cfg.Central.RateLimitWindow
		serverConfig.ServerVersion = a.cfg.Sync.AppVersion
		serverConfig.Registerer = promRegistry
		serverConfig.Gatherer = promRegistry
		server, err := central.NewServer(a.store, sites, a.registry,
			central.NewAdminAuth(a.cfg.Central.JWTSecret, a.logger), serverConfig, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return server.Handler(), server, nil
	}

	if a.cfg.HTTP.ListenAddr == "" {
		return nil, nil, nil
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	return r, nil, nil
}
