// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package central

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mobiletoly/go-sitesync/internal/auth"
	"github.com/mobiletoly/go-sitesync/sitesync"
	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
	"github.com/mobiletoly/go-sitesync/wire"
)

const maxRequestBytes = 32 << 20

// Config configures the central server.
type Config struct {
	// CentralSiteID is the site id of this server, reported in site status
	// and used by remote sites to recognize central changes.
	CentralSiteID  int32 `validate:"required,gt=0"`
	ServerVersion  string
	MinSyncVersion int `validate:"gte=1"`
	MaxSyncVersion int `validate:"gtefield=MinSyncVersion"`
	// MaxBatchSize caps the records served per pull.
	MaxBatchSize int `validate:"gte=1"`
	// RateLimitRequests per RateLimitWindow and client IP on the sync
	// endpoints; 0 disables limiting.
	RateLimitRequests int           `validate:"gte=0"`
	RateLimitWindow   time.Duration `validate:"required_with=RateLimitRequests"`
	// Registerer receives the server metrics; Gatherer backs /metrics.
	// Both default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// DefaultConfig returns the configuration for a v6 central.
func DefaultConfig(centralSiteID int32) *Config {
	return &Config{
		CentralSiteID:  centralSiteID,
		ServerVersion:  "dev",
		MinSyncVersion: wire.StructuredVersion,
		MaxSyncVersion: wire.StructuredVersion,
		MaxBatchSize:   1000,
	}
}

// Server serves the structured sync protocol to remote sites and the
// operator admin API.
type Server struct {
	store      *sitesync.Store
	sites      *SiteRegistry
	registry   *translator.Registry
	integrator *sitesync.Integrator
	admin      *AdminAuth
	config     *Config
	validate   *validator.Validate
	logger     *slog.Logger

	// pushes from different sites integrate one at a time
	pushMu sync.Mutex

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewServer wires the central endpoints.
func NewServer(store *sitesync.Store, sites *SiteRegistry, registry *translator.Registry, admin *AdminAuth, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil || sites == nil || registry == nil || admin == nil {
		return nil, errors.New("store, site registry, translator registry and admin auth are required")
	}
	if config == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid central config: %w", err)
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	factory := promauto.With(config.Registerer)
	return &Server{
		store:      store,
		sites:      sites,
		registry:   registry,
		integrator: sitesync.NewIntegrator(store, registry, logger),
		admin:      admin,
		config:     config,
		validate:   validate,
		logger:     logger,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitesync",
			Subsystem: "central",
			Name:      "requests_total",
			Help:      "Sync requests by endpoint and outcome.",
		}, []string{"endpoint", "code"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitesync",
			Subsystem: "central",
			Name:      "request_duration_seconds",
			Help:      "Sync request latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}, nil
}

// Handler returns the HTTP routes of the central.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/central/sync/v6", func(r chi.Router) {
		if s.config.RateLimitRequests > 0 {
			r.Use(httprate.Limit(s.config.RateLimitRequests, s.config.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					s.fail(w, "rate_limit", http.StatusTooManyRequests, wire.CodeRateLimited, "too many requests")
				})))
		}
		r.Post("/site_status", s.timed("site_status", s.handleSiteStatus))
		r.Post("/pull", s.timed("pull", s.handlePull))
		r.Post("/push", s.timed("push", s.handlePush))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.admin.Middleware)
		r.Get("/buffer/failures", s.handleListFailures)
		r.Post("/buffer/{table}/{recordID}/retry", s.handleRetryFailure)
		r.Post("/buffer/{table}/{recordID}/skip", s.handleSkipFailure)
		r.Get("/sync-log", s.handleSyncLog)
		r.Get("/cursors", s.handleListCursors)
		r.Put("/cursors/{direction}/{partnerID}", s.handleResetCursor)
		r.Get("/sites", s.handleListSites)
		r.Put("/sites/{siteID}", s.handleRegisterSite)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) timed(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		s.latency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeAdminError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSiteStatus(w http.ResponseWriter, r *http.Request) {
	_, site, ok := decodeAuthenticated[wire.SiteStatusRequest](s, w, r, "site_status")
	if !ok {
		return
	}
	s.reply(w, "site_status", &syncmodel.SiteStatus{
		SiteID:        site.ID,
		CentralSiteID: s.config.CentralSiteID,
		SyncVersion:   s.config.MaxSyncVersion,
		ServerVersion: s.config.ServerVersion,
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	env, site, ok := decodeAuthenticated[syncmodel.PullRequest](s, w, r, "pull")
	if !ok {
		return
	}
	req := env.Data
	if req.Cursor < 0 || req.BatchSize <= 0 {
		s.fail(w, "pull", http.StatusBadRequest, wire.CodeBadRequest, "cursor must be >= 0 and batch_size > 0")
		return
	}
	if req.BatchSize > s.config.MaxBatchSize {
		req.BatchSize = s.config.MaxBatchSize
	}

	ctx := auth.SetSiteID(r.Context(), site.ID)
	resp, err := s.store.ServeChanges(ctx, s.registry, site.ID, req)
	if err != nil {
		s.logger.Error("Failed to serve pull", append(auth.LogAttrs(ctx), "error", err)...)
		s.fail(w, "pull", http.StatusInternalServerError, wire.CodeInternalError, "failed to read changes")
		return
	}
	s.logger.Debug("Served pull", append(auth.LogAttrs(ctx), "cursor", req.Cursor,
		"records", len(resp.Records), "max_cursor", resp.MaxCursor)...)
	s.reply(w, "pull", resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	env, site, ok := decodeAuthenticated[syncmodel.PushRequest](s, w, r, "push")
	if !ok {
		return
	}
	ctx := auth.SetSiteID(r.Context(), site.ID)
	if len(env.Data.Batch) == 0 {
		s.reply(w, "push", &syncmodel.PushResponse{})
		return
	}

	ack, report, err := s.receive(ctx, site.ID, env.Data.Batch)
	if err != nil {
		s.logger.Error("Failed to accept push", append(auth.LogAttrs(ctx), "error", err)...)
		s.fail(w, "push", http.StatusInternalServerError, wire.CodeInternalError, "failed to store batch")
		return
	}
	s.logger.Info("Accepted push", append(auth.LogAttrs(ctx), "records", len(env.Data.Batch),
		"applied", report.Applied, "failed", report.Failed, "acknowledged", ack)...)
	s.reply(w, "push", &syncmodel.PushResponse{AcknowledgedCursor: ack})
}

// receive buffers a pushed batch and integrates every pending row, so rows of
// any site waiting for a parent this batch delivered are retried with it.
// Records that fail integration stay in the buffer; only storage failures
// fail the push.
func (s *Server) receive(ctx context.Context, siteID int32, batch []syncmodel.WireRecord) (int64, *sitesync.IntegrationReport, error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	ack, err := s.store.ReceivePush(ctx, siteID, syncmodel.FormatStructured, batch)
	if err != nil {
		return 0, nil, err
	}
	report, err := s.integratePendingLocked(ctx)
	if err != nil {
		return 0, nil, err
	}
	return ack, report, nil
}

// RetryPending integrates every pending buffer row, whichever site sent it.
// It picks up rows whose parent arrived through a central write.
func (s *Server) RetryPending(ctx context.Context) (*sitesync.IntegrationReport, error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	return s.integratePendingLocked(ctx)
}

func (s *Server) integratePendingLocked(ctx context.Context) (*sitesync.IntegrationReport, error) {
	report, err := s.integrator.IntegratePending(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range report.Failures {
		s.logger.Warn("Buffered record not integrated", append(auth.LogAttrs(ctx), "table", f.Table,
			"record_id", f.RecordID, "kind", f.Kind, "reason", f.Reason)...)
	}
	return report, nil
}

// decodeAuthenticated reads a structured envelope, validates it and
// authenticates the site. On failure the error response has been written.
func decodeAuthenticated[T any](s *Server, w http.ResponseWriter, r *http.Request, endpoint string) (*wire.Request[T], *Site, bool) {
	var env wire.Request[T]
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&env); err != nil {
		s.fail(w, endpoint, http.StatusBadRequest, wire.CodeBadRequest, "failed to parse request")
		return nil, nil, false
	}
	if err := s.validate.Struct(&env); err != nil {
		s.fail(w, endpoint, http.StatusBadRequest, wire.CodeBadRequest, err.Error())
		return nil, nil, false
	}
	if env.Version < s.config.MinSyncVersion || env.Version > s.config.MaxSyncVersion {
		s.fail(w, endpoint, http.StatusBadRequest, wire.CodeSyncVersionNotSupported,
			fmt.Sprintf("sync version %d not supported, expected %d..%d", env.Version, s.config.MinSyncVersion, s.config.MaxSyncVersion))
		return nil, nil, false
	}

	site, err := s.sites.Authenticate(r.Context(), env.Common)
	switch {
	case errors.Is(err, ErrAuthenticationFailed):
		s.logger.Warn("Site authentication failed", "site_id", env.Common.SiteID, "endpoint", endpoint)
		s.fail(w, endpoint, http.StatusUnauthorized, wire.CodeAuthenticationFailed, "invalid site credentials")
		return nil, nil, false
	case errors.Is(err, ErrHardwareMismatch):
		s.logger.Warn("Site hardware mismatch", "site_id", env.Common.SiteID, "hardware_id", env.Common.HardwareID)
		s.fail(w, endpoint, http.StatusForbidden, wire.CodeSiteHardwareMismatch, "site is in use on another machine")
		return nil, nil, false
	case err != nil:
		s.logger.Error("Failed to authenticate site", "site_id", env.Common.SiteID, "error", err)
		s.fail(w, endpoint, http.StatusInternalServerError, wire.CodeInternalError, "failed to authenticate")
		return nil, nil, false
	}
	return &env, site, true
}

func (s *Server) reply(w http.ResponseWriter, endpoint string, data any) {
	s.requests.WithLabelValues(endpoint, "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) fail(w http.ResponseWriter, endpoint string, status int, code, message string) {
	s.requests.WithLabelValues(endpoint, code).Inc()
	writeJSON(w, status, wire.Response[struct{}]{Error: &wire.ErrorBody{Code: code, Message: message}})
	s.logger.Debug("Sync error response", "endpoint", endpoint, "status_code", status, "error_code", code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseLimit(r *http.Request, def int) int {
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 && v <= 1000 {
			return v
		}
	}
	return def
}
