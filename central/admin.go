// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package central

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mobiletoly/go-sitesync/internal/auth"
	"github.com/mobiletoly/go-sitesync/sitesync"
	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// ErrorResponse is the error body of the admin API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type resetCursorRequest struct {
	Position *int64 `json:"position" validate:"required,gte=0"`
}

type registerSiteRequest struct {
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

func writeAdminError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.BufferFailures(r.Context(), parseLimit(r, 100))
	if err != nil {
		s.logger.Error("Failed to list buffer failures", append(auth.LogAttrs(r.Context()), "error", err)...)
		writeAdminError(w, http.StatusInternalServerError, "list_failed", "Failed to list buffer failures")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": rows})
}

func (s *Server) handleRetryFailure(w http.ResponseWriter, r *http.Request) {
	table, recordID := chi.URLParam(r, "table"), chi.URLParam(r, "recordID")

	s.pushMu.Lock()
	report, err := s.integrator.Retry(r.Context(), table, recordID)
	s.pushMu.Unlock()
	if errors.Is(err, sitesync.ErrBufferRowNotFound) {
		writeAdminError(w, http.StatusNotFound, "not_found", "No pending buffer row "+table+"/"+recordID)
		return
	}
	if err != nil {
		s.logger.Error("Failed to retry buffer row", append(auth.LogAttrs(r.Context()),
			"table", table, "record_id", recordID, "error", err)...)
		writeAdminError(w, http.StatusInternalServerError, "retry_failed", "Failed to retry buffer row")
		return
	}
	s.logger.Info("Buffer row retried", append(auth.LogAttrs(r.Context()),
		"table", table, "record_id", recordID, "applied", report.Applied)...)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSkipFailure(w http.ResponseWriter, r *http.Request) {
	table, recordID := chi.URLParam(r, "table"), chi.URLParam(r, "recordID")
	err := s.store.SkipBufferRow(r.Context(), table, recordID)
	if errors.Is(err, sitesync.ErrBufferRowNotFound) {
		writeAdminError(w, http.StatusNotFound, "not_found", "No pending buffer row "+table+"/"+recordID)
		return
	}
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "skip_failed", "Failed to skip buffer row")
		return
	}
	s.logger.Warn("Buffer row skipped", append(auth.LogAttrs(r.Context()), "table", table, "record_id", recordID)...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.SyncLog(r.Context(), parseLimit(r, 50))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "list_failed", "Failed to read sync log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleListCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.store.Cursors(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "list_failed", "Failed to read cursors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cursors": cursors})
}

func (s *Server) handleResetCursor(w http.ResponseWriter, r *http.Request) {
	direction := syncmodel.Direction(chi.URLParam(r, "direction"))
	partnerID := chi.URLParam(r, "partnerID")

	var req resetCursorRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if err := s.store.ResetCursor(r.Context(), direction, partnerID, *req.Position); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.logger.Warn("Cursor reset by operator", append(auth.LogAttrs(r.Context()),
		"direction", direction, "partner_id", partnerID, "position", *req.Position)...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.sites.Sites(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "list_failed", "Failed to list sites")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) handleRegisterSite(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "siteID"), 10, 32)
	if err != nil || id <= 0 {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "site id must be a positive integer")
		return
	}
	var req registerSiteRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	site, err := s.sites.Register(r.Context(), int32(id), req.Name, req.Password)
	if err != nil {
		s.logger.Error("Failed to register site", append(auth.LogAttrs(r.Context()), "error", err)...)
		writeAdminError(w, http.StatusInternalServerError, "register_failed", "Failed to register site")
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) decodeAdmin(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}
