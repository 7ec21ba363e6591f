// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package central

import (
	"context"
	"log/slog"
	"time"
)

// RetryService periodically integrates pending buffer rows. It runs under a
// suture supervisor next to the HTTP service.
type RetryService struct {
	server   *Server
	interval time.Duration
	logger   *slog.Logger
}

// NewRetryService creates a service retrying pending rows every interval.
func NewRetryService(server *Server, interval time.Duration, logger *slog.Logger) *RetryService {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = server.logger
	}
	return &RetryService{server: server, interval: interval, logger: logger}
}

func (s *RetryService) String() string { return "pending-retry" }

// Serve retries on every tick until ctx is cancelled. A failed retry is
// logged and tried again on the next tick.
func (s *RetryService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting pending row retries", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.server.RetryPending(ctx)
			if err != nil {
				s.logger.Error("Failed to retry pending rows", "error", err)
				continue
			}
			if report.Applied > 0 {
				s.logger.Info("Retried pending rows", "applied", report.Applied, "failed", report.Failed)
			}
		}
	}
}
