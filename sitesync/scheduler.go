// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers sync cycles on a cron schedule. It implements the
// suture Service interface; overlapping fires are skipped by the site lock.
type Scheduler struct {
	driver     *Driver
	spec       string
	runOnStart bool
	logger     *slog.Logger
}

// NewScheduler validates spec (standard cron syntax or descriptors such as
// "@every 1m") and returns a scheduler for driver.
func NewScheduler(driver *Driver, spec string, runOnStart bool, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = driver.logger
	}
	return &Scheduler{driver: driver, spec: spec, runOnStart: runOnStart, logger: logger}, nil
}

func (s *Scheduler) String() string { return "sync-scheduler" }

// Serve runs the schedule until ctx is cancelled, then waits for a running
// cycle to finish.
func (s *Scheduler) Serve(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() { s.fire(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}

	s.logger.Info("Starting sync scheduler", "schedule", s.spec)
	c.Start()
	if s.runOnStart {
		go s.fire(ctx)
	}

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Stopped sync scheduler")
	return ctx.Err()
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.driver.Trigger(ctx)
	if err != nil {
		// already logged and recorded by the driver
		return
	}
	if report.Skipped {
		s.logger.Debug("Scheduled sync skipped, previous cycle still running")
	}
}
