// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
	"github.com/mobiletoly/go-sitesync/wire"
)

// Role selects the phase order of a cycle.
type Role string

const (
	// RoleRemote pushes local changes first, then pulls and integrates.
	RoleRemote Role = "remote"
	// RoleCentral pulls and integrates first, then pushes.
	RoleCentral Role = "central"
)

// State is the driver's position in a cycle.
type State string

const (
	StateIdle         State = "idle"
	StateLockAcquired State = "lock_acquired"
	StatePulling      State = "pulling"
	StateIntegrating  State = "integrating"
	StatePushing      State = "pushing"
	StateError        State = "error"
)

// DriverConfig configures a sync driver.
type DriverConfig struct {
	// PartnerID keys the cursors of the peer this driver syncs with.
	PartnerID string
	Role      Role
	BatchSize int
	// MaxAttempts bounds retries of a phase failing with a retryable error.
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	// MinVersion and MaxVersion bound the peer sync version.
	MinVersion int
	MaxVersion int
	// LockPath enables a cross-process lock file.
	LockPath string
}

// DefaultDriverConfig returns a remote-site configuration for client's
// protocol version.
func DefaultDriverConfig(partnerID string, version int) *DriverConfig {
	return &DriverConfig{
		PartnerID:   partnerID,
		Role:        RoleRemote,
		BatchSize:   500,
		MaxAttempts: 5,
		BackoffMin:  500 * time.Millisecond,
		BackoffMax:  30 * time.Second,
		MinVersion:  version,
		MaxVersion:  version,
	}
}

// CycleReport describes one Trigger call.
type CycleReport struct {
	ID          string                `json:"id,omitempty"`
	Skipped     bool                  `json:"skipped"`
	State       State                 `json:"state"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
	Status      *syncmodel.SiteStatus `json:"status,omitempty"`
	Pull        PullReport            `json:"pull"`
	Integration IntegrationReport     `json:"integration"`
	Push        PushReport            `json:"push"`
}

// Driver runs sync cycles against one peer. At most one cycle runs at a
// time; overlapping triggers are skipped.
type Driver struct {
	store      *Store
	client     wire.Client
	config     *DriverConfig
	logger     *slog.Logger
	lock       *SiteLock
	puller     *Puller
	pusher     *Pusher
	integrator *Integrator

	stateMu sync.RWMutex
	state   State
}

func NewDriver(store *Store, client wire.Client, registry *translator.Registry, config *DriverConfig, logger *slog.Logger) (*Driver, error) {
	if store == nil || client == nil || registry == nil {
		return nil, errors.New("store, client and registry are required")
	}
	if config == nil {
		return nil, errors.New("driver config is required")
	}
	if config.PartnerID == "" {
		return nil, errors.New("partner id is required")
	}
	if config.Role != RoleRemote && config.Role != RoleCentral {
		return nil, fmt.Errorf("invalid role %q", config.Role)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = config.BackoffMin
	}
	if logger == nil {
		logger = store.logger
	}
	logger = logger.With("partner_id", config.PartnerID, "role", config.Role)

	return &Driver{
		store:      store,
		client:     client,
		config:     config,
		logger:     logger,
		lock:       NewSiteLock(config.LockPath),
		puller:     NewPuller(store, client, config.PartnerID, logger),
		pusher:     NewPusher(store, client, registry, config.PartnerID, logger),
		integrator: NewIntegrator(store, registry, logger),
		state:      StateIdle,
	}, nil
}

// State returns the current cycle state.
func (d *Driver) State() State {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

// Integrator returns the integrator used by the driver's cycles.
func (d *Driver) Integrator() *Integrator { return d.integrator }

// Trigger runs one sync cycle. When another cycle holds the site lock it
// returns a skipped report and no error. A failed cycle is recorded in the
// sync log and its error is returned with the report.
func (d *Driver) Trigger(ctx context.Context) (*CycleReport, error) {
	ok, err := d.lock.TryLock()
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "lock", err)
	}
	if !ok {
		d.logger.Info("Sync already in progress, skipping trigger")
		return &CycleReport{Skipped: true, State: d.State()}, nil
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Error("Failed to release site lock", "error", err)
		}
	}()

	report := &CycleReport{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	d.setState(StateLockAcquired)
	defer d.setState(StateIdle)

	if err := d.store.startSyncLog(ctx, report.ID, report.StartedAt); err != nil {
		report.State = StateError
		return report, syncmodel.NewError(syncmodel.KindStorage, "sync_log", err)
	}

	stages := d.store.stages()
	start := stages.start()
	cycleErr := d.runCycle(ctx, report)
	stages.observe(ctx, MetricsOpCycle, MetricsStageTotal, start,
		report.Pull.Records+report.Push.Sent, 1, cycleErr != nil)

	report.FinishedAt = time.Now().UTC()
	entry := syncmodel.SyncLogEntry{
		ID:         report.ID,
		StartedAt:  report.StartedAt,
		FinishedAt: &report.FinishedAt,
		State:      string(StateIdle),
		Pulled:     report.Pull.Records,
		Integrated: report.Integration.Applied,
		Failed:     report.Integration.Failed,
		Pushed:     report.Push.Sent,
	}
	report.State = StateIdle
	if cycleErr != nil {
		report.State = StateError
		kind := string(syncmodel.KindOf(cycleErr))
		msg := cycleErr.Error()
		entry.State = string(StateError)
		entry.ErrorKind = &kind
		entry.ErrorMessage = &msg
		d.logger.Error("Sync cycle failed", "cycle_id", report.ID, "kind", kind, "error", cycleErr)
	} else {
		d.logger.Info("Sync cycle finished", "cycle_id", report.ID,
			"pulled", report.Pull.Records, "integrated", report.Integration.Applied,
			"failed", report.Integration.Failed, "pushed", report.Push.Sent,
			"duration", report.FinishedAt.Sub(report.StartedAt))
	}

	// the log must be written even when ctx was cancelled
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.store.finishSyncLog(logCtx, entry); err != nil {
		d.logger.Error("Failed to record sync cycle", "cycle_id", report.ID, "error", err)
	}
	return report, cycleErr
}

func (d *Driver) runCycle(ctx context.Context, report *CycleReport) error {
	err := d.retry(ctx, "site_status", func() error {
		status, err := d.client.SiteStatus(ctx)
		if err != nil {
			return err
		}
		report.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	if err := wire.CheckVersion(report.Status, d.config.MinVersion, d.config.MaxVersion); err != nil {
		return err
	}
	if err := d.store.SaveSiteIdentity(ctx, report.Status.SiteID, report.Status.CentralSiteID); err != nil {
		return syncmodel.NewError(syncmodel.KindStorage, "site_status", err)
	}

	phases := []func(context.Context, *CycleReport) error{d.pull, d.integrate, d.push}
	if d.config.Role == RoleRemote {
		phases = []func(context.Context, *CycleReport) error{d.push, d.pull, d.integrate}
	}
	for _, phase := range phases {
		if err := phase(ctx, report); err != nil {
			return err
		}
	}

	if err := d.store.markInitialised(ctx); err != nil {
		return syncmodel.NewError(syncmodel.KindStorage, "initialise", err)
	}
	return nil
}

func (d *Driver) pull(ctx context.Context, report *CycleReport) error {
	d.setState(StatePulling)
	return d.retry(ctx, "pull", func() error {
		r, err := d.puller.Pull(ctx, d.config.BatchSize)
		if r != nil {
			report.Pull.Batches += r.Batches
			report.Pull.Records += r.Records
			report.Pull.Malformed += r.Malformed
			report.Pull.Cursor = r.Cursor
		}
		return err
	})
}

func (d *Driver) integrate(ctx context.Context, report *CycleReport) error {
	d.setState(StateIntegrating)
	return d.retry(ctx, "integrate", func() error {
		r, err := d.integrator.IntegratePending(ctx, nil)
		if err != nil {
			return err
		}
		report.Integration = *r
		return nil
	})
}

func (d *Driver) push(ctx context.Context, report *CycleReport) error {
	d.setState(StatePushing)
	return d.retry(ctx, "push", func() error {
		r, err := d.pusher.Push(ctx, d.config.BatchSize)
		if r != nil {
			report.Push.Batches += r.Batches
			report.Push.Sent += r.Sent
			report.Push.Skipped += r.Skipped
			report.Push.Cursor = r.Cursor
		}
		return err
	})
}

// retry runs fn until it succeeds, fails with a non-retryable error or
// runs out of attempts.
func (d *Driver) retry(ctx context.Context, phase string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= d.config.MaxAttempts || !d.retryable(err) {
			return err
		}
		delay := backoff(attempt, d.config.BackoffMin, d.config.BackoffMax)
		d.logger.Warn("Sync phase failed, retrying", "phase", phase, "attempt", attempt,
			"delay", delay, "error", err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (d *Driver) retryable(err error) bool {
	return syncmodel.IsRetryable(err) || d.store.dialect.IsRetryable(err)
}
