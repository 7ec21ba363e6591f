// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mobiletoly/go-sitesync/syncmodel"
	"github.com/mobiletoly/go-sitesync/translator"
)

// IntegrationFailure is one buffered record that could not be applied.
type IntegrationFailure struct {
	Table    string              `json:"table"`
	RecordID string              `json:"record_id"`
	Kind     syncmodel.ErrorKind `json:"kind"`
	Reason   string              `json:"reason"`
}

// IntegrationReport summarizes one integration run.
type IntegrationReport struct {
	Applied  int                  `json:"applied"`
	Failed   int                  `json:"failed"`
	Unknown  int                  `json:"unknown"` // rows of tables no translator knows; left pending
	Failures []IntegrationFailure `json:"failures,omitempty"`
}

// Integrator applies buffered records to the local tables.
type Integrator struct {
	store    *Store
	registry *translator.Registry
	logger   *slog.Logger
}

func NewIntegrator(store *Store, registry *translator.Registry, logger *slog.Logger) *Integrator {
	if logger == nil {
		logger = store.logger
	}
	return &Integrator{store: store, registry: registry, logger: logger}
}

// IntegratePending integrates every pending buffer row, optionally limited to
// rows received from source.
func (i *Integrator) IntegratePending(ctx context.Context, source *int32) (*IntegrationReport, error) {
	rows, err := i.store.PendingBuffer(ctx, source)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "integrate", err)
	}
	return i.Integrate(ctx, rows)
}

// Integrate applies rows in one transaction. Each record runs in its own
// savepoint: a foreign key violation or an untranslatable payload marks that
// record failed and the others proceed. Any other error rolls back the whole
// batch.
func (i *Integrator) Integrate(ctx context.Context, rows []syncmodel.BufferRow) (*IntegrationReport, error) {
	if err := i.store.checkClosed(); err != nil {
		return nil, err
	}
	report := &IntegrationReport{}
	if len(rows) == 0 {
		return report, nil
	}

	ordered, unknown := i.order(rows)
	for _, row := range unknown {
		report.Unknown++
		i.logger.Warn("No translator for buffered table, leaving it pending",
			"table", row.TableName, "record_id", row.RecordID, "format", row.Format)
	}

	stages := i.store.stages()
	start := stages.start()
	err := i.store.withTx(ctx, func(tx *sql.Tx) error {
		return i.integrateInTx(ctx, tx, ordered, report)
	})
	stages.observe(ctx, MetricsOpIntegrate, MetricsStageIntegrateApply, start, report.Applied, 1, err != nil)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.KindStorage, "integrate", err)
	}

	i.logger.Debug("Integration finished",
		"applied", report.Applied, "failed", report.Failed, "unknown", report.Unknown)
	return report, nil
}

func (i *Integrator) integrateInTx(ctx context.Context, tx *sql.Tx, rows []syncmodel.BufferRow, report *IntegrationReport) error {
	s := i.store
	now := time.Now().UTC()

	var (
		source    *int32
		sourceSet bool
	)
	for idx, row := range rows {
		res, reason := i.translate(row)
		if reason != "" {
			if err := i.fail(ctx, tx, row, syncmodel.KindParse, reason, report); err != nil {
				return err
			}
			continue
		}
		if res.Kind == translator.ResultSkip {
			report.Unknown++
			i.logger.Warn("No translator accepted buffered record, leaving it pending",
				"table", row.TableName, "record_id", row.RecordID, "format", row.Format)
			continue
		}

		if !sourceSet || !sameSite(source, row.SourceSiteID) {
			if err := s.dialect.setApplySource(ctx, tx, row.SourceSiteID); err != nil {
				return err
			}
			source, sourceSet = row.SourceSiteID, true
		}

		savepoint := fmt.Sprintf("sp_%d", idx)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return fmt.Errorf("failed to create savepoint: %w", err)
		}

		var applyErr error
		switch res.Kind {
		case translator.ResultUpsert:
			applyErr = s.upsertRow(ctx, tx, res.Row)
		case translator.ResultDelete:
			applyErr = s.deleteRow(ctx, tx, res.Table, res.RecordID)
		}

		if applyErr != nil {
			if !s.dialect.IsForeignKeyViolation(applyErr) {
				return fmt.Errorf("failed to apply %s/%s: %w", row.TableName, row.RecordID, applyErr)
			}
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); err != nil {
				return fmt.Errorf("failed to rollback savepoint: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
			if err := i.fail(ctx, tx, row, syncmodel.KindReferential, applyErr.Error(), report); err != nil {
				return err
			}
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", err)
		}
		if err := s.markIntegrated(ctx, tx, row.TableName, row.RecordID, now); err != nil {
			return err
		}
		report.Applied++
	}

	// the SQLite marker is a table row and must not outlive the batch
	if sourceSet && source != nil {
		return s.dialect.setApplySource(ctx, tx, nil)
	}
	return nil
}

// translate returns the translation result, or a non-empty reason when the
// record is malformed.
func (i *Integrator) translate(row syncmodel.BufferRow) (translator.Result, string) {
	if isMalformed(row) {
		reason := "malformed record"
		if row.ReceiveError != nil {
			reason = *row.ReceiveError
		}
		return translator.Result{}, reason
	}
	res, err := i.registry.TranslateIncoming(row)
	if err != nil {
		return translator.Result{}, err.Error()
	}
	return res, ""
}

func (i *Integrator) fail(ctx context.Context, tx *sql.Tx, row syncmodel.BufferRow, kind syncmodel.ErrorKind, reason string, report *IntegrationReport) error {
	if err := i.store.markFailed(ctx, tx, row.TableName, row.RecordID, reason); err != nil {
		return err
	}
	report.Failed++
	report.Failures = append(report.Failures, IntegrationFailure{
		Table: row.TableName, RecordID: row.RecordID, Kind: kind, Reason: reason,
	})
	i.logger.Warn("Buffered record failed integration",
		"table", row.TableName, "record_id", row.RecordID, "kind", kind,
		"attempt", row.Attempts+1, "reason", reason)
	return nil
}

// order sorts rows for application: upserts parents first, then deletes
// children first. Within a table rows keep their arrival order. Rows of
// unknown tables are returned separately; malformed rows go first so they
// are recorded as failures.
func (i *Integrator) order(rows []syncmodel.BufferRow) (ordered, unknown []syncmodel.BufferRow) {
	type ranked struct {
		row  syncmodel.BufferRow
		rank int
	}
	var items []ranked
	for _, row := range rows {
		if isMalformed(row) {
			items = append(items, ranked{row: row, rank: -1})
			continue
		}
		rank, ok := i.registry.Rank(row.TableName)
		if !ok {
			unknown = append(unknown, row)
			continue
		}
		if row.Action == syncmodel.ActionDelete {
			// after every upsert, deepest table first
			rank = 2*len(i.registry.Order()) - rank
		}
		items = append(items, ranked{row: row, rank: rank})
	}

	sort.SliceStable(items, func(a, b int) bool {
		if items[a].rank != items[b].rank {
			return items[a].rank < items[b].rank
		}
		ra, rb := items[a].row, items[b].row
		if !ra.ReceivedAt.Equal(rb.ReceivedAt) {
			return ra.ReceivedAt.Before(rb.ReceivedAt)
		}
		return ra.SyncCursor < rb.SyncCursor
	})

	ordered = make([]syncmodel.BufferRow, len(items))
	for idx, it := range items {
		ordered[idx] = it.row
	}
	return ordered, unknown
}

// Retry integrates one pending buffered record now. An integrated or skipped
// row is reported as not found.
func (i *Integrator) Retry(ctx context.Context, table, recordID string) (*IntegrationReport, error) {
	row, err := i.store.BufferRow(ctx, table, recordID)
	if err != nil {
		if errors.Is(err, ErrBufferRowNotFound) {
			return nil, err
		}
		return nil, syncmodel.NewError(syncmodel.KindStorage, "retry", err)
	}
	if row.IntegratedAt != nil {
		return nil, fmt.Errorf("%w: %s/%s is not pending", ErrBufferRowNotFound, table, recordID)
	}
	return i.Integrate(ctx, []syncmodel.BufferRow{*row})
}

func isMalformed(row syncmodel.BufferRow) bool {
	return row.ReceiveError != nil || row.TableName == "" || !row.Action.Valid() || strings.HasPrefix(row.RecordID, malformedIDPrefix)
}

func sameSite(a, b *int32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
