// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsOpPull      = "pull"
	MetricsOpPush      = "push"
	MetricsOpIntegrate = "integrate"
	MetricsOpCycle     = "cycle"

	MetricsStageTotal = "total"

	// Pull stages.
	MetricsStagePullFetch  = "fetch"
	MetricsStagePullBuffer = "buffer"

	// Push stages.
	MetricsStagePushCollect = "collect"
	MetricsStagePushSend    = "send"
	MetricsStagePushAck     = "ack"

	// Integration stages.
	MetricsStageIntegrateApply = "apply"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver forwards stage timings to a recorder and, optionally, to the
// debug log.
type stageObserver struct {
	recorder StageMetricsRecorder
	logTimes bool
	logger   *slog.Logger
}

func (o stageObserver) enabled() bool {
	return o.recorder != nil || o.logTimes
}

func (o stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logTimes && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}

func (s *Store) stages() stageObserver {
	return stageObserver{recorder: s.config.Metrics, logTimes: s.config.LogStageTimings, logger: s.logger}
}

// PrometheusRecorder exports stage timings as Prometheus metrics.
type PrometheusRecorder struct {
	duration *prometheus.HistogramVec
	records  *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the sync metrics with reg. A nil reg uses
// the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitesync",
			Name:      "stage_duration_seconds",
			Help:      "Duration of sync stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "stage"}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitesync",
			Name:      "stage_records_total",
			Help:      "Records processed by sync stages.",
		}, []string{"operation", "stage"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitesync",
			Name:      "stage_errors_total",
			Help:      "Sync stages that ended with an error.",
		}, []string{"operation", "stage"}),
	}
}

func (r *PrometheusRecorder) ObserveStage(_ context.Context, timing StageTiming) {
	r.duration.WithLabelValues(timing.Operation, timing.Stage).Observe(timing.Duration.Seconds())
	if timing.Count > 0 {
		r.records.WithLabelValues(timing.Operation, timing.Stage).Add(float64(timing.Count))
	}
	if timing.Error {
		r.errors.WithLabelValues(timing.Operation, timing.Stage).Inc()
	}
}
