// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpPush     = "push"
	MetricsOpSnapshot = "snapshot"
	MetricsOpPass     = "pass"

	MetricsStageTotal = "total"

	// Push (service-level) stages.
	MetricsStagePushTx          = "tx"
	MetricsStagePushIdempotency = "idempotency"
	MetricsStagePushApply       = "apply"

	// Reconciliation pass (device-level) stages.
	MetricsStagePassSnapshot  = "snapshot_fetch"
	MetricsStagePassDrain     = "drain"
	MetricsStagePassReconcile = "reconcile"
	MetricsStagePassPersist   = "persist"
	MetricsStagePassPush      = "push"
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

// ObserveStage forwards one stage timing to the recorder and/or the debug
// log. Safe to call with a nil recorder and nil logger.
func ObserveStage(ctx context.Context, recorder StageMetricsRecorder, logger *slog.Logger, op, stage string, start time.Time, count, attempt int, hadError bool) {
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
	if recorder != nil {
		recorder.ObserveStage(ctx, timing)
	}
	if logger != nil {
		logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
