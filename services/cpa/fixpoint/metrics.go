// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fixpoint

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for fixpoint runs.
var (
	tracer = otel.Tracer("aleutian.cpa.fixpoint")
	meter  = otel.Meter("aleutian.cpa.fixpoint")
)

var (
	runLatency       metric.Float64Histogram
	runTotal         metric.Int64Counter
	stepsTotal       metric.Int64Counter
	transferFailures metric.Int64Counter
	reachedSize      metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runLatency, err = meter.Float64Histogram(
			"cpa_fixpoint_run_duration_seconds",
			metric.WithDescription("Duration of fixpoint runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"cpa_fixpoint_runs_total",
			metric.WithDescription("Fixpoint runs by terminal status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stepsTotal, err = meter.Int64Counter(
			"cpa_fixpoint_steps_total",
			metric.WithDescription("Waitlist elements processed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transferFailures, err = meter.Int64Counter(
			"cpa_fixpoint_transfer_failures_total",
			metric.WithDescription("Elements dropped after a recoverable transfer failure"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reachedSize, err = meter.Int64Histogram(
			"cpa_fixpoint_reached_size",
			metric.WithDescription("Reached set size at the end of a run"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordRunMetrics records metrics for one fixpoint run.
func recordRunMetrics(ctx context.Context, duration time.Duration, res Result, size int) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", res.Status.String()))

	runLatency.Record(ctx, duration.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)
	stepsTotal.Add(ctx, int64(res.Steps))
	if len(res.Failures) > 0 {
		transferFailures.Add(ctx, int64(len(res.Failures)))
	}
	reachedSize.Record(ctx, int64(size))
}

// startRunSpan creates a span for a fixpoint run.
func startRunSpan(ctx context.Context, reachedSize, waiting int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "fixpoint.Run",
		trace.WithAttributes(
			attribute.Int("cpa.reached_size", reachedSize),
			attribute.Int("cpa.waitlist_size", waiting),
		),
	)
}

// setRunSpanResult sets the result attributes on a run span.
func setRunSpanResult(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.String("cpa.status", res.Status.String()),
		attribute.Int("cpa.steps", res.Steps),
		attribute.Int("cpa.successors", res.Successors),
		attribute.Int("cpa.merges", res.Merges),
		attribute.Bool("cpa.incomplete", res.Incomplete),
	)
}
