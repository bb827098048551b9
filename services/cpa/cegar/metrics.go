// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cegar

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.cpa.cegar")

// =============================================================================
// Prometheus Metrics for the Refinement Loop
// =============================================================================

var (
	// runsTotal counts finished runs.
	// Labels: status (safe, unsafe, refinement_failed, cancelled, error)
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cpa",
		Subsystem: "cegar",
		Name:      "runs_total",
		Help:      "Total analysis runs by terminal status",
	}, []string{"status"})

	// refinementsTotal counts refinement attempts.
	// Labels: result (performed, genuine, exhausted, error)
	refinementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cpa",
		Subsystem: "cegar",
		Name:      "refinements_total",
		Help:      "Total refinement attempts by result",
	}, []string{"result"})

	// refinementDuration measures time spent inside the refiner.
	refinementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cpa",
		Subsystem: "cegar",
		Name:      "refinement_duration_seconds",
		Help:      "Time spent computing one refinement",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	// removedStates tracks how many reached states one refinement discards.
	removedStates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cpa",
		Subsystem: "cegar",
		Name:      "removed_states",
		Help:      "Reached states removed per refinement",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})
)

// startRunSpan creates a span for a full CEGAR run.
func startRunSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cegar.Run")
}

// startRefineSpan creates a span for one refinement.
func startRefineSpan(ctx context.Context, iteration int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cegar.Refine",
		trace.WithAttributes(attribute.Int("cpa.iteration", iteration)),
	)
}

// setRunSpanResult sets the result attributes on a run span.
func setRunSpanResult(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.String("cpa.status", res.Status.String()),
		attribute.Int("cpa.iterations", res.Statistics.Iterations),
		attribute.Int("cpa.refinements", res.Statistics.Refinements),
		attribute.Bool("cpa.incomplete", res.Incomplete),
	)
}
