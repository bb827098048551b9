// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cancel

import (
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cpa",
		Subsystem: "cancel",
		Name:      "runs_started_total",
		Help:      "Runs registered with the cancellation controller",
	})

	cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cpa",
		Subsystem: "cancel",
		Name:      "cancellations_total",
		Help:      "Run cancellations by type",
	}, []string{"type"})
)

func readHeapAlloc() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapAlloc)
}

// monitorMemory cancels r once the heap exceeds its limit. It returns when
// the run finishes or is cancelled.
func monitorMemory(r *RunContext, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	limit := r.config.MaxMemoryBytes
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if used := r.controller.heapAlloc(); used > limit {
				r.Cancel(CancelReason{
					Type:      CancelResourceLimit,
					Message:   fmt.Sprintf("heap at %s", formatBytes(used)),
					Threshold: "memory > " + formatBytes(limit),
					Component: "memory_monitor",
				})
				return
			}
		}
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(b)/float64(div), "KMGTPE"[exp])
}
