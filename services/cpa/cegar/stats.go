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
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCPA/services/cpa/fixpoint"
)

// RunStatistics accumulates counters across all iterations of one run.
type RunStatistics struct {
	Iterations          int           `json:"iterations"`
	Refinements         int           `json:"refinements"`
	Steps               int           `json:"steps"`
	Successors          int           `json:"successors"`
	Merges              int           `json:"merges"`
	Covered             int           `json:"covered"`
	TransferFailures    int           `json:"transfer_failures"`
	RemovedByRefinement int           `json:"removed_by_refinement"`
	MaxReachedSize      int           `json:"max_reached_size"`
	MaintenanceCalls    int           `json:"maintenance_calls"`
	ExplorationTime     time.Duration `json:"exploration_time"`
	RefinementTime      time.Duration `json:"refinement_time"`
}

func (s *RunStatistics) addExploration(res fixpoint.Result, reachedSize int, elapsed time.Duration) {
	s.Iterations++
	s.Steps += res.Steps
	s.Successors += res.Successors
	s.Merges += res.Merges
	s.Covered += res.Covered
	s.TransferFailures += len(res.Failures)
	s.ExplorationTime += elapsed
	if reachedSize > s.MaxReachedSize {
		s.MaxReachedSize = reachedSize
	}
}

// LogValue groups the counters for structured logging.
func (s RunStatistics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("iterations", s.Iterations),
		slog.Int("refinements", s.Refinements),
		slog.Int("steps", s.Steps),
		slog.Int("successors", s.Successors),
		slog.Int("merges", s.Merges),
		slog.Int("covered", s.Covered),
		slog.Int("transfer_failures", s.TransferFailures),
		slog.Int("removed_by_refinement", s.RemovedByRefinement),
		slog.Int("max_reached_size", s.MaxReachedSize),
		slog.Duration("exploration_time", s.ExplorationTime),
		slog.Duration("refinement_time", s.RefinementTime),
	)
}
