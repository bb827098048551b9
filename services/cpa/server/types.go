// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/AleutianAI/AleutianCPA/services/cpa/report"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`

	// RequestID echoes the X-Request-ID header.
	RequestID string `json:"request_id,omitempty"`
}

// AnalyzeResponse is returned by POST /v1/cpa/analyze.
type AnalyzeResponse struct {
	Report *report.Report `json:"report"`

	// Stored is false when no result store is configured or persisting
	// the report failed.
	Stored bool `json:"stored"`
}

// ListResponse is returned by GET /v1/cpa/results.
type ListResponse struct {
	Reports []Summary `json:"reports"`
	Count   int       `json:"count"`
}

// Summary is a report without its counterexample and failures.
type Summary struct {
	ID          string `json:"id"`
	Program     string `json:"program"`
	Status      string `json:"status"`
	Refinements int    `json:"refinements"`
	Incomplete  bool   `json:"incomplete"`
	StartedAt   string `json:"started_at"`
	DurationMs  int64  `json:"duration_ms"`
}

// HealthResponse is returned by GET /v1/cpa/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ActiveRuns int    `json:"active_runs"`
	Storage    bool   `json:"storage"`
}

func summarize(r *report.Report) Summary {
	return Summary{
		ID:          r.ID,
		Program:     r.Program,
		Status:      r.Status,
		Refinements: r.Statistics.Refinements,
		Incomplete:  r.Incomplete,
		StartedAt:   r.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		DurationMs:  r.Duration.Milliseconds(),
	}
}
