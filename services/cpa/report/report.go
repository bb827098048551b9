// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report turns analysis results into serializable run reports.
package report

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cegar"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

// Status values. The first four mirror cegar.Status; StatusError means the
// run did not produce a verdict.
const (
	StatusSafe             = "safe"
	StatusUnsafe           = "unsafe"
	StatusRefinementFailed = "refinement_failed"
	StatusCancelled        = "cancelled"
	StatusError            = "error"
)

// Report is the stored outcome of one analysis run.
type Report struct {
	ID       string `json:"id"`
	Program  string `json:"program"`
	Function string `json:"function,omitempty"`
	Status   string `json:"status"`

	// Counterexample is the path to the target for unsafe and
	// refinement_failed runs.
	Counterexample []Step `json:"counterexample,omitempty"`

	// Precision is the root precision at termination.
	Precision string `json:"precision,omitempty"`

	Statistics          cegar.RunStatistics `json:"statistics"`
	Incomplete          bool                `json:"incomplete"`
	RefinementExhausted bool                `json:"refinement_exhausted,omitempty"`
	TransferFailures    []Failure           `json:"transfer_failures,omitempty"`
	CancelReason        string              `json:"cancel_reason,omitempty"`
	Error               string              `json:"error,omitempty"`
	ErrorKind           string              `json:"error_kind,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Step is one node on a counterexample.
type Step struct {
	Node     int    `json:"node"`
	Location string `json:"location,omitempty"`
	State    string `json:"state"`

	// Edge is the CFA edge taken into this node; empty for the first step.
	Edge string `json:"edge,omitempty"`
}

// Failure is an element dropped after a recoverable transfer failure.
type Failure struct {
	Node     int    `json:"node"`
	Location string `json:"location,omitempty"`
	State    string `json:"state"`
	Error    string `json:"error"`
}

// New starts a report with a fresh ID.
func New(program string, startedAt time.Time) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Program:   program,
		Status:    StatusError,
		StartedAt: startedAt,
	}
}

// Record fills the report from a finished run. err is the error returned
// alongside res, if any.
func (r *Report) Record(res cegar.Result, err error, finishedAt time.Time) {
	r.Duration = finishedAt.Sub(r.StartedAt)
	r.Statistics = res.Statistics
	r.Incomplete = res.Incomplete
	r.RefinementExhausted = res.RefinementExhausted
	r.TransferFailures = failures(res)
	r.Precision = rootPrecision(res.ARG)

	if err != nil {
		r.Fail(err)
		return
	}
	r.Status = res.Status.String()
	if res.Counterexample != nil {
		r.Counterexample = Steps(res.Counterexample)
	}
}

// Fail marks the report as failed with err.
func (r *Report) Fail(err error) {
	r.Status = StatusError
	r.Error = err.Error()
	var fatal *domain.FatalError
	if errors.As(err, &fatal) {
		r.ErrorKind = fatal.Kind.String()
	}
}

// Verdict reports whether the run produced a safe or unsafe answer.
func (r *Report) Verdict() bool {
	return r.Status == StatusSafe || r.Status == StatusUnsafe
}

// Steps converts an ARG path into report steps.
func Steps(p *arg.Path) []Step {
	steps := make([]Step, len(p.Nodes))
	for i, id := range p.Nodes {
		s := Step{Node: int(id)}
		if i < len(p.States) && p.States[i] != nil {
			s.State = p.States[i].String()
			if loc := domain.ExtractLocation(p.States[i]); loc != nil {
				s.Location = loc.Name
			}
		}
		if i > 0 && i-1 < len(p.Edges) && p.Edges[i-1] != nil {
			s.Edge = p.Edges[i-1].String()
		}
		steps[i] = s
	}
	return steps
}

func failures(res cegar.Result) []Failure {
	if len(res.Failures) == 0 {
		return nil
	}
	out := make([]Failure, 0, len(res.Failures))
	for _, f := range res.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		out = append(out, Failure{
			Node:     int(f.Node),
			Location: f.Location,
			State:    f.State,
			Error:    msg,
		})
	}
	return out
}

func rootPrecision(g *arg.Graph) string {
	if g == nil {
		return ""
	}
	root := g.Node(g.Root())
	if root == nil || root.Precision == nil {
		return ""
	}
	return root.Precision.String()
}
