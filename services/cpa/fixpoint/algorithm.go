// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fixpoint implements the worklist algorithm that explores the
// abstract state space of a program.
//
// Each step pops one waitlist entry, computes its successors with the
// analysis' transfer relation and, per successor:
//
//  1. applies precision adjustment,
//  2. merges it into every reached sibling at the same location,
//  3. checks it for coverage against the (post-merge) siblings,
//  4. adds it to the reached set, the waitlist and the ARG if not covered.
//
// A step is never interrupted halfway. Cancellation through the context is
// honored between steps, and while a transfer is running; in the latter
// case the popped entry goes back on the waitlist and nothing else changes.
package fixpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
	"github.com/AleutianAI/AleutianCPA/services/cpa/reached"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Status is the reason a run stopped.
type Status int

const (
	// StatusWaitlistEmpty means the fixpoint was reached.
	StatusWaitlistEmpty Status = iota

	// StatusTargetFound means a target was added and StopAfterError is set.
	StatusTargetFound

	// StatusInterrupted means precision adjustment returned Break.
	StatusInterrupted

	// StatusStepLimit means MaxSteps elements were processed.
	StatusStepLimit

	// StatusCancelled means the context ended.
	StatusCancelled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusWaitlistEmpty:
		return "waitlist_empty"
	case StatusTargetFound:
		return "target_found"
	case StatusInterrupted:
		return "interrupted"
	case StatusStepLimit:
		return "step_limit"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Options configures an Algorithm.
type Options struct {
	// StopAfterError returns as soon as a target state is added.
	StopAfterError bool

	// KeepCoveredNodes materializes covered successors in the ARG, marked as
	// covered. They are never added to the reached set.
	KeepCoveredNodes bool

	// CheckMergeMonotonicity fails the run when a merge result is not above
	// the sibling it replaces.
	CheckMergeMonotonicity bool

	// TransferTimeout bounds each transfer call. Zero means no bound.
	// Exceeding it drops the element and marks the run incomplete.
	TransferTimeout time.Duration

	// MaxSteps bounds the number of elements processed per Run. Zero means
	// no bound.
	MaxSteps int

	// Logger receives progress and failure messages. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the options used by the CEGAR loop.
func DefaultOptions() Options {
	return Options{
		StopAfterError:         true,
		KeepCoveredNodes:       true,
		CheckMergeMonotonicity: true,
	}
}

// TransferFailure records an element whose successors could not be computed.
type TransferFailure struct {
	Node     arg.NodeID
	State    string
	Location string
	Err      error
}

// Result summarizes one Run.
type Result struct {
	Status     Status
	Steps      int
	Successors int
	Merges     int
	Covered    int

	// Target is the last target node added, or arg.None.
	Target arg.NodeID

	// Incomplete is set when elements were dropped after transfer failures
	// or the step limit was hit.
	Incomplete bool
	Failures   []TransferFailure
}

// Algorithm runs the fixpoint loop for one analysis.
type Algorithm struct {
	cpa      domain.CPA
	order    domain.Order
	transfer domain.TransferRelation
	merge    domain.MergeOperator
	stop     domain.StopOperator
	adjust   domain.PrecisionAdjustment
	opts     Options
	logger   *slog.Logger
	progress rate.Sometimes
}

// New validates the analysis and builds an Algorithm.
func New(cpa domain.CPA, opts Options) (*Algorithm, error) {
	if cpa == nil {
		return nil, domain.Fatalf(domain.KindConfiguration, "fixpoint", "analysis is nil")
	}
	if cpa.Transfer() == nil || cpa.Stop() == nil || cpa.Domain() == nil {
		return nil, domain.Fatalf(domain.KindConfiguration, "fixpoint", "analysis must provide order, transfer and stop operators")
	}
	if opts.TransferTimeout < 0 || opts.MaxSteps < 0 {
		return nil, domain.Fatalf(domain.KindConfiguration, "fixpoint", "negative limits")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Algorithm{
		cpa:      cpa,
		order:    cpa.Domain(),
		transfer: cpa.Transfer(),
		merge:    domain.MergeOf(cpa),
		stop:     cpa.Stop(),
		adjust:   domain.PrecisionAdjustmentOf(cpa),
		opts:     opts,
		logger:   logger.With(slog.String("component", "fixpoint")),
		progress: rate.Sometimes{Interval: time.Second},
	}, nil
}

// CPA returns the analysis.
func (a *Algorithm) CPA() domain.CPA {
	return a.cpa
}

// Options returns the options the algorithm was built with.
func (a *Algorithm) Options() Options {
	return a.opts
}

// Seed creates the initial state at entry and adds it to the ARG and the
// reached set.
func Seed(cpa domain.CPA, set *reached.Set, graph *arg.Graph, entry *cfa.Node) (arg.NodeID, error) {
	state := cpa.InitialState(entry)
	precision := cpa.InitialPrecision(entry)

	root, err := graph.Seed(state, precision)
	if err != nil {
		return arg.None, fmt.Errorf("seeding ARG: %w", err)
	}
	if err := set.Seed(reached.Entry{Node: root, State: state, Precision: precision}); err != nil {
		return arg.None, fmt.Errorf("seeding reached set: %w", err)
	}
	return root, nil
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

// Run explores until the waitlist is empty or a stop condition fires.
//
// The returned error is non-nil only for fatal conditions (a broken
// operator contract or an operator error that is not recoverable). The
// reached set and ARG are consistent in every case.
func (a *Algorithm) Run(ctx context.Context, set *reached.Set, graph *arg.Graph) (Result, error) {
	ctx, span := startRunSpan(ctx, set.Size(), set.WaitlistSize())
	defer span.End()
	start := time.Now()

	res, err := a.run(ctx, set, graph)

	setRunSpanResult(span, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	recordRunMetrics(ctx, time.Since(start), res, set.Size())

	a.logger.Debug("fixpoint run finished",
		slog.String("status", res.Status.String()),
		slog.Int("steps", res.Steps),
		slog.Int("reached", set.Size()),
		slog.Int("waiting", set.WaitlistSize()),
		slog.Duration("duration", time.Since(start)),
	)
	return res, err
}

func (a *Algorithm) run(ctx context.Context, set *reached.Set, graph *arg.Graph) (Result, error) {
	res := Result{Status: StatusWaitlistEmpty, Target: arg.None}

	for set.HasWaiting() {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return res, nil
		}
		if a.opts.MaxSteps > 0 && res.Steps >= a.opts.MaxSteps {
			res.Status = StatusStepLimit
			res.Incomplete = true
			return res, nil
		}

		entry := set.Pop()
		res.Steps++

		outcome, err := a.step(ctx, set, graph, entry, &res)
		if err != nil {
			return res, err
		}
		if outcome != stepContinue {
			res.Status = outcome.status()
			return res, nil
		}

		a.progress.Do(func() {
			a.logger.Debug("fixpoint progress",
				slog.Int("steps", res.Steps),
				slog.Int("reached", set.Size()),
				slog.Int("waiting", set.WaitlistSize()),
			)
		})
	}
	return res, nil
}

type stepOutcome int

const (
	stepContinue stepOutcome = iota
	stepTarget
	stepBreak
	stepCancelled
)

func (o stepOutcome) status() Status {
	switch o {
	case stepTarget:
		return StatusTargetFound
	case stepBreak:
		return StatusInterrupted
	case stepCancelled:
		return StatusCancelled
	default:
		return StatusWaitlistEmpty
	}
}

// step processes one popped entry.
func (a *Algorithm) step(ctx context.Context, set *reached.Set, graph *arg.Graph, entry reached.Entry, res *Result) (stepOutcome, error) {
	successors, err := a.successors(ctx, entry)
	if err != nil {
		if ctx.Err() != nil {
			if rqErr := set.Requeue(entry.Node); rqErr != nil {
				return stepCancelled, domain.Fatalf(domain.KindInvariant, "requeue", "%v", rqErr)
			}
			return stepCancelled, nil
		}
		if domain.IsRecoverable(err) {
			a.recordFailure(res, entry, err)
			return stepContinue, nil
		}
		return stepContinue, asFatal("transfer", err)
	}

	for i, successor := range successors {
		res.Successors++
		outcome, err := a.handleSuccessor(set, graph, entry, successor, res)
		if err != nil {
			if domain.IsRecoverable(err) {
				a.recordFailure(res, entry, err)
				continue
			}
			return stepContinue, err
		}
		if outcome == stepContinue {
			continue
		}
		// Successors not handled yet would be lost; explore the element again
		// when the run resumes.
		if i < len(successors)-1 {
			if rqErr := set.Requeue(graph.Resolve(entry.Node)); rqErr != nil && !errors.Is(rqErr, reached.ErrNotReached) {
				return outcome, domain.Fatalf(domain.KindInvariant, "requeue", "%v", rqErr)
			}
		}
		return outcome, nil
	}
	return stepContinue, nil
}

// successors runs the transfer relation under the per-element budget.
func (a *Algorithm) successors(ctx context.Context, entry reached.Entry) ([]domain.AbstractState, error) {
	tctx := ctx
	if a.opts.TransferTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, a.opts.TransferTimeout)
		defer cancel()
	}
	return a.transfer.Successors(tctx, entry.State, entry.Precision)
}

// handleSuccessor applies precision adjustment, merge and stop to one
// successor and records it.
func (a *Algorithm) handleSuccessor(set *reached.Set, graph *arg.Graph, entry reached.Entry, successor domain.AbstractState, res *Result) (stepOutcome, error) {
	loc := domain.ExtractLocation(successor)

	state, precision, action, err := a.adjust.Adjust(successor, entry.Precision, states(set.Reached(loc)))
	if err != nil {
		return stepContinue, asFatal("precision adjustment", err)
	}
	if adjusted := domain.ExtractLocation(state); adjusted != loc {
		return stepContinue, domain.Fatalf(domain.KindInvariant, "precision adjustment", "moved state from %s to %s", loc, adjusted)
	}

	siblings := set.Reached(loc)
	candidate := state
	merged := false

	if !domain.IsMergeSep(a.merge) {
		for _, sibling := range siblings {
			out, err := a.merge.Merge(state, sibling.State, precision)
			if err != nil {
				return stepContinue, asFatal("merge", err)
			}
			if out.Equal(sibling.State) {
				continue
			}
			if a.opts.CheckMergeMonotonicity && !a.order.LessOrEqual(sibling.State, out) {
				return stepContinue, domain.Fatalf(domain.KindInvariant, "merge",
					"merge of %s into %s produced %s, which is not above the sibling", state, sibling.State, out)
			}

			id, err := graph.Replace(sibling.Node, out, precision)
			if err != nil {
				return stepContinue, domain.Fatalf(domain.KindInvariant, "merge", "%v", err)
			}
			if err := graph.AddChild(graph.Resolve(entry.Node), id); err != nil {
				return stepContinue, domain.Fatalf(domain.KindInvariant, "merge", "%v", err)
			}
			set.Remove(sibling.Node)
			if err := set.Add(reached.Entry{Node: id, State: out, Precision: precision, Location: loc}); err != nil {
				return stepContinue, domain.Fatalf(domain.KindInvariant, "merge", "%v", err)
			}

			res.Merges++
			merged = true
			candidate = out
		}
		siblings = set.Reached(loc)
	}

	covered, err := a.stop.Stop(candidate, states(siblings), precision)
	if err != nil {
		return stepContinue, asFatal("stop", err)
	}

	parent := graph.Resolve(entry.Node)

	if covered {
		res.Covered++
		if a.opts.KeepCoveredNodes && !merged {
			if err := a.keepCovered(graph, parent, candidate, precision, siblings); err != nil {
				return stepContinue, err
			}
		}
		if action == domain.Break {
			return stepBreak, nil
		}
		return stepContinue, nil
	}

	id := graph.Create(candidate, precision)
	if err := graph.AddChild(parent, id); err != nil {
		return stepContinue, domain.Fatalf(domain.KindInvariant, "add successor", "%v", err)
	}
	if err := set.Add(reached.Entry{Node: id, State: candidate, Precision: precision, Location: loc}); err != nil {
		return stepContinue, domain.Fatalf(domain.KindInvariant, "add successor", "%v", err)
	}

	if candidate.IsTarget() {
		res.Target = id
		a.logger.Debug("target state reached",
			slog.Int("node", int(id)),
			slog.String("location", loc.String()),
		)
		if a.opts.StopAfterError {
			return stepTarget, nil
		}
	}
	if action == domain.Break {
		return stepBreak, nil
	}
	return stepContinue, nil
}

// keepCovered materializes a covered successor under parent, covered by the
// first sibling above it. Without such a sibling (coverage by a join of
// several) nothing is recorded.
func (a *Algorithm) keepCovered(graph *arg.Graph, parent arg.NodeID, state domain.AbstractState, precision domain.Precision, siblings []reached.Entry) error {
	for _, sibling := range siblings {
		if !a.order.LessOrEqual(state, sibling.State) {
			continue
		}
		id := graph.Create(state, precision)
		if err := graph.AddChild(parent, id); err != nil {
			return domain.Fatalf(domain.KindInvariant, "cover", "%v", err)
		}
		if err := graph.MarkCovered(id, sibling.Node); err != nil {
			return domain.Fatalf(domain.KindInvariant, "cover", "%v", err)
		}
		return nil
	}
	return nil
}

func (a *Algorithm) recordFailure(res *Result, entry reached.Entry, err error) {
	res.Incomplete = true
	res.Failures = append(res.Failures, TransferFailure{
		Node:     entry.Node,
		State:    entry.State.String(),
		Location: entry.Location.String(),
		Err:      err,
	})
	a.logger.Warn("transfer failed, dropping element",
		slog.Int("node", int(entry.Node)),
		slog.String("location", entry.Location.String()),
		slog.String("error", err.Error()),
	)
}

func states(entries []reached.Entry) []domain.AbstractState {
	out := make([]domain.AbstractState, len(entries))
	for i, e := range entries {
		out[i] = e.State
	}
	return out
}

// asFatal keeps fatal errors and element failures as they are and tags
// everything else as a configuration error of the analysis.
func asFatal(op string, err error) error {
	var fatal *domain.FatalError
	if errors.As(err, &fatal) || errors.Is(err, domain.ErrElementFailure) {
		return err
	}
	return &domain.FatalError{Kind: domain.KindConfiguration, Op: op, Err: err}
}
