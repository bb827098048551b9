// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cegar drives counterexample-guided abstraction refinement.
//
// The loop alternates exploration (a fixpoint run that stops at the first
// target) with refinement. A Refiner inspects the target and either
// confirms it, which ends the run as Unsafe, or returns a RefinementOutcome
// describing which part of the ARG to discard and what to re-explore. The
// loop applies the outcome and explores again. A run without a reachable
// target ends as Safe.
package cegar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
	"github.com/AleutianAI/AleutianCPA/services/cpa/fixpoint"
	"github.com/AleutianAI/AleutianCPA/services/cpa/reached"
)

// DefaultGCInterval is the number of refinements between maintenance calls.
const DefaultGCInterval = 100

// Status is the terminal status of a run.
type Status int

const (
	// StatusUnknown is the status of a run that ended with a fatal error.
	StatusUnknown Status = iota

	// StatusSafe means no target is reachable in the explored state space.
	StatusSafe

	// StatusUnsafe means a target was confirmed reachable.
	StatusUnsafe

	// StatusRefinementFailed means the refinement budget ran out with a
	// target still reachable.
	StatusRefinementFailed

	// StatusCancelled means the run was stopped from outside.
	StatusCancelled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusSafe:
		return "safe"
	case StatusUnsafe:
		return "unsafe"
	case StatusRefinementFailed:
		return "refinement_failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MaintenanceHook is called every GCInterval refinements.
type MaintenanceHook func()

// Options configures a Loop.
type Options struct {
	// MaxRefinements bounds the number of refinements. Zero means no bound.
	MaxRefinements int

	// GCInterval is the number of refinements between maintenance calls.
	// Zero means DefaultGCInterval.
	GCInterval int

	// Maintenance runs every GCInterval refinements. Nil means runtime.GC.
	Maintenance MaintenanceHook

	// CheckARG verifies the ARG and reached set after every refinement.
	CheckARG bool

	// Logger receives refinement messages. Nil means slog.Default().
	Logger *slog.Logger
}

// Result is the outcome of a run.
type Result struct {
	// Status is StatusUnknown whenever Run returns an error.
	Status Status

	// Reached and ARG are the structures as they were at termination.
	Reached *reached.Set
	ARG     *arg.Graph

	// Target is the last target node, or arg.None.
	Target arg.NodeID

	// Counterexample is the path to Target for Unsafe and RefinementFailed
	// results.
	Counterexample *arg.Path

	// RefinementExhausted is set when the refiner gave up on the target.
	RefinementExhausted bool

	// Incomplete is set when exploration dropped elements or hit its step
	// limit; a Safe result is then not a proof.
	Incomplete bool
	Failures   []fixpoint.TransferFailure

	Statistics RunStatistics
}

// Loop runs the refinement loop around one fixpoint algorithm.
type Loop struct {
	alg     *fixpoint.Algorithm
	refiner Refiner
	opts    Options
	logger  *slog.Logger
}

// New builds a Loop. A nil refiner confirms every target.
//
// The algorithm must stop after the first target; otherwise the last
// reached entry would not identify the counterexample.
func New(alg *fixpoint.Algorithm, refiner Refiner, opts Options) (*Loop, error) {
	if alg == nil {
		return nil, domain.Fatalf(domain.KindConfiguration, "cegar", "algorithm is nil")
	}
	if !alg.Options().StopAfterError {
		return nil, domain.Fatalf(domain.KindConfiguration, "cegar", "algorithm must stop after the first target")
	}
	if opts.MaxRefinements < 0 || opts.GCInterval < 0 {
		return nil, domain.Fatalf(domain.KindConfiguration, "cegar", "negative limits")
	}
	if opts.GCInterval == 0 {
		opts.GCInterval = DefaultGCInterval
	}
	if opts.Maintenance == nil {
		opts.Maintenance = runtime.GC
	}
	if refiner == nil {
		refiner = RefinerFunc(func(context.Context, reached.View, arg.View) (RefinementOutcome, error) {
			return NotPerformed(), nil
		})
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		alg:     alg,
		refiner: refiner,
		opts:    opts,
		logger:  logger.With(slog.String("component", "cegar")),
	}, nil
}

// Run explores and refines until a terminal status is reached.
//
// set and graph must be seeded (see fixpoint.Seed). The returned error is
// non-nil only for fatal conditions; the Result then still carries the
// statistics and structures at the time of failure.
func (l *Loop) Run(ctx context.Context, set *reached.Set, graph *arg.Graph) (Result, error) {
	ctx, span := startRunSpan(ctx)
	defer span.End()

	res, err := l.run(ctx, set, graph)
	if err != nil {
		res.Status = StatusUnknown
		res.Counterexample = nil
	}

	setRunSpanResult(span, res)
	status := res.Status.String()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status = "error"
		l.logger.Error("analysis failed",
			slog.String("error", err.Error()),
			slog.Any("stats", res.Statistics),
		)
	} else {
		l.logger.Info("analysis finished",
			slog.String("status", res.Status.String()),
			slog.Bool("incomplete", res.Incomplete),
			slog.Any("stats", res.Statistics),
		)
	}
	runsTotal.WithLabelValues(status).Inc()
	return res, err
}

func (l *Loop) run(ctx context.Context, set *reached.Set, graph *arg.Graph) (Result, error) {
	res := Result{Reached: set, ARG: graph, Target: arg.None}

	for {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return res, nil
		}

		start := time.Now()
		fr, err := l.alg.Run(ctx, set, graph)
		res.Statistics.addExploration(fr, set.Size(), time.Since(start))
		res.Failures = append(res.Failures, fr.Failures...)
		res.Incomplete = res.Incomplete || fr.Incomplete
		if err != nil {
			return res, err
		}

		switch fr.Status {
		case fixpoint.StatusCancelled:
			res.Status = StatusCancelled
			return res, nil
		case fixpoint.StatusStepLimit:
			res.Status = StatusCancelled
			res.Incomplete = true
			return res, nil
		}

		last, ok := set.Last()
		if !ok || !last.State.IsTarget() {
			if fr.Status == fixpoint.StatusInterrupted && set.HasWaiting() {
				continue
			}
			res.Status = StatusSafe
			res.Target = arg.None
			return res, nil
		}
		res.Target = last.Node

		if l.opts.MaxRefinements > 0 && res.Statistics.Refinements >= l.opts.MaxRefinements {
			l.logger.Warn("refinement limit reached",
				slog.Int("refinements", res.Statistics.Refinements),
				slog.Int("target", int(last.Node)),
			)
			res.Status = StatusRefinementFailed
			res.Counterexample = l.counterexample(graph, last.Node)
			return res, nil
		}

		outcome, err := l.refine(ctx, set, graph, &res.Statistics)
		switch {
		case errors.Is(err, ErrRefinementExhausted):
			l.logger.Info("refinement exhausted, reporting target",
				slog.Int("target", int(last.Node)),
				slog.String("reason", err.Error()),
			)
			res.Status = StatusUnsafe
			res.RefinementExhausted = true
			res.Counterexample = l.counterexample(graph, last.Node)
			return res, nil
		case err != nil && ctx.Err() != nil:
			res.Status = StatusCancelled
			return res, nil
		case err != nil:
			var fatal *domain.FatalError
			if errors.As(err, &fatal) {
				return res, err
			}
			return res, &domain.FatalError{Kind: domain.KindRefinement, Op: "refine", Err: err}
		}

		if !outcome.Performed {
			res.Status = StatusUnsafe
			res.Counterexample = l.counterexample(graph, last.Node)
			return res, nil
		}

		removed, err := l.apply(set, graph, outcome)
		if err != nil {
			return res, err
		}
		res.Target = arg.None
		res.Statistics.Refinements++
		res.Statistics.RemovedByRefinement += removed
		removedStates.Observe(float64(removed))

		l.logger.Info("refinement applied",
			slog.Int("refinement", res.Statistics.Refinements),
			slog.Int("root", int(outcome.Root)),
			slog.Int("removed", removed),
			slog.Int("readded", len(outcome.ToWaitlist)),
			slog.Int("reached", set.Size()),
		)

		if res.Statistics.Refinements%l.opts.GCInterval == 0 {
			l.opts.Maintenance()
			res.Statistics.MaintenanceCalls++
		}
	}
}

// refine calls the refiner and records its duration.
func (l *Loop) refine(ctx context.Context, set *reached.Set, graph *arg.Graph, stats *RunStatistics) (RefinementOutcome, error) {
	ctx, span := startRefineSpan(ctx, stats.Iterations)
	defer span.End()

	start := time.Now()
	outcome, err := l.refiner.PerformRefinement(ctx, set, graph)
	elapsed := time.Since(start)
	stats.RefinementTime += elapsed
	refinementDuration.Observe(elapsed.Seconds())

	result := "performed"
	switch {
	case errors.Is(err, ErrRefinementExhausted):
		result = "exhausted"
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !outcome.Performed:
		result = "genuine"
	}
	refinementsTotal.WithLabelValues(result).Inc()
	return outcome, err
}

func (l *Loop) counterexample(graph *arg.Graph, target arg.NodeID) *arg.Path {
	path, err := graph.Path(target)
	if err != nil {
		l.logger.Warn("no counterexample path",
			slog.Int("target", int(target)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return path
}

// -----------------------------------------------------------------------------
// Applying refinements
// -----------------------------------------------------------------------------

// apply prunes and re-seeds the reached set and ARG according to out. It
// returns the number of entries removed from the reached set.
//
// Parents outside the pruned subtree that lose a child, and parents of
// covered nodes whose cover was pruned, go back on the waitlist so their
// successors are recomputed.
func (l *Loop) apply(set *reached.Set, graph *arg.Graph, out RefinementOutcome) (int, error) {
	subtree, err := validate(graph, out)
	if err != nil {
		return 0, err
	}
	fail := func(err error) (int, error) {
		return 0, domain.Fatalf(domain.KindInvariant, "apply refinement", "%v", err)
	}

	removed := 0
	for _, id := range out.ToUnreach {
		if set.Remove(id) {
			removed++
		}
	}

	kept := make(map[arg.NodeID]bool)
	var forked []arg.NodeID
	for _, r := range out.ToWaitlist {
		node := graph.Node(r.Node)
		precision := r.Precision
		if precision == nil {
			precision = node.Precision
		}

		if r.State == nil {
			if err := graph.SetPrecision(r.Node, precision); err != nil {
				return fail(err)
			}
			set.Remove(r.Node)
			if err := set.Add(reached.Entry{Node: r.Node, State: node.State, Precision: precision}); err != nil {
				return fail(err)
			}
			kept[r.Node] = true
			continue
		}

		id, err := graph.Reinsert(r.Node, r.State, precision)
		if err != nil {
			return fail(err)
		}
		if err := set.Add(reached.Entry{Node: id, State: r.State, Precision: precision}); err != nil {
			return fail(err)
		}
		forked = append(forked, r.Node)
	}

	frontier := lostChildren(graph, out.Root, subtree)

	cleared, err := graph.ClearChildren(out.Root)
	if err != nil {
		return fail(err)
	}
	removed += set.RemoveAll(cleared.Removed)
	uncovered := cleared.Uncovered

	doomed := append(append([]arg.NodeID(nil), out.ToUnreach...), forked...)
	for _, id := range doomed {
		if kept[id] || !graph.Contains(id) {
			continue
		}
		if set.Remove(id) {
			removed++
		}
		r, err := graph.Detach(id)
		if err != nil {
			return fail(err)
		}
		uncovered = append(uncovered, r.Uncovered...)
	}

	for _, p := range frontier {
		if set.Contains(p) {
			if err := set.Requeue(p); err != nil {
				return fail(err)
			}
		}
	}
	if err := l.reexplore(set, graph, uncovered); err != nil {
		return fail(err)
	}

	if l.opts.CheckARG {
		if err := checkConsistency(set, graph); err != nil {
			return fail(err)
		}
	}
	return removed, nil
}

// reexplore handles nodes whose covering node was pruned. A covered leaf is
// dropped and its parents are explored again; anything else goes back on
// the waitlist itself.
func (l *Loop) reexplore(set *reached.Set, graph *arg.Graph, uncovered []arg.NodeID) error {
	for i := 0; i < len(uncovered); i++ {
		id := uncovered[i]
		node := graph.Node(id)
		if node == nil {
			continue
		}
		if set.Contains(id) {
			if err := set.Requeue(id); err != nil {
				return err
			}
			continue
		}
		if len(node.Children()) > 0 {
			if err := set.Add(reached.Entry{Node: id, State: node.State, Precision: node.Precision}); err != nil {
				return err
			}
			continue
		}

		parents := node.Parents()
		r, err := graph.Detach(id)
		if err != nil {
			return err
		}
		uncovered = append(uncovered, r.Uncovered...)
		for _, p := range parents {
			if set.Contains(p) {
				if err := set.Requeue(p); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// validate checks the outcome against the graph and returns the subtree of
// its root.
func validate(graph *arg.Graph, out RefinementOutcome) (map[arg.NodeID]bool, error) {
	if !graph.Contains(out.Root) {
		return nil, domain.Fatalf(domain.KindInvariant, "refinement outcome", "root %d is not in the ARG", out.Root)
	}
	subtree := make(map[arg.NodeID]bool)
	for _, id := range graph.Subtree(out.Root) {
		subtree[id] = true
	}
	for _, id := range out.ToUnreach {
		if !subtree[id] {
			return nil, domain.Fatalf(domain.KindInvariant, "refinement outcome", "node %d to unreach is outside the subtree of %d", id, out.Root)
		}
	}
	for _, r := range out.ToWaitlist {
		if !graph.Contains(r.Node) {
			return nil, domain.Fatalf(domain.KindInvariant, "refinement outcome", "node %d to re-add is not in the ARG", r.Node)
		}
		if r.Node != out.Root && subtree[r.Node] {
			return nil, domain.Fatalf(domain.KindInvariant, "refinement outcome", "node %d to re-add would be pruned with %d", r.Node, out.Root)
		}
	}
	return subtree, nil
}

// lostChildren returns the nodes outside the subtree of root that have a
// child inside it, excluding root.
func lostChildren(graph *arg.Graph, root arg.NodeID, subtree map[arg.NodeID]bool) []arg.NodeID {
	seen := make(map[arg.NodeID]bool)
	var out []arg.NodeID
	for _, id := range graph.Subtree(root)[1:] {
		for _, p := range graph.Node(id).Parents() {
			if subtree[p] || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func checkConsistency(set *reached.Set, graph *arg.Graph) error {
	if err := graph.Check(); err != nil {
		return err
	}
	if err := set.Check(); err != nil {
		return err
	}
	for _, e := range set.All() {
		if !graph.Contains(e.Node) {
			return fmt.Errorf("reached node %d is not in the ARG", e.Node)
		}
	}
	return nil
}
