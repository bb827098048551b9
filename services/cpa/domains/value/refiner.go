// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package value

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cegar"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
	"github.com/AleutianAI/AleutianCPA/services/cpa/reached"
)

// ErrNoValuePrecision is returned when the analysis carries no value
// precision to refine.
var ErrNoValuePrecision = errors.New("analysis has no value precision")

// Refiner checks counterexamples by replaying them with every variable
// tracked.
//
// If an assumption on the path is known to fail, the variables it reads,
// and transitively the variables assigned to them earlier on the path, are
// added to the precision and the whole ARG is re-explored from the root.
// Otherwise the counterexample is reported as genuine. Nondeterministic
// values stay unknown during replay, so a path is only rejected when its
// infeasibility follows from constants.
type Refiner struct {
	logger *slog.Logger
}

var _ cegar.Refiner = (*Refiner)(nil)

// NewRefiner returns a refiner. A nil logger means slog.Default().
func NewRefiner(logger *slog.Logger) *Refiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{logger: logger.With(slog.String("component", "value_refiner"))}
}

// PerformRefinement implements cegar.Refiner.
func (r *Refiner) PerformRefinement(ctx context.Context, set reached.View, graph arg.View) (cegar.RefinementOutcome, error) {
	last, ok := set.Last()
	if !ok || !last.State.IsTarget() {
		return cegar.RefinementOutcome{}, errors.New("value refiner: last reached state is not a target")
	}
	path, err := graph.Path(last.Node)
	if err != nil {
		return cegar.RefinementOutcome{}, fmt.Errorf("value refiner: %w", err)
	}

	at, err := replay(ctx, path)
	if err != nil {
		return cegar.RefinementOutcome{}, fmt.Errorf("value refiner: %w", err)
	}
	if at < 0 {
		r.logger.Info("counterexample is feasible",
			slog.Int("target", int(last.Node)),
			slog.Int("length", path.Len()),
		)
		return cegar.NotPerformed(), nil
	}

	current, ok := domain.ComponentPrecision[*Precision](last.Precision)
	if !ok {
		return cegar.RefinementOutcome{}, fmt.Errorf("value refiner: %w", ErrNoValuePrecision)
	}
	vars := relevantVars(path.Edges, at)
	refined, added := current.Track(vars...)
	if !added {
		return cegar.RefinementOutcome{}, fmt.Errorf("path infeasible at %s but %v are already tracked: %w",
			path.Edges[at], vars, cegar.ErrRefinementExhausted)
	}

	root := graph.Root()
	next, ok := domain.ReplacePrecision(graph.Node(root).Precision, refined)
	if !ok {
		return cegar.RefinementOutcome{}, fmt.Errorf("value refiner: root: %w", ErrNoValuePrecision)
	}

	r.logger.Info("counterexample is infeasible",
		slog.Int("target", int(last.Node)),
		slog.String("edge", path.Edges[at].String()),
		slog.String("precision", refined.String()),
	)
	return cegar.RefinementOutcome{
		Performed:  true,
		Root:       root,
		ToUnreach:  []arg.NodeID{root},
		ToWaitlist: []cegar.Readd{{Node: root, Precision: next}},
	}, nil
}

// replay runs the path with every variable tracked and returns the index of
// the first edge that cannot be taken, or -1. An edge whose evaluation fails
// on the replayed values, such as a division by zero, cannot be taken
// either.
func replay(ctx context.Context, path *arg.Path) (int, error) {
	state := Empty()
	all := All()
	for i, edge := range path.Edges {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		if edge == nil {
			return -1, fmt.Errorf("path step %d has no CFA edge", i)
		}
		next, feasible, err := Step(state, all, edge)
		if domain.IsRecoverable(err) {
			return i, nil
		}
		if err != nil {
			return -1, fmt.Errorf("replaying %s: %w", edge, err)
		}
		if !feasible {
			return i, nil
		}
		state = next
	}
	return -1, nil
}

// relevantVars returns the variables read by the edge at index at, plus
// those assigned to them earlier on the path. The variable assigned by the
// edge itself is included so that exploration evaluates the failing
// assignment.
func relevantVars(edges []*cfa.Edge, at int) []string {
	vars := make(map[string]bool)
	if edges[at].Kind == cfa.EdgeAssign {
		vars[edges[at].Var] = true
	}
	for _, v := range Vars(edges[at].Expr) {
		vars[v] = true
	}
	for i := at - 1; i >= 0; i-- {
		e := edges[i]
		if e.Kind != cfa.EdgeAssign || !vars[e.Var] {
			continue
		}
		for _, v := range Vars(e.Expr) {
			vars[v] = true
		}
	}

	out := make([]string, 0, len(vars))
	for v := range vars {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
