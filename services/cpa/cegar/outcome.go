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
	"errors"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
	"github.com/AleutianAI/AleutianCPA/services/cpa/reached"
)

// ErrRefinementExhausted is returned by a Refiner that found the
// counterexample spurious-looking but could not refine the abstraction any
// further. The loop reports the target as Unsafe.
var ErrRefinementExhausted = errors.New("refinement exhausted")

// Readd is one pair to put back on the waitlist after a refinement.
type Readd struct {
	// Node is the ARG node the pair belongs to.
	Node arg.NodeID

	// State, when set, replaces the node's state. A fresh node is created
	// under Node's parents and Node itself is discarded. When nil, Node is
	// re-added with its current state.
	State domain.AbstractState

	// Precision to explore with. Nil keeps the node's last precision.
	Precision domain.Precision
}

// RefinementOutcome describes how the reached set and ARG must change after
// a refinement. Refiners never mutate either structure themselves.
type RefinementOutcome struct {
	// Performed is false when the counterexample is genuine.
	Performed bool

	// Root is the ARG node whose descendants are discarded.
	Root arg.NodeID

	// ToUnreach lists nodes to remove from the reached set. Every entry must
	// be Root or one of its descendants.
	ToUnreach []arg.NodeID

	// ToWaitlist lists pairs to re-explore.
	ToWaitlist []Readd
}

// NotPerformed is the outcome of a refiner that confirmed the
// counterexample.
func NotPerformed() RefinementOutcome {
	return RefinementOutcome{Root: arg.None}
}

// Refiner decides whether the target at the end of the reached set is
// reachable and, if not, how to prune and re-explore.
//
// The reached set and graph are read-only views. The last entry of the
// reached set is the target that triggered the refinement.
type Refiner interface {
	PerformRefinement(ctx context.Context, set reached.View, graph arg.View) (RefinementOutcome, error)
}

// RefinerFunc adapts a function to the Refiner interface.
type RefinerFunc func(ctx context.Context, set reached.View, graph arg.View) (RefinementOutcome, error)

// PerformRefinement calls f.
func (f RefinerFunc) PerformRefinement(ctx context.Context, set reached.View, graph arg.View) (RefinementOutcome, error) {
	return f(ctx, set, graph)
}
