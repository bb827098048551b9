// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"context"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
)

// -----------------------------------------------------------------------------
// States and Precisions
// -----------------------------------------------------------------------------

// AbstractState is one element of an abstract domain.
//
// Equal is the domain's structural equality. It is used to decide whether a
// merge changed a reached state.
type AbstractState interface {
	IsTarget() bool
	Equal(other AbstractState) bool
	String() string
}

// LocationAware is implemented by states that know their program location.
type LocationAware interface {
	Location() *cfa.Node
}

// Precision configures how coarse an abstraction is. Opaque to the engine.
type Precision interface {
	String() string
}

// ExtractLocation returns the location of a state, or nil if the state does
// not track one.
func ExtractLocation(s AbstractState) *cfa.Node {
	if la, ok := s.(LocationAware); ok {
		return la.Location()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Operators
// -----------------------------------------------------------------------------

// Order is the domain's partial order.
type Order interface {
	// LessOrEqual reports a ⊑ b.
	LessOrEqual(a, b AbstractState) bool
}

// Joiner computes least upper bounds.
type Joiner interface {
	Join(a, b AbstractState) (AbstractState, error)
}

// TransferRelation computes abstract successors.
//
// The context carries the per-element transfer budget. Implementations that
// loop should check it; exceeding it is a recoverable failure for the
// element, not for the run.
type TransferRelation interface {
	Successors(ctx context.Context, state AbstractState, precision Precision) ([]AbstractState, error)
}

// MergeOperator combines a successor with a reached sibling.
type MergeOperator interface {
	Merge(successor, reached AbstractState, precision Precision) (AbstractState, error)
}

// StopOperator decides coverage of a successor by its reached siblings.
type StopOperator interface {
	Stop(successor AbstractState, reached []AbstractState, precision Precision) (bool, error)
}

// Action tells the engine how to continue after precision adjustment.
type Action int

const (
	// Continue keeps exploring.
	Continue Action = iota

	// Break adds the adjusted successor and then stops the fixpoint loop.
	Break
)

// String returns "continue" or "break".
func (a Action) String() string {
	if a == Break {
		return "break"
	}
	return "continue"
}

// PrecisionAdjustment may replace a successor's state and precision before
// it is merged and checked for coverage. reached holds the states already
// at the successor's location.
type PrecisionAdjustment interface {
	Adjust(state AbstractState, precision Precision, reached []AbstractState) (AbstractState, Precision, Action, error)
}

// CPA bundles the operators of one analysis.
//
// Merge and PrecisionAdjustment may return nil; the engine then uses
// MergeSep and StaticPrecisionAdjustment.
type CPA interface {
	Domain() Order
	Transfer() TransferRelation
	Merge() MergeOperator
	Stop() StopOperator
	PrecisionAdjustment() PrecisionAdjustment
	InitialState(node *cfa.Node) AbstractState
	InitialPrecision(node *cfa.Node) Precision
}

// MergeOf returns the CPA's merge operator, defaulting to MergeSep.
func MergeOf(c CPA) MergeOperator {
	if m := c.Merge(); m != nil {
		return m
	}
	return MergeSep{}
}

// PrecisionAdjustmentOf returns the CPA's precision adjustment, defaulting to
// StaticPrecisionAdjustment.
func PrecisionAdjustmentOf(c CPA) PrecisionAdjustment {
	if p := c.PrecisionAdjustment(); p != nil {
		return p
	}
	return StaticPrecisionAdjustment{}
}

// IsMergeSep reports whether m never merges.
func IsMergeSep(m MergeOperator) bool {
	switch m.(type) {
	case nil, MergeSep, *MergeSep:
		return true
	}
	return false
}
