// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package location implements the location analysis: one abstract state per
// CFA node, following the control flow exactly. States at error locations
// are targets.
//
// The location analysis carries no data. It is combined with data analyses
// through domain.Composite, where it provides the location of every state.
package location

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

// State is the current program location.
type State struct {
	node *cfa.Node
}

// NewState returns the state at node.
func NewState(node *cfa.Node) State {
	return State{node: node}
}

// IsTarget reports whether the location is an error location.
func (s State) IsTarget() bool {
	return s.node != nil && s.node.IsError
}

// Equal compares locations.
func (s State) Equal(other domain.AbstractState) bool {
	o, ok := other.(State)
	return ok && o.node == s.node
}

func (s State) String() string {
	return "@" + s.node.String()
}

// Location returns the CFA node.
func (s State) Location() *cfa.Node {
	return s.node
}

// CPA is the location analysis.
type CPA struct{}

var _ domain.CPA = CPA{}

// New returns the location analysis.
func New() CPA {
	return CPA{}
}

// Domain orders states by equality; the lattice is flat.
func (CPA) Domain() domain.Order { return order{} }

// Transfer follows CFA edges.
func (CPA) Transfer() domain.TransferRelation { return transfer{} }

// Merge never merges.
func (CPA) Merge() domain.MergeOperator { return domain.MergeSep{} }

// Stop covers a state reached before at the same location.
func (CPA) Stop() domain.StopOperator { return domain.StopSep{Order: order{}} }

// PrecisionAdjustment is static.
func (CPA) PrecisionAdjustment() domain.PrecisionAdjustment { return nil }

// InitialState returns the state at node.
func (CPA) InitialState(node *cfa.Node) domain.AbstractState { return NewState(node) }

// InitialPrecision returns nil; the analysis has no precision.
func (CPA) InitialPrecision(*cfa.Node) domain.Precision { return nil }

type order struct{}

func (order) LessOrEqual(a, b domain.AbstractState) bool {
	return a.Equal(b)
}

type transfer struct{}

var _ domain.EdgeTransferRelation = transfer{}

func (transfer) Successors(ctx context.Context, state domain.AbstractState, _ domain.Precision) ([]domain.AbstractState, error) {
	s, err := asState(state)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	leaving := s.node.Leaving()
	out := make([]domain.AbstractState, 0, len(leaving))
	for _, e := range leaving {
		out = append(out, NewState(e.To))
	}
	return out, nil
}

func (transfer) SuccessorsForEdge(_ context.Context, state domain.AbstractState, _ domain.Precision, edge *cfa.Edge) ([]domain.AbstractState, error) {
	s, err := asState(state)
	if err != nil {
		return nil, err
	}
	if edge.From != s.node {
		return nil, nil
	}
	return []domain.AbstractState{NewState(edge.To)}, nil
}

func asState(state domain.AbstractState) (State, error) {
	s, ok := state.(State)
	if !ok || s.node == nil {
		return State{}, fmt.Errorf("location transfer: %w: got %T", domain.ErrTypeMismatch, state)
	}
	return s, nil
}
