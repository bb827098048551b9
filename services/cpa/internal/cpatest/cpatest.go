// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cpatest provides small CFAs and a scriptable toy analysis for
// testing the analysis engine.
package cpatest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

// =============================================================================
// CFAs
// =============================================================================

// Single returns a CFA with one location and no edges.
func Single(t testing.TB) *cfa.CFA {
	t.Helper()
	c, err := cfa.NewBuilder("main").Entry("l0").Build()
	require.NoError(t, err)
	return c
}

// Branch returns a -> {b, c}.
func Branch(t testing.TB) *cfa.CFA {
	t.Helper()
	c, err := cfa.NewBuilder("main").
		Entry("a").
		Blank("a", "b").
		Blank("a", "c").
		Build()
	require.NoError(t, err)
	return c
}

// Diamond returns a -> {b, c} -> d.
func Diamond(t testing.TB) *cfa.CFA {
	t.Helper()
	c, err := cfa.NewBuilder("main").
		Entry("a").
		Blank("a", "b").
		Blank("a", "c").
		Blank("b", "d").
		Blank("c", "d").
		Build()
	require.NoError(t, err)
	return c
}

// Fanin returns a -> {b, c, e} -> d.
func Fanin(t testing.TB) *cfa.CFA {
	t.Helper()
	c, err := cfa.NewBuilder("main").
		Entry("a").
		Blank("a", "b").
		Blank("a", "c").
		Blank("a", "e").
		Blank("b", "d").
		Blank("c", "d").
		Blank("e", "d").
		Build()
	require.NoError(t, err)
	return c
}

// Loop returns entry -> head, head -> body -> head, head -> exit.
func Loop(t testing.TB) *cfa.CFA {
	t.Helper()
	c, err := cfa.NewBuilder("main").
		Entry("entry").
		Blank("entry", "head").
		Blank("head", "body").
		Blank("body", "head").
		Blank("head", "exit").
		Build()
	require.NoError(t, err)
	return c
}

// Target returns a -> b -> err, a -> c, with err an error location.
func Target(t testing.TB) *cfa.CFA {
	t.Helper()
	c, err := cfa.NewBuilder("main").
		Entry("a").
		Error("err").
		Blank("a", "b").
		Blank("a", "c").
		Blank("b", "err").
		Build()
	require.NoError(t, err)
	return c
}

// Fanout returns a -> {err, b, c}, with err an error location.
func Fanout(t testing.TB) *cfa.CFA {
	t.Helper()
	c, err := cfa.NewBuilder("main").
		Entry("a").
		Error("err").
		Blank("a", "err").
		Blank("a", "b").
		Blank("a", "c").
		Build()
	require.NoError(t, err)
	return c
}

// Node looks up a location by name.
func Node(t testing.TB, c *cfa.CFA, name string) *cfa.Node {
	t.Helper()
	n, ok := c.Node(name)
	require.True(t, ok, "no location %q", name)
	return n
}

// =============================================================================
// Toy analysis
// =============================================================================

// State is a location plus an integer payload. It is a target at error
// locations.
type State struct {
	Loc   *cfa.Node
	Value int
}

// IsTarget reports whether the location is an error location.
func (s State) IsTarget() bool {
	return s.Loc != nil && s.Loc.IsError
}

// Equal compares location and payload.
func (s State) Equal(other domain.AbstractState) bool {
	o, ok := other.(State)
	return ok && o.Loc == s.Loc && o.Value == s.Value
}

func (s State) String() string {
	return fmt.Sprintf("%s:%d", s.Loc, s.Value)
}

// Location returns the location.
func (s State) Location() *cfa.Node {
	return s.Loc
}

// Precision is an opaque label.
type Precision string

func (p Precision) String() string {
	return string(p)
}

// Exact orders states by equality only.
type Exact struct{}

// LessOrEqual reports a == b.
func (Exact) LessOrEqual(a, b domain.AbstractState) bool {
	return a.Equal(b)
}

// Max orders states at the same location by payload.
type Max struct{}

// LessOrEqual reports a.Value <= b.Value at the same location.
func (Max) LessOrEqual(a, b domain.AbstractState) bool {
	x, okA := a.(State)
	y, okB := b.(State)
	return okA && okB && x.Loc == y.Loc && x.Value <= y.Value
}

// Join keeps the larger payload.
func (Max) Join(a, b domain.AbstractState) (domain.AbstractState, error) {
	x, okA := a.(State)
	y, okB := b.(State)
	if !okA || !okB || x.Loc != y.Loc {
		return nil, fmt.Errorf("join %s with %s: %w", a, b, domain.ErrTypeMismatch)
	}
	if y.Value > x.Value {
		return y, nil
	}
	return x, nil
}

// Analysis is a toy CPA over State.
//
// Successors follow the leaving edges of a state's location, computing the
// payload with Step. Every hook is optional.
type Analysis struct {
	// Step computes a successor payload. Nil keeps the payload.
	Step func(value int, edge *cfa.Edge) int

	// Fail, when it returns an error, fails the transfer of s.
	Fail func(s State) error

	// Block runs before successors are computed; use it to simulate slow
	// transfers.
	Block func(ctx context.Context) error

	Order     domain.Order
	MergeOp   domain.MergeOperator
	StopOp    domain.StopOperator
	AdjustOp  domain.PrecisionAdjustment
	Initial   int
	Precision domain.Precision

	// Calls counts transfer invocations.
	Calls int
}

var (
	_ domain.CPA              = (*Analysis)(nil)
	_ domain.TransferRelation = (*Analysis)(nil)
)

// Domain returns Order, or Exact.
func (a *Analysis) Domain() domain.Order {
	if a.Order == nil {
		return Exact{}
	}
	return a.Order
}

func (a *Analysis) Transfer() domain.TransferRelation { return a }

func (a *Analysis) Merge() domain.MergeOperator { return a.MergeOp }

// Stop returns StopOp, or stop-sep over Domain.
func (a *Analysis) Stop() domain.StopOperator {
	if a.StopOp == nil {
		return domain.StopSep{Order: a.Domain()}
	}
	return a.StopOp
}

func (a *Analysis) PrecisionAdjustment() domain.PrecisionAdjustment { return a.AdjustOp }

// InitialState returns the Initial payload at node.
func (a *Analysis) InitialState(node *cfa.Node) domain.AbstractState {
	return State{Loc: node, Value: a.Initial}
}

// InitialPrecision returns Precision, or "p0".
func (a *Analysis) InitialPrecision(*cfa.Node) domain.Precision {
	if a.Precision == nil {
		return Precision("p0")
	}
	return a.Precision
}

// Successors follows the leaving edges of the state's location.
func (a *Analysis) Successors(ctx context.Context, state domain.AbstractState, _ domain.Precision) ([]domain.AbstractState, error) {
	a.Calls++
	if a.Block != nil {
		if err := a.Block(ctx); err != nil {
			return nil, err
		}
	}
	s, ok := state.(State)
	if !ok {
		return nil, fmt.Errorf("successors of %s: %w", state, domain.ErrTypeMismatch)
	}
	if a.Fail != nil {
		if err := a.Fail(s); err != nil {
			return nil, err
		}
	}

	var out []domain.AbstractState
	for _, e := range s.Loc.Leaving() {
		v := s.Value
		if a.Step != nil {
			v = a.Step(v, e)
		}
		out = append(out, State{Loc: e.To, Value: v})
	}
	return out, nil
}

// WaitForCancel blocks until ctx ends and returns its error.
func WaitForCancel(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// BreakAt returns a precision adjustment that breaks on states at loc.
func BreakAt(loc *cfa.Node) domain.PrecisionAdjustment {
	return breakAt{loc: loc}
}

type breakAt struct {
	loc *cfa.Node
}

func (b breakAt) Adjust(state domain.AbstractState, precision domain.Precision, _ []domain.AbstractState) (domain.AbstractState, domain.Precision, domain.Action, error) {
	if domain.ExtractLocation(state) == b.loc {
		return state, precision, domain.Break, nil
	}
	return state, precision, domain.Continue, nil
}
