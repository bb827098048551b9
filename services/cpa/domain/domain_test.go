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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
)

// -----------------------------------------------------------------------------
// Test domain: a set of small integers ordered by inclusion.
// -----------------------------------------------------------------------------

type bits uint8

func (b bits) IsTarget() bool { return b&0x80 != 0 }
func (b bits) String() string { return fmt.Sprintf("%08b", uint8(b)) }

func (b bits) Equal(other AbstractState) bool {
	o, ok := other.(bits)
	return ok && o == b
}

type bitsOrder struct{}

func (bitsOrder) LessOrEqual(a, b AbstractState) bool {
	x, ok1 := a.(bits)
	y, ok2 := b.(bits)
	return ok1 && ok2 && x&^y == 0
}

type bitsJoin struct{}

func (bitsJoin) Join(a, b AbstractState) (AbstractState, error) {
	x, ok1 := a.(bits)
	y, ok2 := b.(bits)
	if !ok1 || !ok2 {
		return nil, ErrTypeMismatch
	}
	return x | y, nil
}

type locState struct{ node *cfa.Node }

func (s locState) IsTarget() bool { return s.node.IsError }
func (s locState) Equal(other AbstractState) bool {
	o, ok := other.(locState)
	return ok && o.node == s.node
}
func (s locState) String() string      { return s.node.Name }
func (s locState) Location() *cfa.Node { return s.node }

type namedPrecision string

func (p namedPrecision) String() string { return string(p) }

// -----------------------------------------------------------------------------
// Standard operators
// -----------------------------------------------------------------------------

func TestMergeSep_ReturnsReached(t *testing.T) {
	out, err := MergeSep{}.Merge(bits(1), bits(2), nil)
	require.NoError(t, err)
	assert.Equal(t, bits(2), out)
	assert.True(t, IsMergeSep(MergeSep{}))
	assert.True(t, IsMergeSep(nil))
	assert.False(t, IsMergeSep(MergeJoin{Joiner: bitsJoin{}}))
}

func TestMergeJoin_IsAboveReached(t *testing.T) {
	m := MergeJoin{Joiner: bitsJoin{}}
	out, err := m.Merge(bits(0b01), bits(0b10), nil)
	require.NoError(t, err)
	assert.Equal(t, bits(0b11), out)
	assert.True(t, bitsOrder{}.LessOrEqual(bits(0b10), out))
}

func TestStopOperators(t *testing.T) {
	reached := []AbstractState{bits(0b001), bits(0b110)}

	tests := []struct {
		name string
		op   StopOperator
		succ bits
		want bool
	}{
		{"sep covered by one", StopSep{Order: bitsOrder{}}, 0b100, true},
		{"sep needs both", StopSep{Order: bitsOrder{}}, 0b101, false},
		{"join covered by union", StopJoin{Order: bitsOrder{}, Joiner: bitsJoin{}}, 0b101, true},
		{"join not covered", StopJoin{Order: bitsOrder{}, Joiner: bitsJoin{}}, 0b1000, false},
		{"never", StopNever{}, 0b001, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.Stop(tt.succ, reached, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	covered, err := StopJoin{Order: bitsOrder{}, Joiner: bitsJoin{}}.Stop(bits(1), nil, nil)
	require.NoError(t, err)
	assert.False(t, covered, "nothing covers against an empty reached set")
}

func TestStaticPrecisionAdjustment(t *testing.T) {
	s, p, action, err := StaticPrecisionAdjustment{}.Adjust(bits(3), namedPrecision("p"), nil)
	require.NoError(t, err)
	assert.Equal(t, bits(3), s)
	assert.Equal(t, namedPrecision("p"), p)
	assert.Equal(t, Continue, action)
	assert.Equal(t, "break", Break.String())
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"element failure", NewElementFailure("division by zero", nil), true},
		{"wrapped element failure", fmt.Errorf("edge x: %w", NewElementFailure("gave up", errors.New("boom"))), true},
		{"transfer deadline", fmt.Errorf("solver: %w", context.DeadlineExceeded), true},
		{"fatal", Fatalf(KindConfiguration, "transfer", "no edge"), false},
		{"plain", errors.New("disk on fire"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}

func TestFatalError_Is(t *testing.T) {
	err := fmt.Errorf("run: %w", Fatalf(KindInvariant, "merge", "merged state below sibling"))
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.NotErrorIs(t, err, ErrConfiguration)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "merge", fatal.Op)
	assert.Contains(t, err.Error(), "invariant error in merge")
}

// -----------------------------------------------------------------------------
// Composite
// -----------------------------------------------------------------------------

type stubCPA struct {
	order    Order
	transfer TransferRelation
	merge    MergeOperator
	stop     StopOperator
	initial  AbstractState
	prec     Precision
}

func (c stubCPA) Domain() Order                            { return c.order }
func (c stubCPA) Transfer() TransferRelation               { return c.transfer }
func (c stubCPA) Merge() MergeOperator                     { return c.merge }
func (c stubCPA) Stop() StopOperator                       { return c.stop }
func (c stubCPA) PrecisionAdjustment() PrecisionAdjustment { return nil }
func (c stubCPA) InitialState(*cfa.Node) AbstractState     { return c.initial }
func (c stubCPA) InitialPrecision(*cfa.Node) Precision     { return c.prec }

type transferFunc func(AbstractState) []AbstractState

func (f transferFunc) Successors(_ context.Context, s AbstractState, _ Precision) ([]AbstractState, error) {
	return f(s), nil
}

type locOrder struct{}

func (locOrder) LessOrEqual(a, b AbstractState) bool { return a.Equal(b) }

func newTestComposite(t *testing.T, bitsMerge MergeOperator) (*Composite, *cfa.CFA) {
	t.Helper()
	c, err := cfa.NewBuilder("main").Entry("a").Blank("a", "b").Blank("a", "c").Build()
	require.NoError(t, err)

	loc := stubCPA{
		order: locOrder{},
		transfer: transferFunc(func(s AbstractState) []AbstractState {
			var out []AbstractState
			for _, e := range s.(locState).node.Leaving() {
				out = append(out, locState{e.To})
			}
			return out
		}),
		stop:    StopSep{Order: locOrder{}},
		initial: locState{c.Entry},
		prec:    namedPrecision("loc"),
	}
	val := stubCPA{
		order:    bitsOrder{},
		transfer: transferFunc(func(s AbstractState) []AbstractState { return []AbstractState{s.(bits) << 1, s.(bits)<<1 | 1} }),
		merge:    bitsMerge,
		stop:     StopSep{Order: bitsOrder{}},
		initial:  bits(1),
		prec:     namedPrecision("bits"),
	}

	comp, err := NewComposite(loc, val)
	require.NoError(t, err)
	return comp, c
}

func TestNewComposite_Empty(t *testing.T) {
	_, err := NewComposite()
	assert.ErrorIs(t, err, ErrEmptyComposite)
}

func TestComposite_TransferIsProduct(t *testing.T) {
	comp, c := newTestComposite(t, nil)
	init := comp.InitialState(c.Entry)
	prec := comp.InitialPrecision(c.Entry)

	assert.Equal(t, "(a, 00000001)", init.String())
	assert.Equal(t, "[loc, bits]", prec.String())
	assert.Equal(t, "a", ExtractLocation(init).Name)

	succ, err := comp.Transfer().Successors(context.Background(), init, prec)
	require.NoError(t, err)
	require.Len(t, succ, 4)
	assert.Equal(t, "(b, 00000010)", succ[0].String())
	assert.Equal(t, "(b, 00000011)", succ[1].String())
	assert.Equal(t, "(c, 00000010)", succ[2].String())
	assert.Equal(t, "(c, 00000011)", succ[3].String())
}

func TestComposite_MergeRequiresAgreementOnSepComponents(t *testing.T) {
	comp, c := newTestComposite(t, MergeJoin{Joiner: bitsJoin{}})
	b, _ := c.Node("b")
	cNode, _ := c.Node("c")

	merge := comp.Merge()
	require.NotNil(t, merge)

	reached := NewCompositeState(locState{b}, bits(0b01))
	out, err := merge.Merge(NewCompositeState(locState{b}, bits(0b10)), reached, nil)
	require.NoError(t, err)
	assert.Equal(t, "(b, 00000011)", out.String())

	out, err = merge.Merge(NewCompositeState(locState{cNode}, bits(0b10)), reached, nil)
	require.NoError(t, err)
	assert.Same(t, reached, out, "differing locations are never merged")

	out, err = merge.Merge(NewCompositeState(locState{b}, bits(0b01)), reached, nil)
	require.NoError(t, err)
	assert.Same(t, reached, out, "unchanged merge returns the sibling itself")
}

func TestComposite_MergeNilWhenAllSep(t *testing.T) {
	comp, _ := newTestComposite(t, nil)
	assert.Nil(t, comp.Merge())
	assert.True(t, IsMergeSep(MergeOf(comp)))
}

func TestComposite_StopAndOrder(t *testing.T) {
	comp, c := newTestComposite(t, nil)
	b, _ := c.Node("b")

	small := NewCompositeState(locState{b}, bits(0b01))
	big := NewCompositeState(locState{b}, bits(0b11))

	assert.True(t, comp.Domain().LessOrEqual(small, big))
	assert.False(t, comp.Domain().LessOrEqual(big, small))
	assert.False(t, comp.Domain().LessOrEqual(small, bits(1)))

	covered, err := comp.Stop().Stop(small, []AbstractState{big}, nil)
	require.NoError(t, err)
	assert.True(t, covered)

	covered, err = comp.Stop().Stop(big, []AbstractState{small}, nil)
	require.NoError(t, err)
	assert.False(t, covered)
}

func TestComposite_PrecisionAdjustmentKeepsEqualState(t *testing.T) {
	comp, c := newTestComposite(t, nil)
	init := comp.InitialState(c.Entry)

	s, p, action, err := comp.PrecisionAdjustment().Adjust(init, comp.InitialPrecision(c.Entry), nil)
	require.NoError(t, err)
	assert.Same(t, init, s)
	assert.Equal(t, "[loc, bits]", p.String())
	assert.Equal(t, Continue, action)
}

func TestComponentLookup(t *testing.T) {
	s := NewCompositeState(bits(5), NewCompositeState(namedState("inner")))

	b, ok := ComponentState[bits](s)
	require.True(t, ok)
	assert.Equal(t, bits(5), b)

	inner, ok := ComponentState[namedState](s)
	require.True(t, ok)
	assert.Equal(t, namedState("inner"), inner)

	p := NewCompositePrecision(namedPrecision("a"), nil)
	got, ok := ComponentPrecision[namedPrecision](p)
	require.True(t, ok)
	assert.Equal(t, namedPrecision("a"), got)

	replaced, ok := ReplacePrecision(Precision(p), namedPrecision("z"))
	require.True(t, ok)
	assert.Equal(t, "[z, -]", replaced.String())
	assert.Equal(t, "[a, -]", p.String(), "input is unchanged")
}

type namedState string

func (s namedState) IsTarget() bool                 { return false }
func (s namedState) Equal(other AbstractState) bool { return other == AbstractState(s) }
func (s namedState) String() string                 { return string(s) }
