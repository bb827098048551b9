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
	"strings"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
)

// ErrEmptyComposite is returned when a composite has no components.
var ErrEmptyComposite = errors.New("composite analysis needs at least one component")

// EdgeTransferRelation computes successors along one CFA edge.
//
// When every component of a Composite implements it and the composite state
// has a location, the composite walks the location's leaving edges and asks
// each component for its successors along the same edge. This keeps the
// components in lockstep.
type EdgeTransferRelation interface {
	TransferRelation
	SuccessorsForEdge(ctx context.Context, state AbstractState, precision Precision, edge *cfa.Edge) ([]AbstractState, error)
}

// -----------------------------------------------------------------------------
// Composite State and Precision
// -----------------------------------------------------------------------------

// CompositeState is a tuple of component states.
type CompositeState struct {
	components []AbstractState
}

// NewCompositeState builds a tuple. The slice is not copied.
func NewCompositeState(components ...AbstractState) *CompositeState {
	return &CompositeState{components: components}
}

// Components returns the component states.
func (s *CompositeState) Components() []AbstractState {
	return s.components
}

// Get returns the i-th component.
func (s *CompositeState) Get(i int) AbstractState {
	return s.components[i]
}

// IsTarget reports whether any component is a target.
func (s *CompositeState) IsTarget() bool {
	for _, c := range s.components {
		if c.IsTarget() {
			return true
		}
	}
	return false
}

// Equal compares componentwise.
func (s *CompositeState) Equal(other AbstractState) bool {
	o, ok := other.(*CompositeState)
	if !ok || len(o.components) != len(s.components) {
		return false
	}
	for i := range s.components {
		if !s.components[i].Equal(o.components[i]) {
			return false
		}
	}
	return true
}

// Location returns the first location known by a component.
func (s *CompositeState) Location() *cfa.Node {
	for _, c := range s.components {
		if loc := ExtractLocation(c); loc != nil {
			return loc
		}
	}
	return nil
}

func (s *CompositeState) String() string {
	parts := make([]string, len(s.components))
	for i, c := range s.components {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// CompositePrecision is a tuple of component precisions.
type CompositePrecision struct {
	components []Precision
}

// NewCompositePrecision builds a tuple. The slice is not copied.
func NewCompositePrecision(components ...Precision) *CompositePrecision {
	return &CompositePrecision{components: components}
}

// Components returns the component precisions.
func (p *CompositePrecision) Components() []Precision {
	return p.components
}

// Get returns the i-th component.
func (p *CompositePrecision) Get(i int) Precision {
	return p.components[i]
}

func (p *CompositePrecision) String() string {
	parts := make([]string, len(p.components))
	for i, c := range p.components {
		if c == nil {
			parts[i] = "-"
			continue
		}
		parts[i] = c.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ComponentState finds the first state of type T, looking inside composites.
func ComponentState[T AbstractState](s AbstractState) (T, bool) {
	if t, ok := s.(T); ok {
		return t, true
	}
	if cs, ok := s.(*CompositeState); ok {
		for _, c := range cs.components {
			if t, ok := ComponentState[T](c); ok {
				return t, true
			}
		}
	}
	var zero T
	return zero, false
}

// ComponentPrecision finds the first precision of type T, looking inside
// composites.
func ComponentPrecision[T Precision](p Precision) (T, bool) {
	if t, ok := p.(T); ok {
		return t, true
	}
	if cp, ok := p.(*CompositePrecision); ok {
		for _, c := range cp.components {
			if t, ok := ComponentPrecision[T](c); ok {
				return t, true
			}
		}
	}
	var zero T
	return zero, false
}

// ReplacePrecision returns p with its first component of type T replaced.
// If p itself is a T, replacement is returned. The input is not modified.
func ReplacePrecision[T Precision](p Precision, replacement T) (Precision, bool) {
	if _, ok := p.(T); ok {
		return replacement, true
	}
	cp, ok := p.(*CompositePrecision)
	if !ok {
		return p, false
	}
	for i, c := range cp.components {
		if c == nil {
			continue
		}
		if next, ok := ReplacePrecision(c, replacement); ok {
			components := make([]Precision, len(cp.components))
			copy(components, cp.components)
			components[i] = next
			return NewCompositePrecision(components...), true
		}
	}
	return p, false
}

// -----------------------------------------------------------------------------
// Composite CPA
// -----------------------------------------------------------------------------

// Composite is the product of several analyses. Operators are forwarded to
// the components in order.
type Composite struct {
	children []CPA
	merges   []MergeOperator
	adjusts  []PrecisionAdjustment
}

// NewComposite builds a product analysis.
func NewComposite(children ...CPA) (*Composite, error) {
	if len(children) == 0 {
		return nil, ErrEmptyComposite
	}
	c := &Composite{children: children}
	for _, child := range children {
		c.merges = append(c.merges, MergeOf(child))
		c.adjusts = append(c.adjusts, PrecisionAdjustmentOf(child))
	}
	return c, nil
}

// Components returns the child analyses.
func (c *Composite) Components() []CPA {
	return c.children
}

// Domain returns the componentwise order.
func (c *Composite) Domain() Order { return compositeOrder{c} }

// Transfer returns the product transfer relation.
func (c *Composite) Transfer() TransferRelation { return compositeTransfer{c} }

// Stop returns the per-sibling product stop operator.
func (c *Composite) Stop() StopOperator { return compositeStop{c} }

// PrecisionAdjustment forwards to every component.
func (c *Composite) PrecisionAdjustment() PrecisionAdjustment { return compositeAdjust{c} }

// Merge returns nil when no component merges.
func (c *Composite) Merge() MergeOperator {
	for _, m := range c.merges {
		if !IsMergeSep(m) {
			return compositeMerge{c}
		}
	}
	return nil
}

// InitialState builds the tuple of component initial states.
func (c *Composite) InitialState(node *cfa.Node) AbstractState {
	states := make([]AbstractState, len(c.children))
	for i, child := range c.children {
		states[i] = child.InitialState(node)
	}
	return NewCompositeState(states...)
}

// InitialPrecision builds the tuple of component initial precisions.
func (c *Composite) InitialPrecision(node *cfa.Node) Precision {
	precs := make([]Precision, len(c.children))
	for i, child := range c.children {
		precs[i] = child.InitialPrecision(node)
	}
	return NewCompositePrecision(precs...)
}

// split checks arity and returns the component slices.
func (c *Composite) split(op string, s AbstractState, p Precision) ([]AbstractState, []Precision, error) {
	cs, ok := s.(*CompositeState)
	if !ok || len(cs.components) != len(c.children) {
		return nil, nil, fmt.Errorf("%s: %w: got %T", op, ErrTypeMismatch, s)
	}
	precs := make([]Precision, len(c.children))
	if cp, ok := p.(*CompositePrecision); ok && len(cp.components) == len(c.children) {
		copy(precs, cp.components)
	} else if p != nil {
		return nil, nil, fmt.Errorf("%s: %w: precision %T", op, ErrTypeMismatch, p)
	}
	return cs.components, precs, nil
}

type compositeOrder struct{ c *Composite }

func (o compositeOrder) LessOrEqual(a, b AbstractState) bool {
	ca, ok1 := a.(*CompositeState)
	cb, ok2 := b.(*CompositeState)
	if !ok1 || !ok2 || len(ca.components) != len(o.c.children) || len(cb.components) != len(o.c.children) {
		return false
	}
	for i, child := range o.c.children {
		if !child.Domain().LessOrEqual(ca.components[i], cb.components[i]) {
			return false
		}
	}
	return true
}

type compositeTransfer struct{ c *Composite }

func (t compositeTransfer) Successors(ctx context.Context, state AbstractState, precision Precision) ([]AbstractState, error) {
	states, precs, err := t.c.split("transfer", state, precision)
	if err != nil {
		return nil, err
	}

	if edgeWise, ok := t.edgeRelations(); ok {
		loc := ExtractLocation(state)
		if loc != nil {
			var out []AbstractState
			for _, edge := range loc.Leaving() {
				succ, err := t.product(func(i int) ([]AbstractState, error) {
					return edgeWise[i].SuccessorsForEdge(ctx, states[i], precs[i], edge)
				})
				if err != nil {
					return nil, err
				}
				out = append(out, succ...)
			}
			return out, nil
		}
	}

	return t.product(func(i int) ([]AbstractState, error) {
		return t.c.children[i].Transfer().Successors(ctx, states[i], precs[i])
	})
}

func (t compositeTransfer) edgeRelations() ([]EdgeTransferRelation, bool) {
	out := make([]EdgeTransferRelation, len(t.c.children))
	for i, child := range t.c.children {
		et, ok := child.Transfer().(EdgeTransferRelation)
		if !ok {
			return nil, false
		}
		out[i] = et
	}
	return out, true
}

// product computes the cartesian product of per-component successors. An
// empty component result yields no successors.
func (t compositeTransfer) product(succ func(i int) ([]AbstractState, error)) ([]AbstractState, error) {
	tuples := [][]AbstractState{{}}
	for i := range t.c.children {
		comp, err := succ(i)
		if err != nil {
			return nil, err
		}
		if len(comp) == 0 {
			return nil, nil
		}
		next := make([][]AbstractState, 0, len(tuples)*len(comp))
		for _, prefix := range tuples {
			for _, s := range comp {
				tuple := make([]AbstractState, len(prefix), len(prefix)+1)
				copy(tuple, prefix)
				next = append(next, append(tuple, s))
			}
		}
		tuples = next
	}

	out := make([]AbstractState, len(tuples))
	for i, tuple := range tuples {
		out[i] = NewCompositeState(tuple...)
	}
	return out, nil
}

// compositeMerge merges componentwise, but only when every component that
// does not merge already agrees on its state. Otherwise the sibling is kept.
type compositeMerge struct{ c *Composite }

func (m compositeMerge) Merge(successor, reached AbstractState, precision Precision) (AbstractState, error) {
	succ, precs, err := m.c.split("merge", successor, precision)
	if err != nil {
		return nil, err
	}
	rs, ok := reached.(*CompositeState)
	if !ok || len(rs.components) != len(m.c.children) {
		return nil, fmt.Errorf("merge: %w: got %T", ErrTypeMismatch, reached)
	}

	for i, op := range m.c.merges {
		if IsMergeSep(op) && !succ[i].Equal(rs.components[i]) {
			return reached, nil
		}
	}

	merged := make([]AbstractState, len(m.c.children))
	changed := false
	for i, op := range m.c.merges {
		out, err := op.Merge(succ[i], rs.components[i], precs[i])
		if err != nil {
			return nil, fmt.Errorf("merge component %d: %w", i, err)
		}
		merged[i] = out
		if !out.Equal(rs.components[i]) {
			changed = true
		}
	}
	if !changed {
		return reached, nil
	}
	return NewCompositeState(merged...), nil
}

// compositeStop covers a successor if, for some sibling, every component's
// stop operator covers the successor's component by that sibling's component.
type compositeStop struct{ c *Composite }

func (s compositeStop) Stop(successor AbstractState, reached []AbstractState, precision Precision) (bool, error) {
	succ, precs, err := s.c.split("stop", successor, precision)
	if err != nil {
		return false, err
	}

	for _, r := range reached {
		rs, ok := r.(*CompositeState)
		if !ok || len(rs.components) != len(s.c.children) {
			return false, fmt.Errorf("stop: %w: got %T", ErrTypeMismatch, r)
		}
		covered := true
		for i, child := range s.c.children {
			stop, err := child.Stop().Stop(succ[i], []AbstractState{rs.components[i]}, precs[i])
			if err != nil {
				return false, fmt.Errorf("stop component %d: %w", i, err)
			}
			if !stop {
				covered = false
				break
			}
		}
		if covered {
			return true, nil
		}
	}
	return false, nil
}

type compositeAdjust struct{ c *Composite }

func (a compositeAdjust) Adjust(state AbstractState, precision Precision, reached []AbstractState) (AbstractState, Precision, Action, error) {
	states, precs, err := a.c.split("precision adjustment", state, precision)
	if err != nil {
		return nil, nil, Continue, err
	}

	outStates := make([]AbstractState, len(states))
	outPrecs := make([]Precision, len(precs))
	action := Continue
	for i, adj := range a.c.adjusts {
		projected := make([]AbstractState, 0, len(reached))
		for _, r := range reached {
			if rs, ok := r.(*CompositeState); ok && len(rs.components) == len(states) {
				projected = append(projected, rs.components[i])
			}
		}
		s, p, act, err := adj.Adjust(states[i], precs[i], projected)
		if err != nil {
			return nil, nil, Continue, fmt.Errorf("precision adjustment component %d: %w", i, err)
		}
		outStates[i] = s
		outPrecs[i] = p
		if act == Break {
			action = Break
		}
	}

	adjusted := AbstractState(NewCompositeState(outStates...))
	if adjusted.Equal(state) {
		adjusted = state
	}
	return adjusted, NewCompositePrecision(outPrecs...), action, nil
}
