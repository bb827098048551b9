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
	"fmt"
	"go/ast"
	"go/token"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

// Option configures the analysis.
type Option func(*CPA)

// WithPrecision sets the initial precision. The default tracks nothing.
func WithPrecision(p *Precision) Option {
	return func(c *CPA) {
		c.initial = p
	}
}

// WithMergeJoin merges states at the same location by keeping common
// bindings. The default never merges.
func WithMergeJoin() Option {
	return func(c *CPA) {
		c.merge = domain.MergeJoin{Joiner: order{}}
	}
}

// WithStopJoin covers a state by the join of all siblings at its location.
func WithStopJoin() Option {
	return func(c *CPA) {
		c.stop = domain.StopJoin{Order: order{}, Joiner: order{}}
	}
}

// WithStopNever never covers states. The analysis then terminates only on
// programs without loops.
func WithStopNever() Option {
	return func(c *CPA) {
		c.stop = domain.StopNever{}
	}
}

// CPA is the explicit-value analysis.
type CPA struct {
	initial *Precision
	merge   domain.MergeOperator
	stop    domain.StopOperator
}

var _ domain.CPA = (*CPA)(nil)

// New returns the analysis.
func New(opts ...Option) *CPA {
	c := &CPA{
		initial: NewPrecision(),
		merge:   domain.MergeSep{},
		stop:    domain.StopSep{Order: order{}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Domain orders states by bindings: fewer bindings is more abstract.
func (c *CPA) Domain() domain.Order { return order{} }

// Transfer interprets CFA edges. It must run inside a composite with a
// location analysis.
func (c *CPA) Transfer() domain.TransferRelation { return transfer{} }

// Merge returns the configured merge operator.
func (c *CPA) Merge() domain.MergeOperator { return c.merge }

// Stop returns the configured stop operator. The default covers a state by
// any single sibling.
func (c *CPA) Stop() domain.StopOperator { return c.stop }

// PrecisionAdjustment is static.
func (c *CPA) PrecisionAdjustment() domain.PrecisionAdjustment { return nil }

// InitialState knows no variables.
func (c *CPA) InitialState(*cfa.Node) domain.AbstractState { return Empty() }

// InitialPrecision returns the configured precision.
func (c *CPA) InitialPrecision(*cfa.Node) domain.Precision { return c.initial }

// -----------------------------------------------------------------------------
// Transfer
// -----------------------------------------------------------------------------

type transfer struct{}

var _ domain.EdgeTransferRelation = transfer{}

func (transfer) Successors(context.Context, domain.AbstractState, domain.Precision) ([]domain.AbstractState, error) {
	return nil, domain.Fatalf(domain.KindConfiguration, "value transfer", "value states have no location; combine the analysis with the location analysis")
}

func (transfer) SuccessorsForEdge(ctx context.Context, state domain.AbstractState, precision domain.Precision, edge *cfa.Edge) ([]domain.AbstractState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, ok := state.(State)
	if !ok {
		return nil, fmt.Errorf("value transfer: %w: got %T", domain.ErrTypeMismatch, state)
	}
	prec, _ := precision.(*Precision)

	next, feasible, err := Step(s, prec, edge)
	if err != nil || !feasible {
		return nil, err
	}
	return []domain.AbstractState{next}, nil
}

// Step applies edge to s. Only variables tracked by prec are bound; a nil
// precision tracks nothing. feasible is false when an assumption is known
// to fail.
func Step(s State, prec *Precision, edge *cfa.Edge) (next State, feasible bool, err error) {
	switch edge.Kind {
	case cfa.EdgeAssign:
		if !prec.Tracks(edge.Var) {
			return s.Forget(edge.Var), true, nil
		}
		v, ok, err := Eval(edge.Expr, s)
		if err != nil {
			return State{}, false, err
		}
		if !ok {
			return s.Forget(edge.Var), true, nil
		}
		return s.With(edge.Var, v), true, nil

	case cfa.EdgeAssume:
		v, ok, err := Eval(edge.Expr, s)
		if err != nil {
			return State{}, false, err
		}
		if ok {
			return s, v != 0, nil
		}
		return learn(s, prec, edge.Expr), true, nil

	default:
		return s, true, nil
	}
}

// learn binds a tracked variable from an assumption of the form x == c or
// c == x, where c evaluates to a constant.
func learn(s State, prec *Precision, cond ast.Expr) State {
	for {
		p, ok := cond.(*ast.ParenExpr)
		if !ok {
			break
		}
		cond = p.X
	}
	bin, ok := cond.(*ast.BinaryExpr)
	if !ok || bin.Op != token.EQL {
		return s
	}
	for _, pair := range [][2]ast.Expr{{bin.X, bin.Y}, {bin.Y, bin.X}} {
		id, ok := pair[0].(*ast.Ident)
		if !ok || !prec.Tracks(id.Name) {
			continue
		}
		if _, bound := s.Get(id.Name); bound {
			continue
		}
		if v, ok, err := Eval(pair[1], s); err == nil && ok {
			return s.With(id.Name, v)
		}
	}
	return s
}
