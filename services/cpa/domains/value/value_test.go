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
	"go/parser"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cegar"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domains/location"
	"github.com/AleutianAI/AleutianCPA/services/cpa/fixpoint"
	"github.com/AleutianAI/AleutianCPA/services/cpa/reached"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

func TestEval(t *testing.T) {
	s := NewState(map[string]int64{"x": 7, "y": 2})

	tests := []struct {
		expr  string
		want  int64
		known bool
	}{
		{"x + y * 3", 13, true},
		{"(x - y) / 2", 2, true},
		{"x % y", 1, true},
		{"-x", -7, true},
		{"x == 7 && y < 3", 1, true},
		{"x != 7 || y >= 3", 0, true},
		{"!(x > y)", 0, true},
		{"0x10", 16, true},
		{"true", 1, true},
		{"z + 1", 0, false},
		{"nondet()", 0, false},
		{"__VERIFIER_nondet_int()", 0, false},
		{"x < 0 && z > 1", 0, true},
		{"x > 0 || z > 1", 1, true},
		{"z > 1 && x < 0", 0, true},
		{"z > 1 && x > 0", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := parser.ParseExpr(tt.expr)
			require.NoError(t, err)

			v, ok, err := Eval(expr, s)
			require.NoError(t, err)
			assert.Equal(t, tt.known, ok)
			if tt.known {
				assert.Equal(t, tt.want, v)
			}
		})
	}
}

func TestEval_Failures(t *testing.T) {
	s := NewState(map[string]int64{"x": 1})

	for _, src := range []string{"x / 0", "x % (x - 1)", `"str"`, "f(x)", "x << 2", "^x"} {
		t.Run(src, func(t *testing.T) {
			expr, err := parser.ParseExpr(src)
			require.NoError(t, err)

			_, _, err = Eval(expr, s)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrElementFailure)
			assert.True(t, domain.IsRecoverable(err))
		})
	}
}

func TestVars(t *testing.T) {
	expr, err := parser.ParseExpr("x + f(y, x) > z && true")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, Vars(expr))
}

// -----------------------------------------------------------------------------
// Lattice
// -----------------------------------------------------------------------------

func TestState_OrderAndJoin(t *testing.T) {
	xy := NewState(map[string]int64{"x": 1, "y": 2})
	x := NewState(map[string]int64{"x": 1})
	x2 := NewState(map[string]int64{"x": 2})
	o := order{}

	assert.True(t, o.LessOrEqual(xy, x))
	assert.False(t, o.LessOrEqual(x, xy))
	assert.True(t, o.LessOrEqual(x, Empty()))
	assert.False(t, o.LessOrEqual(x, x2))

	j, err := o.Join(xy, x2)
	require.NoError(t, err)
	assert.False(t, j.Equal(NewState(map[string]int64{"y": 2})), "y is only bound on one side")
	assert.True(t, j.Equal(Empty()))

	j, err = o.Join(xy, x)
	require.NoError(t, err)
	assert.True(t, j.Equal(x))

	_, err = o.Join(xy, location.NewState(nil))
	assert.ErrorIs(t, err, domain.ErrTypeMismatch)
}

func TestState_Immutable(t *testing.T) {
	vals := map[string]int64{"x": 1}
	s := NewState(vals)
	vals["x"] = 9

	v, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	s2 := s.With("y", 3)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, "{x=1, y=3}", s2.String())
	assert.Equal(t, "{}", s2.Forget("x").Forget("y").String())
	assert.Equal(t, []string{"x", "y"}, s2.Vars())
}

func TestPrecision(t *testing.T) {
	p := NewPrecision("x")
	assert.True(t, p.Tracks("x"))
	assert.False(t, p.Tracks("y"))
	assert.Equal(t, "{x}", p.String())

	q, added := p.Track("y", "x")
	assert.True(t, added)
	assert.Equal(t, "{x, y}", q.String())
	assert.Equal(t, "{x}", p.String(), "receiver is unchanged")

	same, added := q.Track("y")
	assert.False(t, added)
	assert.Same(t, q, same)

	all := All()
	assert.True(t, all.Tracks("anything"))
	assert.Equal(t, "*", all.String())
	_, added = all.Track("z")
	assert.False(t, added)

	var none *Precision
	assert.False(t, none.Tracks("x"))
}

// -----------------------------------------------------------------------------
// Transfer
// -----------------------------------------------------------------------------

func edge(t *testing.T, build func(*cfa.Builder) *cfa.Builder) *cfa.Edge {
	t.Helper()
	c, err := build(cfa.NewBuilder("main").Entry("a")).Build()
	require.NoError(t, err)
	require.Len(t, c.Entry.Leaving(), 1)
	return c.Entry.Leaving()[0]
}

func TestStep(t *testing.T) {
	s := NewState(map[string]int64{"x": 1})
	tracked := NewPrecision("x", "y")

	assign := edge(t, func(b *cfa.Builder) *cfa.Builder { return b.Assign("a", "b", "y = x + 1") })
	next, ok, err := Step(s, tracked, assign)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "{x=1, y=2}", next.String())

	next, _, err = Step(s.With("y", 5), NewPrecision("x"), assign)
	require.NoError(t, err)
	assert.Equal(t, "{x=1}", next.String(), "untracked variables are forgotten")

	havoc := edge(t, func(b *cfa.Builder) *cfa.Builder { return b.Assign("a", "b", "x = nondet()") })
	next, _, err = Step(s, tracked, havoc)
	require.NoError(t, err)
	assert.Equal(t, "{}", next.String())

	infeasible := edge(t, func(b *cfa.Builder) *cfa.Builder { return b.Assume("a", "b", "x > 1") })
	_, ok, err = Step(s, tracked, infeasible)
	require.NoError(t, err)
	assert.False(t, ok)

	unknownCond := edge(t, func(b *cfa.Builder) *cfa.Builder { return b.Assume("a", "b", "y > 1") })
	next, ok, err = Step(s, tracked, unknownCond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, next.Equal(s))

	equality := edge(t, func(b *cfa.Builder) *cfa.Builder { return b.Assume("a", "b", "(x + 2 == y)") })
	next, ok, err = Step(s, tracked, equality)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "{x=1, y=3}", next.String(), "equalities bind tracked variables")

	blank := edge(t, func(b *cfa.Builder) *cfa.Builder { return b.Blank("a", "b") })
	next, ok, err = Step(s, tracked, blank)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, next.Equal(s))
}

func TestTransfer_NeedsEdge(t *testing.T) {
	_, err := New().Transfer().Successors(context.Background(), Empty(), nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

// -----------------------------------------------------------------------------
// Analysis with refinement
// -----------------------------------------------------------------------------

type run struct {
	res   cegar.Result
	set   *reached.Set
	graph *arg.Graph
}

func analyze(t *testing.T, c *cfa.CFA, opts ...Option) run {
	t.Helper()
	cpa, err := domain.NewComposite(location.New(), New(opts...))
	require.NoError(t, err)

	fopts := fixpoint.DefaultOptions()
	fopts.Logger = discard
	alg, err := fixpoint.New(cpa, fopts)
	require.NoError(t, err)
	loop, err := cegar.New(alg, NewRefiner(discard), cegar.Options{Logger: discard, CheckARG: true, MaxRefinements: 10})
	require.NoError(t, err)

	set, err := reached.NewWithKind(reached.BFS)
	require.NoError(t, err)
	graph := arg.New()
	_, err = fixpoint.Seed(cpa, set, graph, c.Entry)
	require.NoError(t, err)

	res, err := loop.Run(context.Background(), set, graph)
	require.NoError(t, err)
	return run{res: res, set: set, graph: graph}
}

func counterLoop(t *testing.T) *cfa.CFA {
	t.Helper()
	c, err := cfa.NewBuilder("main").
		Entry("start").
		Error("err").
		Assign("start", "loop", "i = 0").
		Assume("loop", "body", "i < 3").
		Assume("loop", "exit", "!(i < 3)").
		Assign("body", "loop", "i = i + 1").
		Assume("exit", "err", "i != 3").
		Build()
	require.NoError(t, err)
	return c
}

func TestAnalysis_RefinementProvesSafety(t *testing.T) {
	r := analyze(t, counterLoop(t))

	assert.Equal(t, cegar.StatusSafe, r.res.Status)
	assert.Equal(t, 1, r.res.Statistics.Refinements)
	assert.False(t, r.res.Incomplete)

	root := r.graph.Node(r.graph.Root())
	prec, ok := domain.ComponentPrecision[*Precision](root.Precision)
	require.True(t, ok)
	assert.Equal(t, []string{"i"}, prec.Vars())
}

func TestAnalysis_FeasibleCounterexample(t *testing.T) {
	c, err := cfa.NewBuilder("main").
		Entry("start").
		Error("err").
		Assign("start", "check", "x = nondet()").
		Assume("check", "err", "x > 10").
		Assume("check", "done", "x <= 10").
		Build()
	require.NoError(t, err)

	r := analyze(t, c)

	assert.Equal(t, cegar.StatusUnsafe, r.res.Status)
	assert.False(t, r.res.RefinementExhausted)
	require.NotNil(t, r.res.Counterexample)
	assert.Equal(t, 3, len(r.res.Counterexample.Nodes))
	assert.Equal(t, "x > 10", r.res.Counterexample.Edges[1].Code)
}

func TestAnalysis_ExhaustedAfterJoin(t *testing.T) {
	c, err := cfa.NewBuilder("main").
		Entry("a").
		Error("err").
		Assign("a", "b", "x = 0").
		Assign("a", "c", "x = 1").
		Blank("b", "d").
		Blank("c", "d").
		Assume("d", "err", "x > 5").
		Build()
	require.NoError(t, err)

	r := analyze(t, c, WithPrecision(All()), WithMergeJoin())

	assert.Equal(t, cegar.StatusUnsafe, r.res.Status)
	assert.True(t, r.res.RefinementExhausted)
	assert.Equal(t, 0, r.res.Statistics.Refinements)
	assert.Equal(t, 1, r.res.Statistics.Merges)
}

func TestAnalysis_DivisionByZeroOnPathRefines(t *testing.T) {
	c, err := cfa.NewBuilder("main").
		Entry("a").
		Error("err").
		Assign("a", "b", "x = 0").
		Assign("b", "c", "y = 5 / x").
		Assume("c", "err", "y > 0").
		Build()
	require.NoError(t, err)

	r := analyze(t, c)

	// Replaying the path fails at the division, so x and y are tracked and
	// exploration then drops the failing element instead of reaching err.
	assert.Equal(t, cegar.StatusSafe, r.res.Status)
	assert.Equal(t, 1, r.res.Statistics.Refinements)
	assert.True(t, r.res.Incomplete)
	require.Len(t, r.res.Failures, 1)
	assert.ErrorIs(t, r.res.Failures[0].Err, domain.ErrElementFailure)

	prec, ok := domain.ComponentPrecision[*Precision](r.graph.Node(r.graph.Root()).Precision)
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, prec.Vars())
}

func TestRefiner_RequiresTarget(t *testing.T) {
	c := counterLoop(t)
	cpa, err := domain.NewComposite(location.New(), New())
	require.NoError(t, err)
	set, err := reached.NewWithKind(reached.BFS)
	require.NoError(t, err)
	graph := arg.New()
	_, err = fixpoint.Seed(cpa, set, graph, c.Entry)
	require.NoError(t, err)

	_, err = NewRefiner(nil).PerformRefinement(context.Background(), set, graph)
	assert.Error(t, err)
}
