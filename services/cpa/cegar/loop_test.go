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
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
	"github.com/AleutianAI/AleutianCPA/services/cpa/fixpoint"
	"github.com/AleutianAI/AleutianCPA/services/cpa/internal/cpatest"
	"github.com/AleutianAI/AleutianCPA/services/cpa/reached"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	loop  *Loop
	set   *reached.Set
	graph *arg.Graph
}

func setup(t *testing.T, c *cfa.CFA, cpa domain.CPA, refiner Refiner, opts Options) *fixture {
	t.Helper()
	fopts := fixpoint.DefaultOptions()
	fopts.Logger = discard
	alg, err := fixpoint.New(cpa, fopts)
	require.NoError(t, err)

	opts.Logger = discard
	opts.CheckARG = true
	loop, err := New(alg, refiner, opts)
	require.NoError(t, err)

	set, err := reached.NewWithKind(reached.BFS)
	require.NoError(t, err)
	graph := arg.New()
	_, err = fixpoint.Seed(cpa, set, graph, c.Entry)
	require.NoError(t, err)

	return &fixture{loop: loop, set: set, graph: graph}
}

func (f *fixture) run(t *testing.T, ctx context.Context) Result {
	t.Helper()
	res, err := f.loop.Run(ctx, f.set, f.graph)
	require.NoError(t, err)
	return res
}

// pruneParent discards the target's parent and re-adds a copy of it.
func pruneParent(_ context.Context, set reached.View, graph arg.View) (RefinementOutcome, error) {
	last, ok := set.Last()
	if !ok {
		return RefinementOutcome{}, errors.New("empty reached set")
	}
	parent := graph.Node(graph.Node(last.Node).Parents()[0])
	return RefinementOutcome{
		Performed: true,
		Root:      parent.ID,
		ToUnreach: []arg.NodeID{parent.ID},
		ToWaitlist: []Readd{
			{Node: parent.ID, State: parent.State, Precision: parent.Precision},
		},
	}, nil
}

// sequence returns a refiner that answers with the given refiners in turn and
// confirms every target after that.
func sequence(refiners ...RefinerFunc) (RefinerFunc, *int) {
	calls := 0
	return func(ctx context.Context, set reached.View, graph arg.View) (RefinementOutcome, error) {
		calls++
		if calls <= len(refiners) {
			return refiners[calls-1](ctx, set, graph)
		}
		return NotPerformed(), nil
	}, &calls
}

// -----------------------------------------------------------------------------
// Terminal statuses
// -----------------------------------------------------------------------------

func TestLoop_SafeWithoutTarget(t *testing.T) {
	c := cpatest.Branch(t)
	f := setup(t, c, &cpatest.Analysis{}, nil, Options{})

	res := f.run(t, context.Background())

	assert.Equal(t, StatusSafe, res.Status)
	assert.Equal(t, arg.None, res.Target)
	assert.Nil(t, res.Counterexample)
	assert.Equal(t, 1, res.Statistics.Iterations)
	assert.Equal(t, 3, res.Statistics.MaxReachedSize)
	assert.Same(t, f.set, res.Reached)
}

func TestLoop_NoOpRefinementMatchesPlainFixpoint(t *testing.T) {
	c := cpatest.Target(t)
	cpa := &cpatest.Analysis{}
	f := setup(t, c, cpa, RefinerFunc(func(context.Context, reached.View, arg.View) (RefinementOutcome, error) {
		return NotPerformed(), nil
	}), Options{})

	res := f.run(t, context.Background())

	// The same analysis without the loop.
	fopts := fixpoint.DefaultOptions()
	fopts.Logger = discard
	alg, err := fixpoint.New(&cpatest.Analysis{}, fopts)
	require.NoError(t, err)
	plainSet, err := reached.NewWithKind(reached.BFS)
	require.NoError(t, err)
	plainGraph := arg.New()
	_, err = fixpoint.Seed(cpa, plainSet, plainGraph, c.Entry)
	require.NoError(t, err)
	plain, err := alg.Run(context.Background(), plainSet, plainGraph)
	require.NoError(t, err)

	require.Equal(t, fixpoint.StatusTargetFound, plain.Status)
	assert.Equal(t, StatusUnsafe, res.Status)
	assert.Equal(t, plain.Target, res.Target)
	assert.Equal(t, plainSet.Size(), f.set.Size())
	assert.False(t, res.RefinementExhausted)
	assert.Equal(t, 0, res.Statistics.Refinements)

	require.NotNil(t, res.Counterexample)
	assert.Equal(t, []arg.NodeID{0, 1, 3}, res.Counterexample.Nodes)
	require.Len(t, res.Counterexample.Edges, 2)
	assert.Equal(t, "b", res.Counterexample.Edges[0].To.Name)
	assert.Equal(t, "err", res.Counterexample.Edges[1].To.Name)
}

func TestLoop_NilRefinerConfirmsTarget(t *testing.T) {
	c := cpatest.Target(t)
	f := setup(t, c, &cpatest.Analysis{}, nil, Options{})

	res := f.run(t, context.Background())

	assert.Equal(t, StatusUnsafe, res.Status)
	assert.NotNil(t, res.Counterexample)
}

func TestLoop_PruneParentAndReexplore(t *testing.T) {
	c := cpatest.Target(t)
	var checked bool
	inspect := func(ctx context.Context, set reached.View, graph arg.View) (RefinementOutcome, error) {
		// Second target, found after re-exploring the copy of b.
		assert.False(t, set.Contains(3), "old target is no longer reached")
		assert.Nil(t, graph.Node(3), "old target is no longer in the ARG")
		assert.Nil(t, graph.Node(1), "pruned parent is detached")

		copyOfB := graph.Node(4)
		require.NotNil(t, copyOfB)
		assert.Equal(t, []arg.NodeID{0}, copyOfB.Parents())

		last, ok := set.Last()
		require.True(t, ok)
		assert.Equal(t, []arg.NodeID{4}, graph.Node(last.Node).Parents())
		checked = true
		return NotPerformed(), nil
	}
	refiner, calls := sequence(pruneParent, inspect)
	f := setup(t, c, &cpatest.Analysis{}, refiner, Options{})

	res := f.run(t, context.Background())

	assert.True(t, checked)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, StatusUnsafe, res.Status)
	assert.Equal(t, 1, res.Statistics.Refinements)
	assert.Equal(t, 2, res.Statistics.Iterations)
	assert.Equal(t, 2, res.Statistics.RemovedByRefinement)
	require.NotNil(t, res.Counterexample)
	assert.Equal(t, []arg.NodeID{0, 4, 5}, res.Counterexample.Nodes)
}

func TestLoop_RefinementLimit(t *testing.T) {
	c := cpatest.Target(t)
	f := setup(t, c, &cpatest.Analysis{}, RefinerFunc(pruneParent), Options{MaxRefinements: 2})

	res := f.run(t, context.Background())

	assert.Equal(t, StatusRefinementFailed, res.Status)
	assert.Equal(t, 2, res.Statistics.Refinements)
	assert.Equal(t, 3, res.Statistics.Iterations)
	assert.NotNil(t, res.Counterexample)
	assert.NotEqual(t, arg.None, res.Target)
}

func TestLoop_RefinementExhausted(t *testing.T) {
	c := cpatest.Target(t)
	exhausted := RefinerFunc(func(context.Context, reached.View, arg.View) (RefinementOutcome, error) {
		return RefinementOutcome{}, fmt.Errorf("no new tracked variables: %w", ErrRefinementExhausted)
	})
	f := setup(t, c, &cpatest.Analysis{}, exhausted, Options{})

	res := f.run(t, context.Background())

	assert.Equal(t, StatusUnsafe, res.Status)
	assert.True(t, res.RefinementExhausted)
	assert.NotNil(t, res.Counterexample)
}

func TestLoop_RefinerErrorIsFatal(t *testing.T) {
	c := cpatest.Target(t)
	boom := errors.New("solver unavailable")
	broken := RefinerFunc(func(context.Context, reached.View, arg.View) (RefinementOutcome, error) {
		return RefinementOutcome{}, boom
	})
	f := setup(t, c, &cpatest.Analysis{}, broken, Options{})

	res, err := f.loop.Run(context.Background(), f.set, f.graph)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, domain.ErrRefinement)
	assert.Equal(t, StatusUnknown, res.Status, "a failed run never reads as safe")
	assert.Nil(t, res.Counterexample)
}

func TestLoop_CancelledBeforeStart(t *testing.T) {
	c := cpatest.Target(t)
	f := setup(t, c, &cpatest.Analysis{}, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.run(t, ctx)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 0, res.Statistics.Iterations)
	assert.Equal(t, 1, f.set.Size())
}

func TestLoop_CancelledDuringRefinement(t *testing.T) {
	c := cpatest.Target(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	refiner := RefinerFunc(func(ctx context.Context, _ reached.View, _ arg.View) (RefinementOutcome, error) {
		cancel()
		return RefinementOutcome{}, ctx.Err()
	})
	f := setup(t, c, &cpatest.Analysis{}, refiner, Options{})

	res := f.run(t, ctx)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.NoError(t, f.set.Check())
	assert.NoError(t, f.graph.Check())
}

func TestLoop_MaintenanceHook(t *testing.T) {
	c := cpatest.Target(t)
	hooks := 0
	opts := Options{
		MaxRefinements: 3,
		GCInterval:     1,
		Maintenance:    func() { hooks++ },
	}
	f := setup(t, c, &cpatest.Analysis{}, RefinerFunc(pruneParent), opts)

	res := f.run(t, context.Background())

	assert.Equal(t, StatusRefinementFailed, res.Status)
	assert.Equal(t, 3, hooks)
	assert.Equal(t, 3, res.Statistics.MaintenanceCalls)
}

func TestLoop_RefinedPrecisionReachesSuccessors(t *testing.T) {
	c := cpatest.Target(t)
	refine := func(_ context.Context, _ reached.View, graph arg.View) (RefinementOutcome, error) {
		root := graph.Root()
		return RefinementOutcome{
			Performed:  true,
			Root:       root,
			ToUnreach:  []arg.NodeID{root},
			ToWaitlist: []Readd{{Node: root, Precision: cpatest.Precision("p1")}},
		}, nil
	}
	var seen domain.Precision
	inspect := func(_ context.Context, set reached.View, graph arg.View) (RefinementOutcome, error) {
		last, _ := set.Last()
		seen = last.Precision
		assert.Equal(t, cpatest.Precision("p1"), graph.Node(graph.Root()).Precision)
		return NotPerformed(), nil
	}
	refiner, _ := sequence(refine, inspect)
	f := setup(t, c, &cpatest.Analysis{}, refiner, Options{})

	res := f.run(t, context.Background())

	assert.Equal(t, StatusUnsafe, res.Status)
	assert.Equal(t, cpatest.Precision("p1"), seen)
	assert.Equal(t, arg.NodeID(0), f.graph.Root())
	assert.Equal(t, 4, res.Statistics.RemovedByRefinement)
}

// -----------------------------------------------------------------------------
// Applying outcomes
// -----------------------------------------------------------------------------

func explore(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.loop.alg.Run(context.Background(), f.set, f.graph)
	require.NoError(t, err)
}

func TestApply_PrunedCopyIsWaiting(t *testing.T) {
	c := cpatest.Target(t)
	f := setup(t, c, &cpatest.Analysis{}, nil, Options{})
	explore(t, f)

	out, err := pruneParent(context.Background(), f.set, f.graph)
	require.NoError(t, err)
	removed, err := f.loop.apply(f.set, f.graph, out)
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.False(t, f.set.Contains(3))
	assert.False(t, f.graph.Contains(3))
	assert.False(t, f.graph.Contains(1))
	assert.True(t, f.set.IsWaiting(4))
	assert.True(t, f.set.IsWaiting(2), "unrelated waiting entries are kept")
}

func TestApply_CoveredLeafIsDroppedAndParentRequeued(t *testing.T) {
	c := cpatest.Diamond(t)
	f := setup(t, c, &cpatest.Analysis{}, nil, Options{})
	explore(t, f)

	// d from c (node 4) is covered by d from b (node 3).
	by, ok := f.graph.Node(4).CoveredBy()
	require.True(t, ok)
	require.Equal(t, arg.NodeID(3), by)

	_, err := f.loop.apply(f.set, f.graph, RefinementOutcome{
		Performed:  true,
		Root:       1,
		ToUnreach:  []arg.NodeID{1},
		ToWaitlist: []Readd{{Node: 1}},
	})
	require.NoError(t, err)

	assert.False(t, f.graph.Contains(3))
	assert.False(t, f.graph.Contains(4))
	assert.True(t, f.set.IsWaiting(1))
	assert.True(t, f.set.IsWaiting(2), "parent of the uncovered leaf is explored again")
	assert.Equal(t, 3, f.graph.Len())

	explore(t, f)
	d := cpatest.Node(t, c, "d")
	assert.Len(t, f.set.Reached(d), 1)
	assert.NoError(t, checkConsistency(f.set, f.graph))
}

func TestApply_ParentOutsideSubtreeIsRequeued(t *testing.T) {
	c := cpatest.Diamond(t)
	cpa := &cpatest.Analysis{
		Order:   cpatest.Max{},
		MergeOp: domain.MergeJoin{Joiner: cpatest.Max{}},
		Step: func(v int, e *cfa.Edge) int {
			if e.To.Name == "d" && e.From.Name == "c" {
				return 5
			}
			return v
		},
	}
	f := setup(t, c, cpa, nil, Options{})
	explore(t, f)

	merged := f.graph.Resolve(3)
	require.ElementsMatch(t, []arg.NodeID{1, 2}, f.graph.Node(merged).Parents())

	_, err := f.loop.apply(f.set, f.graph, RefinementOutcome{
		Performed:  true,
		Root:       1,
		ToUnreach:  []arg.NodeID{1},
		ToWaitlist: []Readd{{Node: 1}},
	})
	require.NoError(t, err)

	assert.False(t, f.graph.Contains(merged))
	assert.True(t, f.set.IsWaiting(2), "c lost its successor")
	assert.Empty(t, f.graph.Node(2).Children())
}

func TestApply_RejectsInvalidOutcomes(t *testing.T) {
	tests := []struct {
		name string
		out  RefinementOutcome
	}{
		{
			name: "unknown root",
			out:  RefinementOutcome{Performed: true, Root: 42},
		},
		{
			name: "unreach outside subtree",
			out:  RefinementOutcome{Performed: true, Root: 1, ToUnreach: []arg.NodeID{2}},
		},
		{
			name: "re-add pruned descendant",
			out:  RefinementOutcome{Performed: true, Root: 0, ToWaitlist: []Readd{{Node: 1}}},
		},
		{
			name: "re-add unknown node",
			out:  RefinementOutcome{Performed: true, Root: 1, ToWaitlist: []Readd{{Node: 99}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cpatest.Target(t)
			f := setup(t, c, &cpatest.Analysis{}, nil, Options{})
			explore(t, f)
			size := f.set.Size()

			_, err := f.loop.apply(f.set, f.graph, tt.out)

			assert.ErrorIs(t, err, domain.ErrInvariantViolation)
			assert.Equal(t, size, f.set.Size(), "nothing is applied")
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	opts := fixpoint.DefaultOptions()
	opts.StopAfterError = false
	alg, err := fixpoint.New(&cpatest.Analysis{}, opts)
	require.NoError(t, err)
	_, err = New(alg, nil, Options{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	alg, err = fixpoint.New(&cpatest.Analysis{}, fixpoint.DefaultOptions())
	require.NoError(t, err)
	_, err = New(alg, nil, Options{MaxRefinements: -1})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	loop, err := New(alg, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultGCInterval, loop.opts.GCInterval)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "unknown", StatusUnknown.String())
	assert.Equal(t, "safe", StatusSafe.String())
	assert.Equal(t, "unsafe", StatusUnsafe.String())
	assert.Equal(t, "refinement_failed", StatusRefinementFailed.String())
	assert.Equal(t, "cancelled", StatusCancelled.String())
	assert.Equal(t, "unknown", Status(9).String())
}
