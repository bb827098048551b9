// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reached

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

type locState struct {
	name string
	loc  *cfa.Node
}

func (s locState) IsTarget() bool                        { return false }
func (s locState) String() string                        { return s.name }
func (s locState) Location() *cfa.Node                   { return s.loc }
func (s locState) Equal(other domain.AbstractState) bool { return other.String() == s.name }

// diamond returns a CFA a -> {b, c} -> d.
func diamond(t *testing.T) *cfa.CFA {
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

func node(t *testing.T, c *cfa.CFA, name string) *cfa.Node {
	t.Helper()
	n, ok := c.Node(name)
	require.True(t, ok, name)
	return n
}

func entry(id int, name string, loc *cfa.Node) Entry {
	return Entry{Node: arg.NodeID(id), State: locState{name, loc}}
}

func seeded(t *testing.T, kind Kind, first Entry) *Set {
	t.Helper()
	s, err := NewWithKind(kind)
	require.NoError(t, err)
	require.NoError(t, s.Seed(first))
	return s
}

func TestSet_SeedExactlyOnce(t *testing.T) {
	c := diamond(t)
	s, err := NewWithKind(BFS)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Add(entry(1, "x", c.Entry)), ErrNotSeeded)
	require.NoError(t, s.Seed(entry(0, "init", c.Entry)))
	assert.ErrorIs(t, s.Seed(entry(1, "again", c.Entry)), ErrAlreadySeeded)

	assert.Equal(t, 1, s.Size())
	assert.True(t, s.HasWaiting())
	assert.True(t, s.IsWaiting(0))
}

func TestSet_LocationIsDerivedFromState(t *testing.T) {
	c := diamond(t)
	s := seeded(t, BFS, entry(0, "init", c.Entry))

	got, ok := s.Get(0)
	require.True(t, ok)
	assert.Same(t, c.Entry, got.Location)
	assert.Len(t, s.Reached(c.Entry), 1)
	assert.Empty(t, s.Reached(node(t, c, "d")))
}

func TestSet_RejectsDuplicateNodes(t *testing.T) {
	c := diamond(t)
	s := seeded(t, BFS, entry(0, "init", c.Entry))
	assert.ErrorIs(t, s.Add(entry(0, "dup", c.Entry)), ErrDuplicateNode)
}

func TestSet_ReachedKeepsInsertionOrderPerLocation(t *testing.T) {
	c := diamond(t)
	d := node(t, c, "d")
	s := seeded(t, BFS, entry(0, "init", c.Entry))
	require.NoError(t, s.AddAll([]Entry{entry(1, "d1", d), entry(2, "b", node(t, c, "b")), entry(3, "d2", d)}))

	names := func(es []Entry) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.State.String())
		}
		return out
	}
	assert.Equal(t, []string{"d1", "d2"}, names(s.Reached(d)))
	assert.Equal(t, []string{"init", "d1", "b", "d2"}, names(s.All()))

	require.True(t, s.Remove(1))
	assert.Equal(t, []string{"d2"}, names(s.Reached(d)))
	assert.False(t, s.Remove(1))
	assert.NoError(t, s.Check())
}

func TestSet_RemoveAlsoRemovesFromWaitlist(t *testing.T) {
	c := diamond(t)
	s := seeded(t, BFS, entry(0, "init", c.Entry))
	require.NoError(t, s.Add(entry(1, "b", node(t, c, "b"))))
	assert.Equal(t, 2, s.WaitlistSize())

	assert.Equal(t, 1, s.RemoveAll([]arg.NodeID{1, 7}))
	assert.Equal(t, 1, s.WaitlistSize())
	assert.False(t, s.Contains(1))
	assert.NoError(t, s.Check())
}

func TestSet_PopKeepsEntryReached(t *testing.T) {
	c := diamond(t)
	s := seeded(t, BFS, entry(0, "init", c.Entry))

	e := s.Pop()
	assert.Equal(t, arg.NodeID(0), e.Node)
	assert.False(t, s.HasWaiting())
	assert.True(t, s.Contains(0))
	assert.False(t, s.IsWaiting(0))

	require.NoError(t, s.Requeue(0))
	assert.True(t, s.IsWaiting(0))
	require.NoError(t, s.Requeue(0), "requeue of a waiting entry is a no-op")
	assert.Equal(t, 1, s.WaitlistSize())
	assert.ErrorIs(t, s.Requeue(9), ErrNotReached)
}

func TestSet_PopOnEmptyWaitlistPanics(t *testing.T) {
	c := diamond(t)
	s := seeded(t, BFS, entry(0, "init", c.Entry))
	s.Pop()

	assert.Panics(t, func() { s.Pop() })
}

func TestSet_LastFallsBackAfterRemoval(t *testing.T) {
	c := diamond(t)
	s := seeded(t, BFS, entry(0, "init", c.Entry))
	require.NoError(t, s.Add(entry(1, "b", node(t, c, "b"))))

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, arg.NodeID(1), last.Node)

	s.Remove(1)
	last, ok = s.Last()
	require.True(t, ok)
	assert.Equal(t, arg.NodeID(0), last.Node)

	s.Remove(0)
	_, ok = s.Last()
	assert.False(t, ok)
}

func TestSet_WaitingEntries(t *testing.T) {
	c := diamond(t)
	s := seeded(t, BFS, entry(0, "init", c.Entry))
	require.NoError(t, s.Add(entry(1, "b", node(t, c, "b"))))
	s.Pop()

	waiting := s.Waiting()
	require.Len(t, waiting, 1)
	assert.Equal(t, arg.NodeID(1), waiting[0].Node)
}

// -----------------------------------------------------------------------------
// Waitlists
// -----------------------------------------------------------------------------

func popOrder(s *Set) []arg.NodeID {
	var out []arg.NodeID
	for s.HasWaiting() {
		out = append(out, s.Pop().Node)
	}
	return out
}

func TestWaitlist_Orders(t *testing.T) {
	c := diamond(t)
	a, b, cc, d := c.Entry, node(t, c, "b"), node(t, c, "c"), node(t, c, "d")

	tests := []struct {
		kind Kind
		want []arg.NodeID
	}{
		{BFS, []arg.NodeID{0, 1, 2, 3, 4}},
		{DFS, []arg.NodeID{4, 3, 2, 1, 0}},
		// rpo: a=0, c=1, b=2, d=3 (depth-first visits b before c, so c
		// finishes later and precedes b in reverse postorder).
		{Topological, []arg.NodeID{0, 3, 1, 4, 2}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s := seeded(t, tt.kind, entry(0, "a", a))
			require.NoError(t, s.AddAll([]Entry{
				entry(1, "b1", b),
				entry(2, "d", d),
				entry(3, "c", cc),
				entry(4, "b2", b),
			}))
			assert.Equal(t, tt.want, popOrder(s))
		})
	}
}

func TestWaitlist_SortedRemoveAndNilLocations(t *testing.T) {
	c := diamond(t)
	s := New(NewSortedWaitlist(ByReversePostorder))
	require.NoError(t, s.Seed(Entry{Node: 0, State: locState{"nowhere", nil}}))
	require.NoError(t, s.Add(entry(1, "d", node(t, c, "d"))))
	require.NoError(t, s.Add(entry(2, "a", c.Entry)))
	require.NoError(t, s.Add(entry(3, "b", node(t, c, "b"))))

	s.Remove(3)
	assert.Equal(t, []arg.NodeID{2, 1, 0}, popOrder(s))
}

func TestWaitlist_CustomComparator(t *testing.T) {
	c := diamond(t)
	byName := func(a, b *Entry) int {
		switch {
		case a.State.String() < b.State.String():
			return -1
		case a.State.String() > b.State.String():
			return 1
		}
		return 0
	}

	s := New(NewSortedWaitlist(byName))
	require.NoError(t, s.Seed(entry(0, "zeta", c.Entry)))
	require.NoError(t, s.Add(entry(1, "alpha", c.Entry)))
	require.NoError(t, s.Add(entry(2, "mu", c.Entry)))
	require.NoError(t, s.Add(entry(3, "alpha", c.Entry)))

	assert.Equal(t, []arg.NodeID{1, 3, 2, 0}, popOrder(s))
}

func TestNewWaitlist_Unknown(t *testing.T) {
	_, err := NewWaitlist("random")
	assert.ErrorIs(t, err, ErrUnknownWaitlist)

	w, err := NewWaitlist("")
	require.NoError(t, err)
	assert.Equal(t, 0, w.Len())
	assert.Len(t, Kinds(), 3)
}
