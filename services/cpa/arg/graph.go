// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package arg implements the abstract reachability graph.
//
// Nodes live in an arena and refer to each other by NodeID. A node records
// the state it was created for, the precision it was last explored with,
// its parents and children (ordered, without duplicates), and an optional
// covering node. Removed nodes become tombstones; their IDs are never
// reused, so stale IDs are detected instead of aliasing new nodes.
//
// Merges create join points and may create cycles, so every walk keeps a
// visited set.
//
// # Thread Safety
//
// A Graph is owned by a single analysis run and is not safe for concurrent
// use.
package arg

import (
	"errors"
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnknownNode is returned for IDs that were never allocated or that
	// refer to a removed node.
	ErrUnknownNode = errors.New("unknown or removed ARG node")

	// ErrRootExists is returned when a second root is seeded.
	ErrRootExists = errors.New("ARG already has a root")

	// ErrInconsistent is returned by Check when edges are not symmetric.
	ErrInconsistent = errors.New("inconsistent ARG")

	// ErrNoPath is returned when a node cannot be connected to the root.
	ErrNoPath = errors.New("no path to the ARG root")
)

// NodeID indexes a node in the arena.
type NodeID int

// None is the absent node.
const None NodeID = -1

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

// Node is one produced abstract state.
type Node struct {
	ID        NodeID
	State     domain.AbstractState
	Precision domain.Precision

	parents    []NodeID
	children   []NodeID
	coveredBy  NodeID
	covering   []NodeID
	replacedBy NodeID
	destroyed  bool
}

// Parents returns a copy of the parent IDs in insertion order.
func (n *Node) Parents() []NodeID {
	return slices.Clone(n.parents)
}

// Children returns a copy of the child IDs in insertion order.
func (n *Node) Children() []NodeID {
	return slices.Clone(n.children)
}

// CoveredBy returns the covering node, if any.
func (n *Node) CoveredBy() (NodeID, bool) {
	return n.coveredBy, n.coveredBy != None
}

// Covering returns a copy of the nodes this node covers.
func (n *Node) Covering() []NodeID {
	return slices.Clone(n.covering)
}

// IsCovered reports whether another node subsumes this one.
func (n *Node) IsCovered() bool {
	return n.coveredBy != None
}

// Removal lists the effects of removing nodes from the graph.
type Removal struct {
	// Removed are the destroyed nodes.
	Removed []NodeID

	// Uncovered are surviving nodes whose covering node was destroyed.
	Uncovered []NodeID
}

// -----------------------------------------------------------------------------
// Graph
// -----------------------------------------------------------------------------

// View is read-only access to a graph, handed to refinement managers.
type View interface {
	Root() NodeID
	Len() int
	Node(id NodeID) *Node
	Nodes() []NodeID
	Subtree(id NodeID) []NodeID
	Ancestors(id NodeID) []NodeID
	CoveringAncestors(id NodeID) []NodeID
	Path(target NodeID) (*Path, error)
}

var _ View = (*Graph)(nil)

// Graph is the arena of ARG nodes.
type Graph struct {
	nodes []*Node
	root  NodeID
	live  int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{root: None}
}

// Seed creates the root node.
func (g *Graph) Seed(state domain.AbstractState, precision domain.Precision) (NodeID, error) {
	if g.root != None {
		return None, ErrRootExists
	}
	g.root = g.Create(state, precision)
	return g.root, nil
}

// Create allocates a node without edges.
func (g *Graph) Create(state domain.AbstractState, precision domain.Precision) NodeID {
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, &Node{
		ID:         id,
		State:      state,
		Precision:  precision,
		coveredBy:  None,
		replacedBy: None,
	})
	g.live++
	return id
}

// Root returns the root ID, or None.
func (g *Graph) Root() NodeID {
	return g.root
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	return g.live
}

// Node returns a live node, or nil.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	n := g.nodes[id]
	if n.destroyed {
		return nil
	}
	return n
}

// Contains reports whether id is a live node.
func (g *Graph) Contains(id NodeID) bool {
	return g.Node(id) != nil
}

// Nodes returns the live node IDs in allocation order.
func (g *Graph) Nodes() []NodeID {
	out := make([]NodeID, 0, g.live)
	for _, n := range g.nodes {
		if !n.destroyed {
			out = append(out, n.ID)
		}
	}
	return out
}

// Resolve follows merge replacements from id to the node that currently
// stands for it. Unknown IDs resolve to themselves.
func (g *Graph) Resolve(id NodeID) NodeID {
	for id >= 0 && int(id) < len(g.nodes) && g.nodes[id].replacedBy != None {
		id = g.nodes[id].replacedBy
	}
	return id
}

// SetPrecision records the precision a node will be explored with.
func (g *Graph) SetPrecision(id NodeID, precision domain.Precision) error {
	n := g.Node(id)
	if n == nil {
		return fmt.Errorf("set precision on %d: %w", id, ErrUnknownNode)
	}
	n.Precision = precision
	return nil
}

// AddChild records parent → child in both directions. Self edges and
// duplicate edges are ignored.
func (g *Graph) AddChild(parent, child NodeID) error {
	p, c := g.Node(parent), g.Node(child)
	if p == nil || c == nil {
		return fmt.Errorf("add child %d -> %d: %w", parent, child, ErrUnknownNode)
	}
	if parent == child || slices.Contains(p.children, child) {
		return nil
	}
	p.children = append(p.children, child)
	c.parents = append(c.parents, parent)
	return nil
}

// MarkCovered records that by subsumes id.
func (g *Graph) MarkCovered(id, by NodeID) error {
	n, cover := g.Node(id), g.Node(by)
	if n == nil || cover == nil {
		return fmt.Errorf("cover %d by %d: %w", id, by, ErrUnknownNode)
	}
	if id == by {
		return fmt.Errorf("cover %d by itself: %w", id, ErrInconsistent)
	}
	g.uncover(n)
	n.coveredBy = by
	cover.covering = append(cover.covering, id)
	return nil
}

// Replace substitutes a merged state for an existing node. The new node
// takes over the old node's parents, children and covering relations; the
// old node is destroyed and Resolve maps it to the new one.
func (g *Graph) Replace(old NodeID, state domain.AbstractState, precision domain.Precision) (NodeID, error) {
	o := g.Node(old)
	if o == nil {
		return None, fmt.Errorf("replace %d: %w", old, ErrUnknownNode)
	}
	id := g.Create(state, precision)
	n := g.nodes[id]

	for _, p := range o.parents {
		parent := g.nodes[p]
		parent.children = replaceOrDrop(parent.children, old, id)
		n.parents = append(n.parents, p)
	}
	for _, c := range o.children {
		child := g.nodes[c]
		child.parents = replaceOrDrop(child.parents, old, id)
		n.children = append(n.children, c)
	}
	for _, c := range o.covering {
		g.nodes[c].coveredBy = id
		n.covering = append(n.covering, c)
	}
	if o.coveredBy != None {
		cover := g.nodes[o.coveredBy]
		cover.covering = replaceOrDrop(cover.covering, old, id)
		n.coveredBy = o.coveredBy
	}

	o.parents, o.children, o.covering = nil, nil, nil
	o.coveredBy = None
	o.replacedBy = id
	o.destroyed = true
	g.live--
	if g.root == old {
		g.root = id
	}
	return id, nil
}

// Reinsert creates a fresh node for state under old's parents, without
// old's children. old is left in place for the caller to detach. When old
// is the root, the fresh node becomes the root.
func (g *Graph) Reinsert(old NodeID, state domain.AbstractState, precision domain.Precision) (NodeID, error) {
	o := g.Node(old)
	if o == nil {
		return None, fmt.Errorf("reinsert %d: %w", old, ErrUnknownNode)
	}
	id := g.Create(state, precision)
	for _, p := range o.parents {
		if err := g.AddChild(p, id); err != nil {
			return None, err
		}
	}
	if g.root == old {
		g.root = id
	}
	return id, nil
}

// Subtree returns id and every node reachable from it over children, in
// breadth-first discovery order.
func (g *Graph) Subtree(id NodeID) []NodeID {
	return g.walk(id, func(n *Node) []NodeID { return n.children })
}

// Ancestors returns id and every node reachable from it over parents, in
// breadth-first discovery order.
func (g *Graph) Ancestors(id NodeID) []NodeID {
	return g.walk(id, func(n *Node) []NodeID { return n.parents })
}

// CoveringAncestors returns the ancestors of id, inclusive, that cover at
// least one other node.
func (g *Graph) CoveringAncestors(id NodeID) []NodeID {
	var out []NodeID
	for _, a := range g.Ancestors(id) {
		if len(g.nodes[a].covering) > 0 {
			out = append(out, a)
		}
	}
	return out
}

// Covered returns the nodes covered by id. It is empty for unknown nodes.
func (g *Graph) Covered(id NodeID) []NodeID {
	n := g.Node(id)
	if n == nil {
		return nil
	}
	return n.Covering()
}

// ClearChildren destroys every node in the subtree of id except id itself.
// Nodes outside the subtree survive; edges from them into the subtree are
// dropped, and nodes covered by a destroyed node become uncovered.
func (g *Graph) ClearChildren(id NodeID) (Removal, error) {
	if g.Node(id) == nil {
		return Removal{}, fmt.Errorf("clear children of %d: %w", id, ErrUnknownNode)
	}
	sub := g.Subtree(id)
	return g.remove(sub[1:]), nil
}

// Detach destroys a single node.
func (g *Graph) Detach(id NodeID) (Removal, error) {
	if g.Node(id) == nil {
		return Removal{}, fmt.Errorf("detach %d: %w", id, ErrUnknownNode)
	}
	return g.remove([]NodeID{id}), nil
}

// Check verifies that parent/child and covering relations are symmetric and
// only mention live nodes.
func (g *Graph) Check() error {
	for _, n := range g.nodes {
		if n.destroyed {
			continue
		}
		for _, c := range n.children {
			child := g.Node(c)
			if child == nil || !slices.Contains(child.parents, n.ID) {
				return fmt.Errorf("%w: child %d of %d", ErrInconsistent, c, n.ID)
			}
		}
		for _, p := range n.parents {
			parent := g.Node(p)
			if parent == nil || !slices.Contains(parent.children, n.ID) {
				return fmt.Errorf("%w: parent %d of %d", ErrInconsistent, p, n.ID)
			}
		}
		if n.coveredBy != None {
			cover := g.Node(n.coveredBy)
			if cover == nil || !slices.Contains(cover.covering, n.ID) {
				return fmt.Errorf("%w: cover %d of %d", ErrInconsistent, n.coveredBy, n.ID)
			}
		}
		for _, c := range n.covering {
			covered := g.Node(c)
			if covered == nil || covered.coveredBy != n.ID {
				return fmt.Errorf("%w: %d claims to cover %d", ErrInconsistent, n.ID, c)
			}
		}
	}
	if g.root != None && g.Node(g.root) == nil {
		return fmt.Errorf("%w: root %d removed", ErrInconsistent, g.root)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------------

func (g *Graph) walk(start NodeID, next func(*Node) []NodeID) []NodeID {
	if g.Node(start) == nil {
		return nil
	}
	visited := map[NodeID]bool{start: true}
	out := []NodeID{start}
	for i := 0; i < len(out); i++ {
		for _, m := range next(g.nodes[out[i]]) {
			if !visited[m] {
				visited[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func (g *Graph) remove(ids []NodeID) Removal {
	doomed := make(map[NodeID]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}

	var r Removal
	uncovered := map[NodeID]bool{}
	for _, id := range ids {
		n := g.nodes[id]
		for _, p := range n.parents {
			parent := g.nodes[p]
			parent.children = slices.DeleteFunc(parent.children, func(c NodeID) bool { return c == id })
		}
		for _, c := range n.children {
			child := g.nodes[c]
			child.parents = slices.DeleteFunc(child.parents, func(p NodeID) bool { return p == id })
		}
		g.uncover(n)
		for _, c := range n.covering {
			covered := g.nodes[c]
			covered.coveredBy = None
			if !doomed[c] && !uncovered[c] {
				uncovered[c] = true
				r.Uncovered = append(r.Uncovered, c)
			}
		}

		n.parents, n.children, n.covering = nil, nil, nil
		n.destroyed = true
		g.live--
		if g.root == id {
			g.root = None
		}
		r.Removed = append(r.Removed, id)
	}
	return r
}

// uncover clears n's covering edge in both directions.
func (g *Graph) uncover(n *Node) {
	if n.coveredBy == None {
		return
	}
	cover := g.nodes[n.coveredBy]
	cover.covering = slices.DeleteFunc(cover.covering, func(c NodeID) bool { return c == n.ID })
	n.coveredBy = None
}

// replaceOrDrop swaps old for repl in ids, dropping old instead if repl is
// already present.
func replaceOrDrop(ids []NodeID, old, repl NodeID) []NodeID {
	if slices.Contains(ids, repl) {
		return slices.DeleteFunc(ids, func(x NodeID) bool { return x == old })
	}
	for i, x := range ids {
		if x == old {
			ids[i] = repl
		}
	}
	return ids
}
