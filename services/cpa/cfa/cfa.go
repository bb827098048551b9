// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cfa models a program as a control-flow automaton.
//
// Nodes are program locations and edges carry the operation performed when
// control moves between them: an assignment, an assumption (branch
// condition), or nothing. The analysis core treats nodes as opaque locations
// and only follows their leaving edges; it never mutates a CFA.
//
// Expressions use Go expression syntax and are parsed once at build time.
package cfa

import (
	"fmt"
	"go/ast"
)

// EdgeKind classifies the operation on a CFA edge.
type EdgeKind int

const (
	// EdgeBlank moves control without changing state.
	EdgeBlank EdgeKind = iota

	// EdgeAssign assigns the value of Expr to Var.
	EdgeAssign

	// EdgeAssume continues only if Expr evaluates to true.
	EdgeAssume
)

// String returns the lowercase name of the kind.
func (k EdgeKind) String() string {
	switch k {
	case EdgeBlank:
		return "blank"
	case EdgeAssign:
		return "assign"
	case EdgeAssume:
		return "assume"
	default:
		return "unknown"
	}
}

// Node is a program location.
type Node struct {
	// ID is the index of the node in its CFA. Stable for the CFA's lifetime.
	ID int

	// Name is the label from the program description.
	Name string

	// Function is the name of the function the node belongs to.
	Function string

	// IsError marks a target location.
	IsError bool

	// RPO is the reverse-postorder number from the entry node. Nodes not
	// reachable from the entry are numbered after all reachable ones.
	RPO int

	leaving  []*Edge
	entering []*Edge
}

// Leaving returns the outgoing edges in declaration order.
func (n *Node) Leaving() []*Edge {
	return n.leaving
}

// Entering returns the incoming edges in declaration order.
func (n *Node) Entering() []*Edge {
	return n.entering
}

// String returns the node name.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	return n.Name
}

// Edge is a transition between two locations.
type Edge struct {
	From *Node
	To   *Node
	Kind EdgeKind

	// Code is the source text of the operation ("" for blank edges).
	Code string

	// Var is the assigned variable for EdgeAssign.
	Var string

	// Expr is the right-hand side for EdgeAssign or the condition for
	// EdgeAssume.
	Expr ast.Expr
}

// String renders the edge as "from -[code]-> to".
func (e *Edge) String() string {
	code := e.Code
	if e.Kind == EdgeBlank {
		code = "skip"
	}
	return fmt.Sprintf("%s -[%s]-> %s", e.From, code, e.To)
}

// CFA is an immutable control-flow automaton for one function.
type CFA struct {
	Function string
	Entry    *Node

	nodes  []*Node
	edges  []*Edge
	byName map[string]*Node
}

// Nodes returns all nodes ordered by ID.
func (c *CFA) Nodes() []*Node {
	return c.nodes
}

// Edges returns all edges in declaration order.
func (c *CFA) Edges() []*Edge {
	return c.edges
}

// Node looks up a node by name.
func (c *CFA) Node(name string) (*Node, bool) {
	n, ok := c.byName[name]
	return n, ok
}

// ErrorNodes returns the target locations ordered by ID.
func (c *CFA) ErrorNodes() []*Node {
	var out []*Node
	for _, n := range c.nodes {
		if n.IsError {
			out = append(out, n)
		}
	}
	return out
}

// FindEdge returns the first edge from one node to another, or nil.
func FindEdge(from, to *Node) *Edge {
	if from == nil || to == nil {
		return nil
	}
	for _, e := range from.leaving {
		if e.To == to {
			return e
		}
	}
	return nil
}

// computeRPO numbers nodes in reverse postorder of a depth-first traversal
// from the entry, following leaving edges in declaration order.
func computeRPO(entry *Node, nodes []*Node) {
	type frame struct {
		node *Node
		next int
	}

	visited := make(map[*Node]bool, len(nodes))
	post := make([]*Node, 0, len(nodes))

	stack := []frame{{node: entry}}
	visited[entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.node.leaving) {
			succ := top.node.leaving[top.next].To
			top.next++
			if !visited[succ] {
				visited[succ] = true
				stack = append(stack, frame{node: succ})
			}
			continue
		}
		post = append(post, top.node)
		stack = stack[:len(stack)-1]
	}

	for i, n := range post {
		n.RPO = len(post) - 1 - i
	}

	next := len(post)
	for _, n := range nodes {
		if !visited[n] {
			n.RPO = next
			next++
		}
	}
}
