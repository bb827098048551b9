// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfa

import (
	"errors"
	"fmt"
	"go/parser"
	"regexp"
	"strings"
)

var (
	// ErrNoEntry is returned when the entry node is missing or unknown.
	ErrNoEntry = errors.New("cfa has no entry node")

	// ErrEmpty is returned when a CFA has no nodes.
	ErrEmpty = errors.New("cfa has no nodes")

	// ErrBadOperation is returned when an edge operation cannot be parsed.
	ErrBadOperation = errors.New("invalid edge operation")
)

// assignPattern matches "name = expr" but not "name == expr".
var assignPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*)$`)

// Builder assembles a CFA edge by edge.
//
// Nodes are created on first mention. Errors are collected and reported by
// Build, so calls can be chained:
//
//	c, err := cfa.NewBuilder("main").
//	    Entry("l0").
//	    Assign("l0", "l1", "x = 0").
//	    Assume("l1", "err", "x != 0").
//	    Error("err").
//	    Build()
type Builder struct {
	function string
	entry    string
	nodes    []*Node
	edges    []*Edge
	byName   map[string]*Node
	errs     []error
}

// NewBuilder starts a CFA for the named function.
func NewBuilder(function string) *Builder {
	return &Builder{
		function: function,
		byName:   make(map[string]*Node),
	}
}

// Entry sets the entry location.
func (b *Builder) Entry(name string) *Builder {
	b.entry = name
	b.node(name)
	return b
}

// Location declares a node without edges.
func (b *Builder) Location(name string) *Builder {
	b.node(name)
	return b
}

// Error marks the named locations as targets.
func (b *Builder) Error(names ...string) *Builder {
	for _, name := range names {
		b.node(name).IsError = true
	}
	return b
}

// Blank adds an edge with no operation.
func (b *Builder) Blank(from, to string) *Builder {
	b.addEdge(&Edge{From: b.node(from), To: b.node(to), Kind: EdgeBlank})
	return b
}

// Assign adds an assignment edge. code has the form "x = expr".
func (b *Builder) Assign(from, to, code string) *Builder {
	m := assignPattern.FindStringSubmatch(code)
	if m == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: %s -> %s: %q is not an assignment", ErrBadOperation, from, to, code))
		return b
	}
	expr, err := parser.ParseExpr(strings.TrimSpace(m[2]))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%w: %s -> %s: %v", ErrBadOperation, from, to, err))
		return b
	}
	b.addEdge(&Edge{
		From: b.node(from),
		To:   b.node(to),
		Kind: EdgeAssign,
		Code: strings.TrimSpace(code),
		Var:  m[1],
		Expr: expr,
	})
	return b
}

// Assume adds a condition edge. code is a boolean Go expression.
func (b *Builder) Assume(from, to, code string) *Builder {
	expr, err := parser.ParseExpr(code)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%w: %s -> %s: %v", ErrBadOperation, from, to, err))
		return b
	}
	b.addEdge(&Edge{
		From: b.node(from),
		To:   b.node(to),
		Kind: EdgeAssume,
		Code: strings.TrimSpace(code),
		Expr: expr,
	})
	return b
}

// Build validates the automaton and computes reverse-postorder numbers.
func (b *Builder) Build() (*CFA, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if len(b.nodes) == 0 {
		return nil, ErrEmpty
	}

	entryName := b.entry
	if entryName == "" {
		entryName = b.nodes[0].Name
	}
	entry, ok := b.byName[entryName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoEntry, entryName)
	}

	computeRPO(entry, b.nodes)

	return &CFA{
		Function: b.function,
		Entry:    entry,
		nodes:    b.nodes,
		edges:    b.edges,
		byName:   b.byName,
	}, nil
}

func (b *Builder) node(name string) *Node {
	if n, ok := b.byName[name]; ok {
		return n
	}
	n := &Node{
		ID:       len(b.nodes),
		Name:     name,
		Function: b.function,
	}
	b.nodes = append(b.nodes, n)
	b.byName[name] = n
	return n
}

func (b *Builder) addEdge(e *Edge) {
	e.From.leaving = append(e.From.leaving, e)
	e.To.entering = append(e.To.entering, e)
	b.edges = append(b.edges, e)
}
