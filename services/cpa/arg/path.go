// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package arg

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

// Path is a root-to-target sequence of ARG nodes.
//
// Edges[i] is the CFA edge between the locations of Nodes[i] and Nodes[i+1],
// or nil when either state has no location or no such edge exists.
type Path struct {
	Nodes  []NodeID
	States []domain.AbstractState
	Edges  []*cfa.Edge
}

// Len returns the number of nodes on the path.
func (p *Path) Len() int {
	return len(p.Nodes)
}

// Target returns the last node.
func (p *Path) Target() NodeID {
	if len(p.Nodes) == 0 {
		return None
	}
	return p.Nodes[len(p.Nodes)-1]
}

// String renders the edge sequence, one edge per line.
func (p *Path) String() string {
	var b strings.Builder
	for i, e := range p.Edges {
		if e == nil {
			fmt.Fprintf(&b, "%d -> %d\n", p.Nodes[i], p.Nodes[i+1])
			continue
		}
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Path extracts a shortest path from the root to target.
//
// The search walks parents backward, breadth-first, from target; among
// several shortest paths the one whose nodes were discovered first wins.
func (g *Graph) Path(target NodeID) (*Path, error) {
	if g.Node(target) == nil {
		return nil, fmt.Errorf("path to %d: %w", target, ErrUnknownNode)
	}
	if g.root == None {
		return nil, fmt.Errorf("path to %d: %w", target, ErrNoPath)
	}

	next := map[NodeID]NodeID{target: None}
	queue := []NodeID{target}
	found := target == g.root
	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range g.nodes[cur].parents {
			if _, seen := next[p]; seen {
				continue
			}
			next[p] = cur
			if p == g.root {
				found = true
				break
			}
			queue = append(queue, p)
		}
	}
	if !found {
		return nil, fmt.Errorf("path to %d: %w", target, ErrNoPath)
	}

	path := &Path{}
	for id := g.root; id != None; id = next[id] {
		path.Nodes = append(path.Nodes, id)
		path.States = append(path.States, g.nodes[id].State)
	}
	for i := 0; i+1 < len(path.States); i++ {
		from := domain.ExtractLocation(path.States[i])
		to := domain.ExtractLocation(path.States[i+1])
		path.Edges = append(path.Edges, cfa.FindEdge(from, to))
	}
	return path, nil
}
