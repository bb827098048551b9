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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopProgram = `
format_version: v1.2.0
function: count
entry: start
error: [err]
edges:
  - {from: start, to: loop, assign: "i = 0"}
  - {from: loop, to: body, assume: "i < 3"}
  - {from: loop, to: exit, assume: "!(i < 3)"}
  - {from: body, to: loop, assign: "i = i + 1"}
  - {from: exit, to: err, assume: "i != 3"}
  - {from: exit, to: done}
`

func TestBuilder_BuildsEdgesInOrder(t *testing.T) {
	c, err := NewBuilder("main").
		Entry("a").
		Assign("a", "b", "x = 1").
		Assume("b", "c", "x == 1").
		Blank("b", "d").
		Error("c").
		Build()
	require.NoError(t, err)

	a, ok := c.Node("a")
	require.True(t, ok)
	assert.Same(t, a, c.Entry)
	require.Len(t, a.Leaving(), 1)

	assign := a.Leaving()[0]
	assert.Equal(t, EdgeAssign, assign.Kind)
	assert.Equal(t, "x", assign.Var)
	assert.NotNil(t, assign.Expr)

	b, _ := c.Node("b")
	require.Len(t, b.Leaving(), 2)
	assert.Equal(t, EdgeAssume, b.Leaving()[0].Kind)
	assert.Equal(t, EdgeBlank, b.Leaving()[1].Kind)
	assert.Equal(t, "b -[skip]-> d", b.Leaving()[1].String())

	errNodes := c.ErrorNodes()
	require.Len(t, errNodes, 1)
	assert.Equal(t, "c", errNodes[0].Name)
}

func TestBuilder_RejectsBadOperations(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Builder)
	}{
		{"comparison as assignment", func(b *Builder) { b.Assign("a", "b", "x == 1") }},
		{"unparsable rhs", func(b *Builder) { b.Assign("a", "b", "x = 1 +") }},
		{"unparsable condition", func(b *Builder) { b.Assume("a", "b", "x <") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder("main").Entry("a")
			tt.build(b)
			_, err := b.Build()
			assert.ErrorIs(t, err, ErrBadOperation)
		})
	}
}

func TestBuilder_EmptyAndMissingEntry(t *testing.T) {
	_, err := NewBuilder("main").Build()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestComputeRPO(t *testing.T) {
	c, err := Parse([]byte(loopProgram))
	require.NoError(t, err)

	rpo := func(name string) int {
		n, ok := c.Node(name)
		require.True(t, ok, name)
		return n.RPO
	}

	assert.Equal(t, 0, rpo("start"))
	assert.Less(t, rpo("start"), rpo("loop"))
	assert.Less(t, rpo("loop"), rpo("body"))
	assert.Less(t, rpo("loop"), rpo("exit"))
	assert.Less(t, rpo("exit"), rpo("err"))

	seen := map[int]bool{}
	for _, n := range c.Nodes() {
		assert.False(t, seen[n.RPO], "duplicate rpo %d", n.RPO)
		seen[n.RPO] = true
	}
}

func TestComputeRPO_UnreachableNodesLast(t *testing.T) {
	c, err := NewBuilder("main").
		Entry("a").
		Blank("a", "b").
		Blank("island", "b").
		Build()
	require.NoError(t, err)

	island, _ := c.Node("island")
	assert.Equal(t, 2, island.RPO)
}

func TestFindEdge(t *testing.T) {
	c, err := Parse([]byte(loopProgram))
	require.NoError(t, err)

	loop, _ := c.Node("loop")
	body, _ := c.Node("body")
	done, _ := c.Node("done")

	e := FindEdge(loop, body)
	require.NotNil(t, e)
	assert.Equal(t, "i < 3", e.Code)
	assert.Nil(t, FindEdge(loop, done))
	assert.Nil(t, FindEdge(nil, body))
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{
			name:    "missing version",
			data:    "entry: a\nedges: [{from: a, to: b}]",
			wantErr: ErrInvalidProgram,
		},
		{
			name:    "future major version",
			data:    "format_version: v2.0.0\nentry: a\nedges: [{from: a, to: b}]",
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "assign and assume together",
			data:    "format_version: v1.0.0\nentry: a\nedges: [{from: a, to: b, assign: 'x = 1', assume: 'x > 0'}]",
			wantErr: ErrInvalidProgram,
		},
		{
			name:    "no edges",
			data:    "format_version: v1.0.0\nentry: a\nedges: []",
			wantErr: ErrInvalidProgram,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestParse_JSON(t *testing.T) {
	data := `{"format_version":"v1.0.0","entry":"a","error":["b"],"edges":[{"from":"a","to":"b","assume":"1 > 0"}]}`

	c, err := Parse([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "main", c.Function)
	b, _ := c.Node("b")
	assert.True(t, b.IsError)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "count.yaml")
	require.NoError(t, os.WriteFile(path, []byte(loopProgram), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "count", c.Function)
	assert.Len(t, c.Nodes(), 6)
	assert.Len(t, c.Edges(), 6)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
