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
	"maps"
	"slices"
	"strings"
)

// Precision is the set of variables the analysis tracks.
type Precision struct {
	all     bool
	tracked map[string]struct{}
}

// NewPrecision tracks the named variables.
func NewPrecision(vars ...string) *Precision {
	p := &Precision{tracked: make(map[string]struct{}, len(vars))}
	for _, v := range vars {
		p.tracked[v] = struct{}{}
	}
	return p
}

// All tracks every variable.
func All() *Precision {
	return &Precision{all: true}
}

// Tracks reports whether name is tracked.
func (p *Precision) Tracks(name string) bool {
	if p == nil {
		return false
	}
	if p.all {
		return true
	}
	_, ok := p.tracked[name]
	return ok
}

// IsAll reports whether every variable is tracked.
func (p *Precision) IsAll() bool {
	return p != nil && p.all
}

// Vars returns the tracked variables, sorted. It is empty for All.
func (p *Precision) Vars() []string {
	if p == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(p.tracked))
}

// Track returns a precision that also tracks vars, and whether anything was
// added. p is not modified.
func (p *Precision) Track(vars ...string) (*Precision, bool) {
	if p.IsAll() {
		return p, false
	}
	next := NewPrecision(p.Vars()...)
	added := false
	for _, v := range vars {
		if _, ok := next.tracked[v]; !ok {
			next.tracked[v] = struct{}{}
			added = true
		}
	}
	if !added {
		return p, false
	}
	return next, true
}

func (p *Precision) String() string {
	if p.IsAll() {
		return "*"
	}
	return "{" + strings.Join(p.Vars(), ", ") + "}"
}
