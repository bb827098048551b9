// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package value implements an explicit-value analysis over integer
// variables.
//
// A state maps variables to known values; a variable without a binding is
// unknown. The precision names the variables the analysis may track, so an
// empty precision tracks nothing and the analysis degenerates to pure
// control flow. Refiner grows the precision from infeasible counterexamples.
//
// States carry no location and are meant to run inside domain.Composite next
// to the location analysis.
package value

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

// State is an immutable variable assignment.
type State struct {
	vals map[string]int64
}

// Empty returns the state with no known variables.
func Empty() State {
	return State{}
}

// NewState returns a state with the given bindings. The map is copied.
func NewState(vals map[string]int64) State {
	if len(vals) == 0 {
		return State{}
	}
	return State{vals: maps.Clone(vals)}
}

// Get returns the value of name, if known.
func (s State) Get(name string) (int64, bool) {
	v, ok := s.vals[name]
	return v, ok
}

// Len returns the number of known variables.
func (s State) Len() int {
	return len(s.vals)
}

// Vars returns the known variables, sorted.
func (s State) Vars() []string {
	return slices.Sorted(maps.Keys(s.vals))
}

// With returns a copy of s with name bound to v.
func (s State) With(name string, v int64) State {
	vals := make(map[string]int64, len(s.vals)+1)
	maps.Copy(vals, s.vals)
	vals[name] = v
	return State{vals: vals}
}

// Forget returns a copy of s without a binding for name.
func (s State) Forget(name string) State {
	if _, ok := s.vals[name]; !ok {
		return s
	}
	vals := maps.Clone(s.vals)
	delete(vals, name)
	return State{vals: vals}
}

// IsTarget is always false; targets come from the location analysis.
func (s State) IsTarget() bool {
	return false
}

// Equal compares bindings.
func (s State) Equal(other domain.AbstractState) bool {
	o, ok := other.(State)
	return ok && maps.Equal(s.vals, o.vals)
}

func (s State) String() string {
	parts := make([]string, 0, len(s.vals))
	for _, name := range s.Vars() {
		parts = append(parts, fmt.Sprintf("%s=%d", name, s.vals[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// lessOrEqual reports whether s is at least as precise as o: every binding
// of o is also in s.
func (s State) lessOrEqual(o State) bool {
	for name, v := range o.vals {
		if w, ok := s.vals[name]; !ok || w != v {
			return false
		}
	}
	return true
}

// join keeps the bindings both states agree on.
func (s State) join(o State) State {
	vals := make(map[string]int64)
	for name, v := range s.vals {
		if w, ok := o.vals[name]; ok && w == v {
			vals[name] = v
		}
	}
	if len(vals) == 0 {
		return State{}
	}
	return State{vals: vals}
}

type order struct{}

func (order) LessOrEqual(a, b domain.AbstractState) bool {
	x, okA := a.(State)
	y, okB := b.(State)
	return okA && okB && x.lessOrEqual(y)
}

func (order) Join(a, b domain.AbstractState) (domain.AbstractState, error) {
	x, okA := a.(State)
	y, okB := b.(State)
	if !okA || !okB {
		return nil, fmt.Errorf("value join: %w: %T and %T", domain.ErrTypeMismatch, a, b)
	}
	return x.join(y), nil
}
