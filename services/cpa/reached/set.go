// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reached holds the reached set of an analysis run: every
// (state, precision) pair discovered so far, indexed by location, plus the
// waitlist of pairs still to be explored.
//
// Entries are identified by the ARG node that produced them. Every entry in
// the waitlist is also in the reached set; removing an entry removes it from
// both.
//
// # Thread Safety
//
// A Set is owned by one run and is not safe for concurrent use.
package reached

import (
	"container/list"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

var (
	// ErrAlreadySeeded is returned when Seed is called twice.
	ErrAlreadySeeded = errors.New("reached set already seeded")

	// ErrNotSeeded is returned when entries are added before Seed.
	ErrNotSeeded = errors.New("reached set not seeded")

	// ErrDuplicateNode is returned when an ARG node is added twice.
	ErrDuplicateNode = errors.New("ARG node already in reached set")

	// ErrNotReached is returned for nodes that are not in the reached set.
	ErrNotReached = errors.New("ARG node not in reached set")

	// ErrUnknownWaitlist is returned for unknown waitlist kinds.
	ErrUnknownWaitlist = errors.New("unknown waitlist kind")

	// ErrInconsistent is returned by Check.
	ErrInconsistent = errors.New("inconsistent reached set")
)

// Entry is one reached (state, precision) pair.
type Entry struct {
	Node      arg.NodeID
	State     domain.AbstractState
	Precision domain.Precision

	// Location is derived from State when left nil.
	Location *cfa.Node

	all   *list.Element
	local *list.Element
}

// View is read-only access to a reached set, handed to refinement managers.
type View interface {
	Size() int
	WaitlistSize() int
	HasWaiting() bool
	Last() (Entry, bool)
	Get(node arg.NodeID) (Entry, bool)
	Contains(node arg.NodeID) bool
	Reached(loc *cfa.Node) []Entry
	All() []Entry
}

var _ View = (*Set)(nil)

// Set is the reached set.
type Set struct {
	entries  map[arg.NodeID]*Entry
	all      *list.List
	byLoc    map[*cfa.Node]*list.List
	waitlist Waitlist
	last     *Entry
	seeded   bool
}

// New returns an empty set using the given waitlist.
func New(waitlist Waitlist) *Set {
	return &Set{
		entries:  make(map[arg.NodeID]*Entry),
		all:      list.New(),
		byLoc:    make(map[*cfa.Node]*list.List),
		waitlist: waitlist,
	}
}

// NewWithKind returns an empty set using a built-in waitlist.
func NewWithKind(kind Kind) (*Set, error) {
	w, err := NewWaitlist(kind)
	if err != nil {
		return nil, err
	}
	return New(w), nil
}

// Seed adds the initial entry to the reached set and the waitlist. It must
// be called exactly once, before any other mutation.
func (s *Set) Seed(e Entry) error {
	if s.seeded {
		return ErrAlreadySeeded
	}
	s.seeded = true
	return s.Add(e)
}

// Add inserts an entry into the reached set and the waitlist.
func (s *Set) Add(e Entry) error {
	if !s.seeded {
		return ErrNotSeeded
	}
	if _, ok := s.entries[e.Node]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateNode, e.Node)
	}

	entry := &Entry{
		Node:      e.Node,
		State:     e.State,
		Precision: e.Precision,
		Location:  e.Location,
	}
	if entry.Location == nil {
		entry.Location = domain.ExtractLocation(e.State)
	}

	local, ok := s.byLoc[entry.Location]
	if !ok {
		local = list.New()
		s.byLoc[entry.Location] = local
	}
	entry.all = s.all.PushBack(entry)
	entry.local = local.PushBack(entry)
	s.entries[entry.Node] = entry
	s.waitlist.Add(entry)
	s.last = entry
	return nil
}

// AddAll adds entries in order, stopping at the first error.
func (s *Set) AddAll(entries []Entry) error {
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the entry of node from the reached set and the waitlist.
// It reports whether the node was present.
func (s *Set) Remove(node arg.NodeID) bool {
	entry, ok := s.entries[node]
	if !ok {
		return false
	}
	s.waitlist.Remove(entry)
	s.all.Remove(entry.all)
	local := s.byLoc[entry.Location]
	local.Remove(entry.local)
	if local.Len() == 0 {
		delete(s.byLoc, entry.Location)
	}
	delete(s.entries, node)
	if s.last == entry {
		s.last = nil
		if back := s.all.Back(); back != nil {
			s.last = back.Value.(*Entry)
		}
	}
	return true
}

// RemoveAll removes every listed node and returns how many were present.
func (s *Set) RemoveAll(nodes []arg.NodeID) int {
	n := 0
	for _, node := range nodes {
		if s.Remove(node) {
			n++
		}
	}
	return n
}

// Pop removes the next entry from the waitlist. The entry stays reached.
//
// Pop panics if the waitlist is empty; check HasWaiting first.
func (s *Set) Pop() Entry {
	e := s.waitlist.Pop()
	if e == nil {
		panic("reached: Pop on empty waitlist")
	}
	return *e
}

// Requeue puts a reached entry back on the waitlist.
func (s *Set) Requeue(node arg.NodeID) error {
	entry, ok := s.entries[node]
	if !ok {
		return fmt.Errorf("requeue %d: %w", node, ErrNotReached)
	}
	s.waitlist.Add(entry)
	return nil
}

// HasWaiting reports whether the waitlist is non-empty.
func (s *Set) HasWaiting() bool {
	return s.waitlist.Len() > 0
}

// WaitlistSize returns the number of waiting entries.
func (s *Set) WaitlistSize() int {
	return s.waitlist.Len()
}

// IsWaiting reports whether node is on the waitlist.
func (s *Set) IsWaiting(node arg.NodeID) bool {
	entry, ok := s.entries[node]
	return ok && s.waitlist.Contains(entry)
}

// Size returns the number of reached entries.
func (s *Set) Size() int {
	return len(s.entries)
}

// Last returns the most recently added entry that is still reached.
func (s *Set) Last() (Entry, bool) {
	if s.last == nil {
		return Entry{}, false
	}
	return *s.last, true
}

// Get returns the entry for node.
func (s *Set) Get(node arg.NodeID) (Entry, bool) {
	entry, ok := s.entries[node]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Contains reports whether node is reached.
func (s *Set) Contains(node arg.NodeID) bool {
	_, ok := s.entries[node]
	return ok
}

// Reached returns the entries at loc in insertion order.
func (s *Set) Reached(loc *cfa.Node) []Entry {
	local, ok := s.byLoc[loc]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, local.Len())
	for el := local.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// All returns every entry in insertion order.
func (s *Set) All() []Entry {
	out := make([]Entry, 0, s.all.Len())
	for el := s.all.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// Waiting returns the waiting entries in insertion order.
func (s *Set) Waiting() []Entry {
	var out []Entry
	for el := s.all.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if s.waitlist.Contains(e) {
			out = append(out, *e)
		}
	}
	return out
}

// Check verifies that the indexes agree and that every waiting entry is
// reached at its location.
func (s *Set) Check() error {
	if s.all.Len() != len(s.entries) {
		return fmt.Errorf("%w: %d ordered entries, %d indexed", ErrInconsistent, s.all.Len(), len(s.entries))
	}
	waiting := 0
	for el := s.all.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if s.entries[e.Node] != e {
			return fmt.Errorf("%w: node %d not indexed", ErrInconsistent, e.Node)
		}
		local, ok := s.byLoc[e.Location]
		if !ok || !listHas(local, e) {
			return fmt.Errorf("%w: node %d missing at location %s", ErrInconsistent, e.Node, e.Location)
		}
		if s.waitlist.Contains(e) {
			waiting++
		}
	}
	if waiting != s.waitlist.Len() {
		return fmt.Errorf("%w: %d waiting entries are not reached", ErrInconsistent, s.waitlist.Len()-waiting)
	}
	return nil
}

func listHas(l *list.List, e *Entry) bool {
	for el := l.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry) == e {
			return true
		}
	}
	return false
}
