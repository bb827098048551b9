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
	"container/heap"
	"container/list"
	"fmt"
	"strings"
)

// Waitlist holds the entries pending exploration.
//
// Implementations decide the traversal order. An entry is held at most once;
// adding a held entry is a no-op.
type Waitlist interface {
	Add(e *Entry)
	Pop() *Entry
	Remove(e *Entry) bool
	Contains(e *Entry) bool
	Len() int
}

// Kind names a built-in traversal order.
type Kind string

const (
	// BFS pops entries in insertion order.
	BFS Kind = "bfs"

	// DFS pops the most recently added entry first.
	DFS Kind = "dfs"

	// Topological pops the entry whose location comes first in reverse
	// postorder. Ties and entries without a location fall back to
	// insertion order.
	Topological Kind = "topological"
)

// Kinds lists the built-in traversal orders.
func Kinds() []Kind {
	return []Kind{BFS, DFS, Topological}
}

// NewWaitlist returns a built-in waitlist.
func NewWaitlist(kind Kind) (Waitlist, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case BFS, "":
		return newListWaitlist(false), nil
	case DFS:
		return newListWaitlist(true), nil
	case Topological:
		return NewSortedWaitlist(ByReversePostorder), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownWaitlist, kind)
	}
}

// -----------------------------------------------------------------------------
// FIFO / LIFO
// -----------------------------------------------------------------------------

type listWaitlist struct {
	lifo  bool
	items *list.List
	index map[*Entry]*list.Element
}

func newListWaitlist(lifo bool) *listWaitlist {
	return &listWaitlist{
		lifo:  lifo,
		items: list.New(),
		index: make(map[*Entry]*list.Element),
	}
}

func (w *listWaitlist) Add(e *Entry) {
	if _, ok := w.index[e]; ok {
		return
	}
	w.index[e] = w.items.PushBack(e)
}

func (w *listWaitlist) Pop() *Entry {
	el := w.items.Front()
	if w.lifo {
		el = w.items.Back()
	}
	if el == nil {
		return nil
	}
	e := w.items.Remove(el).(*Entry)
	delete(w.index, e)
	return e
}

func (w *listWaitlist) Remove(e *Entry) bool {
	el, ok := w.index[e]
	if !ok {
		return false
	}
	w.items.Remove(el)
	delete(w.index, e)
	return true
}

func (w *listWaitlist) Contains(e *Entry) bool {
	_, ok := w.index[e]
	return ok
}

func (w *listWaitlist) Len() int {
	return w.items.Len()
}

// -----------------------------------------------------------------------------
// Sorted
// -----------------------------------------------------------------------------

// Compare orders two entries; a negative result pops a first.
type Compare func(a, b *Entry) int

// ByReversePostorder orders entries by the reverse-postorder number of their
// location. Entries without a location come last.
func ByReversePostorder(a, b *Entry) int {
	switch {
	case a.Location == nil && b.Location == nil:
		return 0
	case a.Location == nil:
		return 1
	case b.Location == nil:
		return -1
	}
	return a.Location.RPO - b.Location.RPO
}

// NewSortedWaitlist returns a waitlist ordered by cmp, with ties broken by
// insertion order.
func NewSortedWaitlist(cmp Compare) Waitlist {
	return &sortedWaitlist{
		heap: entryHeap{cmp: cmp},
		pos:  make(map[*Entry]*heapItem),
	}
}

type heapItem struct {
	entry *Entry
	seq   uint64
	index int
}

type entryHeap struct {
	cmp   Compare
	items []*heapItem
}

func (h entryHeap) Len() int { return len(h.items) }

func (h entryHeap) Less(i, j int) bool {
	if c := h.cmp(h.items[i].entry, h.items[j].entry); c != 0 {
		return c < 0
	}
	return h.items[i].seq < h.items[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *entryHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *entryHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	item.index = -1
	return item
}

type sortedWaitlist struct {
	heap entryHeap
	pos  map[*Entry]*heapItem
	seq  uint64
}

func (w *sortedWaitlist) Add(e *Entry) {
	if _, ok := w.pos[e]; ok {
		return
	}
	w.seq++
	item := &heapItem{entry: e, seq: w.seq}
	heap.Push(&w.heap, item)
	w.pos[e] = item
}

func (w *sortedWaitlist) Pop() *Entry {
	if w.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(&w.heap).(*heapItem)
	delete(w.pos, item.entry)
	return item.entry
}

func (w *sortedWaitlist) Remove(e *Entry) bool {
	item, ok := w.pos[e]
	if !ok {
		return false
	}
	heap.Remove(&w.heap, item.index)
	delete(w.pos, e)
	return true
}

func (w *sortedWaitlist) Contains(e *Entry) bool {
	_, ok := w.pos[e]
	return ok
}

func (w *sortedWaitlist) Len() int {
	return w.heap.Len()
}
