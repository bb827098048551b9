// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import "fmt"

// MergeSep never merges: it returns the reached sibling unchanged.
type MergeSep struct{}

// Merge returns reached.
func (MergeSep) Merge(_, reached AbstractState, _ Precision) (AbstractState, error) {
	return reached, nil
}

// MergeJoin replaces the sibling with the join of both states.
type MergeJoin struct {
	Joiner Joiner
}

// Merge returns successor ⊔ reached.
func (m MergeJoin) Merge(successor, reached AbstractState, _ Precision) (AbstractState, error) {
	return m.Joiner.Join(successor, reached)
}

// StopSep covers a successor if any single sibling is above it.
type StopSep struct {
	Order Order
}

// Stop reports ∃ r ∈ reached: successor ⊑ r.
func (s StopSep) Stop(successor AbstractState, reached []AbstractState, _ Precision) (bool, error) {
	for _, r := range reached {
		if s.Order.LessOrEqual(successor, r) {
			return true, nil
		}
	}
	return false, nil
}

// StopJoin covers a successor if the join of all siblings is above it.
type StopJoin struct {
	Order  Order
	Joiner Joiner
}

// Stop reports successor ⊑ ⊔ reached.
func (s StopJoin) Stop(successor AbstractState, reached []AbstractState, _ Precision) (bool, error) {
	if len(reached) == 0 {
		return false, nil
	}
	joined := reached[0]
	for _, r := range reached[1:] {
		var err error
		joined, err = s.Joiner.Join(joined, r)
		if err != nil {
			return false, fmt.Errorf("stop-join: %w", err)
		}
	}
	return s.Order.LessOrEqual(successor, joined), nil
}

// StopNever never covers.
type StopNever struct{}

// Stop returns false.
func (StopNever) Stop(AbstractState, []AbstractState, Precision) (bool, error) {
	return false, nil
}

// StaticPrecisionAdjustment leaves state and precision unchanged.
type StaticPrecisionAdjustment struct{}

// Adjust returns its inputs and Continue.
func (StaticPrecisionAdjustment) Adjust(state AbstractState, precision Precision, _ []AbstractState) (AbstractState, Precision, Action, error) {
	return state, precision, Continue, nil
}
