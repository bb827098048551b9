// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package domain defines the operator contracts an analysis plugs into the
// fixpoint engine, plus the standard operators most analyses reuse.
//
// # Operators
//
// An analysis (a CPA) supplies:
//
//   - Order: the partial order a ⊑ b. Reflexive and transitive.
//   - TransferRelation: abstract successors of a state. May return zero,
//     one or many states, or an *ElementFailure to give up on one element.
//   - MergeOperator: combines a fresh successor with a reached sibling at
//     the same location. The result must be ⊒ the sibling. MergeSep (no
//     merging) returns the sibling unchanged.
//   - StopOperator: reports whether a successor is covered by reached
//     siblings and can be discarded.
//   - PrecisionAdjustment: may replace a successor's state and precision
//     before it is added, and may ask the engine to break out of the loop.
//
// Operators must be deterministic given identical inputs so that
// counterexamples are reproducible.
//
// # Products
//
// Composite combines several analyses pointwise: one operator per
// component, forwarded in order.
//
// # Errors
//
// ElementFailure is recoverable and local to one waitlist element.
// FatalError aborts a run and carries a Kind that separates configuration
// problems, broken operator contracts and refinement failures.
package domain
