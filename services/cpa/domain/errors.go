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

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrElementFailure matches every *ElementFailure via errors.Is.
	ErrElementFailure = errors.New("element failure")

	// ErrConfiguration matches fatal errors of KindConfiguration.
	ErrConfiguration = errors.New("invalid analysis configuration")

	// ErrInvariantViolation matches fatal errors of KindInvariant.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrRefinement matches fatal errors of KindRefinement.
	ErrRefinement = errors.New("refinement error")

	// ErrTypeMismatch is returned by operators handed a state of another
	// analysis.
	ErrTypeMismatch = errors.New("abstract state type mismatch")
)

// ElementFailure reports that successors of a single element could not be
// computed. The engine drops the element, records the failure and marks the
// run incomplete.
type ElementFailure struct {
	Reason string
	Err    error
}

// NewElementFailure wraps err as a recoverable per-element failure.
func NewElementFailure(reason string, err error) *ElementFailure {
	return &ElementFailure{Reason: reason, Err: err}
}

func (e *ElementFailure) Error() string {
	if e.Err == nil {
		return "element failure: " + e.Reason
	}
	return fmt.Sprintf("element failure: %s: %v", e.Reason, e.Err)
}

func (e *ElementFailure) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrElementFailure) true.
func (e *ElementFailure) Is(target error) bool {
	return target == ErrElementFailure
}

// Kind classifies fatal errors.
type Kind int

const (
	// KindConfiguration is a misconfigured analysis or run.
	KindConfiguration Kind = iota

	// KindInvariant is a broken operator contract or data-structure invariant.
	KindInvariant

	// KindRefinement is an internal failure of a refinement manager.
	KindRefinement
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInvariant:
		return "invariant"
	case KindRefinement:
		return "refinement"
	default:
		return "unknown"
	}
}

// FatalError aborts a run.
type FatalError struct {
	Kind Kind
	Op   string
	Err  error
}

// Fatalf builds a FatalError with a formatted message.
func Fatalf(kind Kind, op, format string, args ...any) *FatalError {
	return &FatalError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *FatalError) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrInvariantViolation:
		return e.Kind == KindInvariant
	case ErrRefinement:
		return e.Kind == KindRefinement
	}
	return false
}

// IsRecoverable reports whether a transfer error should be treated as a
// per-element failure. A transfer that ran out of its own time budget is
// recoverable; everything else that is not an ElementFailure is fatal.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	return errors.Is(err, ErrElementFailure) || errors.Is(err, context.DeadlineExceeded)
}
