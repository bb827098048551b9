// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cancel

import (
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrControllerClosed is returned when runs are started on a closed controller.
	ErrControllerClosed = errors.New("cancellation controller is closed")

	// ErrRunNotFound is returned when a run ID is not registered.
	ErrRunNotFound = errors.New("run not found")

	// ErrDuplicateRun is returned when a run ID is already registered.
	ErrDuplicateRun = errors.New("run already registered")

	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// CancelType indicates why cancellation occurred.
type CancelType int

const (
	// CancelUser indicates user-initiated cancellation (API, Ctrl+C).
	CancelUser CancelType = iota

	// CancelTimeout indicates the run exceeded its time limit.
	CancelTimeout

	// CancelResourceLimit indicates the memory limit was exceeded.
	CancelResourceLimit

	// CancelParent indicates the parent context was cancelled.
	CancelParent

	// CancelShutdown indicates the process is shutting down.
	CancelShutdown
)

// String returns the string representation of the cancel type.
func (t CancelType) String() string {
	switch t {
	case CancelUser:
		return "user"
	case CancelTimeout:
		return "timeout"
	case CancelResourceLimit:
		return "resource_limit"
	case CancelParent:
		return "parent"
	case CancelShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a run.
type State int32

const (
	// StateRunning indicates the run is active.
	StateRunning State = iota

	// StateCancelling indicates cancellation was signalled but the run has
	// not finished yet.
	StateCancelling

	// StateCancelled indicates the run finished after being cancelled.
	StateCancelled

	// StateDone indicates normal completion.
	StateDone
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateCancelled || s == StateDone
}

// -----------------------------------------------------------------------------
// Configuration Types
// -----------------------------------------------------------------------------

// ControllerConfig configures the Controller.
type ControllerConfig struct {
	// DefaultTimeout applies to runs that set no timeout. Zero means no limit.
	DefaultTimeout time.Duration

	// GracePeriod is how long Shutdown waits for cancelled runs to finish.
	// Default: 2 seconds.
	GracePeriod time.Duration

	// MemoryCheckInterval is how often memory limits are sampled.
	// Default: 250 milliseconds.
	MemoryCheckInterval time.Duration
}

// Validate checks if the configuration is valid.
func (c *ControllerConfig) Validate() error {
	if c.DefaultTimeout < 0 {
		return errors.New("DefaultTimeout must be >= 0")
	}
	if c.GracePeriod < 0 {
		return errors.New("GracePeriod must be >= 0")
	}
	if c.MemoryCheckInterval < 0 {
		return errors.New("MemoryCheckInterval must be >= 0")
	}
	return nil
}

// ApplyDefaults fills in zero values.
func (c *ControllerConfig) ApplyDefaults() {
	if c.GracePeriod == 0 {
		c.GracePeriod = 2 * time.Second
	}
	if c.MemoryCheckInterval == 0 {
		c.MemoryCheckInterval = 250 * time.Millisecond
	}
}

// RunConfig configures a single analysis run.
type RunConfig struct {
	// ID is the unique identifier for this run. Required.
	ID string

	// Timeout overrides the controller default. Zero means use the default.
	Timeout time.Duration

	// MaxMemoryBytes cancels the run when the heap grows beyond it.
	// Zero means no limit.
	MaxMemoryBytes int64
}

// Validate checks if the run configuration is valid.
func (c *RunConfig) Validate() error {
	if c.ID == "" {
		return errors.New("run ID is required")
	}
	if c.Timeout < 0 {
		return errors.New("Timeout must be >= 0")
	}
	if c.MaxMemoryBytes < 0 {
		return errors.New("MaxMemoryBytes must be >= 0")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Result Types
// -----------------------------------------------------------------------------

// CancelReason describes why cancellation occurred.
type CancelReason struct {
	// Type indicates the category of cancellation.
	Type CancelType `json:"type"`

	// Message provides a human-readable description.
	Message string `json:"message,omitempty"`

	// Threshold describes the exceeded limit, e.g. "timeout > 5s".
	Threshold string `json:"threshold,omitempty"`

	// Component identifies who triggered the cancellation.
	Component string `json:"component,omitempty"`

	// Timestamp is when cancellation was triggered, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func (r CancelReason) String() string {
	s := r.Type.String()
	if r.Message != "" {
		s += ": " + r.Message
	}
	if r.Threshold != "" {
		s += fmt.Sprintf(" (%s)", r.Threshold)
	}
	return s
}

// Status is a snapshot of one run.
type Status struct {
	ID           string
	State        State
	CancelReason *CancelReason
	StartTime    int64
	Duration     time.Duration
}

// ControllerStatus is a snapshot of all registered runs.
type ControllerStatus struct {
	Runs           []Status
	TotalActive    int
	TotalCancelled int64
	TotalCompleted int64
}

// ShutdownResult contains the results of a graceful shutdown.
type ShutdownResult struct {
	// Success is true if every run finished within the grace period.
	Success bool

	// Duration is how long the shutdown took.
	Duration time.Duration

	// Pending is the number of runs still registered when Shutdown returned.
	Pending int
}
