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
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Controller tracks running analyses and delivers cancellation to them.
//
// Each run gets its own context. Cancelling a run, a time limit, a memory
// limit, or a shutdown all end that context with a recorded reason, which
// the analysis observes between steps.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	config ControllerConfig
	logger *slog.Logger

	runs   map[string]*RunContext
	runsMu sync.RWMutex

	closed atomic.Bool
	active sync.WaitGroup

	cancelled atomic.Int64
	completed atomic.Int64

	heapAlloc func() int64
}

// NewController creates a Controller.
//
// Description:
//
//	Applies defaults, validates the configuration and returns an empty
//	controller. No background goroutines run until a run with limits is
//	started.
//
// Inputs:
//   - config: Controller configuration. Zero values use defaults.
//   - logger: Logger for cancellation events. If nil, uses slog.Default().
//
// Outputs:
//   - *Controller: The created controller.
//   - error: Non-nil if configuration is invalid.
//
// Example:
//
//	ctrl, err := cancel.NewController(cancel.ControllerConfig{}, logger)
//	if err != nil {
//	    return err
//	}
//	defer ctrl.Close()
func NewController(config ControllerConfig, logger *slog.Logger) (*Controller, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		config:    config,
		logger:    logger.With(slog.String("component", "cancel_controller")),
		runs:      make(map[string]*RunContext),
		heapAlloc: readHeapAlloc,
	}, nil
}

// NewRun registers a run and returns its cancellable context.
//
// Description:
//
//	The run context derives from parent. If parent ends first the run is
//	cancelled with CancelParent. Callers must call Finish on the returned
//	context when the run returns, whatever its outcome.
//
// Inputs:
//   - parent: Parent context. Must not be nil.
//   - config: Run configuration. ID is required and must be unique among
//     registered runs.
//
// Outputs:
//   - *RunContext: The run context.
//   - error: ErrNilContext, ErrControllerClosed, ErrDuplicateRun or a
//     validation error.
func (c *Controller) NewRun(parent context.Context, config RunConfig) (*RunContext, error) {
	if parent == nil {
		return nil, ErrNilContext
	}
	if c.closed.Load() {
		return nil, ErrControllerClosed
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = c.config.DefaultTimeout
	}

	c.runsMu.Lock()
	if _, ok := c.runs[config.ID]; ok {
		c.runsMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRun, config.ID)
	}
	run := newRunContext(parent, config, c)
	c.runs[config.ID] = run
	c.active.Add(1)
	c.runsMu.Unlock()

	run.start()

	c.logger.Debug("run registered",
		slog.String("run_id", config.ID),
		slog.Duration("timeout", config.Timeout),
		slog.Int64("max_memory_bytes", config.MaxMemoryBytes),
	)
	runsStarted.Inc()
	return run, nil
}

// Cancel cancels the run with the given ID.
//
// Outputs:
//   - error: ErrRunNotFound if no such run is registered.
func (c *Controller) Cancel(id string, reason CancelReason) error {
	c.runsMu.RLock()
	run, ok := c.runs[id]
	c.runsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run.Cancel(reason)
	return nil
}

// CancelAll cancels every registered run.
func (c *Controller) CancelAll(reason CancelReason) {
	c.runsMu.RLock()
	runs := make([]*RunContext, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.runsMu.RUnlock()

	if len(runs) > 0 {
		c.logger.Warn("cancelling all runs",
			slog.String("type", reason.Type.String()),
			slog.String("message", reason.Message),
			slog.Int("runs", len(runs)),
		)
	}
	for _, r := range runs {
		r.Cancel(reason)
	}
}

// Status returns a snapshot of all registered runs, ordered by ID.
func (c *Controller) Status() *ControllerStatus {
	c.runsMu.RLock()
	status := &ControllerStatus{
		Runs: make([]Status, 0, len(c.runs)),
	}
	for _, r := range c.runs {
		s := r.Status()
		status.Runs = append(status.Runs, s)
		if !s.State.IsTerminal() {
			status.TotalActive++
		}
	}
	c.runsMu.RUnlock()

	slices.SortFunc(status.Runs, func(a, b Status) int {
		return strings.Compare(a.ID, b.ID)
	})
	status.TotalCancelled = c.cancelled.Load()
	status.TotalCompleted = c.completed.Load()
	return status
}

// Shutdown cancels every run and waits for them to finish.
//
// Description:
//
//	Marks the controller closed so no new runs start, cancels all runs with
//	CancelShutdown, and waits up to the grace period (or until ctx ends) for
//	them to call Finish. Only the first call performs the shutdown; later
//	calls return immediately with the current pending count.
//
// Outputs:
//   - *ShutdownResult: Never nil.
//   - error: ctx.Err() if ctx ended before all runs finished.
func (c *Controller) Shutdown(ctx context.Context) (*ShutdownResult, error) {
	start := time.Now()
	if !c.closed.CompareAndSwap(false, true) {
		pending := c.pending()
		return &ShutdownResult{Success: pending == 0, Pending: pending}, nil
	}

	c.CancelAll(CancelReason{
		Type:      CancelShutdown,
		Message:   "controller shutting down",
		Component: "cancel_controller",
	})

	done := make(chan struct{})
	go func() {
		c.active.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.config.GracePeriod)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}

	pending := c.pending()
	result := &ShutdownResult{
		Success:  pending == 0,
		Duration: time.Since(start),
		Pending:  pending,
	}
	c.logger.Info("shutdown complete",
		slog.Bool("success", result.Success),
		slog.Int("pending", pending),
		slog.Duration("duration", result.Duration),
	)
	return result, err
}

// Close shuts the controller down with a background context. Idempotent.
func (c *Controller) Close() error {
	_, err := c.Shutdown(context.Background())
	return err
}

func (c *Controller) pending() int {
	c.runsMu.RLock()
	defer c.runsMu.RUnlock()
	return len(c.runs)
}

// unregister removes a finished run.
func (c *Controller) unregister(run *RunContext) {
	c.runsMu.Lock()
	if c.runs[run.id] == run {
		delete(c.runs, run.id)
	}
	c.runsMu.Unlock()

	if run.State() == StateCancelled {
		c.cancelled.Add(1)
	} else {
		c.completed.Add(1)
	}
	c.active.Done()
}
