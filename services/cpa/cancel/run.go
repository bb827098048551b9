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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RunContext is the cancellable context of one analysis run.
//
// Thread Safety: Safe for concurrent use.
type RunContext struct {
	id        string
	config    RunConfig
	state     atomic.Int32 // State
	startTime int64

	ctx    context.Context
	cancel context.CancelFunc

	reason   *CancelReason
	reasonMu sync.RWMutex

	stopCh     chan struct{}
	finishOnce sync.Once
	stopParent func() bool
	timer      *time.Timer

	controller *Controller
}

func newRunContext(parent context.Context, config RunConfig, c *Controller) *RunContext {
	ctx, cancel := context.WithCancel(parent)
	return &RunContext{
		id:         config.ID,
		config:     config,
		startTime:  time.Now().UnixMilli(),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		controller: c,
	}
}

// start arms the parent watch, the time limit and the memory monitor.
func (r *RunContext) start() {
	r.stopParent = context.AfterFunc(r.ctx, func() {
		r.Cancel(CancelReason{
			Type:      CancelParent,
			Message:   "parent context ended",
			Component: "cancel_controller",
		})
	})

	if r.config.Timeout > 0 {
		r.timer = time.AfterFunc(r.config.Timeout, func() {
			r.Cancel(CancelReason{
				Type:      CancelTimeout,
				Message:   "time limit reached",
				Threshold: "timeout > " + r.config.Timeout.String(),
				Component: "cancel_controller",
			})
		})
	}

	if r.config.MaxMemoryBytes > 0 {
		go monitorMemory(r, r.controller.config.MemoryCheckInterval)
	}
}

// ID returns the run identifier.
func (r *RunContext) ID() string {
	return r.id
}

// State returns the current state.
func (r *RunContext) State() State {
	return State(r.state.Load())
}

// Context returns the context the analysis must run under.
func (r *RunContext) Context() context.Context {
	return r.ctx
}

// Done returns a channel that is closed when the run is cancelled.
func (r *RunContext) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Err returns the context error after Done is closed.
func (r *RunContext) Err() error {
	return r.ctx.Err()
}

// Cancel cancels the run. Only the first reason is kept.
func (r *RunContext) Cancel(reason CancelReason) {
	if !r.state.CompareAndSwap(int32(StateRunning), int32(StateCancelling)) {
		return
	}
	if reason.Timestamp == 0 {
		reason.Timestamp = time.Now().UnixMilli()
	}

	r.reasonMu.Lock()
	r.reason = &reason
	r.reasonMu.Unlock()

	r.controller.logger.Info("run cancelled",
		slog.String("run_id", r.id),
		slog.String("type", reason.Type.String()),
		slog.String("message", reason.Message),
		slog.String("threshold", reason.Threshold),
	)
	cancellations.WithLabelValues(reason.Type.String()).Inc()
	r.cancel()
}

// Reason returns the cancellation reason, or nil if the run was not
// cancelled.
func (r *RunContext) Reason() *CancelReason {
	r.reasonMu.RLock()
	defer r.reasonMu.RUnlock()
	if r.reason == nil {
		return nil
	}
	reason := *r.reason
	return &reason
}

// Finish marks the run terminal and unregisters it. It must be called once
// the analysis has returned. Idempotent.
func (r *RunContext) Finish() {
	r.finishOnce.Do(func() {
		if !r.state.CompareAndSwap(int32(StateRunning), int32(StateDone)) {
			r.state.CompareAndSwap(int32(StateCancelling), int32(StateCancelled))
		}
		close(r.stopCh)
		if r.stopParent != nil {
			r.stopParent()
		}
		if r.timer != nil {
			r.timer.Stop()
		}
		r.cancel()
		r.controller.unregister(r)
	})
}

// Status returns a snapshot of the run.
func (r *RunContext) Status() Status {
	return Status{
		ID:           r.id,
		State:        r.State(),
		CancelReason: r.Reason(),
		StartTime:    r.startTime,
		Duration:     time.Duration(time.Now().UnixMilli()-r.startTime) * time.Millisecond,
	}
}
