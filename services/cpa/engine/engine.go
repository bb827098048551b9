// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs configured analyses over programs and records their
// reports.
//
// An Engine owns no analysis state between runs: every Analyze call builds
// its own reached set, ARG and operator instances, so runs are independent
// and may execute concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cancel"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cegar"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/config"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domains/location"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domains/value"
	"github.com/AleutianAI/AleutianCPA/services/cpa/fixpoint"
	"github.com/AleutianAI/AleutianCPA/services/cpa/reached"
	"github.com/AleutianAI/AleutianCPA/services/cpa/report"
	"github.com/AleutianAI/AleutianCPA/services/cpa/telemetry"
)

const tracerName = "aleutian.cpa.engine"

// Store persists reports.
type Store interface {
	Put(ctx context.Context, r *report.Report) error
}

// Program is a named CFA.
type Program struct {
	Name string
	CFA  *cfa.CFA
}

// LoadProgram reads a program file. The program is named after the file.
func LoadProgram(path string) (Program, error) {
	c, err := cfa.Load(path)
	if err != nil {
		return Program{}, err
	}
	return Program{Name: filepath.Base(path), CFA: c}, nil
}

// ParseProgram builds a program from YAML or JSON data.
func ParseProgram(name string, data []byte) (Program, error) {
	c, err := cfa.Parse(data)
	if err != nil {
		return Program{}, err
	}
	return Program{Name: name, CFA: c}, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStore persists every report to store.
func WithStore(store Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithController registers runs with ctrl instead of a private controller,
// so that the caller can cancel or shut them down.
func WithController(ctrl *cancel.Controller) Option {
	return func(e *Engine) {
		e.cancels = ctrl
	}
}

// WithMaintenance replaces the hook the refinement loop calls every
// cegar.gc_interval refinements.
func WithMaintenance(hook cegar.MaintenanceHook) Option {
	return func(e *Engine) {
		e.maintenance = hook
	}
}

// Engine runs analyses configured by a config.Config.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	cfg         config.Config
	logger      *slog.Logger
	store       Store
	cancels     *cancel.Controller
	maintenance cegar.MaintenanceHook
}

// New validates cfg and returns an Engine.
//
// Outputs:
//   - *Engine: The engine.
//   - error: config.ErrInvalidConfig or a controller setup error.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "engine"))

	if e.cancels == nil {
		ctrl, err := cancel.NewController(cancel.ControllerConfig{}, e.logger)
		if err != nil {
			return nil, err
		}
		e.cancels = ctrl
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Controller returns the cancellation controller runs register with.
func (e *Engine) Controller() *cancel.Controller {
	return e.cancels
}

// Analyze runs the configured analysis on p.
//
// Description:
//
//	Builds the location × value analysis, seeds a fresh reached set and
//	ARG at the program entry and runs the refinement loop (or a single
//	exploration when stop_after_error is off). The run registers with the
//	cancellation controller under the report ID, bounded by the configured
//	time and memory limits. The report is persisted when a store is set.
//
// Outputs:
//   - *report.Report: Never nil. Analysis failures are recorded in the
//     report with status "error" rather than returned.
//   - error: Non-nil if the run could not start or the report could not be
//     persisted.
func (e *Engine) Analyze(ctx context.Context, p Program) (*report.Report, error) {
	r := report.New(p.Name, time.Now())
	if p.CFA == nil {
		r.Fail(errors.New("program has no CFA"))
		return r, e.persist(ctx, r)
	}
	r.Function = p.CFA.Function

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Engine.Analyze",
		trace.WithAttributes(
			attribute.String("cpa.run_id", r.ID),
			attribute.String("cpa.program", p.Name),
			attribute.Int("cpa.locations", len(p.CFA.Nodes())),
		),
	)
	defer span.End()

	run, err := e.cancels.NewRun(ctx, cancel.RunConfig{
		ID:             r.ID,
		Timeout:        e.cfg.Analysis.TimeLimit,
		MaxMemoryBytes: e.cfg.Analysis.MaxMemoryBytes,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		r.Fail(err)
		return r, fmt.Errorf("start run: %w", err)
	}

	logger := e.logger.With(slog.String("run_id", r.ID), slog.String("program", p.Name))
	res, err := e.analyze(run.Context(), p.CFA, logger)
	run.Finish()

	r.Record(res, err, time.Now())
	if res.Status == cegar.StatusCancelled {
		if reason := run.Reason(); reason != nil {
			r.CancelReason = reason.String()
		}
	}

	span.SetAttributes(attribute.String("cpa.status", r.Status))
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	logger.Info("run complete",
		slog.String("status", r.Status),
		slog.Duration("duration", r.Duration),
		slog.Bool("incomplete", r.Incomplete),
	)

	return r, e.persist(ctx, r)
}

// AnalyzeBatch analyzes programs concurrently, at most
// server.batch_concurrency at a time. Reports are returned in input order.
// The error joins every run's start or persistence error; analysis
// failures are in the reports.
func (e *Engine) AnalyzeBatch(ctx context.Context, programs []Program) ([]*report.Report, error) {
	reports := make([]*report.Report, len(programs))
	errs := make([]error, len(programs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Server.BatchConcurrency)
	for i, p := range programs {
		g.Go(func() error {
			reports[i], errs[i] = e.Analyze(gCtx, p)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

func (e *Engine) persist(ctx context.Context, r *report.Report) error {
	if e.store == nil {
		return nil
	}
	// A cancelled run still gets stored.
	if err := e.store.Put(context.WithoutCancel(ctx), r); err != nil {
		e.logger.Warn("persisting report failed",
			slog.String("run_id", r.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("persist report %s: %w", r.ID, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Analysis construction
// -----------------------------------------------------------------------------

// BuildCPA returns the composite location × value analysis for cfg.
func BuildCPA(cfg config.AnalysisConfig) (*domain.Composite, error) {
	var opts []value.Option
	switch {
	case cfg.TrackAll:
		opts = append(opts, value.WithPrecision(value.All()))
	case len(cfg.Track) > 0:
		opts = append(opts, value.WithPrecision(value.NewPrecision(cfg.Track...)))
	}
	if cfg.Merge == "join" {
		opts = append(opts, value.WithMergeJoin())
	}
	switch cfg.Stop {
	case "join":
		opts = append(opts, value.WithStopJoin())
	case "never":
		opts = append(opts, value.WithStopNever())
	}
	return domain.NewComposite(location.New(), value.New(opts...))
}

func (e *Engine) analyze(ctx context.Context, c *cfa.CFA, logger *slog.Logger) (cegar.Result, error) {
	cpa, err := BuildCPA(e.cfg.Analysis)
	if err != nil {
		return cegar.Result{}, err
	}

	a := e.cfg.Analysis
	alg, err := fixpoint.New(cpa, fixpoint.Options{
		StopAfterError:         a.StopAfterError,
		KeepCoveredNodes:       a.KeepCoveredNodes,
		CheckMergeMonotonicity: a.CheckMergeMonotonicity,
		TransferTimeout:        a.TransferTimeout,
		MaxSteps:               a.MaxSteps,
		Logger:                 logger,
	})
	if err != nil {
		return cegar.Result{}, err
	}

	set, err := reached.NewWithKind(reached.Kind(a.Waitlist))
	if err != nil {
		return cegar.Result{}, domain.Fatalf(domain.KindConfiguration, "engine", "%v", err)
	}
	graph := arg.New()
	if _, err := fixpoint.Seed(cpa, set, graph, c.Entry); err != nil {
		return cegar.Result{}, err
	}

	if !a.StopAfterError {
		return explore(ctx, alg, set, graph)
	}

	var refiner cegar.Refiner
	if e.cfg.CEGAR.Enabled {
		refiner = value.NewRefiner(logger)
	}
	loop, err := cegar.New(alg, refiner, cegar.Options{
		MaxRefinements: e.cfg.CEGAR.MaxRefinements,
		GCInterval:     e.cfg.CEGAR.GCInterval,
		Maintenance:    e.maintenance,
		CheckARG:       e.cfg.CEGAR.CheckARG,
		Logger:         logger,
	})
	if err != nil {
		return cegar.Result{}, err
	}
	return loop.Run(ctx, set, graph)
}

// explore runs a single exploration that does not stop at targets and
// reports the first target found, without refinement.
func explore(ctx context.Context, alg *fixpoint.Algorithm, set *reached.Set, graph *arg.Graph) (cegar.Result, error) {
	start := time.Now()
	res, err := alg.Run(ctx, set, graph)

	out := cegar.Result{
		Status:     cegar.StatusUnknown,
		Reached:    set,
		ARG:        graph,
		Target:     arg.None,
		Incomplete: res.Incomplete,
		Failures:   res.Failures,
		Statistics: cegar.RunStatistics{
			Iterations:       1,
			Steps:            res.Steps,
			Successors:       res.Successors,
			Merges:           res.Merges,
			Covered:          res.Covered,
			TransferFailures: len(res.Failures),
			MaxReachedSize:   set.Size(),
			ExplorationTime:  time.Since(start),
		},
	}
	if err != nil {
		return out, err
	}
	out.Status = cegar.StatusSafe

	switch res.Status {
	case fixpoint.StatusCancelled, fixpoint.StatusStepLimit:
		out.Status = cegar.StatusCancelled
		out.Incomplete = out.Incomplete || res.Status == fixpoint.StatusStepLimit
		return out, nil
	}

	for _, entry := range set.All() {
		if !entry.State.IsTarget() {
			continue
		}
		out.Status = cegar.StatusUnsafe
		out.Target = entry.Node
		if path, err := graph.Path(entry.Node); err == nil {
			out.Counterexample = path
		}
		break
	}
	return out, nil
}
