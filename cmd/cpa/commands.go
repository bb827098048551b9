// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/engine"
	"github.com/AleutianAI/AleutianCPA/services/cpa/report"
	"github.com/AleutianAI/AleutianCPA/services/cpa/server"
	"github.com/AleutianAI/AleutianCPA/services/cpa/storage/badger"
	"github.com/AleutianAI/AleutianCPA/services/cpa/watch"
)

// analysisFlags override analysis settings from the config file.
type analysisFlags struct {
	waitlist  string
	merge     string
	stop      string
	track     []string
	trackAll  bool
	noCEGAR   bool
	timeLimit string
}

func (f *analysisFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.waitlist, "waitlist", "", "Waitlist order: bfs, dfs or topological")
	fl.StringVar(&f.merge, "merge", "", "Merge operator: sep or join")
	fl.StringVar(&f.stop, "stop", "", "Stop operator: sep, join or never")
	fl.StringSliceVar(&f.track, "track", nil, "Variables to track from the start")
	fl.BoolVar(&f.trackAll, "track-all", false, "Track every variable (no refinement needed)")
	fl.BoolVar(&f.noCEGAR, "no-cegar", false, "Report the first target without refining")
	fl.StringVar(&f.timeLimit, "time-limit", "", "Per-program time limit, e.g. 30s (0 disables)")
}

// apply copies changed flags into a's configuration and revalidates it.
func (f *analysisFlags) apply(cmd *cobra.Command, a *app) error {
	fl := cmd.Flags()
	an := &a.cfg.Analysis
	if fl.Changed("waitlist") {
		an.Waitlist = f.waitlist
	}
	if fl.Changed("merge") {
		an.Merge = f.merge
	}
	if fl.Changed("stop") {
		an.Stop = f.stop
	}
	if fl.Changed("track") {
		an.Track = f.track
	}
	if fl.Changed("track-all") {
		an.TrackAll = f.trackAll
	}
	if fl.Changed("no-cegar") {
		a.cfg.CEGAR.Enabled = !f.noCEGAR
	}
	if fl.Changed("time-limit") {
		d, err := time.ParseDuration(f.timeLimit)
		if err != nil {
			return fmt.Errorf("--time-limit: %w", err)
		}
		an.TimeLimit = d
	}
	return a.cfg.Validate()
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "cpa",
		Short: "Check whether error locations of a program are reachable",
		Long: `cpa explores the abstract state space of a program given as a
control-flow automaton and refines the abstraction when a counterexample
turns out to be infeasible. Programs are YAML or JSON files.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "cpa.yaml", "Path to the config file")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Print reports as JSON")

	root.AddCommand(
		newRunCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
		newResultsCmd(a),
		newVersionCmd(a),
	)
	return root
}

// -----------------------------------------------------------------------------
// run
// -----------------------------------------------------------------------------

func newRunCmd(a *app) *cobra.Command {
	var flags analysisFlags
	cmd := &cobra.Command{
		Use:   "run <program>...",
		Short: "Analyze programs and print their reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd, a); err != nil {
				return err
			}
			e, err := a.newEngine()
			if err != nil {
				return err
			}
			return a.analyzeFiles(cmd.Context(), e, args)
		},
	}
	flags.register(cmd)
	return cmd
}

// analyzeFiles loads and analyzes paths and prints one report each. A file
// that fails to load gets an error report. The result is errNotSafe unless
// every program is safe.
func (a *app) analyzeFiles(ctx context.Context, e *engine.Engine, paths []string) error {
	reports := make([]*report.Report, len(paths))
	var programs []engine.Program
	var slots []int
	for i, path := range paths {
		p, err := engine.LoadProgram(path)
		if err != nil {
			r := report.New(path, time.Now())
			r.Fail(err)
			reports[i] = r
			continue
		}
		programs = append(programs, p)
		slots = append(slots, i)
	}

	analyzed, err := e.AnalyzeBatch(ctx, programs)
	for j, r := range analyzed {
		reports[slots[j]] = r
	}
	if err != nil {
		a.logger.Warn("some runs did not complete cleanly", slog.String("error", err.Error()))
	}

	allSafe := true
	for _, r := range reports {
		if err := a.printReport(r); err != nil {
			return err
		}
		allSafe = allSafe && r.Status == report.StatusSafe
	}
	if !allSafe {
		return errNotSafe
	}
	return nil
}

// -----------------------------------------------------------------------------
// watch
// -----------------------------------------------------------------------------

// reanalyze runs analyzeFiles for watch mode. Unsafe verdicts are already
// printed; any other failure is logged and watching continues.
func (a *app) reanalyze(ctx context.Context, e *engine.Engine, paths []string) {
	if err := a.analyzeFiles(ctx, e, paths); err != nil && !errors.Is(err, errNotSafe) {
		a.logger.Error("re-analysis failed",
			slog.Int("programs", len(paths)),
			slog.String("error", err.Error()),
		)
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var flags analysisFlags
	cmd := &cobra.Command{
		Use:   "watch <program>...",
		Short: "Analyze programs and re-analyze them whenever they change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd, a); err != nil {
				return err
			}
			e, err := a.newEngine()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			w, err := watch.New(args, func(ctx context.Context, paths []string) {
				a.printer.Muted(fmt.Sprintf("re-analyzing %d changed program(s)", len(paths)))
				a.reanalyze(ctx, e, paths)
			}, watch.Options{Logger: a.logger.Slog()})
			if err != nil {
				return err
			}

			a.reanalyze(ctx, e, w.Files())
			a.printer.Muted("watching for changes, Ctrl+C to stop")
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// -----------------------------------------------------------------------------
// serve
// -----------------------------------------------------------------------------

func newServeCmd(a *app) *cobra.Command {
	var port int
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}
			if debug {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			opts := []server.Option{
				server.WithLogger(a.logger.Slog()),
				server.WithVersion(Version),
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if store != nil {
				opts = append(opts, server.WithResults(store, badger.ErrNotFound))
			}

			srv := server.New(a.cfg.Server, e, opts...)
			a.printer.Title("Aleutian CPA server")
			a.printer.KeyValues([][2]string{
				{"address", fmt.Sprintf(":%d", a.cfg.Server.Port)},
				{"storage", storageLabel(a)},
				{"version", Version},
			})
			return srv.ListenAndServe(cmd.Context(), shutdownGrace)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable gin debug mode")
	return cmd
}

func storageLabel(a *app) string {
	switch {
	case !a.cfg.Storage.Enabled:
		return "disabled"
	case a.cfg.Storage.InMemory:
		return "in-memory"
	default:
		return a.cfg.Storage.Path
	}
}

// -----------------------------------------------------------------------------
// results
// -----------------------------------------------------------------------------

func newResultsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect stored reports",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.requireStore()
			if err != nil {
				return err
			}
			reports, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return a.printList(reports)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of reports")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.requireStore()
			if err != nil {
				return err
			}
			r, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printReport(r)
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.requireStore()
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.printer.Success("deleted " + args[0])
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

// -----------------------------------------------------------------------------
// version
// -----------------------------------------------------------------------------

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			a.printer.KeyValues([][2]string{
				{"version", Version},
				{"program_format", cfa.SupportedMajor},
				{"go", runtime.Version()},
				{"platform", runtime.GOOS + "/" + runtime.GOARCH},
			})
		},
	}
}
