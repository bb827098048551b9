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
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCPA/pkg/logging"
	"github.com/AleutianAI/AleutianCPA/pkg/ux"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cancel"
	"github.com/AleutianAI/AleutianCPA/services/cpa/config"
	"github.com/AleutianAI/AleutianCPA/services/cpa/engine"
	"github.com/AleutianAI/AleutianCPA/services/cpa/storage/badger"
	"github.com/AleutianAI/AleutianCPA/services/cpa/telemetry"
)

const serviceName = "cpa"

// shutdownGrace bounds how long exit waits for cancelled runs.
const shutdownGrace = 5 * time.Second

var (
	// errNotSafe signals exit status 1 without printing an error.
	errNotSafe = errors.New("not every program is safe")

	errStorageDisabled = errors.New("result storage is disabled (storage.enabled: false)")
)

// app holds what commands share: configuration, logger, output and the
// lazily opened result store.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	jsonOutput bool

	cfg               config.Config
	logger            *logging.Logger
	printer           *ux.Printer
	controller        *cancel.Controller
	telemetryShutdown func(context.Context) error

	storeMu sync.Mutex
	db      *badger.DB
	store   *badger.ResultStore

	// printMu serializes report output from concurrent watch callbacks.
	printMu sync.Mutex
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

// setup loads configuration and initializes logging, telemetry and the
// cancellation controller. It runs before every command.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	lc := cfg.LoggerConfig(serviceName)
	lc.Output = a.stderr
	if f, ok := a.stderr.(*os.File); ok && !ux.IsTerminal(f) {
		lc.JSON = true
	}
	a.logger = logging.New(lc)
	slog.SetDefault(a.logger.Slog())

	level := ux.PersonalityMachine
	if f, ok := a.stdout.(*os.File); ok {
		level = ux.DetectPersonality(f)
	}
	a.printer = ux.NewPrinter(a.stdout, level)

	tcfg := cfg.Telemetry
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = Version
	}
	shutdown, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetryShutdown = shutdown

	ctrl, err := cancel.NewController(cancel.ControllerConfig{GracePeriod: shutdownGrace}, a.logger.Slog())
	if err != nil {
		return err
	}
	a.controller = ctrl
	return nil
}

// openStore opens the result store if storage is enabled. It returns a nil
// store when storage is disabled.
func (a *app) openStore() (*badger.ResultStore, error) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()
	if a.store != nil || !a.cfg.Storage.Enabled {
		return a.store, nil
	}

	bcfg := badger.DefaultConfig()
	bcfg.Path = a.cfg.Storage.Path
	bcfg.InMemory = a.cfg.Storage.InMemory
	bcfg.Logger = a.logger.Slog()
	db, err := badger.Open(bcfg)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	a.db = db
	a.store = badger.NewResultStore(db)
	return a.store, nil
}

// requireStore is openStore for commands that cannot work without storage.
func (a *app) requireStore() (*badger.ResultStore, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errStorageDisabled
	}
	return store, nil
}

// newEngine builds an engine from the loaded configuration.
func (a *app) newEngine() (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithLogger(a.logger.Slog()),
		engine.WithController(a.controller),
	}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts = append(opts, engine.WithStore(store))
	}
	return engine.New(a.cfg, opts...)
}

// interrupt cancels every active run with a shutdown reason.
func (a *app) interrupt(sig os.Signal) {
	if a.controller == nil {
		return
	}
	a.controller.CancelAll(cancel.CancelReason{
		Type:      cancel.CancelShutdown,
		Message:   "received " + sig.String(),
		Component: "cli",
		Timestamp: time.Now().UnixMilli(),
	})
}

// close waits for cancelled runs and releases everything setup opened.
func (a *app) close() {
	ctx, cancelCtx := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelCtx()

	if a.controller != nil {
		if res, err := a.controller.Shutdown(ctx); err == nil && !res.Success {
			a.logger.Warn("runs still active at exit", slog.Int("pending", res.Pending))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing result store failed", slog.String("error", err.Error()))
		}
	}
	if a.telemetryShutdown != nil {
		_ = a.telemetryShutdown(ctx)
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}
