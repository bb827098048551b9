// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-runs a callback when program files change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoFiles is returned when a watcher is created without files.
var ErrNoFiles = errors.New("no files to watch")

// Handler receives the files that changed during one debounce window,
// sorted. Files that were removed and not recreated are omitted.
type Handler func(ctx context.Context, paths []string)

// Options configures a Watcher.
type Options struct {
	// Debounce is how long to wait for more changes before calling the
	// handler. Default: 200ms.
	Debounce time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Watcher watches a fixed set of program files.
//
// # Description
//
// Editors often save by writing a temporary file and renaming it over the
// original, which drops a watch on the file itself. The watcher therefore
// watches the parent directories and filters events down to the tracked
// paths.
//
// # Thread Safety
//
// Run must be called once. The handler is called from a single goroutine,
// never concurrently with itself.
type Watcher struct {
	files    map[string]bool
	handler  Handler
	debounce time.Duration
	logger   *slog.Logger
	fs       *fsnotify.Watcher
	closeMu  sync.Once
}

// New creates a watcher for paths. Relative paths are resolved against the
// working directory.
//
// # Outputs
//
//   - *Watcher: Ready to Run.
//   - error: ErrNoFiles, or a failure to resolve a path or set up the
//     underlying watches.
func New(paths []string, handler Handler, opts Options) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}
	if handler == nil {
		return nil, errors.New("watch: handler must not be nil")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	files := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve %s: %w", p, err)
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch: add %s: %w", dir, err)
		}
	}

	return &Watcher{
		files:    files,
		handler:  handler,
		debounce: opts.Debounce,
		logger:   opts.Logger.With(slog.String("component", "watcher")),
		fs:       fsw,
	}, nil
}

// Files returns the watched paths, absolute and sorted.
func (w *Watcher) Files() []string {
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Run delivers debounced changes to the handler until ctx is done or Close
// is called. Pending changes are dropped on exit.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if !w.files[path] || event.Op == fsnotify.Chmod {
				continue
			}
			pending[path] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))

		case <-timerC:
			timer, timerC = nil, nil
			changed := existing(pending)
			clear(pending)
			if len(changed) == 0 {
				continue
			}
			w.logger.Info("programs changed", slog.Int("count", len(changed)))
			w.handler(ctx, changed)
		}
	}
}

// Close stops watching. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeMu.Do(func() {
		err = w.fs.Close()
	})
	return err
}

func existing(pending map[string]bool) []string {
	out := make([]string, 0, len(pending))
	for p := range pending {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
