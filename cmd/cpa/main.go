// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command cpa verifies reachability of error locations in programs given as
// control-flow automata.
//
// Usage:
//
//	cpa run examples/programs/counter.yaml
//	cpa run --json --track-all examples/programs/*.yaml
//	cpa watch examples/programs/counter.yaml
//	cpa serve --port 8088
//	cpa results list --limit 10
//	cpa results show <id>
//
// Example requests against a running server:
//
//	# Analyze a program
//	curl -X POST --data-binary @examples/programs/counter.yaml \
//	  "http://localhost:8088/v1/cpa/analyze?name=counter"
//
//	# List stored reports
//	curl http://localhost:8088/v1/cpa/results | jq
//
// Exit status is 0 when every program is safe, 1 when any program is
// unsafe or undecided, and 2 on usage or setup errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a := newApp(os.Stdout, os.Stderr)
	defer a.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			a.interrupt(sig)
			stop()
		case <-ctx.Done():
		}
	}()

	err := newRootCmd(a).ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errNotSafe):
		return 1
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}
}
