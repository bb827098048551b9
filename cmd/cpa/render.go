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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCPA/pkg/ux"
	"github.com/AleutianAI/AleutianCPA/services/cpa/report"
)

func statusTone(status string) ux.Tone {
	switch status {
	case report.StatusSafe:
		return ux.ToneSuccess
	case report.StatusUnsafe, report.StatusError:
		return ux.ToneError
	default:
		return ux.ToneWarning
	}
}

func (a *app) printReport(r *report.Report) error {
	a.printMu.Lock()
	defer a.printMu.Unlock()

	if a.jsonOutput {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode report %s: %w", r.ID, err)
		}
		_, err = fmt.Fprintln(a.stdout, string(data))
		return err
	}

	p := a.printer
	tone := statusTone(r.Status)
	p.Status(tone, r.Program+": "+r.Status)

	pairs := [][2]string{
		{"id", r.ID},
		{"refinements", strconv.Itoa(r.Statistics.Refinements)},
		{"steps", strconv.Itoa(r.Statistics.Steps)},
		{"max_reached", strconv.Itoa(r.Statistics.MaxReachedSize)},
		{"duration", r.Duration.Round(time.Millisecond).String()},
	}
	if r.Precision != "" {
		pairs = append(pairs, [2]string{"precision", r.Precision})
	}
	if r.Incomplete {
		pairs = append(pairs, [2]string{"incomplete", "true"})
	}
	if r.RefinementExhausted {
		pairs = append(pairs, [2]string{"refinement_exhausted", "true"})
	}
	if r.CancelReason != "" {
		pairs = append(pairs, [2]string{"cancel_reason", r.CancelReason})
	}
	if r.Error != "" {
		pairs = append(pairs, [2]string{"error", r.Error})
	}
	p.KeyValues(pairs)

	if len(r.Counterexample) > 0 {
		p.Box(tone, "counterexample", formatPath(r.Counterexample))
	}
	for _, f := range r.TransferFailures {
		p.Warning(fmt.Sprintf("dropped state at %s: %s", f.Location, f.Error))
	}
	return nil
}

// formatPath renders one line per step, with the incoming edge first.
func formatPath(steps []report.Step) string {
	var b strings.Builder
	for i, s := range steps {
		if s.Edge != "" {
			fmt.Fprintf(&b, "  %s %s\n", ux.IconArrow, s.Edge)
		}
		loc := s.Location
		if loc == "" {
			loc = "?"
		}
		fmt.Fprintf(&b, "#%d %s %s", s.Node, loc, s.State)
		if i < len(steps)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (a *app) printList(reports []*report.Report) error {
	a.printMu.Lock()
	defer a.printMu.Unlock()

	if a.jsonOutput {
		data, err := json.Marshal(reports)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.stdout, string(data))
		return err
	}
	if len(reports) == 0 {
		a.printer.Muted("no stored reports")
		return nil
	}

	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			r.ID,
			r.Program,
			r.Status,
			strconv.Itoa(r.Statistics.Refinements),
			r.Duration.Round(time.Millisecond).String(),
			r.StartedAt.Local().Format(time.DateTime),
		})
	}
	a.printer.Table([]string{"ID", "PROGRAM", "STATUS", "REFINEMENTS", "DURATION", "STARTED"}, rows)
	return nil
}
