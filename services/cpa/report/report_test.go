// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCPA/services/cpa/arg"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cegar"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
	"github.com/AleutianAI/AleutianCPA/services/cpa/fixpoint"
	"github.com/AleutianAI/AleutianCPA/services/cpa/internal/cpatest"
	"github.com/AleutianAI/AleutianCPA/services/cpa/reached"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func runLoop(t *testing.T, c *cfa.CFA) cegar.Result {
	t.Helper()
	cpa := &cpatest.Analysis{}
	fopts := fixpoint.DefaultOptions()
	fopts.Logger = discard
	alg, err := fixpoint.New(cpa, fopts)
	require.NoError(t, err)
	loop, err := cegar.New(alg, nil, cegar.Options{Logger: discard})
	require.NoError(t, err)

	set, err := reached.NewWithKind(reached.BFS)
	require.NoError(t, err)
	graph := arg.New()
	_, err = fixpoint.Seed(cpa, set, graph, c.Entry)
	require.NoError(t, err)

	res, err := loop.Run(context.Background(), set, graph)
	require.NoError(t, err)
	return res
}

func TestNew(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New("loop.yaml", start)

	_, err := uuid.Parse(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "loop.yaml", r.Program)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, start, r.StartedAt)
	assert.False(t, r.Verdict())
}

func TestRecord_Unsafe(t *testing.T) {
	res := runLoop(t, cpatest.Target(t))
	require.Equal(t, cegar.StatusUnsafe, res.Status)

	start := time.Now()
	r := New("target", start)
	r.Record(res, nil, start.Add(3*time.Second))

	assert.Equal(t, StatusUnsafe, r.Status)
	assert.True(t, r.Verdict())
	assert.Equal(t, 3*time.Second, r.Duration)
	assert.Equal(t, "p0", r.Precision)
	assert.Equal(t, res.Statistics, r.Statistics)

	require.Len(t, r.Counterexample, 3)
	assert.Equal(t, []string{"a", "b", "err"}, []string{
		r.Counterexample[0].Location,
		r.Counterexample[1].Location,
		r.Counterexample[2].Location,
	})
	assert.Empty(t, r.Counterexample[0].Edge)
	assert.NotEmpty(t, r.Counterexample[1].Edge)
	assert.Equal(t, "err:0", r.Counterexample[2].State)
}

func TestRecord_Safe(t *testing.T) {
	res := runLoop(t, cpatest.Diamond(t))
	r := New("diamond", time.Now())
	r.Record(res, nil, time.Now())

	assert.Equal(t, StatusSafe, r.Status)
	assert.Empty(t, r.Counterexample)
	assert.Empty(t, r.Error)
}

func TestRecord_Error(t *testing.T) {
	r := New("broken", time.Now())
	r.Record(cegar.Result{}, domain.Fatalf(domain.KindInvariant, "apply", "root %d is dead", 4), time.Now())

	assert.Equal(t, StatusError, r.Status)
	assert.Contains(t, r.Error, "root 4 is dead")
	assert.Equal(t, "invariant", r.ErrorKind)
	assert.Empty(t, r.Precision)
}

func TestFail_PlainError(t *testing.T) {
	r := New("x", time.Now())
	r.Fail(errors.New("disk full"))
	assert.Equal(t, "disk full", r.Error)
	assert.Empty(t, r.ErrorKind)
}

func TestRecord_TransferFailures(t *testing.T) {
	res := cegar.Result{
		Status: cegar.StatusSafe,
		Failures: []fixpoint.TransferFailure{
			{Node: 2, State: "b:0", Location: "b", Err: errors.New("division by zero")},
		},
		Incomplete: true,
	}
	r := New("x", time.Now())
	r.Record(res, nil, time.Now())

	assert.True(t, r.Incomplete)
	require.Len(t, r.TransferFailures, 1)
	assert.Equal(t, Failure{Node: 2, Location: "b", State: "b:0", Error: "division by zero"}, r.TransferFailures[0])
}

func TestReport_JSON(t *testing.T) {
	r := New("x", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	r.Status = StatusSafe
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, r.ID, decoded.ID)
	assert.Equal(t, StatusSafe, decoded.Status)
	assert.NotContains(t, string(data), "counterexample")
}
