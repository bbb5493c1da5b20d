package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-opparity/internal/compare"
	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/stage"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()

	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	// Step the clock so ordering is deterministic.
	var mu sync.Mutex

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		clock = clock.Add(time.Second)

		return clock
	}

	return l
}

func report(name string, state stage.State) harness.Report {
	r := harness.Report{
		Scenario:  name,
		Target:    "ncnn",
		Seed:      42,
		State:     state,
		History:   []stage.State{stage.Defined, state},
		Tolerance: compare.DefaultTolerance,
		Elapsed:   15 * time.Millisecond,
	}

	if state == stage.Errored {
		r.FailedStage = stage.Convert
		r.Error = "convert: conversion error: exited with code 3"
	}

	return r
}

func TestOpenAppliesPragmas(t *testing.T) {
	l := openTest(t)

	var mode string
	require.NoError(t, l.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, l.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestRecordAndQueryRun(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	runID, err := l.BeginRun(ctx, "builtin")
	require.NoError(t, err)

	require.NoError(t, l.Record(ctx, runID, report("F_silu", stage.Passed)))
	require.NoError(t, l.Record(ctx, runID, report("F_max_pool1d", stage.Failed)))
	require.NoError(t, l.Record(ctx, runID, report("F_conv1d", stage.Errored)))
	require.NoError(t, l.FinishRun(ctx, runID))

	runs, err := l.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	r := runs[0]
	assert.Equal(t, runID, r.ID)
	assert.Equal(t, "builtin", r.Converter)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.Passed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Errored)
	assert.True(t, r.FinishedAt.After(r.StartedAt))

	entries, err := l.Entries(ctx, runID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "F_silu", entries[0].Scenario)
	assert.Equal(t, stage.Passed, entries[0].State)
	assert.Equal(t, uint64(42), entries[0].Seed)
	assert.Equal(t, 15*time.Millisecond, entries[0].Elapsed)
	assert.Equal(t, stage.Convert, entries[2].FailedStage)
	assert.Contains(t, entries[2].Error, "exited with code 3")

	full, err := l.Report(ctx, entries[2].ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Errored, full.State)
	assert.Equal(t, []stage.State{stage.Defined, stage.Errored}, full.History)
	assert.Equal(t, compare.DefaultTolerance, full.Tolerance)
}

func TestScenarioHistoryNewestFirst(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	for _, state := range []stage.State{stage.Passed, stage.Failed, stage.Passed} {
		runID, err := l.BeginRun(ctx, "opparity-pnnx")
		require.NoError(t, err)
		require.NoError(t, l.Record(ctx, runID, report("F_silu", state)))
		require.NoError(t, l.Record(ctx, runID, report("F_softmax", stage.Passed)))
		require.NoError(t, l.FinishRun(ctx, runID))
	}

	hist, err := l.ScenarioHistory(ctx, "F_silu", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, stage.Passed, hist[0].State)
	assert.Equal(t, stage.Failed, hist[1].State)
	assert.True(t, hist[0].RecordedAt.After(hist[1].RecordedAt))

	runs, err := l.Runs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	assert.True(t, runs[0].StartedAt.After(runs[2].StartedAt))

	latest, err := l.Entries(ctx, "", 3)
	require.NoError(t, err)
	assert.Len(t, latest, 3)
}

func TestUnknownRunAndEntry(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	assert.Error(t, l.FinishRun(ctx, "nope"))

	_, err := l.Report(ctx, "nope")
	assert.Error(t, err)

	// Results must reference an existing run.
	assert.Error(t, l.Record(ctx, "nope", report("F_silu", stage.Passed)))
}

func TestConcurrentRecords(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	runID, err := l.BeginRun(ctx, "builtin")
	require.NoError(t, err)

	errs := make(chan error, 8)
	for range 8 {
		go func() { errs <- l.Record(ctx, runID, report("F_silu", stage.Passed)) }()
	}

	for range 8 {
		require.NoError(t, <-errs)
	}

	entries, err := l.Entries(ctx, runID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}
