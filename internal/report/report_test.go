package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-opparity/internal/compare"
	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/stage"
)

var passedHistory = []stage.State{
	stage.Defined, stage.InputsBound, stage.ReferenceComputed, stage.Exported,
	stage.Converted, stage.ConvertedComputed, stage.Compared, stage.Passed,
}

func fixtures() []harness.Report {
	return []harness.Report{
		{
			Scenario:  "F_silu",
			Target:    "ncnn",
			Seed:      0,
			State:     stage.Passed,
			History:   passedHistory,
			Tolerance: compare.DefaultTolerance,
			Outcomes: []compare.Outcome{
				{Index: 0, Name: "x_silu", Kind: tensor.Continuous, Pass: true, RefShape: []int64{1, 16}, GotShape: []int64{1, 16}, MaxAbsErr: 1.19e-07, MaxRelErr: 2.38e-07, FirstMismatch: -1},
			},
			Timings: []harness.Timing{{Stage: stage.Inputs, Elapsed: 1500 * time.Microsecond}},
			Elapsed: 12500 * time.Microsecond,
		},
		{
			Scenario:  "F_max_pool1d",
			Target:    "pnnx",
			Seed:      0,
			State:     stage.Failed,
			History:   append(append([]stage.State(nil), passedHistory[:7]...), stage.Failed),
			Tolerance: compare.DefaultTolerance,
			Outcomes: []compare.Outcome{
				{Index: 0, Name: "p6", Kind: tensor.Continuous, Pass: true, RefShape: []int64{1, 12, 5}, GotShape: []int64{1, 12, 5}, FirstMismatch: -1},
				{Index: 1, Name: "indices1", Kind: tensor.Discrete, Pass: false, RefShape: []int64{1, 12, 5}, GotShape: []int64{1, 12, 5}, Mismatches: 2, FirstMismatch: 7},
			},
			FailedStage: stage.Compare,
			Kind:        "comparison mismatch",
			Error:       "compare: comparison mismatch: output 1 (indices1): 2 elements differ, first at 7",
			Elapsed:     8 * time.Millisecond,
		},
		{
			Scenario:    "F_conv1d",
			Target:      "ncnn",
			Seed:        3,
			WorkDir:     "work/F_conv1d-0190",
			State:       stage.Errored,
			History:     []stage.State{stage.Defined, stage.InputsBound, stage.ReferenceComputed, stage.Exported, stage.Errored},
			Tolerance:   compare.Tolerance{Atol: 0.001, Rtol: 0.0001},
			FailedStage: stage.Convert,
			Kind:        "conversion error",
			Error:       "convert: conversion error: fake-pnnx exited with code 3: boom",
			Elapsed:     3300 * time.Microsecond,
		},
	}
}

func TestWriteTextGolden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, fixtures(), false))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "report_text", buf.Bytes())
}

func TestWriteTextVerboseListsPassingOutcomes(t *testing.T) {
	var quiet, verbose bytes.Buffer
	require.NoError(t, WriteText(&quiet, fixtures()[:1], false))
	require.NoError(t, WriteText(&verbose, fixtures()[:1], true))

	assert.NotContains(t, quiet.String(), "x_silu")
	assert.Contains(t, verbose.String(), "[0] x_silu        continuous  ok    max_abs=1.19e-07 max_rel=2.38e-07 mismatches=0")
}

func TestWriteJSONGolden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, fixtures()[1:]))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "report_json", buf.Bytes())
}

func TestWriteJSONDecodes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "json", fixtures(), false))

	var doc struct {
		Summary   Summary `json:"summary"`
		Scenarios []struct {
			Scenario string      `json:"scenario"`
			State    stage.State `json:"state"`
		} `json:"scenarios"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))

	assert.Equal(t, Summary{Total: 3, Passed: 1, Failed: 1, Errored: 1}, doc.Summary)
	require.Len(t, doc.Scenarios, 3)
	assert.Equal(t, stage.Failed, doc.Scenarios[1].State)
}

func TestWriteJSONEmptyRun(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, nil))
	assert.JSONEq(t, `{"summary":{"total":0,"passed":0,"failed":0,"errored":0},"scenarios":[]}`, buf.String())
}

func TestWriteUnknownFormat(t *testing.T) {
	assert.Error(t, Write(&bytes.Buffer{}, "xml", nil, false))
}

func TestExitCode(t *testing.T) {
	all := fixtures()

	tests := []struct {
		name    string
		reports []harness.Report
		want    int
	}{
		{name: "empty", reports: nil, want: 0},
		{name: "all passed", reports: all[:1], want: 0},
		{name: "failed", reports: all[:2], want: 1},
		{name: "errored only", reports: all[2:], want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.reports))
		})
	}
}
