package bench_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/example/go-opparity/internal/bench"
	"github.com/example/go-opparity/internal/convert"
	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/scenario"
	"github.com/example/go-opparity/internal/stage"
	"github.com/example/go-opparity/internal/testutil"
)

// ---------------------------------------------------------------------------
// Aggregation (min/max/mean)
// ---------------------------------------------------------------------------

func TestStats_MinMaxMean(t *testing.T) {
	durations := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}
	s := bench.ComputeStats(durations)

	if s.Min != 100*time.Millisecond {
		t.Errorf("want min=100ms, got %v", s.Min)
	}

	if s.Max != 300*time.Millisecond {
		t.Errorf("want max=300ms, got %v", s.Max)
	}

	if s.Mean != 200*time.Millisecond {
		t.Errorf("want mean=200ms, got %v", s.Mean)
	}
}

func TestStats_SingleRun(t *testing.T) {
	s := bench.ComputeStats([]time.Duration{150 * time.Millisecond})
	if s.Min != s.Max || s.Min != s.Mean {
		t.Errorf("single run: min/max/mean should all be equal, got min=%v max=%v mean=%v", s.Min, s.Max, s.Mean)
	}
}

func TestStats_Empty(t *testing.T) {
	if s := bench.ComputeStats(nil); s != (bench.Stats{}) {
		t.Errorf("want zero stats, got %+v", s)
	}
}

// ---------------------------------------------------------------------------
// Per-stage summary
// ---------------------------------------------------------------------------

func sampleRuns() []bench.RunResult {
	mk := func(i int, convertMS, loadMS int) bench.RunResult {
		return bench.FromReport(i, harness.Report{
			State: stage.Passed,
			Timings: []harness.Timing{
				{Stage: stage.Convert, Elapsed: time.Duration(convertMS) * time.Millisecond},
				{Stage: stage.Load, Elapsed: time.Duration(loadMS) * time.Millisecond},
			},
			Elapsed: time.Duration(convertMS+loadMS) * time.Millisecond,
		})
	}

	return []bench.RunResult{mk(0, 90, 30), mk(1, 10, 20), mk(2, 50, 40)}
}

func TestSummarize_StagesInPipelineOrder(t *testing.T) {
	sum := bench.Summarize(sampleRuns(), false)

	if len(sum.Stages) != 2 || sum.Stages[0].Stage != stage.Convert || sum.Stages[1].Stage != stage.Load {
		t.Fatalf("unexpected stage order: %+v", sum.Stages)
	}

	if sum.Stages[0].Stats.Max != 90*time.Millisecond {
		t.Errorf("want convert max=90ms, got %v", sum.Stages[0].Stats.Max)
	}

	if sum.Total.Mean != 80*time.Millisecond {
		t.Errorf("want total mean=80ms, got %v", sum.Total.Mean)
	}
}

func TestSummarize_SkipsColdRun(t *testing.T) {
	sum := bench.Summarize(sampleRuns(), true)

	if sum.Stages[0].Stats.Max != 50*time.Millisecond {
		t.Errorf("cold run should be excluded, convert max=%v", sum.Stages[0].Stats.Max)
	}

	if sum.Total.Mean != 60*time.Millisecond {
		t.Errorf("want warm total mean=60ms, got %v", sum.Total.Mean)
	}
}

func TestSummarize_KeepsLoneColdRun(t *testing.T) {
	sum := bench.Summarize(sampleRuns()[:1], true)
	if sum.Total.Mean != 120*time.Millisecond {
		t.Errorf("a single cold run must still count, got %v", sum.Total.Mean)
	}
}

// ---------------------------------------------------------------------------
// Repeated pipeline runs
// ---------------------------------------------------------------------------

func builtin(t *testing.T, name string) *scenario.Scenario {
	t.Helper()

	all, err := scenario.Builtins()
	if err != nil {
		t.Fatal(err)
	}

	sel, err := scenario.Select(all, []string{name})
	if err != nil {
		t.Fatal(err)
	}

	return sel[0]
}

func TestRepeat_TimesEveryStage(t *testing.T) {
	work := t.TempDir()

	runs, err := bench.Repeat(context.Background(), harness.NewPipeline(convert.Builtin{}), builtin(t, "F_silu"), work, 3)
	if err != nil {
		t.Fatalf("Repeat: %v", err)
	}

	if len(runs) != 3 {
		t.Fatalf("want 3 runs, got %d", len(runs))
	}

	if !runs[0].Cold || runs[1].Cold {
		t.Errorf("only the first run is cold: %+v", runs)
	}

	sum := bench.Summarize(runs, false)
	if len(sum.Stages) != 6 {
		t.Errorf("want 6 timed stages, got %d", len(sum.Stages))
	}

	entries, err := os.ReadDir(work)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 0 {
		t.Errorf("work dirs left behind: %v", entries)
	}
}

func TestRepeat_StopsOnErroredRun(t *testing.T) {
	tool := testutil.WriteScript(t, "exit 3\n")

	runs, err := bench.Repeat(context.Background(), harness.NewPipeline(convert.New(tool, nil, false)), builtin(t, "F_silu"), t.TempDir(), 3)
	if err == nil || !strings.Contains(err.Error(), "ERRORED") {
		t.Fatalf("want errored-run error, got %v", err)
	}

	if len(runs) != 0 {
		t.Errorf("want no completed runs, got %d", len(runs))
	}
}

func TestRepeat_RejectsZeroRuns(t *testing.T) {
	if _, err := bench.Repeat(context.Background(), harness.NewPipeline(convert.Builtin{}), builtin(t, "F_silu"), t.TempDir(), 0); err == nil {
		t.Error("want error for zero runs")
	}
}

// ---------------------------------------------------------------------------
// Threshold gate
// ---------------------------------------------------------------------------

func TestThreshold(t *testing.T) {
	tests := []struct {
		name      string
		mean      time.Duration
		threshold time.Duration
		wantErr   bool
	}{
		{"exceeds", 150 * time.Millisecond, 100 * time.Millisecond, true},
		{"below", 80 * time.Millisecond, 100 * time.Millisecond, false},
		{"exactly at", 100 * time.Millisecond, 100 * time.Millisecond, false},
		{"disabled", time.Hour, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := bench.CheckThreshold(tt.mean, tt.threshold); (err != nil) != tt.wantErr {
				t.Errorf("CheckThreshold(%v, %v) = %v, wantErr %v", tt.mean, tt.threshold, err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func TestFormatTable_ContainsHeaders(t *testing.T) {
	runs := sampleRuns()

	var buf strings.Builder
	bench.FormatTable(runs, bench.Summarize(runs, false), &buf)
	out := buf.String()

	for _, want := range []string{"run", "cold", "stage", "convert", "load", "total"} {
		if !strings.Contains(strings.ToLower(out), want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON_IsValidJSON(t *testing.T) {
	runs := sampleRuns()

	var buf bytes.Buffer
	if err := bench.FormatJSON(runs, bench.Summarize(runs, false), &buf); err != nil {
		t.Fatal(err)
	}

	var out struct {
		Runs   []map[string]any `json:"runs"`
		Stages []struct {
			Stage  string  `json:"stage"`
			MaxMS  float64 `json:"max_ms"`
			MeanMS float64 `json:"mean_ms"`
		} `json:"stages"`
	}

	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v\n%s", err, buf.String())
	}

	if len(out.Runs) != 3 || len(out.Stages) != 2 {
		t.Fatalf("unexpected shape: %s", buf.String())
	}

	if out.Stages[0].Stage != "convert" || out.Stages[0].MaxMS != 90 {
		t.Errorf("unexpected convert stats: %+v", out.Stages[0])
	}
}
