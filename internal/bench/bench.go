// Package bench provides benchmarking primitives for the opparity bench command.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/scenario"
	"github.com/example/go-opparity/internal/stage"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of a single pipeline run.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run (cold-start)
	Duration time.Duration
	Stages   []harness.Timing
}

// FromReport extracts the timing of one passed pipeline run.
func FromReport(index int, r harness.Report) RunResult {
	return RunResult{
		Index:    index,
		Cold:     index == 0,
		Duration: r.Elapsed,
		Stages:   append([]harness.Timing(nil), r.Timings...),
	}
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// The slice must be non-empty.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// StageStats is the aggregate of one pipeline stage.
type StageStats struct {
	Stage stage.Name
	Stats Stats
}

// Summary aggregates a benchmark. Stages are listed in pipeline order.
type Summary struct {
	Total  Stats
	Stages []StageStats
}

// Summarize aggregates runs. The cold run is left out when warm runs exist
// and skipCold is set.
func Summarize(runs []RunResult, skipCold bool) Summary {
	var (
		order  []stage.Name
		totals []time.Duration
		per    = map[stage.Name][]time.Duration{}
	)

	for _, r := range runs {
		if r.Cold && skipCold && len(runs) > 1 {
			continue
		}

		totals = append(totals, r.Duration)

		for _, t := range r.Stages {
			if _, seen := per[t.Stage]; !seen {
				order = append(order, t.Stage)
			}
			per[t.Stage] = append(per[t.Stage], t.Elapsed)
		}
	}

	s := Summary{Total: ComputeStats(totals)}
	for _, name := range order {
		s.Stages = append(s.Stages, StageStats{Stage: name, Stats: ComputeStats(per[name])})
	}

	return s
}

// ---------------------------------------------------------------------------
// Repeated runs
// ---------------------------------------------------------------------------

// Repeat runs sc through p n times, each in a fresh directory under workRoot
// that is removed afterwards. A run that does not pass aborts the benchmark.
func Repeat(ctx context.Context, p *harness.Pipeline, sc *scenario.Scenario, workRoot string, n int) ([]RunResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("bench: runs must be >= 1, got %d", n)
	}

	runs := make([]RunResult, 0, n)

	for i := range n {
		dir := filepath.Join(workRoot, fmt.Sprintf("%s-bench-%d", sc.Name, i))

		rep := p.Run(ctx, sc, dir)
		_ = os.RemoveAll(dir)

		if !rep.Passed() {
			return runs, fmt.Errorf("bench: run %d of %s ended %s: %s", i+1, sc.Name, rep.State, rep.Error)
		}

		runs = append(runs, FromReport(i, rep))
	}

	return runs, nil
}

// ---------------------------------------------------------------------------
// Threshold gate
// ---------------------------------------------------------------------------

// CheckThreshold returns an error if mean > threshold.
// A threshold of 0 disables the gate.
func CheckThreshold(mean, threshold time.Duration) error {
	if threshold <= 0 {
		return nil
	}
	if mean > threshold {
		return fmt.Errorf("mean run time %v exceeds threshold %v", mean, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, sum Summary, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s\n", "Run", "Cold", "MS")
	fmt.Fprintln(sb, strings.Repeat("-", 24))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f\n", r.Index+1, cold, ms(r.Duration))
	}

	fmt.Fprintln(sb)
	fmt.Fprintf(sb, "%-10s  %10s  %10s  %10s\n", "Stage", "Min(ms)", "Mean(ms)", "Max(ms)")
	fmt.Fprintln(sb, strings.Repeat("-", 46))

	for _, st := range sum.Stages {
		fmt.Fprintf(sb, "%-10s  %10.1f  %10.1f  %10.1f\n", st.Stage, ms(st.Stats.Min), ms(st.Stats.Mean), ms(st.Stats.Max))
	}

	fmt.Fprintln(sb, strings.Repeat("-", 46))
	fmt.Fprintf(sb, "%-10s  %10.1f  %10.1f  %10.1f\n", "total", ms(sum.Total.Min), ms(sum.Total.Mean), ms(sum.Total.Max))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs   []jsonRun   `json:"runs"`
	Stages []jsonStage `json:"stages"`
	Stats  jsonStats   `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

type jsonStage struct {
	Stage stage.Name `json:"stage"`
	jsonStats
}

func toJSONStats(s Stats) jsonStats {
	return jsonStats{MinMS: ms(s.Min), MeanMS: ms(s.Mean), MaxMS: ms(s.Max)}
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, sum Summary, w io.Writer) error {
	jr := jsonReport{
		Runs:   make([]jsonRun, len(runs)),
		Stages: make([]jsonStage, len(sum.Stages)),
		Stats:  toJSONStats(sum.Total),
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{Index: r.Index, Cold: r.Cold, DurationMS: ms(r.Duration)}
	}
	for i, st := range sum.Stages {
		jr.Stages[i] = jsonStage{Stage: st.Stage, jsonStats: toJSONStats(st.Stats)}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
