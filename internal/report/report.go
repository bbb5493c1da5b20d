// Package report renders scenario reports and derives the process exit
// code.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/example/go-opparity/internal/compare"
	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/stage"
)

// Summary counts scenarios per terminal state.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
}

// Summarize counts reports by state.
func Summarize(reports []harness.Report) Summary {
	s := Summary{Total: len(reports)}

	for _, r := range reports {
		switch r.State {
		case stage.Passed:
			s.Passed++
		case stage.Failed:
			s.Failed++
		default:
			s.Errored++
		}
	}

	return s
}

// ExitCode is 0 when every scenario passed and 1 otherwise. An empty run
// passes.
func ExitCode(reports []harness.Report) int {
	for _, r := range reports {
		if !r.Passed() {
			return 1
		}
	}

	return 0
}

// Write renders reports in format (text or json).
func Write(w io.Writer, format string, reports []harness.Report, verbose bool) error {
	switch format {
	case config.FormatJSON:
		return WriteJSON(w, reports)
	case config.FormatText, "":
		return WriteText(w, reports, verbose)
	default:
		return fmt.Errorf("report: unknown format %q", format)
	}
}

const ruleWidth = 72

// WriteText writes one line per scenario followed by a summary. Outcome
// lines are listed for scenarios that did not pass, or for all scenarios
// when verbose is set.
func WriteText(w io.Writer, reports []harness.Report, verbose bool) error {
	sb := &strings.Builder{}

	line(sb, "%-24s  %-6s  %-8s  %10s  %s", "Scenario", "Target", "State", "MS", "Detail")
	fmt.Fprintln(sb, strings.Repeat("-", ruleWidth))

	for _, r := range reports {
		line(sb, "%-24s  %-6s  %-8s  %10.1f  %s", r.Scenario, r.Target, r.State, millis(r.Elapsed), r.Error)

		if verbose || !r.Passed() {
			for _, o := range r.Outcomes {
				line(sb, "    %s", outcomeLine(o))
			}
		}
	}

	fmt.Fprintln(sb, strings.Repeat("-", ruleWidth))

	s := Summarize(reports)
	fmt.Fprintf(sb, "%d scenarios: %d passed, %d failed, %d errored\n", s.Total, s.Passed, s.Failed, s.Errored)

	_, err := io.WriteString(w, sb.String())

	return err
}

type jsonReport struct {
	Summary   Summary          `json:"summary"`
	Scenarios []harness.Report `json:"scenarios"`
}

// WriteJSON writes the summary and every report as one indented document.
func WriteJSON(w io.Writer, reports []harness.Report) error {
	if reports == nil {
		reports = []harness.Report{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jsonReport{Summary: Summarize(reports), Scenarios: reports})
}

func outcomeLine(o compare.Outcome) string {
	status := "FAIL"
	if o.Pass {
		status = "ok"
	}

	var detail string

	switch {
	case o.Reason != "":
		detail = o.Reason
	case o.Kind == tensor.Discrete:
		detail = fmt.Sprintf("mismatches=%d first=%d", o.Mismatches, o.FirstMismatch)
	default:
		detail = fmt.Sprintf("max_abs=%.3g max_rel=%.3g mismatches=%d", o.MaxAbsErr, o.MaxRelErr, o.Mismatches)
	}

	return fmt.Sprintf("[%d] %-12s  %-10s  %-4s  %s", o.Index, o.Name, o.Kind, status, detail)
}

func line(sb *strings.Builder, format string, args ...any) {
	sb.WriteString(strings.TrimRight(fmt.Sprintf(format, args...), " "))
	sb.WriteByte('\n')
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
