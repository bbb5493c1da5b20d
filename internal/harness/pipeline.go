package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/example/go-opparity/internal/compare"
	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/convert"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/scenario"
	"github.com/example/go-opparity/internal/stage"
	"github.com/example/go-opparity/internal/target"
	"github.com/example/go-opparity/internal/trace"
)

// Timing is the wall time one stage took.
type Timing struct {
	Stage   stage.Name    `json:"stage"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Report is the outcome of one scenario run.
type Report struct {
	Scenario string `json:"scenario"`
	Target   string `json:"target"`
	Seed     uint64 `json:"seed"`
	// WorkDir is empty once the working directory has been removed.
	WorkDir   string            `json:"work_dir,omitempty"`
	State     stage.State       `json:"state"`
	History   []stage.State     `json:"history"`
	Tolerance compare.Tolerance `json:"tolerance"`
	Outcomes  []compare.Outcome `json:"outcomes,omitempty"`

	// FailedStage, Kind and Error describe why the run did not pass.
	FailedStage stage.Name `json:"failed_stage,omitempty"`
	Kind        string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`

	Timings []Timing      `json:"timings,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`

	Err error `json:"-"`
}

// Passed reports whether the scenario ended PASSED.
func (r Report) Passed() bool { return r.State == stage.Passed }

// StageElapsed returns the time spent in s, or zero when s did not run.
func (r Report) StageElapsed(s stage.Name) time.Duration {
	for _, t := range r.Timings {
		if t.Stage == s {
			return t.Elapsed
		}
	}

	return 0
}

// Pipeline runs single scenarios. It holds no per-scenario state and may be
// shared by concurrent runs.
type Pipeline struct {
	Converter convert.Converter
	// Tolerance fills the bounds a scenario does not set.
	Tolerance compare.Tolerance
	Runtime   config.RuntimeConfig
}

// NewPipeline returns a pipeline using conv and the default tolerance.
func NewPipeline(conv convert.Converter) *Pipeline {
	return &Pipeline{Converter: conv, Tolerance: compare.DefaultTolerance}
}

type run struct {
	ctx     context.Context
	sc      *scenario.Scenario
	machine *stage.Machine
	report  *Report
}

// step runs fn as stage name and, on success, moves the machine to next.
// A failure is classified with kind unless fn already returned a stage
// error.
func (r *run) step(name stage.Name, kind error, next stage.State, fn func() error) error {
	if err := r.ctx.Err(); err != nil {
		return stage.Wrap(name, kind, err)
	}

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	r.report.Timings = append(r.report.Timings, Timing{Stage: name, Elapsed: elapsed})

	if err != nil {
		return stage.Wrap(name, kind, err)
	}

	slog.Debug("stage done", "scenario", r.sc.Name, "stage", name, "elapsed", elapsed)

	return r.machine.Transition(next)
}

// Run executes sc in workDir and returns its report. Run never returns an
// error: every failure is recorded in the report and ends the run ERRORED,
// except a comparison mismatch, which ends it FAILED.
func (p *Pipeline) Run(ctx context.Context, sc *scenario.Scenario, workDir string) Report {
	rep := Report{
		Scenario:  sc.Name,
		Target:    sc.Target,
		Seed:      sc.Seed,
		WorkDir:   workDir,
		Tolerance: sc.ToleranceOr(p.Tolerance),
	}

	m := stage.NewMachine()
	r := &run{ctx: ctx, sc: sc, machine: m, report: &rep}

	slog.Info("scenario started", "scenario", sc.Name, "target", sc.Target, "seed", sc.Seed, "dir", workDir)

	start := time.Now()
	err := p.execute(r, workDir)
	rep.Elapsed = time.Since(start)

	if err != nil {
		p.fail(m, &rep, err)
	}

	rep.State = m.State()
	rep.History = m.History()

	slog.Info("scenario finished",
		"scenario", sc.Name,
		"state", rep.State.String(),
		"stage", rep.FailedStage,
		"elapsed", rep.Elapsed,
	)

	return rep
}

func (p *Pipeline) fail(m *stage.Machine, rep *Report, err error) {
	rep.Err = err
	rep.Error = err.Error()
	rep.FailedStage = stage.StageOf(err)

	if kind := stage.KindOf(err); kind != nil {
		rep.Kind = kind.Error()
	}

	to := stage.Errored
	if errors.Is(err, stage.ErrMismatch) {
		to = stage.Failed
	}

	if terr := m.Transition(to); terr != nil {
		// The machine already reached a terminal state; keep it and
		// surface the disallowed transition in the report.
		slog.Error("state transition rejected", "scenario", rep.Scenario, "err", terr)
		rep.Error += "; " + terr.Error()
	}
}

func (p *Pipeline) execute(r *run, workDir string) error {
	sc := r.sc

	var binding scenario.Binding

	err := r.step(stage.Inputs, stage.ErrConfiguration, stage.InputsBound, func() error {
		var err error
		binding, err = sc.Bind()

		return err
	})
	if err != nil {
		return err
	}

	var ref []tensor.Output

	err = r.step(stage.Reference, stage.ErrExecution, stage.ReferenceComputed, func() error {
		var err error
		ref, err = Reference(sc, binding)

		return err
	})
	if err != nil {
		return err
	}

	h := convert.NewHandle(workDir, sc.Name, sc.Target)

	err = r.step(stage.Export, stage.ErrExport, stage.Exported, func() error {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}

		tr, err := trace.Capture(sc, binding)
		if err != nil {
			return err
		}

		return trace.Save(h.TracePath(), tr)
	})
	if err != nil {
		return err
	}

	err = r.step(stage.Convert, stage.ErrConversion, stage.Converted, func() error {
		if p.Converter == nil {
			return stage.Errorf(stage.Convert, stage.ErrConfiguration, "no converter configured")
		}

		_, err := p.Converter.Convert(r.ctx, h, sc.InputShapes())

		return err
	})
	if err != nil {
		return err
	}

	var got []tensor.Output

	err = r.step(stage.Load, stage.ErrLoad, stage.ConvertedComputed, func() error {
		eng, err := target.Open(h, target.WithRuntime(p.Runtime))
		if err != nil {
			return err
		}
		defer eng.Close()

		got, err = eng.Run(r.ctx, binding.Inputs)

		return err
	})
	if err != nil {
		return err
	}

	// Comparison cannot fail or be cancelled; once the converted outputs
	// exist the run always ends PASSED or FAILED.
	start := time.Now()
	outcomes := compare.Compare(ref, got, r.report.Tolerance)

	for i := range outcomes {
		if i < len(sc.Outputs) {
			outcomes[i].Name = sc.Outputs[i].Name
		}
	}

	r.report.Timings = append(r.report.Timings, Timing{Stage: stage.Compare, Elapsed: time.Since(start)})
	r.report.Outcomes = outcomes

	if err := r.machine.Transition(stage.Compared); err != nil {
		return err
	}

	if compare.Verdict(outcomes) {
		return r.machine.Transition(stage.Passed)
	}

	return stage.Errorf(stage.Compare, stage.ErrMismatch, "%s", describeFailures(outcomes))
}

func describeFailures(outcomes []compare.Outcome) string {
	var parts []string

	for _, o := range compare.Failed(outcomes) {
		label := fmt.Sprintf("output %d", o.Index)
		if o.Name != "" {
			label = fmt.Sprintf("output %d (%s)", o.Index, o.Name)
		}

		switch {
		case o.Reason != "":
			parts = append(parts, fmt.Sprintf("%s: %s", label, o.Reason))
		case o.Kind == tensor.Discrete:
			parts = append(parts, fmt.Sprintf("%s: %d elements differ, first at %d", label, o.Mismatches, o.FirstMismatch))
		default:
			parts = append(parts, fmt.Sprintf("%s: %d elements out of tolerance, max abs err %.3g", label, o.Mismatches, o.MaxAbsErr))
		}
	}

	return strings.Join(parts, "; ")
}
