package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/example/go-opparity/internal/scenario"
	"github.com/example/go-opparity/internal/stage"
)

// Suite runs many scenarios with a bounded number of workers. Every
// scenario gets its own working directory <WorkDir>/<name>-<uuidv7>.
type Suite struct {
	Pipeline *Pipeline
	WorkDir  string
	// Workers bounds concurrent scenarios; values below 1 run sequentially.
	Workers       int
	KeepArtifacts bool
	// Seed replaces every scenario seed when >= 0.
	Seed int64
	// Target replaces every scenario target when non-empty.
	Target string
	// OnReport, when set, receives each report as soon as its scenario
	// ends. It is called from worker goroutines.
	OnReport func(Report)
}

// Run executes scenarios and returns their reports in input order.
func (s *Suite) Run(ctx context.Context, scenarios []*scenario.Scenario) []Report {
	reports := make([]Report, len(scenarios))

	p := pool.New().WithMaxGoroutines(max(s.Workers, 1))

	for i, sc := range scenarios {
		p.Go(func() {
			rep := s.runOne(ctx, sc)
			reports[i] = rep

			if s.OnReport != nil {
				s.OnReport(rep)
			}
		})
	}

	p.Wait()

	return reports
}

func (s *Suite) runOne(ctx context.Context, sc *scenario.Scenario) Report {
	if s.Seed >= 0 {
		sc = sc.WithSeed(uint64(s.Seed))
	}

	if s.Target != "" {
		overridden, err := sc.WithTarget(s.Target)
		if err != nil {
			return errored(sc, err)
		}

		sc = overridden
	}

	id, err := uuid.NewV7()
	if err != nil {
		return errored(sc, stage.Errorf(stage.Scenario, stage.ErrConfiguration, "allocate run id: %w", err))
	}

	dir := filepath.Join(s.WorkDir, fmt.Sprintf("%s-%s", sc.Name, id))
	rep := s.Pipeline.Run(ctx, sc, dir)

	if !s.KeepArtifacts {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("remove work dir", "scenario", sc.Name, "dir", dir, "err", err)
		} else {
			rep.WorkDir = ""
		}
	}

	return rep
}

// errored reports a scenario that failed before its pipeline started.
func errored(sc *scenario.Scenario, err error) Report {
	m := stage.NewMachine()
	_ = m.Transition(stage.Errored)

	rep := Report{
		Scenario:    sc.Name,
		Target:      sc.Target,
		Seed:        sc.Seed,
		State:       m.State(),
		History:     m.History(),
		Tolerance:   sc.Tolerance(),
		FailedStage: stage.StageOf(err),
		Error:       err.Error(),
		Err:         err,
	}

	if kind := stage.KindOf(err); kind != nil {
		rep.Kind = kind.Error()
	}

	return rep
}
