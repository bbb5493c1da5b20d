package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/ledger"
	"github.com/example/go-opparity/internal/report"
	"github.com/example/go-opparity/internal/scenario"
)

func newRunCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run parity scenarios and report their verdicts",
		Long: "Run executes each scenario through input generation, reference " +
			"execution, export, conversion and the converted-model comparison. " +
			"With no arguments every known scenario runs. The exit code is 0 only " +
			"when every scenario passes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			scenarios, err := selectScenarios(cfg, args)
			if err != nil {
				return err
			}

			reports, err := runSuite(cmd.Context(), cfg, scenarios)
			if err != nil {
				return err
			}

			if err := report.Write(cmd.OutOrStdout(), cfg.Report.Format, reports, verbose); err != nil {
				return err
			}

			if code := report.ExitCode(reports); code != 0 {
				s := report.Summarize(reports)
				return &verdictError{notPassed: s.Failed + s.Errored}
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every output comparison, including passing ones")

	return cmd
}

// runSuite runs scenarios with the configured pipeline and records them in
// the ledger when one is configured.
func runSuite(ctx context.Context, cfg config.Config, scenarios []*scenario.Scenario) ([]harness.Report, error) {
	suite := &harness.Suite{
		Pipeline:      newPipeline(cfg),
		WorkDir:       cfg.Paths.WorkDir,
		Workers:       cfg.Run.Workers,
		KeepArtifacts: cfg.Run.KeepArtifacts,
		Seed:          cfg.Run.Seed,
		Target:        cfg.Converter.Target,
		OnReport: func(r harness.Report) {
			slog.Debug("scenario report", "scenario", r.Scenario, "state", r.State.String(), "stage", string(r.FailedStage))
		},
	}

	if ctx == nil {
		ctx = context.Background()
	}

	reports := suite.Run(ctx, scenarios)

	if cfg.Report.Ledger == "" {
		return reports, nil
	}

	// An interrupted run is still recorded.
	if err := recordRun(context.WithoutCancel(ctx), cfg, reports); err != nil {
		return reports, err
	}

	return reports, nil
}

func recordRun(ctx context.Context, cfg config.Config, reports []harness.Report) error {
	l, err := ledger.Open(cfg.Report.Ledger)
	if err != nil {
		return err
	}
	defer l.Close()

	runID, err := l.BeginRun(ctx, strings.TrimSpace(cfg.Converter.Tool))
	if err != nil {
		return err
	}

	for _, r := range reports {
		if err := l.Record(ctx, runID, r); err != nil {
			return err
		}
	}

	if err := l.FinishRun(ctx, runID); err != nil {
		return err
	}

	slog.Info("run recorded", "ledger", cfg.Report.Ledger, "run", runID)

	return nil
}
