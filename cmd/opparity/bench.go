package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-opparity/internal/bench"
)

func newBenchCmd() *cobra.Command {
	var (
		runs      int
		format    string
		skipCold  bool
		threshold time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench <scenario>",
		Short: "Benchmark the pipeline stages of one scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			selected, err := selectScenarios(cfg, args)
			if err != nil {
				return err
			}

			sc := selected[0]
			if cfg.Run.Seed >= 0 {
				sc = sc.WithSeed(uint64(cfg.Run.Seed))
			}
			if cfg.Converter.Target != "" {
				if sc, err = sc.WithTarget(cfg.Converter.Target); err != nil {
					return err
				}
			}

			results, err := bench.Repeat(cmd.Context(), newPipeline(cfg), sc, cfg.Paths.WorkDir, runs)
			if err != nil {
				return err
			}

			sum := bench.Summarize(results, skipCold)

			switch format {
			case "json":
				if err := bench.FormatJSON(results, sum, cmd.OutOrStdout()); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, sum, cmd.OutOrStdout())
			}

			return bench.CheckThreshold(sum.Total.Mean, threshold)
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "Number of pipeline runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().BoolVar(&skipCold, "skip-cold", false, "Leave the first run out of the statistics")
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Exit non-zero if the mean run time exceeds this value (0 = disabled)")

	return cmd
}
