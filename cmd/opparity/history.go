package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/ledger"
	"github.com/example/go-opparity/internal/report"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history [scenario]",
		Short: "Show recorded runs from the ledger",
		Long: "Without arguments history lists the latest runs. With --run it " +
			"prints that run's report again; with a scenario name it lists the " +
			"scenario's latest verdicts across runs.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if cfg.Report.Ledger == "" {
				return errors.New("history: no ledger configured (set --ledger or report.ledger)")
			}

			l, err := ledger.Open(cfg.Report.Ledger)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case runID != "":
				entries, err := l.Entries(ctx, runID, 0)
				if err != nil {
					return err
				}

				if len(entries) == 0 {
					return fmt.Errorf("history: no results recorded for run %q", runID)
				}

				reports := make([]harness.Report, 0, len(entries))
				for _, e := range entries {
					r, err := l.Report(ctx, e.ID)
					if err != nil {
						return err
					}
					reports = append(reports, r)
				}

				return report.Write(out, cfg.Report.Format, reports, false)

			case len(args) == 1:
				entries, err := l.ScenarioHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}

				writeEntries(out, entries)

			default:
				runs, err := l.Runs(ctx, limit)
				if err != nil {
					return err
				}

				writeRuns(out, runs)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of rows (0 = all)")
	cmd.Flags().StringVar(&runID, "run", "", "Print the full report of one run")

	return cmd
}

const stampLayout = "2006-01-02 15:04:05"

func writeRuns(w io.Writer, runs []ledger.Run) {
	fmt.Fprintf(w, "%-36s  %-19s  %-16s  %5s  %6s  %6s  %7s\n", "Run", "Started", "Converter", "Total", "Passed", "Failed", "Errored")
	fmt.Fprintln(w, strings.Repeat("-", 111))

	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-19s  %-16s  %5d  %6d  %6d  %7d\n",
			r.ID, r.StartedAt.Local().Format(stampLayout), r.Converter, r.Total, r.Passed, r.Failed, r.Errored)
	}
}

func writeEntries(w io.Writer, entries []ledger.Entry) {
	fmt.Fprintf(w, "%-19s  %-24s  %-6s  %-8s  %10s  %s\n", "Recorded", "Scenario", "Target", "State", "MS", "Detail")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, e := range entries {
		line := fmt.Sprintf("%-19s  %-24s  %-6s  %-8s  %10.1f  %s",
			e.RecordedAt.Local().Format(stampLayout), e.Scenario, e.Target, e.State,
			float64(e.Elapsed.Microseconds())/1000, e.Error)
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}
