package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/scenario"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [scenario...]",
		Short: "List known scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			scenarios, err := selectScenarios(cfg, args)
			if err != nil {
				return err
			}

			if cfg.Report.Format == config.FormatJSON {
				return writeScenarioJSON(cmd.OutOrStdout(), scenarios)
			}

			writeScenarioTable(cmd.OutOrStdout(), scenarios)

			return nil
		},
	}
}

func scenarioOps(sc *scenario.Scenario) []string {
	ops := make([]string, len(sc.Steps))
	for i, st := range sc.Steps {
		ops[i] = st.Op
	}

	return ops
}

func writeScenarioTable(w io.Writer, scenarios []*scenario.Scenario) {
	fmt.Fprintf(w, "%-24s  %-6s  %6s  %s\n", "Scenario", "Target", "Seed", "Ops")
	fmt.Fprintln(w, strings.Repeat("-", 60))

	for _, sc := range scenarios {
		fmt.Fprintf(w, "%-24s  %-6s  %6d  %s\n", sc.Name, sc.Target, sc.Seed, strings.Join(scenarioOps(sc), " > "))
	}
}

type scenarioJSON struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Target      string    `json:"target"`
	Seed        uint64    `json:"seed"`
	InputShapes [][]int64 `json:"input_shapes"`
	Ops         []string  `json:"ops"`
	Outputs     []string  `json:"outputs"`
}

func writeScenarioJSON(w io.Writer, scenarios []*scenario.Scenario) error {
	out := make([]scenarioJSON, len(scenarios))

	for i, sc := range scenarios {
		outputs := make([]string, len(sc.Outputs))
		for j, o := range sc.Outputs {
			outputs[j] = fmt.Sprintf("%s:%s", o.Name, o.Kind)
		}

		out[i] = scenarioJSON{
			Name:        sc.Name,
			Description: sc.Description,
			Target:      sc.Target,
			Seed:        sc.Seed,
			InputShapes: sc.InputShapes(),
			Ops:         scenarioOps(sc),
			Outputs:     outputs,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
