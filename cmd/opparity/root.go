package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-opparity/internal/compare"
	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/convert"
	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/scenario"
)

var (
	cfgFile   string
	activeCfg config.Config
	cfgLoaded bool
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "opparity",
		Short:         "Operator conversion parity harness",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			cfgLoaded = true
			setupLogger(loaded.LogLevel)
			tensor.SetWorkers(loaded.Runtime.Workers)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newConvertCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := config.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if !cfgLoaded {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return activeCfg, nil
}

// verdictError carries a non-zero exit code whose report was already printed.
type verdictError struct {
	notPassed int
}

func (e *verdictError) Error() string {
	return fmt.Sprintf("%d scenario(s) did not pass", e.notPassed)
}

func newConverter(cfg config.Config) convert.Converter {
	return convert.New(cfg.Converter.Tool, cfg.Converter.Args, cfg.Converter.FP16, convert.WithTimeout(cfg.Converter.Timeout))
}

func newPipeline(cfg config.Config) *harness.Pipeline {
	p := harness.NewPipeline(newConverter(cfg))
	p.Tolerance = compare.Tolerance{Atol: cfg.Compare.Atol, Rtol: cfg.Compare.Rtol}
	p.Runtime = cfg.Runtime

	return p
}

// selectScenarios loads the catalog and narrows it to names; no names
// selects every scenario.
func selectScenarios(cfg config.Config, names []string) ([]*scenario.Scenario, error) {
	pool, err := scenario.Catalog(cfg.Paths.ScenarioDir)
	if err != nil {
		return nil, err
	}

	return scenario.Select(pool, names)
}
