package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/doctor"
	"github.com/example/go-opparity/internal/onnx"
	"github.com/example/go-opparity/internal/scenario"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local converter and runtime checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tool := strings.TrimSpace(cfg.Converter.Tool)

			dcfg := doctor.Config{
				ConverterPath: func() (string, error) { return lookupConverter(tool) },
				SkipConverter: tool == "builtin",
				WorkDir:       cfg.Paths.WorkDir,
				Scenarios: func() (int, error) {
					all, err := scenario.Catalog(cfg.Paths.ScenarioDir)
					return len(all), err
				},
				Runtime: func() (string, string, error) {
					info, err := onnx.DetectRuntime(cfg.Runtime)
					return info.LibraryPath, info.Version, err
				},
				SkipRuntime: !needsRuntime(cfg),
			}

			result := doctor.Run(dcfg, out)

			if result.Failed() {
				for _, f := range result.Failures() {
					// #nosec G705 -- Writes plain diagnostic text to stderr for CLI output, not HTML rendering.
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

// lookupConverter resolves the executable part of a converter tool string.
func lookupConverter(tool string) (string, error) {
	fields := strings.Fields(tool)
	if len(fields) == 0 {
		return "", errors.New("no converter configured")
	}

	path, err := exec.LookPath(fields[0])
	if err != nil {
		return "", fmt.Errorf("%s: %w", fields[0], err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", path)
	}

	return path, nil
}

// needsRuntime reports whether any configured run can reach the onnx target.
func needsRuntime(cfg config.Config) bool {
	if cfg.Converter.Target != "" {
		return cfg.Converter.Target == config.TargetONNX
	}

	all, err := scenario.Catalog(cfg.Paths.ScenarioDir)
	if err != nil {
		return false
	}

	for _, sc := range all {
		if sc.Target == config.TargetONNX {
			return true
		}
	}

	return false
}
