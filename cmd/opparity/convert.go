package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/convert"
)

func newConvertCmd() *cobra.Command {
	var inputShape string

	cmd := &cobra.Command{
		Use:   "convert <model.pt>",
		Short: "Convert an exported trace in process",
		Long: "Convert writes the pnnx, ncnn and ONNX forms of an exported trace " +
			"next to it, using the same writers as opparity-pnnx. --target selects " +
			"which files must be produced (default pnnx).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			pt := args[0]
			if !strings.HasSuffix(pt, ".pt") {
				return fmt.Errorf("convert: %s: expected a .pt trace", pt)
			}

			shapes, err := convert.ParseShapes(inputShape)
			if err != nil {
				return err
			}

			target := cfg.Converter.Target
			if target == "" {
				target = config.TargetPNNX
			}

			h := convert.NewHandle(filepath.Dir(pt), strings.TrimSuffix(filepath.Base(pt), ".pt"), target)

			res, err := convert.Builtin{FP16: cfg.Converter.FP16}.Convert(cmd.Context(), h, shapes)
			if err != nil {
				return err
			}

			for _, f := range res.Files {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), f)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&inputShape, "inputshape", "", "Input shapes, e.g. [1,16],[1,2,16] (default: shapes recorded in the trace)")

	return cmd
}
