package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/convert"
	"github.com/example/go-opparity/internal/pnnx"
	"github.com/example/go-opparity/internal/trace"
)

// invocation is a parsed opparity-pnnx command line.
type invocation struct {
	Trace  string
	Shapes [][]int64
	Opts   pnnx.Options
}

// outputKeys maps key=value arguments to the output path they override.
var outputKeys = map[string]func(*pnnx.Options) *string{
	"pnnxparam": func(o *pnnx.Options) *string { return &o.PNNXParam },
	"pnnxbin":   func(o *pnnx.Options) *string { return &o.PNNXBin },
	"pnnxpy":    func(o *pnnx.Options) *string { return &o.PNNXPy },
	"ncnnparam": func(o *pnnx.Options) *string { return &o.NCNNParam },
	"ncnnbin":   func(o *pnnx.Options) *string { return &o.NCNNBin },
	"ncnnpy":    func(o *pnnx.Options) *string { return &o.NCNNPy },
	"pnnxonnx":  func(o *pnnx.Options) *string { return &o.ONNX },
}

func NewRootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "opparity-pnnx <model.pt> [inputshape=[..],[..]] [fp16=0|1] [key=value...]",
		Short: "Convert an exported trace to pnnx, ncnn and ONNX files",
		Long: "opparity-pnnx reads a trace archive and writes <name>.pnnx.param, " +
			"<name>.pnnx.bin, <name>_pnnx.py, <name>.ncnn.param, <name>.ncnn.bin, " +
			"<name>_ncnn.py and <name>.pnnx.onnx next to it. inputshape must match " +
			"the traced inputs in count and rank. Unknown keys are ignored.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(logLevel)

			inv, err := parseArgs(args)
			if err != nil {
				return err
			}

			return run(inv)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")

	return cmd
}

func setupLogger(levelStr string) {
	lvl, err := config.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelWarn
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func parseArgs(args []string) (invocation, error) {
	inv := invocation{Trace: args[0]}
	if !strings.HasSuffix(inv.Trace, ".pt") {
		return invocation{}, fmt.Errorf("%s: expected a .pt trace", inv.Trace)
	}

	inv.Opts = pnnx.OptionsFor(inv.Trace)

	for _, arg := range args[1:] {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return invocation{}, fmt.Errorf("argument %q: expected key=value", arg)
		}

		switch key {
		case "inputshape":
			shapes, err := convert.ParseShapes(value)
			if err != nil {
				return invocation{}, err
			}
			inv.Shapes = shapes
		case "fp16":
			switch value {
			case "0":
				inv.Opts.FP16 = false
			case "1":
				inv.Opts.FP16 = true
			default:
				return invocation{}, fmt.Errorf("fp16=%s: want 0 or 1", value)
			}
		default:
			field, known := outputKeys[key]
			if !known {
				slog.Warn("ignoring unknown option", "key", key, "value", value)
				continue
			}
			*field(&inv.Opts) = value
		}
	}

	return inv, nil
}

func run(inv invocation) error {
	tr, err := trace.Load(inv.Trace)
	if err != nil {
		return err
	}

	if len(inv.Shapes) > 0 {
		tr, err = tr.Reshape(inv.Shapes)
		if err != nil {
			return fmt.Errorf("inputshape %s: %w", convert.FormatShapes(inv.Shapes), err)
		}
	}

	slog.Info("converting", "trace", inv.Trace, "inputshape", convert.FormatShapes(tr.InputShapes()), "fp16", inv.Opts.FP16)

	return pnnx.Write(tr, inv.Opts)
}
