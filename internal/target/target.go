// Package target loads converted models and executes them. Each supported
// target engine reads only the files the converter wrote into the
// scenario's working directory; nothing is shared with the reference
// executor.
package target

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/convert"
	"github.com/example/go-opparity/internal/inputs"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/stage"
)

// Engine executes one loaded model.
type Engine interface {
	// Run executes the model on in and returns its outputs in the model's
	// declared output order.
	Run(ctx context.Context, in *inputs.Set) ([]tensor.Output, error)
	Close() error
}

type options struct {
	runtime config.RuntimeConfig
}

// Option configures Open.
type Option func(*options)

// WithRuntime sets the ONNX Runtime library settings used by the onnx
// target.
func WithRuntime(cfg config.RuntimeConfig) Option {
	return func(o *options) { o.runtime = cfg }
}

// Open loads the converted model for the handle's target. Missing or
// malformed files and unsupported layers are load errors.
func Open(h convert.ArtifactHandle, opts ...Option) (Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch h.Target {
	case config.TargetPNNX:
		return openPNNX(h.PNNXParamPath(), h.PNNXBinPath())
	case config.TargetNCNN:
		return openNCNN(h.NCNNParamPath(), h.NCNNBinPath())
	case config.TargetONNX:
		return openONNX(h.ONNXPath(), o.runtime)
	default:
		return nil, loadf("unknown target %q", h.Target)
	}
}

func loadf(format string, args ...any) error {
	return stage.Errorf(stage.Load, stage.ErrLoad, format, args...)
}

func execf(format string, args ...any) error {
	return stage.Errorf(stage.Load, stage.ErrExecution, format, args...)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, loadf("model file %s does not exist", path)
		}

		return nil, loadf("read %s: %w", path, err)
	}

	return data, nil
}

func requireFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return loadf("model file %s does not exist", path)
		}

		return loadf("stat %s: %w", path, err)
	}

	return nil
}

// checkArity rejects an input set whose size differs from the model's
// input count.
func checkArity(in *inputs.Set, want int) error {
	if in.Len() != want {
		return execf("model has %d inputs, got %d", want, in.Len())
	}

	return nil
}

func describe(o tensor.Output) string {
	return fmt.Sprintf("%s %s", o.Kind, tensor.FormatShape(o.Shape()))
}
