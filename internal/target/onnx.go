package target

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/inputs"
	"github.com/example/go-opparity/internal/onnx"
	"github.com/example/go-opparity/internal/runtime/tensor"
)

type onnxEngine struct {
	runner *onnx.Runner
	meta   onnx.Session
}

func openONNX(path string, cfg config.RuntimeConfig) (*onnxEngine, error) {
	if err := requireFile(path); err != nil {
		return nil, err
	}

	meta, err := onnx.OpenSession(path)
	if err != nil {
		return nil, loadf("onnx: %w", err)
	}

	for _, v := range append(append([]onnx.ValueInfo(nil), meta.Inputs...), meta.Outputs...) {
		if v.ElemType != onnx.ElemFloat && v.ElemType != onnx.ElemInt64 {
			return nil, loadf("onnx: value %s has unsupported element type %d", v.Name, v.ElemType)
		}
	}

	info, err := onnx.Bootstrap(cfg)
	if err != nil {
		return nil, loadf("onnx: %w", err)
	}

	runner, err := onnx.NewRunner(meta, onnx.RunnerConfig{LibraryPath: info.LibraryPath})
	if err != nil {
		return nil, loadf("onnx: %w", err)
	}

	slog.Debug("onnx session ready", "model", path, "ort", info.LibraryPath, "version", info.Version)

	return &onnxEngine{runner: runner, meta: meta}, nil
}

func (e *onnxEngine) Run(ctx context.Context, in *inputs.Set) ([]tensor.Output, error) {
	if err := checkArity(in, len(e.meta.Inputs)); err != nil {
		return nil, err
	}

	feed := make(map[string]*onnx.Tensor, len(e.meta.Inputs))

	for i, info := range e.meta.Inputs {
		t, err := toORT(in.At(i).Value)
		if err != nil {
			return nil, execf("onnx: input %s: %w", info.Name, err)
		}

		if t.DType() != info.DType() {
			return nil, execf("onnx: input %s is %s, model expects %s", info.Name, t.DType(), info.DType())
		}

		feed[info.Name] = t
	}

	res, err := e.runner.Run(ctx, feed)
	if err != nil {
		return nil, execf("onnx: %w", err)
	}

	out := make([]tensor.Output, len(e.meta.Outputs))

	for i, info := range e.meta.Outputs {
		t, ok := res[info.Name]
		if !ok {
			return nil, execf("onnx: output %s missing from results", info.Name)
		}

		o, err := fromORT(t)
		if err != nil {
			return nil, execf("onnx: output %s: %w", info.Name, err)
		}

		out[i] = o
	}

	return out, nil
}

func (e *onnxEngine) Close() error {
	e.runner.Close()
	return nil
}

func toORT(o tensor.Output) (*onnx.Tensor, error) {
	if o.Kind == tensor.Discrete {
		return onnx.NewTensor(o.Index.RawData(), o.Index.Shape())
	}

	return onnx.NewTensor(o.Float.RawData(), o.Float.Shape())
}

func fromORT(t *onnx.Tensor) (tensor.Output, error) {
	switch t.DType() {
	case onnx.DTypeFloat32:
		data, err := onnx.ExtractFloat32(t)
		if err != nil {
			return tensor.Output{}, err
		}

		f, err := tensor.New(data, t.Shape())
		if err != nil {
			return tensor.Output{}, err
		}

		return tensor.FloatOutput(f), nil
	case onnx.DTypeInt64:
		data, err := onnx.ExtractInt64(t)
		if err != nil {
			return tensor.Output{}, err
		}

		x, err := tensor.NewIndex(data, t.Shape())
		if err != nil {
			return tensor.Output{}, err
		}

		return tensor.IndexOutput(x), nil
	default:
		return tensor.Output{}, fmt.Errorf("unsupported dtype %s", t.DType())
	}
}
