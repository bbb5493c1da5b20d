// Package pnnx writes the converted forms of a trace: the pnnx graph
// (pnnx.param, pnnx.bin, _pnnx.py), the ncnn model (ncnn.param, ncnn.bin,
// _ncnn.py) and an ONNX model (pnnx.onnx). It backs both the opparity-pnnx
// tool and the in-process converter.
package pnnx

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/example/go-opparity/internal/opset"
	"github.com/example/go-opparity/internal/trace"
)

// Magic opens every pnnx.param and ncnn.param file.
const Magic = 7767517

// Options names the output files. Empty paths are skipped.
type Options struct {
	PNNXParam string
	PNNXBin   string
	PNNXPy    string
	NCNNParam string
	NCNNBin   string
	NCNNPy    string
	ONNX      string
	// FP16 stores ncnn convolution and inner product weights as half floats.
	FP16 bool
}

// OptionsFor derives the default output paths from the trace archive path,
// dropping its .pt extension.
func OptionsFor(ptPath string) Options {
	stem := strings.TrimSuffix(ptPath, ".pt")

	return Options{
		PNNXParam: stem + ".pnnx.param",
		PNNXBin:   stem + ".pnnx.bin",
		PNNXPy:    stem + "_pnnx.py",
		NCNNParam: stem + ".ncnn.param",
		NCNNBin:   stem + ".ncnn.bin",
		NCNNPy:    stem + "_ncnn.py",
		ONNX:      stem + ".pnnx.onnx",
	}
}

// Write converts t and writes every requested file. The pnnx files are
// always produced; a graph that cannot be expressed in ncnn or ONNX only
// skips those files, so a target that needs them fails its file check.
func Write(t *trace.Trace, opts Options) error {
	if err := writeIfSet(opts.PNNXParam, func() ([]byte, error) { return EncodeParam(t) }); err != nil {
		return err
	}

	if err := writeIfSet(opts.PNNXBin, func() ([]byte, error) { return EncodeBin(t) }); err != nil {
		return err
	}

	if err := writeIfSet(opts.PNNXPy, func() ([]byte, error) { return pnnxPy(t, baseName(opts.PNNXBin)) }); err != nil {
		return err
	}

	if opts.NCNNParam != "" || opts.NCNNBin != "" || opts.NCNNPy != "" {
		m, err := BuildNCNN(t)
		if err != nil {
			slog.Warn("skipping ncnn output", "trace", t.Name, "error", err)
		} else {
			if err := writeIfSet(opts.NCNNParam, func() ([]byte, error) { return m.EncodeParam(), nil }); err != nil {
				return err
			}

			if err := writeIfSet(opts.NCNNBin, func() ([]byte, error) { return m.EncodeBin(opts.FP16), nil }); err != nil {
				return err
			}

			if err := writeIfSet(opts.NCNNPy, func() ([]byte, error) {
				return ncnnPy(t, baseName(opts.NCNNParam), baseName(opts.NCNNBin))
			}); err != nil {
				return err
			}
		}
	}

	if opts.ONNX != "" {
		data, err := EncodeONNX(t)
		if err != nil {
			slog.Warn("skipping onnx output", "trace", t.Name, "error", err)
			return nil
		}

		if err := os.WriteFile(opts.ONNX, data, 0o644); err != nil {
			return fmt.Errorf("pnnx: write %s: %w", opts.ONNX, err)
		}
	}

	return nil
}

func writeIfSet(path string, encode func() ([]byte, error)) error {
	if path == "" {
		return nil
	}

	data, err := encode()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("pnnx: write %s: %w", path, err)
	}

	return nil
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}

	return p
}

// nodeParams returns the node's parameters with implied values resolved:
// a pooling stride of 0 becomes the kernel size.
func nodeParams(n trace.Node) opset.Params {
	p := make(opset.Params, len(n.Params))
	maps.Copy(p, n.Params)

	if (n.Op == "F.max_pool1d" || n.Op == "F.avg_pool1d") && p.Int("stride") == 0 {
		p["stride"] = p.Int("kernel_size")
	}

	return p
}

// sortedParams returns the parameter names in the order they are written.
func sortedParams(p opset.Params) []string {
	return slices.Sorted(maps.Keys(p))
}
