package opset

import (
	"github.com/example/go-opparity/internal/runtime/ops"
	"github.com/example/go-opparity/internal/runtime/tensor"
)

func init() {
	register(&Op{
		Name:   "F.max_pool1d",
		Inputs: 1,
		Ranks:  [][]int{{2, 3}},
		Params: []ParamSpec{
			{Name: "kernel_size", Kind: Int},
			{Name: "stride", Kind: Int, Default: int64(0)},
			{Name: "padding", Kind: Int, Default: int64(0)},
			{Name: "dilation", Kind: Int, Default: int64(1)},
			{Name: "ceil_mode", Kind: Bool, Default: false},
			{Name: "return_indices", Kind: Bool, Default: false},
		},
		Outputs: func(p Params) int {
			if p.Bool("return_indices") {
				return 2
			}

			return 1
		},
		Infer: func(in []Operand, _ map[string][]int64, p Params) ([]Operand, error) {
			shape, err := pooledShape(in[0].Shape, pool1D(p))
			if err != nil {
				return nil, err
			}

			out := []Operand{{Shape: shape, Kind: tensor.Continuous}}
			if p.Bool("return_indices") {
				out = append(out, Operand{Shape: append([]int64(nil), shape...), Kind: tensor.Discrete})
			}

			return out, nil
		},
		Eval: func(in []tensor.Output, _ map[string]*tensor.Tensor, p Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			values, indices, err := ops.MaxPool1D(xs[0], pool1D(p))
			if err != nil {
				return nil, err
			}

			out := []tensor.Output{tensor.FloatOutput(values)}
			if p.Bool("return_indices") {
				out = append(out, tensor.IndexOutput(indices))
			}

			return out, nil
		},
	})

	register(&Op{
		Name:   "F.avg_pool1d",
		Inputs: 1,
		Ranks:  [][]int{{2, 3}},
		Params: []ParamSpec{
			{Name: "kernel_size", Kind: Int},
			{Name: "stride", Kind: Int, Default: int64(0)},
			{Name: "padding", Kind: Int, Default: int64(0)},
			{Name: "ceil_mode", Kind: Bool, Default: false},
			{Name: "count_include_pad", Kind: Bool, Default: true},
		},
		Outputs: one,
		Infer: func(in []Operand, _ map[string][]int64, p Params) ([]Operand, error) {
			shape, err := pooledShape(in[0].Shape, pool1D(p))
			if err != nil {
				return nil, err
			}

			return []Operand{{Shape: shape, Kind: tensor.Continuous}}, nil
		},
		Eval: func(in []tensor.Output, _ map[string]*tensor.Tensor, p Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			y, err := ops.AvgPool1D(xs[0], pool1D(p), p.Bool("count_include_pad"))
			if err != nil {
				return nil, err
			}

			return []tensor.Output{tensor.FloatOutput(y)}, nil
		},
	})
}

// pool1D maps pooling parameters onto the kernel's window description.
// Missing keys (avg pooling has no dilation) read as zero, which the
// kernel treats as its default.
func pool1D(p Params) ops.Pool1D {
	return ops.Pool1D{
		Kernel:   p.Int("kernel_size"),
		Stride:   p.Int("stride"),
		Padding:  p.Int("padding"),
		Dilation: p.Int("dilation"),
		CeilMode: p.Bool("ceil_mode"),
	}
}

func pooledShape(shape []int64, w ops.Pool1D) ([]int64, error) {
	n, err := w.OutLength(shape[len(shape)-1])
	if err != nil {
		return nil, err
	}

	out := append([]int64(nil), shape...)
	out[len(out)-1] = n

	return out, nil
}
