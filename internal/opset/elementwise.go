package opset

import (
	"github.com/example/go-opparity/internal/runtime/ops"
	"github.com/example/go-opparity/internal/runtime/tensor"
)

func init() {
	unary("F.silu", ops.SiLU)
	unary("torch.sigmoid", ops.Sigmoid)
	unary("F.relu", ops.ReLU)
	unary("torch.tanh", ops.Tanh)
	unary("F.gelu", ops.GELU)

	binary("torch.mul", tensor.BroadcastMul)
	binary("torch.add", tensor.BroadcastAdd)
}

func unary(name string, kernel func(*tensor.Tensor) (*tensor.Tensor, error)) {
	register(&Op{
		Name:    name,
		Inputs:  1,
		Outputs: one,
		Infer:   same,
		Eval: func(in []tensor.Output, _ map[string]*tensor.Tensor, _ Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			y, err := kernel(xs[0])
			if err != nil {
				return nil, err
			}

			return []tensor.Output{tensor.FloatOutput(y)}, nil
		},
	})
}

func binary(name string, kernel func(a, b *tensor.Tensor) (*tensor.Tensor, error)) {
	register(&Op{
		Name:    name,
		Inputs:  2,
		Outputs: one,
		Infer: func(in []Operand, _ map[string][]int64, _ Params) ([]Operand, error) {
			shape, err := tensor.BroadcastShape(in[0].Shape, in[1].Shape)
			if err != nil {
				return nil, err
			}

			return []Operand{{Shape: shape, Kind: tensor.Continuous}}, nil
		},
		Eval: func(in []tensor.Output, _ map[string]*tensor.Tensor, _ Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			y, err := kernel(xs[0], xs[1])
			if err != nil {
				return nil, err
			}

			return []tensor.Output{tensor.FloatOutput(y)}, nil
		},
	})
}
