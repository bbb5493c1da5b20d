package opset

import (
	"fmt"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

func init() {
	// prim.If selects its second or third input depending on whether any
	// element of the condition tensor is positive. The branch is decided by
	// values, so no static trace can capture it.
	register(&Op{
		Name:    "prim.If",
		Inputs:  3,
		Dynamic: true,
		Outputs: one,
		Infer: func(in []Operand, _ map[string][]int64, _ Params) ([]Operand, error) {
			if !tensor.ShapeEqual(in[1].Shape, in[2].Shape) {
				return nil, fmt.Errorf("branch shapes differ: %v vs %v", in[1].Shape, in[2].Shape)
			}

			return []Operand{{Shape: append([]int64(nil), in[1].Shape...), Kind: tensor.Continuous}}, nil
		},
		Eval: func(in []tensor.Output, _ map[string]*tensor.Tensor, _ Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			for _, v := range xs[0].RawData() {
				if v > 0 {
					return []tensor.Output{tensor.FloatOutput(xs[1].Clone())}, nil
				}
			}

			return []tensor.Output{tensor.FloatOutput(xs[2].Clone())}, nil
		},
	})
}

func init() {
	// prim.Loop doubles its carried value once per positive element of the
	// trip tensor, so the iteration count is only known at run time.
	register(&Op{
		Name:    "prim.Loop",
		Inputs:  2,
		Dynamic: true,
		Outputs: one,
		Infer: func(in []Operand, _ map[string][]int64, _ Params) ([]Operand, error) {
			return []Operand{{Shape: append([]int64(nil), in[1].Shape...), Kind: tensor.Continuous}}, nil
		},
		Eval: func(in []tensor.Output, _ map[string]*tensor.Tensor, _ Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			y := xs[1].Clone()
			for _, v := range xs[0].RawData() {
				if v > 0 {
					y = y.Map(func(x float32) float32 { return x + x })
				}
			}

			return []tensor.Output{tensor.FloatOutput(y)}, nil
		},
	})
}
