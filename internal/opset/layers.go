package opset

import (
	"errors"
	"fmt"

	"github.com/example/go-opparity/internal/runtime/ops"
	"github.com/example/go-opparity/internal/runtime/tensor"
)

func init() {
	register(&Op{
		Name:     "F.conv1d",
		Inputs:   1,
		Ranks:    [][]int{{3}},
		Weights:  []string{"weight", "bias"},
		Optional: []string{"bias"},
		Params: []ParamSpec{
			{Name: "stride", Kind: Int, Default: int64(1)},
			{Name: "padding", Kind: Int, Default: int64(0)},
			{Name: "dilation", Kind: Int, Default: int64(1)},
			{Name: "groups", Kind: Int, Default: int64(1)},
		},
		Outputs: one,
		Infer:   inferConv1D,
		Eval: func(in []tensor.Output, w map[string]*tensor.Tensor, p Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			y, err := ops.Conv1D(xs[0], w["weight"], w["bias"],
				p.Int("stride"), p.Int("padding"), p.Int("dilation"), p.Int("groups"))
			if err != nil {
				return nil, err
			}

			return []tensor.Output{tensor.FloatOutput(y)}, nil
		},
	})

	register(&Op{
		Name:     "F.linear",
		Inputs:   1,
		Weights:  []string{"weight", "bias"},
		Optional: []string{"bias"},
		Outputs:  one,
		Infer: func(in []Operand, w map[string][]int64, _ Params) ([]Operand, error) {
			x := in[0].Shape
			ws := w["weight"]

			if len(ws) != 2 {
				return nil, fmt.Errorf("weight must be rank 2, got %v", ws)
			}

			if x[len(x)-1] != ws[1] {
				return nil, fmt.Errorf("input last dim %d does not match weight in_features %d", x[len(x)-1], ws[1])
			}

			if b, ok := w["bias"]; ok && (len(b) != 1 || b[0] != ws[0]) {
				return nil, fmt.Errorf("bias shape %v does not match out_features %d", b, ws[0])
			}

			out := append([]int64(nil), x...)
			out[len(out)-1] = ws[0]

			return []Operand{{Shape: out, Kind: tensor.Continuous}}, nil
		},
		Eval: func(in []tensor.Output, w map[string]*tensor.Tensor, _ Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			y, err := tensor.Linear(xs[0], w["weight"], w["bias"])
			if err != nil {
				return nil, err
			}

			return []tensor.Output{tensor.FloatOutput(y)}, nil
		},
	})

	register(&Op{
		Name:     "F.layer_norm",
		Inputs:   1,
		Weights:  []string{"weight", "bias"},
		Optional: []string{"weight", "bias"},
		Params: []ParamSpec{
			{Name: "normalized_shape", Kind: Ints},
			{Name: "eps", Kind: Float, Default: 1e-5},
		},
		Outputs: one,
		Infer: func(in []Operand, w map[string][]int64, p Params) ([]Operand, error) {
			x := in[0].Shape
			ns := p.Ints("normalized_shape")

			if len(ns) != 1 || ns[0] != x[len(x)-1] {
				return nil, fmt.Errorf("normalized_shape %v must name the last dimension %d", ns, x[len(x)-1])
			}

			for _, name := range []string{"weight", "bias"} {
				if s, ok := w[name]; ok && (len(s) != 1 || s[0] != ns[0]) {
					return nil, fmt.Errorf("%s shape %v does not match normalized_shape %v", name, s, ns)
				}
			}

			if p.Float("eps") <= 0 {
				return nil, errors.New("eps must be > 0")
			}

			return same(in, w, p)
		},
		Eval: func(in []tensor.Output, w map[string]*tensor.Tensor, p Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			y, err := tensor.LayerNorm(xs[0], w["weight"], w["bias"], float32(p.Float("eps")))
			if err != nil {
				return nil, err
			}

			return []tensor.Output{tensor.FloatOutput(y)}, nil
		},
	})

	register(&Op{
		Name:   "F.softmax",
		Inputs: 1,
		Params: []ParamSpec{
			{Name: "dim", Kind: Int},
		},
		Outputs: one,
		Infer: func(in []Operand, w map[string][]int64, p Params) ([]Operand, error) {
			rank := int64(len(in[0].Shape))
			if d := p.Int("dim"); d < -rank || d >= rank {
				return nil, fmt.Errorf("dim %d out of range for rank %d", d, rank)
			}

			return same(in, w, p)
		},
		Eval: func(in []tensor.Output, _ map[string]*tensor.Tensor, p Params) ([]tensor.Output, error) {
			xs, err := floatInputs(in)
			if err != nil {
				return nil, err
			}

			y, err := tensor.Softmax(xs[0], int(p.Int("dim")))
			if err != nil {
				return nil, err
			}

			return []tensor.Output{tensor.FloatOutput(y)}, nil
		},
	})
}

func inferConv1D(in []Operand, w map[string][]int64, p Params) ([]Operand, error) {
	x := in[0].Shape
	ws := w["weight"]

	if len(ws) != 3 {
		return nil, fmt.Errorf("weight must be rank 3, got %v", ws)
	}

	groups := p.Int("groups")
	if groups <= 0 || x[1]%groups != 0 || ws[0]%groups != 0 {
		return nil, fmt.Errorf("channels (%d in, %d out) not divisible by groups %d", x[1], ws[0], groups)
	}

	if ws[1] != x[1]/groups {
		return nil, fmt.Errorf("weight in_channels %d does not match input channels %d / groups %d", ws[1], x[1], groups)
	}

	if b, ok := w["bias"]; ok && (len(b) != 1 || b[0] != ws[0]) {
		return nil, fmt.Errorf("bias shape %v does not match out_channels %d", b, ws[0])
	}

	stride, padding, dilation := p.Int("stride"), p.Int("padding"), p.Int("dilation")
	if stride <= 0 || dilation <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid stride=%d padding=%d dilation=%d", stride, padding, dilation)
	}

	n := ops.ConvOutLength(x[2], ws[2], stride, padding, dilation)
	if n <= 0 {
		return nil, fmt.Errorf("kernel %d does not fit input length %d", ws[2], x[2])
	}

	return []Operand{{Shape: []int64{x[0], ws[0], n}, Kind: tensor.Continuous}}, nil
}
