package ops

import (
	"errors"
	"math"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

// SiLU applies x * sigmoid(x) element-wise.
func SiLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: silu on nil tensor")
	}

	return x.Map(silu), nil
}

// Sigmoid applies 1 / (1 + exp(-x)) element-wise.
func Sigmoid(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: sigmoid on nil tensor")
	}

	return x.Map(sigmoid), nil
}

func ReLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: relu on nil tensor")
	}

	return x.Map(func(v float32) float32 {
		if v < 0 {
			return 0
		}

		return v
	}), nil
}

func Tanh(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: tanh on nil tensor")
	}

	return x.Map(func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	}), nil
}

// GELU applies the exact (erf based) Gaussian error linear unit.
func GELU(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: gelu on nil tensor")
	}

	return x.Map(gelu), nil
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(float64(-x))))
}

func gelu(x float32) float32 {
	v := float64(x)

	return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
}
