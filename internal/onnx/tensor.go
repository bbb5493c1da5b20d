package onnx

import (
	"fmt"
	"math"
	"slices"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is the runner's host-side value. Exactly one of f32 and i64 is
// set, matching dtype; those two element types cover every graph input and
// output exchanged with ONNX Runtime.
type Tensor struct {
	dtype TensorDType
	shape []int64
	f32   []float32
	i64   []int64
}

// NewTensor copies data into a tensor of the given shape.
func NewTensor[T float32 | int64](data []T, shape []int64) (*Tensor, error) {
	count, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	if count != len(data) {
		return nil, fmt.Errorf("shape %v expects %d elements, got %d", shape, count, len(data))
	}

	t := &Tensor{shape: slices.Clone(shape)}

	switch d := any(data).(type) {
	case []float32:
		t.dtype, t.f32 = DTypeFloat32, slices.Clone(d)
	case []int64:
		t.dtype, t.i64 = DTypeInt64, slices.Clone(d)
	}

	if t.shape == nil {
		t.shape = []int64{}
	}

	return t, nil
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return slices.Clone(t.shape)
}

// Data returns a copy of the elements as []float32 or []int64.
func (t *Tensor) Data() any {
	if t.dtype == DTypeInt64 {
		return slices.Clone(t.i64)
	}

	return slices.Clone(t.f32)
}

// ExtractFloat32 returns a copy of a float32 tensor's data.
func ExtractFloat32(t *Tensor) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("extract float32: nil tensor")
	}

	if t.dtype != DTypeFloat32 {
		return nil, fmt.Errorf("extract float32: tensor has dtype %s", t.dtype)
	}

	return slices.Clone(t.f32), nil
}

// ExtractInt64 returns a copy of an int64 tensor's data.
func ExtractInt64(t *Tensor) ([]int64, error) {
	if t == nil {
		return nil, fmt.Errorf("extract int64: nil tensor")
	}

	if t.dtype != DTypeInt64 {
		return nil, fmt.Errorf("extract int64: tensor has dtype %s", t.dtype)
	}

	return slices.Clone(t.i64), nil
}

func elementCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("shape[%d]=%d is negative", i, d)
		}

		if d != 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return int(total), nil
}
