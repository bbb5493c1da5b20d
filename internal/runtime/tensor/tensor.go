package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// Tensor is a dense, row-major float32 tensor shared by the reference
// executor and the target-engine interpreters. The zero value is not usable;
// build tensors with New, Zeros or Full.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape. Both slices are copied.
func New(data []float32, shape []int64) (*Tensor, error) {
	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != n {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}

	return &Tensor{shape: slices.Clone(shape), data: slices.Clone(data)}, nil
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	return Full(shape, 0)
}

// Full creates a tensor with every element set to value.
func Full(shape []int64, value float32) (*Tensor, error) {
	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float32, n)
	if value != 0 {
		for i := range data {
			data[i] = value
		}
	}

	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// adopt wraps data and shape without copying. The caller hands over both
// slices and len(data) must equal the product of shape.
func adopt(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return slices.Clone(t.shape)
}

// Data returns a copy of the elements.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return slices.Clone(t.data)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Dim returns the size of dimension d, which may be negative. An out of
// range d yields 0.
func (t *Tensor) Dim(d int) int64 {
	d, err := normalizeDim(d, t.Rank())
	if err != nil {
		return 0
	}

	return t.shape[d]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Map returns a new tensor of the same shape holding fn of every element.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	if t == nil {
		return nil
	}

	out := make([]float32, len(t.data))
	for i, v := range t.data {
		out[i] = fn(v)
	}

	return adopt(out, slices.Clone(t.shape))
}

// Reshape returns a copy of t viewed with a new shape of the same size.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if n != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, n)
	}

	return adopt(slices.Clone(t.data), slices.Clone(shape)), nil
}
