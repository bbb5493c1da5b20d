package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// Index is a dense, row-major int64 tensor. Pooling kernels use it for the
// positions of selected elements.
type Index struct {
	shape []int64
	data  []int64
}

// NewIndex creates an index tensor from data and shape. Both slices are copied.
func NewIndex(data []int64, shape []int64) (*Index, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: index data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return &Index{
		shape: append([]int64(nil), shape...),
		data:  append([]int64(nil), data...),
	}, nil
}

// ZerosIndex creates a zero-filled index tensor.
func ZerosIndex(shape []int64) (*Index, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Index{shape: append([]int64(nil), shape...), data: make([]int64, total)}, nil
}

func (x *Index) Shape() []int64 {
	if x == nil {
		return nil
	}

	return append([]int64(nil), x.shape...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (x *Index) RawData() []int64 {
	if x == nil {
		return nil
	}

	return x.data
}

func (x *Index) ElemCount() int {
	if x == nil {
		return 0
	}

	return len(x.data)
}

// Reshape returns an index tensor with a new shape and copied values.
func (x *Index) Reshape(shape []int64) (*Index, error) {
	if x == nil {
		return nil, errors.New("tensor: reshape on nil index tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(x.data) {
		return nil, fmt.Errorf("tensor: cannot reshape index %v to %v", x.shape, shape)
	}

	return &Index{shape: append([]int64(nil), shape...), data: append([]int64(nil), x.data...)}, nil
}

// Float converts the indices to a float32 tensor.
func (x *Index) Float() *Tensor {
	if x == nil {
		return nil
	}

	out := make([]float32, len(x.data))
	for i, v := range x.data {
		out[i] = float32(v)
	}

	return adopt(out, slices.Clone(x.shape))
}
