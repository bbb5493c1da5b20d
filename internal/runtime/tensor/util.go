package tensor

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int64) bool {
	return slices.Equal(a, b)
}

// FormatShape renders a shape as a bracketed, comma separated list: [1,12,128].
func FormatShape(shape []int64) string {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.FormatInt(d, 10)
	}

	return "[" + strings.Join(dims, ",") + "]"
}

// ElemCount returns the number of elements described by shape.
func ElemCount(shape []int64) (int, error) {
	return shapeElemCount(shape)
}

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && total > math.MaxInt/d {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}

		total *= d
	}

	return int(total), nil
}

func normalizeDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

// splitAxis views shape as [outer, axis, inner] around dim.
func splitAxis(shape []int64, dim int) (outer, axis, inner int) {
	outer, inner = 1, 1
	for _, d := range shape[:dim] {
		outer *= int(d)
	}

	for _, d := range shape[dim+1:] {
		inner *= int(d)
	}

	return outer, int(shape[dim]), inner
}
