package tensor

import "fmt"

// BroadcastAdd performs element-wise add with NumPy-style broadcasting.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return Broadcast(a, b, "add", func(x, y float32) float32 { return x + y })
}

// BroadcastMul performs element-wise multiply with NumPy-style broadcasting.
func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return Broadcast(a, b, "mul", func(x, y float32) float32 { return x * y })
}

// Broadcast applies fn element-wise over a and b broadcast to a common
// shape. name labels errors.
func Broadcast(a, b *Tensor, name string, fn func(x, y float32) float32) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", name)
	}

	shape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", name, err)
	}

	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, n)

	// Same-shape operands need no index arithmetic.
	if ShapeEqual(a.shape, b.shape) {
		for i := range out {
			out[i] = fn(a.data[i], b.data[i])
		}

		return adopt(out, shape), nil
	}

	as := broadcastStrides(a.shape, shape)
	bs := broadcastStrides(b.shape, shape)

	// Walk the output in row-major order with an odometer over shape,
	// advancing each operand offset by its own (possibly zero) stride.
	coord := make([]int64, len(shape))
	var ao, bo int64

	for i := range out {
		out[i] = fn(a.data[ao], b.data[bo])

		for d := len(shape) - 1; d >= 0; d-- {
			coord[d]++
			ao += as[d]
			bo += bs[d]

			if coord[d] < shape[d] {
				break
			}

			ao -= as[d] * coord[d]
			bo -= bs[d] * coord[d]
			coord[d] = 0
		}
	}

	return adopt(out, shape), nil
}

// broadcastStrides returns row-major strides of shape aligned to the right
// of out, with zero strides on broadcast dimensions.
func broadcastStrides(shape, out []int64) []int64 {
	strides := make([]int64, len(out))
	pad := len(out) - len(shape)

	step := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 {
			strides[pad+i] = step
		}

		step *= shape[i]
	}

	return strides
}

// BroadcastShape returns the NumPy-style broadcast of two shapes.
func BroadcastShape(a, b []int64) ([]int64, error) {
	out, err := broadcastShape(a, b)
	if err != nil {
		return nil, fmt.Errorf("tensor: %w", err)
	}

	return out, nil
}

func broadcastShape(a, b []int64) ([]int64, error) {
	if len(a) < len(b) {
		a, b = b, a
	}

	out := append([]int64(nil), a...)
	off := len(a) - len(b)

	for i, bd := range b {
		ad := out[off+i]

		switch {
		case ad == bd || bd == 1:
		case ad == 1:
			out[off+i] = bd
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}
