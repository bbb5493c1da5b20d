package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

// Pool1D holds the window parameters shared by the 1-D pooling kernels.
// Zero Stride means Stride = Kernel; zero Dilation means 1.
type Pool1D struct {
	Kernel   int64
	Stride   int64
	Padding  int64
	Dilation int64
	CeilMode bool
}

func (p Pool1D) normalized() Pool1D {
	if p.Stride == 0 {
		p.Stride = p.Kernel
	}

	if p.Dilation == 0 {
		p.Dilation = 1
	}

	return p
}

// Validate checks the window parameters the same way the reference
// framework does before it runs a pooling kernel.
func (p Pool1D) Validate() error {
	p = p.normalized()

	if p.Kernel <= 0 {
		return fmt.Errorf("ops: pool1d kernel_size must be > 0, got %d", p.Kernel)
	}

	if p.Stride <= 0 {
		return fmt.Errorf("ops: pool1d stride must be > 0, got %d", p.Stride)
	}

	if p.Dilation <= 0 {
		return fmt.Errorf("ops: pool1d dilation must be > 0, got %d", p.Dilation)
	}

	if p.Padding < 0 {
		return fmt.Errorf("ops: pool1d padding must be >= 0, got %d", p.Padding)
	}

	effective := (p.Kernel-1)*p.Dilation + 1
	if p.Padding > effective/2 {
		return fmt.Errorf(
			"ops: pool1d pad should be at most half of effective kernel size, got pad=%d kernel_size=%d dilation=%d",
			p.Padding, p.Kernel, p.Dilation,
		)
	}

	return nil
}

// OutLength returns the pooled length for an input of the given length.
// In ceil mode the last window is dropped when it would start inside the
// right padding.
func (p Pool1D) OutLength(length int64) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	p = p.normalized()

	numer := length + 2*p.Padding - p.Dilation*(p.Kernel-1) - 1
	if p.CeilMode {
		numer += p.Stride - 1
	}

	if numer < 0 {
		return 0, fmt.Errorf("ops: pool1d window %d (dilation %d) does not fit input length %d", p.Kernel, p.Dilation, length)
	}

	out := numer/p.Stride + 1
	if p.CeilMode && (out-1)*p.Stride >= length+p.Padding {
		out--
	}

	if out <= 0 {
		return 0, fmt.Errorf("ops: pool1d produced non-positive output length %d", out)
	}

	return out, nil
}

// MaxPool1D applies max pooling over the last dimension of a rank 2 ([C, L])
// or rank 3 ([N, C, L]) tensor. Padded positions never win. The returned
// indices address the input's last dimension. A NaN always replaces the
// running maximum.
func MaxPool1D(x *tensor.Tensor, p Pool1D) (*tensor.Tensor, *tensor.Index, error) {
	rows, length, outShape, err := poolShapes(x, p)
	if err != nil {
		return nil, nil, err
	}

	p = p.normalized()
	outLen := outShape[len(outShape)-1]

	values, err := tensor.Zeros(outShape)
	if err != nil {
		return nil, nil, err
	}

	indices, err := tensor.ZerosIndex(outShape)
	if err != nil {
		return nil, nil, err
	}

	src := x.RawData()
	dst := values.RawData()
	idx := indices.RawData()

	for r := range rows {
		in := src[r*length : (r+1)*length]
		base := r * outLen

		for o := range outLen {
			start := o*p.Stride - p.Padding
			end := min(start+(p.Kernel-1)*p.Dilation+1, length)

			for start < 0 {
				start += p.Dilation
			}

			maxVal := float32(math.Inf(-1))
			maxIdx := start

			for pos := start; pos < end; pos += p.Dilation {
				v := in[pos]
				if v > maxVal || math.IsNaN(float64(v)) {
					maxVal = v
					maxIdx = pos
				}
			}

			dst[base+o] = maxVal
			idx[base+o] = maxIdx
		}
	}

	return values, indices, nil
}

// AvgPool1D applies average pooling over the last dimension. When
// countIncludePad is set the divisor counts padded positions inside the
// window, matching the reference framework's default.
func AvgPool1D(x *tensor.Tensor, p Pool1D, countIncludePad bool) (*tensor.Tensor, error) {
	if p.Dilation > 1 {
		return nil, errors.New("ops: avg_pool1d does not support dilation")
	}

	rows, length, outShape, err := poolShapes(x, p)
	if err != nil {
		return nil, err
	}

	p = p.normalized()
	outLen := outShape[len(outShape)-1]

	out, err := tensor.Zeros(outShape)
	if err != nil {
		return nil, err
	}

	src := x.RawData()
	dst := out.RawData()

	for r := range rows {
		in := src[r*length : (r+1)*length]
		base := r * outLen

		for o := range outLen {
			start := o*p.Stride - p.Padding
			end := min(start+p.Kernel, length+p.Padding)
			poolSize := end - start

			start = max(start, 0)
			end = min(end, length)

			var sum float32
			for pos := start; pos < end; pos++ {
				sum += in[pos]
			}

			divisor := end - start
			if countIncludePad {
				divisor = poolSize
			}

			dst[base+o] = sum / float32(divisor)
		}
	}

	return out, nil
}

func poolShapes(x *tensor.Tensor, p Pool1D) (rows, length int64, outShape []int64, err error) {
	if x == nil {
		return 0, 0, nil, errors.New("ops: pool1d requires non-nil input")
	}

	shape := x.Shape()
	if len(shape) != 2 && len(shape) != 3 {
		return 0, 0, nil, fmt.Errorf("ops: pool1d expects rank 2 or 3 input, got %v", shape)
	}

	length = shape[len(shape)-1]

	outLen, err := p.OutLength(length)
	if err != nil {
		return 0, 0, nil, err
	}

	rows = 1
	for _, d := range shape[:len(shape)-1] {
		rows *= d
	}

	outShape = append(shape[:len(shape)-1:len(shape)-1], outLen)

	return rows, length, outShape, nil
}
