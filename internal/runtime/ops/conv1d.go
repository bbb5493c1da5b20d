package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

// Conv1D performs a deterministic CPU Conv1d with symmetric zero padding.
//
//	input:  [batch, in_channels, length]
//	kernel: [out_channels, in_channels/groups, kernel_size]
//	bias:   [out_channels] or nil
//
// Each group is lowered to a GEMM over an im2col patch matrix of shape
// [out_length, in_channels/groups*kernel_size]; output channels are split
// across tensor.Workers() goroutines.
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (*tensor.Tensor, error) {
	g, err := newConvGeometry(input, kernel, bias, stride, padding, dilation, groups)
	if err != nil {
		return nil, err
	}

	out, err := tensor.Zeros([]int64{g.batch, g.outCh, g.outLen})
	if err != nil {
		return nil, err
	}

	x, w, b, y := input.RawData(), kernel.RawData(), bias.RawData(), out.RawData()

	patch := int(g.inPerGroup * g.kSize)
	cols := make([]float32, int(g.outLen)*patch)
	outLen := int(g.outLen)

	for n := range g.batch {
		for grp := range groups {
			g.im2col(cols, x, n, grp)

			ocBase := int(grp * g.outPerGroup)
			tensor.ParallelFor(int(g.outPerGroup), func(lo, hi int) {
				for j := lo; j < hi; j++ {
					oc := ocBase + j
					row := w[oc*patch : (oc+1)*patch]

					var bv float32
					if b != nil {
						bv = b[oc]
					}

					dst := y[(int(n)*int(g.outCh)+oc)*outLen:][:outLen]
					for ox := range dst {
						dst[ox] = tensor.Dot(row, cols[ox*patch:(ox+1)*patch]) + bv
					}
				}
			})
		}
	}

	return out, nil
}

// ConvOutLength returns the output length of a 1-D convolution, or a
// non-positive value when the window does not fit.
func ConvOutLength(length, kernelSize, stride, padding, dilation int64) int64 {
	span := length + 2*padding - dilation*(kernelSize-1) - 1
	if span < 0 {
		return 0
	}

	return span/stride + 1
}

// convGeometry holds the validated dimensions of one Conv1D call.
type convGeometry struct {
	batch, inCh, length     int64
	outCh, kSize, outLen    int64
	inPerGroup, outPerGroup int64
	stride, padding, dil    int64
}

func newConvGeometry(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (convGeometry, error) {
	if input == nil || kernel == nil {
		return convGeometry{}, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 || dilation <= 0 || groups <= 0 {
		return convGeometry{}, errors.New("ops: conv1d stride/dilation/groups must be > 0")
	}

	if padding < 0 {
		return convGeometry{}, fmt.Errorf("ops: conv1d padding must be >= 0, got %d", padding)
	}

	in, k := input.Shape(), kernel.Shape()
	if len(in) != 3 || len(k) != 3 {
		return convGeometry{}, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", in, k)
	}

	g := convGeometry{
		batch: in[0], inCh: in[1], length: in[2],
		outCh: k[0], kSize: k[2],
		stride: stride, padding: padding, dil: dilation,
	}

	if g.inCh%groups != 0 || g.outCh%groups != 0 {
		return convGeometry{}, fmt.Errorf("ops: conv1d channels not divisible by groups (%d, %d, groups=%d)", g.inCh, g.outCh, groups)
	}

	g.inPerGroup, g.outPerGroup = g.inCh/groups, g.outCh/groups

	if k[1] != g.inPerGroup {
		return convGeometry{}, fmt.Errorf("ops: conv1d kernel in_channels/groups mismatch: got %d want %d", k[1], g.inPerGroup)
	}

	if bias != nil {
		if bs := bias.Shape(); len(bs) != 1 || bs[0] != g.outCh {
			return convGeometry{}, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bs, g.outCh)
		}
	}

	g.outLen = ConvOutLength(g.length, g.kSize, stride, padding, dilation)
	if g.outLen <= 0 {
		return convGeometry{}, fmt.Errorf("ops: conv1d produced non-positive output length %d", g.outLen)
	}

	return g, nil
}

// im2col fills cols with the patches of group grp of batch item n. Padded
// positions are written as zero so cols can be reused across calls.
func (g convGeometry) im2col(cols, x []float32, n, grp int64) {
	patch := g.inPerGroup * g.kSize

	for c := range g.inPerGroup {
		src := x[((n*g.inCh)+grp*g.inPerGroup+c)*g.length:][:g.length]

		for kx := range g.kSize {
			col := c*g.kSize + kx

			for ox := range g.outLen {
				var v float32
				if pos := ox*g.stride - g.padding + kx*g.dil; pos >= 0 && pos < g.length {
					v = src[pos]
				}

				cols[ox*patch+col] = v
			}
		}
	}
}
