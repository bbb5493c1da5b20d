package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax applies a numerically stable softmax along dim.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	d, err := normalizeDim(dim, x.Rank())
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	outer, axis, inner := splitAxis(x.shape, d)
	if axis == 0 {
		return nil, fmt.Errorf("tensor: softmax over empty dimension %d of %v", d, x.shape)
	}

	out := x.Clone()
	lanes := outer * inner

	// Each lane is one softmax vector: base o*axis*inner+i, step inner.
	ParallelFor(lanes, func(lo, hi int) {
		for lane := lo; lane < hi; lane++ {
			base := (lane/inner)*axis*inner + lane%inner
			softmaxLane(out.data, base, axis, inner)
		}
	})

	return out, nil
}

func softmaxLane(data []float32, base, n, step int) {
	peak := float32(math.Inf(-1))
	for k := range n {
		peak = max(peak, data[base+k*step])
	}

	var sum float64

	for k := range n {
		i := base + k*step
		e := math.Exp(float64(data[i] - peak))
		data[i] = float32(e)
		sum += e
	}

	// The peak contributes exp(0) = 1, so sum >= 1.
	inv := float32(1 / sum)
	for k := range n {
		data[base+k*step] *= inv
	}
}

// LayerNorm normalizes over the last dimension and applies optional
// per-feature weight and bias. Statistics use the biased variance.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: layernorm input is nil")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: layernorm requires rank >= 1")
	}

	if eps <= 0 {
		return nil, errors.New("tensor: layernorm eps must be > 0")
	}

	features := int(x.shape[x.Rank()-1])
	if features == 0 {
		return nil, errors.New("tensor: layernorm last dimension must be > 0")
	}

	for name, p := range map[string]*Tensor{"weight": weight, "bias": bias} {
		if p != nil && (p.Rank() != 1 || int(p.shape[0]) != features) {
			return nil, fmt.Errorf("tensor: layernorm %s shape %v does not match last dimension %d", name, p.shape, features)
		}
	}

	out := x.Clone()

	ParallelFor(len(out.data)/features, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			normalizeRow(out.data[r*features:(r+1)*features], weight.RawData(), bias.RawData(), eps)
		}
	})

	return out, nil
}

func normalizeRow(row, weight, bias []float32, eps float32) {
	var mean float64
	for _, v := range row {
		mean += float64(v)
	}

	mean /= float64(len(row))

	var variance float64

	for _, v := range row {
		d := float64(v) - mean
		variance += d * d
	}

	variance /= float64(len(row))

	m := float32(mean)
	invStd := float32(1 / math.Sqrt(variance+float64(eps)))

	for i, v := range row {
		y := (v - m) * invStd
		if weight != nil {
			y *= weight[i]
		}

		if bias != nil {
			y += bias[i]
		}

		row[i] = y
	}
}

// Linear applies y = x·Wᵀ + b over the last dimension of x, where weight
// has shape [out, in].
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in, outF := int(x.shape[x.Rank()-1]), int(weight.shape[0])
	if int(weight.shape[1]) != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil && (bias.Rank() != 1 || int(bias.shape[0]) != outF) {
		return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, outF)
	}

	rows := 0
	if in > 0 {
		rows = len(x.data) / in
	}

	y := make([]float32, rows*outF)
	b := bias.RawData()

	ParallelFor(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			xr := x.data[r*in : (r+1)*in]
			yr := y[r*outF : (r+1)*outF]

			for o := range yr {
				yr[o] = Dot(xr, weight.data[o*in:(o+1)*in])
				if b != nil {
					yr[o] += b[o]
				}
			}
		}
	})

	shape := append(x.Shape()[:x.Rank()-1], int64(outF))

	return adopt(y, shape), nil
}
