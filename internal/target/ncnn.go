package target

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/x448/float16"

	"github.com/example/go-opparity/internal/inputs"
	"github.com/example/go-opparity/internal/pnnx"
	"github.com/example/go-opparity/internal/runtime/ops"
	"github.com/example/go-opparity/internal/runtime/tensor"
)

var outputBlob = regexp.MustCompile(`^out([0-9]+)$`)

// ncnnParams holds the "id=value" entries of one layer line.
type ncnnParams map[int]string

func (p ncnnParams) int(id int, def int64) (int64, error) {
	s, ok := p[id]
	if !ok {
		return def, nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("param %d=%s is not an integer", id, s)
	}

	return v, nil
}

func (p ncnnParams) float(id int, def float64) (float64, error) {
	s, ok := p[id]
	if !ok {
		return def, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("param %d=%s is not a number", id, s)
	}

	return v, nil
}

// shape reads a blob shape from 0=w 1=h 11=d 2=c, outermost first. Absent
// or zero dimensions are omitted.
func (p ncnnParams) shape() ([]int64, error) {
	var out []int64

	for _, id := range []int{2, 11, 1, 0} {
		v, err := p.int(id, 0)
		if err != nil {
			return nil, err
		}

		if v < 0 {
			return nil, fmt.Errorf("param %d has negative dimension %d", id, v)
		}

		if v > 0 {
			out = append(out, v)
		}
	}

	return out, nil
}

// weightReader walks ncnn.bin in layer order.
type weightReader struct {
	data []byte
	off  int
}

func (r *weightReader) raw(n int) ([]float32, error) {
	if n < 0 || r.off+4*n > len(r.data) {
		return nil, fmt.Errorf("bin truncated: need %d floats at offset %d", n, r.off)
	}

	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.data[r.off+4*i:]))
	}

	r.off += 4 * n

	return out, nil
}

// tagged reads a weight preceded by its storage flag.
func (r *weightReader) tagged(n int) ([]float32, error) {
	if r.off+4 > len(r.data) {
		return nil, fmt.Errorf("bin truncated: missing weight flag at offset %d", r.off)
	}

	flag := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4

	switch flag {
	case pnnx.FlagFP32:
		return r.raw(n)
	case pnnx.FlagFP16:
		size := (2*n + 3) / 4 * 4
		if n < 0 || r.off+size > len(r.data) {
			return nil, fmt.Errorf("bin truncated: need %d halves at offset %d", n, r.off)
		}

		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(r.data[r.off+2*i:])).Float32()
		}

		r.off += size

		return out, nil
	default:
		return nil, fmt.Errorf("unsupported weight flag 0x%08x at offset %d", flag, r.off-4)
	}
}

// ncnnLayer is one executable layer. Blobs never carry the batch
// dimension.
type ncnnLayer interface {
	forward(bottoms []*tensor.Tensor) ([]*tensor.Tensor, error)
}

type layerFactory func(p ncnnParams, r *weightReader) (ncnnLayer, error)

var layerTable = map[string]layerFactory{
	"Input":                  newInputLayer,
	"MemoryData":             newMemoryData,
	"Split":                  func(ncnnParams, *weightReader) (ncnnLayer, error) { return splitLayer{}, nil },
	"Swish":                  unaryLayer(ops.SiLU),
	"Sigmoid":                unaryLayer(ops.Sigmoid),
	"ReLU":                   unaryLayer(ops.ReLU),
	"TanH":                   unaryLayer(ops.Tanh),
	"GELU":                   unaryLayer(ops.GELU),
	"BinaryOp":               newBinaryOp,
	"Pooling1D":              newPooling1D,
	"Convolution1D":          newConvolution1D,
	"ConvolutionDepthWise1D": newConvolution1D,
	"InnerProduct":           newInnerProduct,
	"LayerNorm":              newLayerNorm,
	"Softmax":                newSoftmax,
}

type ncnnNode struct {
	Type    string
	Name    string
	Bottoms []string
	Tops    []string
	Layer   ncnnLayer
}

type ncnnEngine struct {
	nodes []ncnnNode
	// inputs lists the Input layers' blob names and shapes in file order.
	inputs  []string
	shapes  map[string][]int64
	outputs []string
}

func openNCNN(paramPath, binPath string) (*ncnnEngine, error) {
	param, err := readFile(paramPath)
	if err != nil {
		return nil, err
	}

	bin, err := readFile(binPath)
	if err != nil {
		return nil, err
	}

	e, err := parseNCNN(param, bin)
	if err != nil {
		return nil, loadf("ncnn: %s: %w", paramPath, err)
	}

	return e, nil
}

func parseNCNN(param, bin []byte) (*ncnnEngine, error) {
	sc := bufio.NewScanner(bytes.NewReader(param))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lines []string

	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	if len(lines) < 2 || lines[0] != strconv.Itoa(pnnx.Magic) {
		return nil, errors.New("bad magic")
	}

	var layerCount, blobCount int
	if _, err := fmt.Sscanf(lines[1], "%d %d", &layerCount, &blobCount); err != nil {
		return nil, fmt.Errorf("bad counts line %q: %w", lines[1], err)
	}

	if len(lines)-2 != layerCount {
		return nil, fmt.Errorf("header declares %d layers, found %d", layerCount, len(lines)-2)
	}

	e := &ncnnEngine{shapes: map[string][]int64{}}
	r := &weightReader{data: bin}
	produced := map[string]bool{}
	outputs := map[int]string{}

	for i, line := range lines[2:] {
		n, params, err := parseLayerLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+3, err)
		}

		factory, ok := layerTable[n.Type]
		if !ok {
			return nil, fmt.Errorf("layer %s: unsupported layer type %q", n.Name, n.Type)
		}

		for _, b := range n.Bottoms {
			if !produced[b] {
				return nil, fmt.Errorf("layer %s: blob %s is read before it is produced", n.Name, b)
			}
		}

		n.Layer, err = factory(params, r)
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s): %w", n.Name, n.Type, err)
		}

		for _, top := range n.Tops {
			if produced[top] {
				return nil, fmt.Errorf("layer %s: blob %s produced twice", n.Name, top)
			}

			produced[top] = true

			if m := outputBlob.FindStringSubmatch(top); m != nil {
				k, _ := strconv.Atoi(m[1])
				outputs[k] = top
			}
		}

		if in, ok := n.Layer.(*inputLayer); ok {
			if len(n.Tops) != 1 {
				return nil, fmt.Errorf("layer %s: Input must have one top", n.Name)
			}

			e.inputs = append(e.inputs, n.Tops[0])
			e.shapes[n.Tops[0]] = in.shape
		}

		e.nodes = append(e.nodes, n)
	}

	if len(produced) != blobCount {
		return nil, fmt.Errorf("header declares %d blobs, layers produce %d", blobCount, len(produced))
	}

	if r.off != len(r.data) {
		return nil, fmt.Errorf("bin has %d trailing bytes", len(r.data)-r.off)
	}

	if len(outputs) == 0 {
		return nil, errors.New("model has no out0 blob")
	}

	for k := range len(outputs) {
		name, ok := outputs[k]
		if !ok {
			return nil, fmt.Errorf("output blobs are not contiguous: out%d missing", k)
		}

		e.outputs = append(e.outputs, name)
	}

	return e, nil
}

func parseLayerLine(line string) (ncnnNode, ncnnParams, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return ncnnNode{}, nil, fmt.Errorf("malformed layer line %q", line)
	}

	n := ncnnNode{Type: fields[0], Name: fields[1]}

	nb, err1 := strconv.Atoi(fields[2])
	nt, err2 := strconv.Atoi(fields[3])

	if err1 != nil || err2 != nil || nb < 0 || nt < 0 || len(fields) < 4+nb+nt {
		return ncnnNode{}, nil, fmt.Errorf("layer %s: malformed blob counts", n.Name)
	}

	n.Bottoms = slices.Clone(fields[4 : 4+nb])
	n.Tops = slices.Clone(fields[4+nb : 4+nb+nt])

	params := ncnnParams{}

	for _, tok := range fields[4+nb+nt:] {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return ncnnNode{}, nil, fmt.Errorf("layer %s: malformed param %q", n.Name, tok)
		}

		id, err := strconv.Atoi(k)
		if err != nil || id < 0 {
			return ncnnNode{}, nil, fmt.Errorf("layer %s: unsupported param id %q", n.Name, k)
		}

		params[id] = v
	}

	return n, params, nil
}

func (e *ncnnEngine) Run(ctx context.Context, in *inputs.Set) ([]tensor.Output, error) {
	if err := checkArity(in, len(e.inputs)); err != nil {
		return nil, err
	}

	feed := make(map[string]*tensor.Tensor, len(e.inputs))

	for i, blob := range e.inputs {
		v := in.At(i).Value
		shape := v.Shape()

		if v.Kind != tensor.Continuous || len(shape) < 2 || shape[0] != 1 {
			return nil, execf("ncnn: input %d is %s, want a float tensor with batch dimension 1", i, describe(v))
		}

		stripped, err := v.Float.Reshape(shape[1:])
		if err != nil {
			return nil, execf("ncnn: input %d: %w", i, err)
		}

		if !tensor.ShapeEqual(stripped.Shape(), e.shapes[blob]) {
			return nil, execf("ncnn: input %d has shape %s, model expects %s",
				i, tensor.FormatShape(stripped.Shape()), tensor.FormatShape(e.shapes[blob]))
		}

		feed[blob] = stripped
	}

	blobs := make(map[string]*tensor.Tensor)

	for _, n := range e.nodes {
		if err := ctx.Err(); err != nil {
			return nil, execf("ncnn: %w", err)
		}

		var tops []*tensor.Tensor

		if _, ok := n.Layer.(*inputLayer); ok {
			tops = []*tensor.Tensor{feed[n.Tops[0]]}
		} else {
			bottoms := make([]*tensor.Tensor, len(n.Bottoms))
			for i, b := range n.Bottoms {
				bottoms[i] = blobs[b]
			}

			var err error

			tops, err = n.Layer.forward(bottoms)
			if err != nil {
				return nil, execf("ncnn: layer %s: %w", n.Name, err)
			}
		}

		if len(tops) == 1 && len(n.Tops) > 1 {
			for range n.Tops[1:] {
				tops = append(tops, tops[0])
			}
		}

		if len(tops) != len(n.Tops) {
			return nil, execf("ncnn: layer %s produced %d blobs, want %d", n.Name, len(tops), len(n.Tops))
		}

		for i, name := range n.Tops {
			blobs[name] = tops[i]
		}
	}

	out := make([]tensor.Output, len(e.outputs))

	for i, name := range e.outputs {
		b := blobs[name]

		restored, err := b.Reshape(append([]int64{1}, b.Shape()...))
		if err != nil {
			return nil, execf("ncnn: output %s: %w", name, err)
		}

		out[i] = tensor.FloatOutput(restored)
	}

	return out, nil
}

func (e *ncnnEngine) Close() error { return nil }

type inputLayer struct {
	shape []int64
}

func newInputLayer(p ncnnParams, _ *weightReader) (ncnnLayer, error) {
	shape, err := p.shape()
	if err != nil {
		return nil, err
	}

	if len(shape) == 0 {
		return nil, errors.New("input shape is empty")
	}

	return &inputLayer{shape: shape}, nil
}

func (l *inputLayer) forward([]*tensor.Tensor) ([]*tensor.Tensor, error) {
	return nil, errors.New("input layer is fed by the engine")
}

type memoryData struct {
	value *tensor.Tensor
}

func newMemoryData(p ncnnParams, r *weightReader) (ncnnLayer, error) {
	shape, err := p.shape()
	if err != nil {
		return nil, err
	}

	n, err := tensor.ElemCount(shape)
	if err != nil || len(shape) == 0 {
		return nil, fmt.Errorf("bad shape %v", shape)
	}

	data, err := r.raw(n)
	if err != nil {
		return nil, err
	}

	t, err := tensor.New(data, shape)
	if err != nil {
		return nil, err
	}

	return memoryData{value: t}, nil
}

func (l memoryData) forward([]*tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{l.value.Clone()}, nil
}

type splitLayer struct{}

func (splitLayer) forward(b []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(b) != 1 {
		return nil, fmt.Errorf("split takes 1 bottom, got %d", len(b))
	}

	return []*tensor.Tensor{b[0]}, nil
}

type unary func(*tensor.Tensor) (*tensor.Tensor, error)

func unaryLayer(fn unary) layerFactory {
	return func(ncnnParams, *weightReader) (ncnnLayer, error) { return fn, nil }
}

func (fn unary) forward(b []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(b) != 1 {
		return nil, fmt.Errorf("takes 1 bottom, got %d", len(b))
	}

	y, err := fn(b[0])
	if err != nil {
		return nil, err
	}

	return []*tensor.Tensor{y}, nil
}

type binaryOp struct {
	kernel func(a, b *tensor.Tensor) (*tensor.Tensor, error)
	// scalar is used as the second operand when set.
	scalar *float32
}

func newBinaryOp(p ncnnParams, _ *weightReader) (ncnnLayer, error) {
	typ, err := p.int(0, 0)
	if err != nil {
		return nil, err
	}

	var l binaryOp

	switch typ {
	case 0:
		l.kernel = tensor.BroadcastAdd
	case 2:
		l.kernel = tensor.BroadcastMul
	default:
		return nil, fmt.Errorf("unsupported op_type %d", typ)
	}

	withScalar, err := p.int(1, 0)
	if err != nil {
		return nil, err
	}

	if withScalar != 0 {
		b, err := p.float(2, 0)
		if err != nil {
			return nil, err
		}

		s := float32(b)
		l.scalar = &s
	}

	return l, nil
}

func (l binaryOp) forward(b []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if l.scalar != nil {
		if len(b) != 1 {
			return nil, fmt.Errorf("scalar binary op takes 1 bottom, got %d", len(b))
		}

		s, err := tensor.Full([]int64{1}, *l.scalar)
		if err != nil {
			return nil, err
		}

		b = append(b, s)
	}

	if len(b) != 2 {
		return nil, fmt.Errorf("binary op takes 2 bottoms, got %d", len(b))
	}

	y, err := l.kernel(b[0], b[1])
	if err != nil {
		return nil, err
	}

	return []*tensor.Tensor{y}, nil
}

type pooling1D struct {
	max             bool
	window          ops.Pool1D
	countIncludePad bool
}

func newPooling1D(p ncnnParams, _ *weightReader) (ncnnLayer, error) {
	vals := map[int]int64{}

	for id, def := range map[int]int64{0: 0, 1: 0, 2: 1, 3: 0, 5: 0, 6: 0} {
		v, err := p.int(id, def)
		if err != nil {
			return nil, err
		}

		vals[id] = v
	}

	right, err := p.int(14, vals[3])
	if err != nil {
		return nil, err
	}

	if right != vals[3] {
		return nil, fmt.Errorf("asymmetric padding %d/%d is not supported", vals[3], right)
	}

	if g, _ := p.int(4, 0); g != 0 {
		return nil, errors.New("global pooling is not supported")
	}

	l := pooling1D{
		window: ops.Pool1D{
			Kernel:  vals[1],
			Stride:  vals[2],
			Padding: vals[3],
		},
		countIncludePad: vals[6] != 0,
	}

	switch vals[0] {
	case 0:
		l.max = true
	case 1:
	default:
		return nil, fmt.Errorf("unsupported pooling_type %d", vals[0])
	}

	switch vals[5] {
	case 0:
		l.window.CeilMode = true
	case 1:
	default:
		return nil, fmt.Errorf("unsupported pad_mode %d", vals[5])
	}

	if err := l.window.Validate(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l pooling1D) forward(b []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(b) != 1 {
		return nil, fmt.Errorf("takes 1 bottom, got %d", len(b))
	}

	x := b[0]
	shape := x.Shape()

	if len(shape) == 1 {
		var err error
		if x, err = x.Reshape([]int64{1, shape[0]}); err != nil {
			return nil, err
		}
	}

	var (
		y   *tensor.Tensor
		err error
	)

	if l.max {
		y, _, err = ops.MaxPool1D(x, l.window)
	} else {
		y, err = ops.AvgPool1D(x, l.window, l.countIncludePad)
	}

	if err != nil {
		return nil, err
	}

	if len(shape) == 1 {
		ys := y.Shape()
		if y, err = y.Reshape(ys[1:]); err != nil {
			return nil, err
		}
	}

	return []*tensor.Tensor{y}, nil
}

type convolution1D struct {
	weight, bias                      *tensor.Tensor
	stride, padding, dilation, groups int64
}

func newConvolution1D(p ncnnParams, r *weightReader) (ncnnLayer, error) {
	vals := map[int]int64{}

	for id, def := range map[int]int64{0: 0, 1: 0, 2: 1, 3: 1, 4: 0, 5: 0, 6: 0, 7: 1} {
		v, err := p.int(id, def)
		if err != nil {
			return nil, err
		}

		vals[id] = v
	}

	right, err := p.int(15, vals[4])
	if err != nil {
		return nil, err
	}

	if right != vals[4] {
		return nil, fmt.Errorf("asymmetric padding %d/%d is not supported", vals[4], right)
	}

	out, k, size := vals[0], vals[1], vals[6]
	if out <= 0 || k <= 0 || size <= 0 || size%(out*k) != 0 {
		return nil, fmt.Errorf("weight_data_size %d does not fit num_output %d kernel_w %d", size, out, k)
	}

	data, err := r.tagged(int(size))
	if err != nil {
		return nil, err
	}

	l := convolution1D{stride: vals[3], padding: vals[4], dilation: vals[2], groups: vals[7]}

	if l.weight, err = tensor.New(data, []int64{out, size / (out * k), k}); err != nil {
		return nil, err
	}

	if vals[5] != 0 {
		bias, err := r.raw(int(out))
		if err != nil {
			return nil, err
		}

		if l.bias, err = tensor.New(bias, []int64{out}); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l convolution1D) forward(b []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(b) != 1 || b[0].Rank() != 2 {
		return nil, errors.New("takes one [channels, length] bottom")
	}

	x, err := b[0].Reshape(append([]int64{1}, b[0].Shape()...))
	if err != nil {
		return nil, err
	}

	y, err := ops.Conv1D(x, l.weight, l.bias, l.stride, l.padding, l.dilation, l.groups)
	if err != nil {
		return nil, err
	}

	ys := y.Shape()
	if y, err = y.Reshape(ys[1:]); err != nil {
		return nil, err
	}

	return []*tensor.Tensor{y}, nil
}

type innerProduct struct {
	weight, bias *tensor.Tensor
}

func newInnerProduct(p ncnnParams, r *weightReader) (ncnnLayer, error) {
	out, err := p.int(0, 0)
	if err != nil {
		return nil, err
	}

	hasBias, err := p.int(1, 0)
	if err != nil {
		return nil, err
	}

	size, err := p.int(2, 0)
	if err != nil {
		return nil, err
	}

	if out <= 0 || size <= 0 || size%out != 0 {
		return nil, fmt.Errorf("weight_data_size %d does not fit num_output %d", size, out)
	}

	if act, _ := p.int(9, 0); act != 0 {
		return nil, fmt.Errorf("fused activation %d is not supported", act)
	}

	data, err := r.tagged(int(size))
	if err != nil {
		return nil, err
	}

	var l innerProduct

	if l.weight, err = tensor.New(data, []int64{out, size / out}); err != nil {
		return nil, err
	}

	if hasBias != 0 {
		bias, err := r.raw(int(out))
		if err != nil {
			return nil, err
		}

		if l.bias, err = tensor.New(bias, []int64{out}); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l innerProduct) forward(b []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(b) != 1 {
		return nil, fmt.Errorf("takes 1 bottom, got %d", len(b))
	}

	y, err := tensor.Linear(b[0], l.weight, l.bias)
	if err != nil {
		return nil, err
	}

	return []*tensor.Tensor{y}, nil
}

type layerNorm struct {
	size        int64
	eps         float32
	gamma, beta *tensor.Tensor
}

func newLayerNorm(p ncnnParams, r *weightReader) (ncnnLayer, error) {
	size, err := p.int(0, 0)
	if err != nil {
		return nil, err
	}

	eps, err := p.float(1, 0.001)
	if err != nil {
		return nil, err
	}

	affine, err := p.int(2, 1)
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		return nil, fmt.Errorf("affine_size must be > 0, got %d", size)
	}

	l := layerNorm{size: size, eps: float32(eps)}

	if affine != 0 {
		for _, dst := range []**tensor.Tensor{&l.gamma, &l.beta} {
			data, err := r.raw(int(size))
			if err != nil {
				return nil, err
			}

			if *dst, err = tensor.New(data, []int64{size}); err != nil {
				return nil, err
			}
		}
	}

	return l, nil
}

func (l layerNorm) forward(b []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(b) != 1 {
		return nil, fmt.Errorf("takes 1 bottom, got %d", len(b))
	}

	if d := b[0].Dim(b[0].Rank() - 1); d != l.size {
		return nil, fmt.Errorf("last dimension %d does not match affine_size %d", d, l.size)
	}

	y, err := tensor.LayerNorm(b[0], l.gamma, l.beta, l.eps)
	if err != nil {
		return nil, err
	}

	return []*tensor.Tensor{y}, nil
}

type softmax struct {
	axis int
}

func newSoftmax(p ncnnParams, _ *weightReader) (ncnnLayer, error) {
	axis, err := p.int(0, 0)
	if err != nil {
		return nil, err
	}

	if fix, _ := p.int(1, 0); fix != 1 {
		return nil, errors.New("softmax without fixbug0=1 is not supported")
	}

	return softmax{axis: int(axis)}, nil
}

func (l softmax) forward(b []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(b) != 1 {
		return nil, fmt.Errorf("takes 1 bottom, got %d", len(b))
	}

	y, err := tensor.Softmax(b[0], l.axis)
	if err != nil {
		return nil, err
	}

	return []*tensor.Tensor{y}, nil
}
