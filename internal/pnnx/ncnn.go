package pnnx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/x448/float16"

	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/trace"
)

// Weight storage tags written before convolution and inner product
// weights in ncnn.bin.
const (
	FlagFP32 uint32 = 0
	FlagFP16 uint32 = 0x01306B47
)

// NCNNModel is an ncnn layer graph. Blobs carry the graph's shapes with
// the leading batch dimension removed.
type NCNNModel struct {
	Layers []NCNNLayer
	Blobs  int
}

type NCNNLayer struct {
	Type    string
	Name    string
	Bottoms []string
	Tops    []string
	Params  []NCNNParam
	Weights []NCNNWeight
}

// NCNNParam is one "id=value" entry of a layer line.
type NCNNParam struct {
	ID    int
	Value string
}

// NCNNWeight is one weight blob. Tagged blobs are preceded by a storage
// flag and may be stored as fp16.
type NCNNWeight struct {
	Data   []float32
	Tagged bool
}

var errUnmapped = errors.New("no ncnn layer")

func intParam(id int, v int64) NCNNParam { return NCNNParam{ID: id, Value: strconv.FormatInt(v, 10)} }

func floatParam(id int, v float64) NCNNParam { return NCNNParam{ID: id, Value: fmt.Sprintf("%e", v)} }

func boolParam(id int, v bool) NCNNParam {
	if v {
		return intParam(id, 1)
	}

	return intParam(id, 0)
}

type ncnnBuilder struct {
	t         *trace.Trace
	model     *NCNNModel
	consumers map[string]int
	outputs   map[string][]int
	queue     map[string][]string
	seq       int
	splits    int
}

// BuildNCNN lowers t to ncnn layers. Every operand must carry a leading
// batch dimension of 1, which ncnn does not represent. Operators without
// an ncnn equivalent are kept under their pnnx type so that loading the
// model fails.
func BuildNCNN(t *trace.Trace) (*NCNNModel, error) {
	values := t.Values()
	for name, v := range values {
		if len(v.Shape) < 2 || len(v.Shape) > 5 || v.Shape[0] != 1 {
			return nil, fmt.Errorf("ncnn: operand %s has shape %s, want a batch dimension of 1 and rank 2 to 5",
				name, tensor.FormatShape(v.Shape))
		}
	}

	b := &ncnnBuilder{
		t:         t,
		model:     &NCNNModel{},
		consumers: map[string]int{},
		outputs:   map[string][]int{},
		queue:     map[string][]string{},
	}

	for _, n := range t.Nodes {
		for _, ref := range n.Inputs {
			b.consumers[ref]++
		}
	}

	for k, name := range t.Outputs {
		b.consumers[name]++
		b.outputs[name] = append(b.outputs[name], k)
	}

	for i, in := range t.Inputs {
		blob := fmt.Sprintf("in%d", i)
		b.add(NCNNLayer{Type: "Input", Name: blob, Tops: []string{blob}, Params: shapeParams(stripBatch(in.Shape))})
		b.fanout(in.Name, blob, fmt.Sprintf("splitncnn_input%d", i))
	}

	for _, n := range t.Nodes {
		layer := NCNNLayer{Name: n.Name}

		for _, ref := range n.Inputs {
			layer.Bottoms = append(layer.Bottoms, b.consume(ref))
		}

		for _, v := range n.Outputs {
			layer.Tops = append(layer.Tops, b.produce(v.Name))
		}

		typ, params, weights, err := b.lower(n, values)

		switch {
		case errors.Is(err, errUnmapped):
			layer.Type = n.Op
		case err != nil:
			return nil, fmt.Errorf("ncnn: node %s: %w", n.Name, err)
		default:
			layer.Type, layer.Params, layer.Weights = typ, params, weights
		}

		b.add(layer)

		for i, v := range n.Outputs {
			b.fanout(v.Name, layer.Tops[i], "")
		}
	}

	for _, name := range t.Outputs {
		b.consume(name)
	}

	return b.model, nil
}

func (b *ncnnBuilder) add(l NCNNLayer) {
	b.model.Layers = append(b.model.Layers, l)
	b.model.Blobs += len(l.Tops)
}

func (b *ncnnBuilder) consume(value string) string {
	q := b.queue[value]
	if len(q) == 0 {
		return value
	}

	b.queue[value] = q[1:]

	return q[0]
}

// produce names the blob a node writes for value. A value whose only
// consumer is the graph output is written directly as outK.
func (b *ncnnBuilder) produce(value string) string {
	if outs := b.outputs[value]; len(outs) == 1 && b.consumers[value] == 1 {
		return fmt.Sprintf("out%d", outs[0])
	}

	name := strconv.Itoa(b.seq)
	b.seq++

	return name
}

// fanout queues the blob names consumers of value will read, inserting a
// Split layer when value has several consumers or must be renamed to an
// output blob.
func (b *ncnnBuilder) fanout(value, blob, splitName string) {
	n := b.consumers[value]
	outs := b.outputs[value]

	if n == 0 {
		return
	}

	if n == 1 && (len(outs) == 0 || blob == fmt.Sprintf("out%d", outs[0])) {
		b.queue[value] = []string{blob}
		return
	}

	if splitName == "" {
		splitName = fmt.Sprintf("splitncnn_%d", b.splits)
		b.splits++
	}

	tops := make([]string, 0, n)
	for i := range n - len(outs) {
		tops = append(tops, fmt.Sprintf("%s_splitncnn_%d", blob, i))
	}

	for _, k := range outs {
		tops = append(tops, fmt.Sprintf("out%d", k))
	}

	b.add(NCNNLayer{Type: "Split", Name: splitName, Bottoms: []string{blob}, Tops: tops})
	b.queue[value] = tops
}

func (b *ncnnBuilder) lower(n trace.Node, values map[string]trace.Value) (string, []NCNNParam, []NCNNWeight, error) {
	p := nodeParams(n)
	w := b.t.NodeWeights(n)

	switch n.Op {
	case "F.silu":
		return "Swish", nil, nil, nil
	case "torch.sigmoid":
		return "Sigmoid", nil, nil, nil
	case "F.relu":
		return "ReLU", nil, nil, nil
	case "torch.tanh":
		return "TanH", nil, nil, nil
	case "F.gelu":
		return "GELU", nil, nil, nil
	case "torch.add":
		return "BinaryOp", []NCNNParam{intParam(0, 0)}, nil, nil
	case "torch.mul":
		return "BinaryOp", []NCNNParam{intParam(0, 2)}, nil, nil
	case "F.max_pool1d", "F.avg_pool1d":
		if p.Int("dilation") > 1 || p.Bool("return_indices") {
			return "", nil, nil, errUnmapped
		}

		pad := p.Int("padding")
		params := []NCNNParam{
			intParam(0, 0),
			intParam(1, p.Int("kernel_size")),
			intParam(2, p.Int("stride")),
			intParam(3, pad),
			intParam(14, pad),
			intParam(5, padMode(p.Bool("ceil_mode"))),
		}

		if n.Op == "F.avg_pool1d" {
			params[0] = intParam(0, 1)
			params = append(params, boolParam(6, p.Bool("count_include_pad")))
		}

		return "Pooling1D", params, nil, nil
	case "F.conv1d":
		weight := w["weight"]
		ws := weight.Shape()
		bias := w["bias"]
		pad := p.Int("padding")

		params := []NCNNParam{
			intParam(0, ws[0]),
			intParam(1, ws[2]),
			intParam(2, p.Int("dilation")),
			intParam(3, p.Int("stride")),
			intParam(4, pad),
			intParam(15, pad),
			boolParam(5, bias != nil),
			intParam(6, int64(weight.ElemCount())),
		}

		weights := []NCNNWeight{{Data: weight.RawData(), Tagged: true}}
		if bias != nil {
			weights = append(weights, NCNNWeight{Data: bias.RawData()})
		}

		if g := p.Int("groups"); g > 1 {
			return "ConvolutionDepthWise1D", append(params, intParam(7, g)), weights, nil
		}

		return "Convolution1D", params, weights, nil
	case "F.linear":
		if r := len(values[n.Inputs[0]].Shape); r != 2 && r != 3 {
			return "", nil, nil, errUnmapped
		}

		weight := w["weight"]
		bias := w["bias"]

		params := []NCNNParam{
			intParam(0, weight.Shape()[0]),
			boolParam(1, bias != nil),
			intParam(2, int64(weight.ElemCount())),
		}

		weights := []NCNNWeight{{Data: weight.RawData(), Tagged: true}}
		if bias != nil {
			weights = append(weights, NCNNWeight{Data: bias.RawData()})
		}

		return "InnerProduct", params, weights, nil
	case "F.layer_norm":
		in := values[n.Inputs[0]].Shape
		size := in[len(in)-1]
		gamma, beta := w["weight"], w["bias"]
		affine := gamma != nil || beta != nil

		params := []NCNNParam{
			intParam(0, size),
			floatParam(1, p.Float("eps")),
			boolParam(2, affine),
		}

		if !affine {
			return "LayerNorm", params, nil, nil
		}

		g := make([]float32, size)
		bt := make([]float32, size)

		for i := range g {
			g[i] = 1
		}

		if gamma != nil {
			copy(g, gamma.RawData())
		}

		if beta != nil {
			copy(bt, beta.RawData())
		}

		return "LayerNorm", params, []NCNNWeight{{Data: g}, {Data: bt}}, nil
	case "F.softmax":
		rank := int64(len(values[n.Inputs[0]].Shape))

		dim := p.Int("dim")
		if dim < 0 {
			dim += rank
		}

		if dim <= 0 {
			return "", nil, nil, errUnmapped
		}

		return "Softmax", []NCNNParam{intParam(0, dim-1), intParam(1, 1)}, nil, nil
	default:
		return "", nil, nil, errUnmapped
	}
}

// padMode selects ncnn's full padding for ceil mode and valid padding
// otherwise.
func padMode(ceil bool) int64 {
	if ceil {
		return 0
	}

	return 1
}

func stripBatch(shape []int64) []int64 {
	return append([]int64(nil), shape[1:]...)
}

// shapeParams encodes a batch-free shape as Input layer params
// 0=w 1=h 11=d 2=c.
func shapeParams(shape []int64) []NCNNParam {
	ids := []int{0, 1, 2}
	if len(shape) == 4 {
		ids = []int{0, 1, 11, 2}
	}

	var out []NCNNParam

	for i := range shape {
		out = append(out, intParam(ids[i], shape[len(shape)-1-i]))
	}

	return out
}

// EncodeParam renders ncnn.param.
func (m *NCNNModel) EncodeParam() []byte {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%d\n%d %d\n", Magic, len(m.Layers), m.Blobs)

	for _, l := range m.Layers {
		fmt.Fprintf(&sb, "%-16s %-24s %d %d", l.Type, l.Name, len(l.Bottoms), len(l.Tops))

		for _, s := range l.Bottoms {
			sb.WriteString(" " + s)
		}

		for _, s := range l.Tops {
			sb.WriteString(" " + s)
		}

		for _, p := range l.Params {
			fmt.Fprintf(&sb, " %d=%s", p.ID, p.Value)
		}

		sb.WriteByte('\n')
	}

	return []byte(sb.String())
}

// EncodeBin renders ncnn.bin: the weights of every layer in order.
func (m *NCNNModel) EncodeBin(fp16 bool) []byte {
	var buf bytes.Buffer

	for _, l := range m.Layers {
		for _, w := range l.Weights {
			if !w.Tagged {
				buf.Write(float32Bytes(w.Data))
				continue
			}

			if !fp16 {
				_ = binary.Write(&buf, binary.LittleEndian, FlagFP32)
				buf.Write(float32Bytes(w.Data))

				continue
			}

			_ = binary.Write(&buf, binary.LittleEndian, FlagFP16)

			half := make([]byte, 2*len(w.Data), alignUp(2*len(w.Data), 4))
			for i, v := range w.Data {
				binary.LittleEndian.PutUint16(half[2*i:], float16.Fromfloat32(v).Bits())
			}

			buf.Write(half[:cap(half)])
		}
	}

	return buf.Bytes()
}

func alignUp(n, to int) int {
	return (n + to - 1) / to * to
}
