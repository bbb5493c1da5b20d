package pnnx

import (
	"fmt"
	"math"

	"github.com/example/go-opparity/internal/onnx"
	"github.com/example/go-opparity/internal/trace"
)

// ONNXOpset is the default-domain opset the exported models import.
const ONNXOpset = 17

type onnxBuilder struct {
	t      *trace.Trace
	graph  onnx.Graph
	names  map[string]string
	consts map[string]bool
	tmp    int
}

// EncodeONNX lowers t to an ONNX model. Graph inputs are named in0..
// and outputs out0.. in trace order.
func EncodeONNX(t *trace.Trace) ([]byte, error) {
	b := &onnxBuilder{
		t:      t,
		graph:  onnx.Graph{Name: t.Name},
		names:  map[string]string{},
		consts: map[string]bool{},
	}

	values := t.Values()

	for i, in := range t.Inputs {
		name := fmt.Sprintf("in%d", i)
		b.names[in.Name] = name
		b.graph.Inputs = append(b.graph.Inputs, valueInfo(name, in))
	}

	// The first node output feeding a graph output is named outK directly.
	claimed := map[string]bool{}

	for k, name := range t.Outputs {
		if _, isInput := b.names[name]; !isInput && !claimed[name] {
			b.names[name] = fmt.Sprintf("out%d", k)
			claimed[name] = true
		}
	}

	for _, n := range t.Nodes {
		if err := b.lower(n, values); err != nil {
			return nil, fmt.Errorf("onnx: node %s: %w", n.Name, err)
		}
	}

	for k, name := range t.Outputs {
		out := fmt.Sprintf("out%d", k)
		if b.name(name) != out {
			b.node("Identity", []string{b.name(name)}, []string{out})
		}

		b.graph.Outputs = append(b.graph.Outputs, valueInfo(out, values[name]))
	}

	m := onnx.Model{Producer: "opparity-pnnx", Opset: ONNXOpset, Graph: b.graph}

	return m.Marshal(), nil
}

func valueInfo(name string, v trace.Value) onnx.ValueInfo {
	elem := onnx.ElemFloat
	if v.DType == trace.DTypeI64 {
		elem = onnx.ElemInt64
	}

	return onnx.ValueInfo{Name: name, ElemType: elem, Shape: append([]int64(nil), v.Shape...)}
}

func (b *onnxBuilder) name(value string) string {
	if n, ok := b.names[value]; ok {
		return n
	}

	return value
}

func (b *onnxBuilder) temp(prefix string) string {
	b.tmp++
	return fmt.Sprintf("%s_tmp%d", prefix, b.tmp)
}

func (b *onnxBuilder) node(op string, in, out []string, attrs ...onnx.Attribute) {
	b.graph.Nodes = append(b.graph.Nodes, onnx.Node{
		Name:    fmt.Sprintf("%s_%d", op, len(b.graph.Nodes)),
		OpType:  op,
		Inputs:  in,
		Outputs: out,
		Attrs:   attrs,
	})
}

func (b *onnxBuilder) scalar(name string, v float32) string {
	if !b.consts[name] {
		b.consts[name] = true
		b.graph.Initializers = append(b.graph.Initializers, onnx.Initializer{Name: name, Floats: []float32{v}})
	}

	return name
}

func (b *onnxBuilder) ints(name string, v ...int64) string {
	if !b.consts[name] {
		b.consts[name] = true
		b.graph.Initializers = append(b.graph.Initializers, onnx.Initializer{Name: name, Shape: []int64{int64(len(v))}, Int64s: v})
	}

	return name
}

func (b *onnxBuilder) weight(n trace.Node, attr string) string {
	w := b.t.Attributes[trace.AttrKey(n.Name, attr)]
	if w == nil {
		return ""
	}

	name := trace.AttrKey(n.Name, attr)
	b.graph.Initializers = append(b.graph.Initializers, onnx.Initializer{Name: name, Shape: w.Shape(), Floats: w.Data()})

	return name
}

func (b *onnxBuilder) lower(n trace.Node, values map[string]trace.Value) error {
	p := nodeParams(n)

	in := make([]string, len(n.Inputs))
	for i, ref := range n.Inputs {
		in[i] = b.name(ref)
	}

	out := make([]string, len(n.Outputs))
	for i, v := range n.Outputs {
		out[i] = b.name(v.Name)
	}

	simple := map[string]string{
		"torch.sigmoid": "Sigmoid",
		"F.relu":        "Relu",
		"torch.tanh":    "Tanh",
		"torch.mul":     "Mul",
		"torch.add":     "Add",
	}

	if op, ok := simple[n.Op]; ok {
		b.node(op, in, out)
		return nil
	}

	switch n.Op {
	case "F.silu":
		s := b.temp(n.Name)
		b.node("Sigmoid", in, []string{s})
		b.node("Mul", []string{in[0], s}, out)
	case "F.gelu":
		// 0.5 * x * (1 + erf(x / sqrt(2)))
		d, e, a, m := b.temp(n.Name), b.temp(n.Name), b.temp(n.Name), b.temp(n.Name)
		b.node("Div", []string{in[0], b.scalar("const_sqrt2", float32(math.Sqrt2))}, []string{d})
		b.node("Erf", []string{d}, []string{e})
		b.node("Add", []string{e, b.scalar("const_one", 1)}, []string{a})
		b.node("Mul", []string{in[0], a}, []string{m})
		b.node("Mul", []string{m, b.scalar("const_half", 0.5)}, out)
	case "F.max_pool1d", "F.avg_pool1d":
		return b.pool(n, in[0], out, values[n.Inputs[0]].Shape)
	case "F.conv1d":
		inputs := []string{in[0], b.weight(n, "weight")}
		if bias := b.weight(n, "bias"); bias != "" {
			inputs = append(inputs, bias)
		}

		pad := p.Int("padding")
		b.node("Conv", inputs, out,
			onnx.IntsAttr("strides", p.Int("stride")),
			onnx.IntsAttr("pads", pad, pad),
			onnx.IntsAttr("dilations", p.Int("dilation")),
			onnx.IntAttr("group", p.Int("groups")),
		)
	case "F.linear":
		w := b.t.Attributes[trace.AttrKey(n.Name, "weight")]
		ws := w.Shape()
		src := w.RawData()
		wt := make([]float32, len(src))

		for o := range ws[0] {
			for i := range ws[1] {
				wt[i*ws[0]+o] = src[o*ws[1]+i]
			}
		}

		wtName := trace.AttrKey(n.Name, "weight_t")
		b.graph.Initializers = append(b.graph.Initializers, onnx.Initializer{Name: wtName, Shape: []int64{ws[1], ws[0]}, Floats: wt})

		bias := b.weight(n, "bias")
		if bias == "" {
			b.node("MatMul", []string{in[0], wtName}, out)
			return nil
		}

		mm := b.temp(n.Name)
		b.node("MatMul", []string{in[0], wtName}, []string{mm})
		b.node("Add", []string{mm, bias}, out)
	case "F.layer_norm":
		shape := values[n.Inputs[0]].Shape
		size := shape[len(shape)-1]

		scale := b.weight(n, "weight")
		if scale == "" {
			ones := make([]float32, size)
			for i := range ones {
				ones[i] = 1
			}

			scale = trace.AttrKey(n.Name, "weight_ones")
			b.graph.Initializers = append(b.graph.Initializers, onnx.Initializer{Name: scale, Shape: []int64{size}, Floats: ones})
		}

		inputs := []string{in[0], scale}
		if bias := b.weight(n, "bias"); bias != "" {
			inputs = append(inputs, bias)
		}

		b.node("LayerNormalization", inputs, out,
			onnx.IntAttr("axis", -1),
			onnx.FloatAttr("epsilon", float32(p.Float("eps"))),
		)
	case "F.softmax":
		b.node("Softmax", in, out, onnx.IntAttr("axis", p.Int("dim")))
	default:
		return fmt.Errorf("operator %s has no onnx lowering", n.Op)
	}

	return nil
}

// pool emits MaxPool or AveragePool over an [N, C, L] view of x. A rank 2
// input is unsqueezed around the pool. Max pool indices are reduced from
// ONNX's flat positions to positions along the last dimension.
func (b *onnxBuilder) pool(n trace.Node, x string, out []string, shape []int64) error {
	params := nodeParams(n)
	pad := params.Int("padding")

	attrs := []onnx.Attribute{
		onnx.IntsAttr("kernel_shape", params.Int("kernel_size")),
		onnx.IntsAttr("strides", params.Int("stride")),
		onnx.IntsAttr("pads", pad, pad),
		onnx.IntAttr("ceil_mode", boolInt(params.Bool("ceil_mode"))),
	}

	op := "AveragePool"
	if n.Op == "F.max_pool1d" {
		op = "MaxPool"
		attrs = append(attrs, onnx.IntsAttr("dilations", params.Int("dilation")))
	} else {
		attrs = append(attrs, onnx.IntAttr("count_include_pad", boolInt(params.Bool("count_include_pad"))))
	}

	unbatched := len(shape) == 2
	if unbatched {
		u := b.temp(n.Name)
		b.node("Unsqueeze", []string{x, b.ints("const_axes0", 0)}, []string{u})
		x = u
	}

	outs := make([]string, len(out))
	for i := range out {
		outs[i] = b.temp(n.Name)
	}

	b.node(op, []string{x}, outs, attrs...)

	results := outs
	if unbatched {
		results = make([]string, len(outs))
		for i, o := range outs {
			results[i] = b.temp(n.Name)
			b.node("Squeeze", []string{o, b.ints("const_axes0", 0)}, []string{results[i]})
		}
	}

	b.node("Identity", []string{results[0]}, []string{out[0]})

	if len(out) > 1 {
		length := fmt.Sprintf("const_len_%d", shape[len(shape)-1])
		b.node("Mod", []string{results[1], b.ints(length, shape[len(shape)-1])}, []string{out[1]})
	}

	return nil
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}

	return 0
}
