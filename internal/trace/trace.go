// Package trace captures a bound scenario as a static graph and stores it
// as the portable artifact handed to the converter: a stored zip holding
// the graph description and the weight attributes.
package trace

import (
	"fmt"
	"maps"
	"slices"

	"github.com/example/go-opparity/internal/opset"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/scenario"
	"github.com/example/go-opparity/internal/stage"
)

const (
	DTypeF32 = "f32"
	DTypeI64 = "i64"
)

// Value is a typed operand with a concrete shape.
type Value struct {
	Name  string  `yaml:"name"`
	Shape []int64 `yaml:"shape,flow"`
	DType string  `yaml:"dtype"`
}

// Kind maps the value dtype to an output kind.
func (v Value) Kind() tensor.Kind {
	if v.DType == DTypeI64 {
		return tensor.Discrete
	}

	return tensor.Continuous
}

// Node is one traced operator application.
type Node struct {
	Name    string         `yaml:"name"`
	Op      string         `yaml:"op"`
	Params  map[string]any `yaml:"params,omitempty"`
	Inputs  []string       `yaml:"inputs,flow"`
	Outputs []Value        `yaml:"outputs"`
	// Attrs lists the weight attributes stored as "<node>.<attr>".
	Attrs []string `yaml:"attrs,omitempty,flow"`
}

// AttrKey is the attribute tensor name of attr on node.
func AttrKey(node, attr string) string { return node + "." + attr }

// Trace is a static, self-contained graph.
type Trace struct {
	Name    string   `yaml:"name"`
	Inputs  []Value  `yaml:"inputs"`
	Nodes   []Node   `yaml:"nodes"`
	Outputs []string `yaml:"outputs,flow"`

	Attributes map[string]*tensor.Tensor `yaml:"-"`
}

// Capture records the scenario's steps with the concrete shapes of the
// bound inputs. Operators whose control flow depends on tensor values
// cannot be captured and yield an export error.
func Capture(sc *scenario.Scenario, b scenario.Binding) (*Trace, error) {
	if b.Inputs.Len() != len(sc.Inputs) {
		return nil, stage.Errorf(stage.Export, stage.ErrExport,
			"scenario %q: bound %d inputs, declared %d", sc.Name, b.Inputs.Len(), len(sc.Inputs))
	}

	tr := &Trace{
		Name:       sc.Name,
		Attributes: map[string]*tensor.Tensor{},
	}

	for _, in := range b.Inputs.All() {
		v := Value{Name: in.Name, Shape: in.Value.Shape(), DType: DTypeF32}
		if in.Value.Kind == tensor.Discrete {
			v.DType = DTypeI64
		}

		tr.Inputs = append(tr.Inputs, v)
	}

	for _, step := range sc.Steps {
		op, ok := opset.Lookup(step.Op)
		if !ok {
			return nil, stage.Errorf(stage.Export, stage.ErrExport, "step %s: unknown operator %q", step.Name, step.Op)
		}

		if op.Dynamic {
			return nil, stage.Errorf(stage.Export, stage.ErrExport,
				"step %s: %s has data-dependent control flow and cannot be traced statically", step.Name, op.Name)
		}

		node := Node{
			Name:   step.Name,
			Op:     op.Name,
			Params: map[string]any(step.Params),
			Inputs: slices.Clone(step.Inputs),
		}

		for _, name := range step.Outputs {
			node.Outputs = append(node.Outputs, Value{Name: name})
		}

		for _, attr := range slices.Sorted(maps.Keys(step.Weights)) {
			w := b.Weights[step.Weights[attr]]
			if w == nil {
				return nil, stage.Errorf(stage.Export, stage.ErrExport, "step %s: weight %q not bound", step.Name, step.Weights[attr])
			}

			node.Attrs = append(node.Attrs, attr)
			tr.Attributes[AttrKey(step.Name, attr)] = w.Clone()
		}

		tr.Nodes = append(tr.Nodes, node)
	}

	for _, out := range sc.Outputs {
		tr.Outputs = append(tr.Outputs, out.Name)
	}

	if err := tr.infer(); err != nil {
		return nil, stage.Wrap(stage.Export, stage.ErrExport, err)
	}

	return tr, nil
}

// InputShapes returns the traced input shapes in order.
func (t *Trace) InputShapes() [][]int64 {
	out := make([][]int64, len(t.Inputs))
	for i, in := range t.Inputs {
		out[i] = slices.Clone(in.Shape)
	}

	return out
}

// NodeWeights returns the attribute tensors of node keyed by attribute.
func (t *Trace) NodeWeights(n Node) map[string]*tensor.Tensor {
	if len(n.Attrs) == 0 {
		return nil
	}

	out := make(map[string]*tensor.Tensor, len(n.Attrs))
	for _, attr := range n.Attrs {
		out[attr] = t.Attributes[AttrKey(n.Name, attr)]
	}

	return out
}

// Values returns every operand (inputs first, then node outputs) keyed by
// name.
func (t *Trace) Values() map[string]Value {
	out := make(map[string]Value, len(t.Inputs))
	for _, v := range t.Inputs {
		out[v.Name] = v
	}

	for _, n := range t.Nodes {
		for _, v := range n.Outputs {
			out[v.Name] = v
		}
	}

	return out
}

// Reshape returns a copy of the trace with new input shapes, re-inferring
// every operand shape. The count and ranks of the shapes must match.
func (t *Trace) Reshape(shapes [][]int64) (*Trace, error) {
	if len(shapes) != len(t.Inputs) {
		return nil, fmt.Errorf("trace %q has %d inputs, got %d shapes", t.Name, len(t.Inputs), len(shapes))
	}

	c := *t
	c.Inputs = make([]Value, len(t.Inputs))
	c.Nodes = make([]Node, len(t.Nodes))

	for i, in := range t.Inputs {
		if len(shapes[i]) != len(in.Shape) {
			return nil, fmt.Errorf("input %s has rank %d, shape %s has rank %d",
				in.Name, len(in.Shape), tensor.FormatShape(shapes[i]), len(shapes[i]))
		}

		in.Shape = slices.Clone(shapes[i])
		c.Inputs[i] = in
	}

	for i, n := range t.Nodes {
		outs := make([]Value, len(n.Outputs))
		for j, v := range n.Outputs {
			outs[j] = Value{Name: v.Name}
		}

		n.Outputs = outs
		c.Nodes[i] = n
	}

	if err := c.infer(); err != nil {
		return nil, err
	}

	return &c, nil
}

// infer normalizes node parameters and fills node output values by running
// shape inference over the graph. An output recorded with only a name is
// filled in; a fully recorded one must agree with the inferred value.
func (t *Trace) infer() error {
	env := map[string]opset.Operand{}

	for _, in := range t.Inputs {
		if _, dup := env[in.Name]; dup {
			return fmt.Errorf("trace %q: duplicate input %q", t.Name, in.Name)
		}

		env[in.Name] = opset.Operand{Shape: in.Shape, Kind: in.Kind()}
	}

	for i := range t.Nodes {
		n := &t.Nodes[i]

		op, ok := opset.Lookup(n.Op)
		if !ok {
			return fmt.Errorf("node %s: unknown operator %q", n.Name, n.Op)
		}

		if op.Dynamic {
			return fmt.Errorf("node %s: %s is not a static operator", n.Name, n.Op)
		}

		params, err := opset.Normalize(op.Params, n.Params)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}

		n.Params = map[string]any(params)

		in := make([]opset.Operand, len(n.Inputs))
		for j, ref := range n.Inputs {
			operand, ok := env[ref]
			if !ok {
				return fmt.Errorf("node %s: unknown operand %q", n.Name, ref)
			}

			in[j] = operand
		}

		var wshapes map[string][]int64

		if len(n.Attrs) > 0 {
			wshapes = make(map[string][]int64, len(n.Attrs))

			for _, attr := range n.Attrs {
				w, ok := t.Attributes[AttrKey(n.Name, attr)]
				if !ok || w == nil {
					return fmt.Errorf("node %s: attribute %q missing", n.Name, attr)
				}

				wshapes[attr] = w.Shape()
			}
		}

		out, err := op.Check(in, wshapes, params)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}

		if len(n.Outputs) != len(out) {
			return fmt.Errorf("node %s: records %d outputs, operator produces %d", n.Name, len(n.Outputs), len(out))
		}

		values := make([]Value, len(out))

		for j, o := range out {
			rec := n.Outputs[j]
			v := Value{Name: rec.Name, Shape: o.Shape, DType: DTypeF32}

			if o.Kind == tensor.Discrete {
				v.DType = DTypeI64
			}

			if rec.DType != "" && (!tensor.ShapeEqual(rec.Shape, v.Shape) || rec.DType != v.DType) {
				return fmt.Errorf("node %s: output %s recorded as %s %s, inferred %s %s",
					n.Name, rec.Name, tensor.FormatShape(rec.Shape), rec.DType, tensor.FormatShape(v.Shape), v.DType)
			}

			if v.Name == "" {
				return fmt.Errorf("node %s: output %d has no name", n.Name, j)
			}

			if _, dup := env[v.Name]; dup {
				return fmt.Errorf("node %s: operand %q defined twice", n.Name, v.Name)
			}

			env[v.Name] = opset.Operand{Shape: v.Shape, Kind: o.Kind}
			values[j] = v
		}

		n.Outputs = values
	}

	if len(t.Outputs) == 0 {
		return fmt.Errorf("trace %q has no outputs", t.Name)
	}

	for _, name := range t.Outputs {
		if _, ok := env[name]; !ok {
			return fmt.Errorf("trace %q: output %q is not defined", t.Name, name)
		}
	}

	return nil
}
