// Package opset is the registry of operators a scenario can chain. Each
// entry carries everything the pipeline needs to know about an operator:
// accepted input ranks, parameters, weight attributes, shape inference, the
// reference kernel and whether its control flow depends on data.
package opset

import (
	"fmt"
	"slices"
	"sort"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

// Operand describes a value flowing between operators.
type Operand struct {
	Shape []int64
	Kind  tensor.Kind
}

// Op describes one operator type.
type Op struct {
	Name string
	// Inputs is the number of positional tensor inputs.
	Inputs int
	// Ranks lists accepted ranks per input; a nil entry accepts any rank.
	Ranks  [][]int
	Params []ParamSpec
	// Weights names the attributes the operator reads; Optional ones may be absent.
	Weights  []string
	Optional []string
	// Dynamic marks data-dependent control flow that cannot be traced.
	Dynamic bool
	// Outputs returns the output count for the given parameters.
	Outputs func(Params) int
	Infer   func(in []Operand, weights map[string][]int64, p Params) ([]Operand, error)
	Eval    func(in []tensor.Output, weights map[string]*tensor.Tensor, p Params) ([]tensor.Output, error)
}

// NumOutputs returns the number of outputs produced for p.
func (o *Op) NumOutputs(p Params) int {
	if o.Outputs == nil {
		return 1
	}

	return o.Outputs(p)
}

// AcceptsRank reports whether input i may have the given rank.
func (o *Op) AcceptsRank(i, rank int) bool {
	if i >= len(o.Ranks) || o.Ranks[i] == nil {
		return true
	}

	return slices.Contains(o.Ranks[i], rank)
}

// InputRanks returns the accepted ranks for input i, nil when any rank works.
func (o *Op) InputRanks(i int) []int {
	if i >= len(o.Ranks) {
		return nil
	}

	return o.Ranks[i]
}

// RequiresWeight reports whether name must be bound for the operator to run.
func (o *Op) RequiresWeight(name string) bool {
	return slices.Contains(o.Weights, name) && !slices.Contains(o.Optional, name)
}

// Check validates operand count, ranks, kinds and weights, then returns the
// inferred output operands.
func (o *Op) Check(in []Operand, weights map[string][]int64, p Params) ([]Operand, error) {
	if len(in) != o.Inputs {
		return nil, fmt.Errorf("%s expects %d inputs, got %d", o.Name, o.Inputs, len(in))
	}

	for i, operand := range in {
		if !o.AcceptsRank(i, len(operand.Shape)) {
			return nil, fmt.Errorf("%s input %d has rank %d, want one of %v", o.Name, i, len(operand.Shape), o.Ranks[i])
		}

		if operand.Kind != tensor.Continuous {
			return nil, fmt.Errorf("%s input %d must be a floating point tensor", o.Name, i)
		}
	}

	for name := range weights {
		if !slices.Contains(o.Weights, name) {
			return nil, fmt.Errorf("%s has no weight attribute %q", o.Name, name)
		}
	}

	for _, name := range o.Weights {
		if _, ok := weights[name]; !ok && o.RequiresWeight(name) {
			return nil, fmt.Errorf("%s requires weight %q", o.Name, name)
		}
	}

	out, err := o.Infer(in, weights, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}

	if len(out) != o.NumOutputs(p) {
		return nil, fmt.Errorf("%s inferred %d outputs, declared %d", o.Name, len(out), o.NumOutputs(p))
	}

	return out, nil
}

var registry = map[string]*Op{}

func register(op *Op) {
	if _, dup := registry[op.Name]; dup {
		panic("opset: duplicate operator " + op.Name)
	}

	registry[op.Name] = op
}

// Lookup returns the operator registered under name.
func Lookup(name string) (*Op, bool) {
	op, ok := registry[name]
	return op, ok
}

// Names returns every registered operator name in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func one(Params) int { return 1 }

func floatInputs(in []tensor.Output) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(in))
	for i, v := range in {
		if v.Kind != tensor.Continuous || v.Float == nil {
			return nil, fmt.Errorf("input %d must be a floating point tensor", i)
		}

		out[i] = v.Float
	}

	return out, nil
}

func same(in []Operand, _ map[string][]int64, _ Params) ([]Operand, error) {
	return []Operand{{Shape: append([]int64(nil), in[0].Shape...), Kind: tensor.Continuous}}, nil
}
