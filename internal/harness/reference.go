// Package harness drives scenarios through the parity pipeline: reference
// execution, export, conversion, converted execution and comparison. Each
// scenario advances through the stage state machine exactly once.
package harness

import (
	"github.com/example/go-opparity/internal/opset"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/scenario"
	"github.com/example/go-opparity/internal/stage"
)

// Reference runs the scenario steps in order with the operator kernels and
// returns the declared outputs in declaration order. The binding is only
// read; kernels never write to their arguments.
func Reference(sc *scenario.Scenario, b scenario.Binding) ([]tensor.Output, error) {
	if b.Inputs == nil || b.Inputs.Len() != len(sc.Inputs) {
		n := 0
		if b.Inputs != nil {
			n = b.Inputs.Len()
		}

		return nil, stage.Errorf(stage.Reference, stage.ErrExecution,
			"scenario %q: bound %d inputs, declared %d", sc.Name, n, len(sc.Inputs))
	}

	env := make(map[string]tensor.Output, len(sc.Inputs)+len(sc.Steps))
	for _, in := range b.Inputs.All() {
		env[in.Name] = in.Value
	}

	for _, step := range sc.Steps {
		op, ok := opset.Lookup(step.Op)
		if !ok {
			return nil, execf("step %s: unknown operator %q", step.Name, step.Op)
		}

		args := make([]tensor.Output, len(step.Inputs))
		for i, ref := range step.Inputs {
			v, ok := env[ref]
			if !ok {
				return nil, execf("step %s: operand %q not computed", step.Name, ref)
			}

			args[i] = v
		}

		res, err := op.Eval(args, b.StepWeights(step), step.Params)
		if err != nil {
			return nil, execf("step %s (%s): %w", step.Name, op.Name, err)
		}

		if len(res) != len(step.Outputs) {
			return nil, execf("step %s: %s returned %d outputs, want %d", step.Name, op.Name, len(res), len(step.Outputs))
		}

		for i, name := range step.Outputs {
			env[name] = res[i]
		}
	}

	out := make([]tensor.Output, len(sc.Outputs))

	for i, decl := range sc.Outputs {
		v, ok := env[decl.Name]
		if !ok {
			return nil, execf("output %q not computed", decl.Name)
		}

		if v.Kind != decl.Kind {
			return nil, execf("output %q is %s, declared %s", decl.Name, v.Kind, decl.Kind)
		}

		out[i] = v
	}

	return out, nil
}

func execf(format string, args ...any) error {
	return stage.Errorf(stage.Reference, stage.ErrExecution, format, args...)
}
