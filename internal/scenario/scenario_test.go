package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-opparity/internal/compare"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/stage"
)

const minimal = `
name: tiny
seed: 7
target: ncnn
inputs:
  - {name: x, shape: [1, 4]}
steps:
  - {op: F.silu, inputs: [x], outputs: [y]}
outputs:
  - {name: y}
`

func TestParseMinimal(t *testing.T) {
	sc, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "tiny", sc.Name)
	assert.Equal(t, uint64(7), sc.Seed)
	assert.Equal(t, "ncnn", sc.Target)
	assert.Equal(t, compare.DefaultTolerance, sc.Tolerance())
	require.Len(t, sc.Steps, 1)
	assert.Equal(t, "F.silu_0", sc.Steps[0].Name)
	assert.Equal(t, []Output{{Name: "y", Kind: tensor.Continuous}}, sc.Outputs)

	y, ok := sc.Operand("y")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 4}, y.Shape)
}

func TestBuiltins(t *testing.T) {
	all, err := Builtins()
	require.NoError(t, err)

	var names []string
	for _, sc := range all {
		names = append(names, sc.Name)
	}

	assert.Equal(t, []string{
		"F_avg_pool1d", "F_conv1d", "F_max_pool1d", "F_relu_tanh", "F_silu", "F_softmax", "nn_Linear_LayerNorm",
	}, names)
}

func TestBuiltinSilu(t *testing.T) {
	all, err := Builtins()
	require.NoError(t, err)

	sel, err := Select(all, []string{"F_silu"})
	require.NoError(t, err)
	sc := sel[0]

	assert.Equal(t, [][]int64{{1, 16}, {1, 2, 16}, {1, 3, 12, 16}}, sc.InputShapes())
	assert.Len(t, sc.Outputs, 3)
	assert.Equal(t, compare.Tolerance{Atol: 1e-4, Rtol: 1e-4}, sc.Tolerance())
}

func TestBuiltinMaxPool(t *testing.T) {
	all, err := Builtins()
	require.NoError(t, err)

	sel, err := Select(all, []string{"F_max_pool1d"})
	require.NoError(t, err)
	sc := sel[0]

	require.Len(t, sc.Steps, 7)
	assert.Equal(t, "pnnx", sc.Target)

	kinds := make([]tensor.Kind, len(sc.Outputs))
	for i, o := range sc.Outputs {
		kinds[i] = o.Kind
	}

	assert.Equal(t, []tensor.Kind{tensor.Continuous, tensor.Discrete, tensor.Continuous, tensor.Discrete}, kinds)

	p7, ok := sc.Operand("p7")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 12, 5}, p7.Shape)
	assert.Equal(t, []int{2, 3}, sc.Inputs[0].Ranks)
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"schema: missing steps": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 4]}]
outputs: [{name: x}]
`,
		"schema: unknown field": `
name: a
seed: 0
target: pnnx
color: red
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.silu, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`,
		"schema: zero dim": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 0]}]
steps: [{op: F.silu, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`,
		"schema: bad target": `
name: a
seed: 0
target: tflite
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.silu, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`,
		"bad name": `
name: "a-b"
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.silu, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`,
		"unknown op": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.hardswish, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`,
		"unknown operand": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.silu, inputs: [q], outputs: [y]}]
outputs: [{name: y}]
`,
		"duplicate operand": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.silu, inputs: [x], outputs: [x]}]
outputs: [{name: x}]
`,
		"arity": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 2, 8]}]
steps: [{op: F.max_pool1d, params: {kernel_size: 2}, inputs: [x], outputs: [y, i]}]
outputs: [{name: y}]
`,
		"rank": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [8]}]
steps: [{op: F.max_pool1d, params: {kernel_size: 2}, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`,
		"missing output": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.silu, inputs: [x], outputs: [y]}]
outputs: [{name: z}]
`,
		"output kind": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.silu, inputs: [x], outputs: [y]}]
outputs: [{name: y, kind: discrete}]
`,
		"missing weight": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 2, 8]}]
steps: [{op: F.conv1d, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`,
		"undeclared weight": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 2, 8]}]
steps: [{op: F.conv1d, inputs: [x], weights: {weight: w}, outputs: [y]}]
outputs: [{name: y}]
`,
		"bad padding": `
name: a
seed: 0
target: pnnx
inputs: [{name: x, shape: [1, 2, 8]}]
steps: [{op: F.max_pool1d, params: {kernel_size: 2, padding: 2}, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, stage.ErrConfiguration)
		})
	}
}

func TestNamesAreNFCNormalized(t *testing.T) {
	// e followed by a combining acute accent normalizes to U+00E9, which the
	// name pattern still rejects; the error quotes the normalized form.
	doc := "name: \"cafe\u0301\"\nseed: 0\ntarget: pnnx\n" +
		"inputs: [{name: x, shape: [1, 4]}]\nsteps: [{op: F.silu, inputs: [x], outputs: [y]}]\noutputs: [{name: y}]\n"

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "caf\u00e9")
	assert.NotContains(t, err.Error(), "cafe\u0301")
}

func TestToleranceDefaults(t *testing.T) {
	doc := `
name: a
seed: 0
target: pnnx
tolerance: {atol: 0.01}
inputs: [{name: x, shape: [1, 4]}]
steps: [{op: F.silu, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`
	sc, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, compare.Tolerance{Atol: 0.01, Rtol: 1e-4}, sc.Tolerance())
	assert.Equal(t, compare.Tolerance{Atol: 0.01, Rtol: 0.5}, sc.ToleranceOr(compare.Tolerance{Atol: 1, Rtol: 0.5}))
}

func TestBindDrawsInputsThenWeights(t *testing.T) {
	all, err := Builtins()
	require.NoError(t, err)

	sel, err := Select(all, []string{"F_conv1d"})
	require.NoError(t, err)

	a, err := sel[0].Bind()
	require.NoError(t, err)

	b, err := sel[0].Bind()
	require.NoError(t, err)

	require.Equal(t, 1, a.Inputs.Len())
	require.Len(t, a.Weights, 3)
	assert.Equal(t, a.Inputs.At(0).Value.Float.Data(), b.Inputs.At(0).Value.Float.Data())
	assert.Equal(t, a.Weights["w2"].Data(), b.Weights["w2"].Data())

	w := a.StepWeights(sel[0].Steps[0])
	assert.Equal(t, []int64{8, 6, 3}, w["weight"].Shape())
	assert.Equal(t, []int64{8}, w["bias"].Shape())
}

func TestOverrides(t *testing.T) {
	sc, err := Parse([]byte(minimal))
	require.NoError(t, err)

	seeded := sc.WithSeed(99)
	assert.Equal(t, uint64(99), seeded.Seed)
	assert.Equal(t, uint64(7), sc.Seed)

	onnx, err := sc.WithTarget("ort")
	require.NoError(t, err)
	assert.Equal(t, "onnx", onnx.Target)
	assert.Equal(t, "ncnn", sc.Target)

	_, err = sc.WithTarget("tflite")
	assert.ErrorIs(t, err, stage.ErrConfiguration)
}

func TestCatalogOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()

	custom := `
name: F_silu
seed: 3
target: pnnx
inputs: [{name: x, shape: [2, 4]}]
steps: [{op: F.silu, inputs: [x], outputs: [y]}]
outputs: [{name: y}]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "silu.yaml"), []byte(custom), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.yml"), []byte(minimal), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	all, err := Catalog(dir)
	require.NoError(t, err)

	sel, err := Select(all, []string{"F_silu", "tiny"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sel[0].Seed)
	assert.Equal(t, "tiny", sel[1].Name)

	_, err = Select(all, []string{"nope"})
	assert.ErrorIs(t, err, stage.ErrConfiguration)
}
