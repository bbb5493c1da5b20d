//go:build integration && !windows

package onnx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-opparity/internal/config"
)

// ortLibPath returns the detected ORT library path, skipping if unavailable.
func ortLibPath(t *testing.T) string {
	t.Helper()

	info, err := DetectRuntime(config.RuntimeConfig{})
	if err != nil {
		t.Skipf("ONNX Runtime library not detected: %v", err)
	}

	return info.LibraryPath
}

func TestRunnerIntegration_IndexOutputs(t *testing.T) {
	libPath := ortLibPath(t)

	m := Model{
		Producer: "test",
		Opset:    17,
		Graph: Graph{
			Name: "argmax",
			Nodes: []Node{{
				Name:    "argmax",
				OpType:  "ArgMax",
				Inputs:  []string{"x"},
				Outputs: []string{"y"},
				Attrs:   []Attribute{IntAttr("axis", 1), IntAttr("keepdims", 0)},
			}},
			Inputs:  []ValueInfo{{Name: "x", ElemType: ElemFloat, Shape: []int64{2, 3}}},
			Outputs: []ValueInfo{{Name: "y", ElemType: ElemInt64, Shape: []int64{2}}},
		},
	}

	session, err := OpenSession(writeModel(t, m))
	require.NoError(t, err)

	runner, err := NewRunner(session, RunnerConfig{LibraryPath: libPath})
	require.NoError(t, err)
	defer runner.Close()

	x, err := NewTensor([]float32{0, 5, 1, 9, 2, 3}, []int64{2, 3})
	require.NoError(t, err)

	out, err := runner.Run(context.Background(), map[string]*Tensor{"x": x})
	require.NoError(t, err)

	got, err := ExtractInt64(out["y"])
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0}, got)
}
