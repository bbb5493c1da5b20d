//go:build !windows

package onnx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-opparity/internal/testutil"
)

func TestRunnerRoundTrip(t *testing.T) {
	libPath := testutil.RequireONNXRuntime(t)

	session, err := OpenSession(writeModel(t, identityModel()))
	require.NoError(t, err)

	runner, err := NewRunner(session, RunnerConfig{LibraryPath: libPath, APIVersion: 23})
	require.NoError(t, err)
	defer runner.Close()

	input, err := NewTensor([]float32{1, 2, 3, 4}, []int64{1, 4})
	require.NoError(t, err)

	outputs, err := runner.Run(context.Background(), map[string]*Tensor{"x": input})
	require.NoError(t, err)

	out, ok := outputs["y"]
	require.True(t, ok, "missing output y")

	data, err := ExtractFloat32(out)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, data)
	assert.Equal(t, "identity", runner.Name())
}

func TestRunnerCloseIsIdempotent(t *testing.T) {
	libPath := testutil.RequireONNXRuntime(t)

	session, err := OpenSession(writeModel(t, identityModel()))
	require.NoError(t, err)

	runner, err := NewRunner(session, RunnerConfig{LibraryPath: libPath})
	require.NoError(t, err)

	runner.Close()
	runner.Close()
}

func TestRunnerCheckFeed(t *testing.T) {
	r := &Runner{meta: Session{
		Name:   "pair",
		Inputs: []ValueInfo{{Name: "a"}, {Name: "b"}},
	}}

	x, err := NewTensor([]float32{1}, []int64{1})
	require.NoError(t, err)

	require.NoError(t, r.checkFeed(map[string]*Tensor{"a": x, "b": x}))

	err = r.checkFeed(map[string]*Tensor{"a": x})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing input "b"`)

	err = r.checkFeed(map[string]*Tensor{"a": x, "b": x, "c": x})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph declares 2 (a,b)")
}

func TestRunClosedRunner(t *testing.T) {
	r := &Runner{meta: Session{Name: "gone"}}

	_, err := r.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner is closed")
}

func TestShutdownRefusesOpenRunners(t *testing.T) {
	shared.mu.Lock()
	shared.refs = 1
	shared.mu.Unlock()

	t.Cleanup(func() {
		shared.mu.Lock()
		shared.refs = 0
		shared.mu.Unlock()
	})

	require.Error(t, releaseShared())
}
