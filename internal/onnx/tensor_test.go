package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensor(t *testing.T) {
	t.Run("float32 ok", func(t *testing.T) {
		tt, err := NewTensor([]float32{1, 2, 3, 4}, []int64{2, 2})
		require.NoError(t, err)

		assert.Equal(t, DTypeFloat32, tt.DType())
		assert.Equal(t, []int64{2, 2}, tt.Shape())

		got, err := ExtractFloat32(tt)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3, 4}, got)
	})

	t.Run("int64 ok", func(t *testing.T) {
		tt, err := NewTensor([]int64{4, 0, 9}, []int64{1, 3})
		require.NoError(t, err)

		assert.Equal(t, DTypeInt64, tt.DType())

		got, err := ExtractInt64(tt)
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 0, 9}, got)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := NewTensor([]int64{1, 2, 3}, []int64{2, 2})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expects 4 elements, got 3")
	})

	t.Run("negative dim", func(t *testing.T) {
		_, err := NewTensor([]float32{}, []int64{-1})
		require.Error(t, err)
	})
}

func TestExtractDTypeMismatch(t *testing.T) {
	f, err := NewTensor([]float32{1}, []int64{1})
	require.NoError(t, err)

	_, err = ExtractInt64(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dtype float32")

	_, err = ExtractFloat32(nil)
	require.Error(t, err)
}

func TestTensorCopiesAreIsolated(t *testing.T) {
	src := []float32{1, 2}
	tt, err := NewTensor(src, []int64{2})
	require.NoError(t, err)

	src[0] = 99
	data := tt.Data().([]float32)
	data[1] = 42

	got, err := ExtractFloat32(tt)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)
}
