package ops

import (
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

// ramp returns n values in [-0.5, 0.5) with no two neighbours equal, so
// max pooling windows have a unique winner.
func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i*7%23)/23 - 0.5
	}

	return out
}

// equalApprox compares element-wise; NaN matches only NaN at the same index.
func equalApprox(got, want []float32, tol float64) bool {
	return slices.EqualFunc(got, want, func(g, w float32) bool {
		gNaN, wNaN := math.IsNaN(float64(g)), math.IsNaN(float64(w))
		if gNaN || wNaN {
			return gNaN && wNaN
		}

		return math.Abs(float64(g-w)) <= tol
	})
}

// mustTensor builds a kernel operand or fails the test.
func mustTensor(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("operand %v: %v", shape, err)
	}

	return x
}

func assertShape(t *testing.T, got, want []int64) {
	t.Helper()

	if !slices.Equal(got, want) {
		t.Fatalf("shape = %v; want %v", got, want)
	}
}

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	switch {
	case err == nil:
		t.Fatalf("expected error containing %q, got nil", substr)
	case !strings.Contains(err.Error(), substr):
		t.Fatalf("error %q does not contain %q", err, substr)
	}
}
