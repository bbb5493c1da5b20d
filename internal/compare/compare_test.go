package compare

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

func floatOut(t *testing.T, data []float32, shape ...int64) tensor.Output {
	t.Helper()

	x, err := tensor.New(data, shape)
	require.NoError(t, err)

	return tensor.FloatOutput(x)
}

func indexOut(t *testing.T, data []int64, shape ...int64) tensor.Output {
	t.Helper()

	x, err := tensor.NewIndex(data, shape)
	require.NoError(t, err)

	return tensor.IndexOutput(x)
}

func TestCloseScalesRelativeTermByConverted(t *testing.T) {
	tol := Tolerance{Atol: 0, Rtol: 1}

	// |0-1| <= 1*|1| holds, |1-0| <= 1*|0| does not.
	assert.True(t, tol.Close(0, 1))
	assert.False(t, tol.Close(1, 0))
}

func TestCloseSpecialValues(t *testing.T) {
	tol := DefaultTolerance

	assert.True(t, tol.Close(math.NaN(), math.NaN()))
	assert.False(t, tol.Close(math.NaN(), 0))
	assert.False(t, tol.Close(0, math.NaN()))
	assert.True(t, tol.Close(math.Inf(1), math.Inf(1)))
	assert.False(t, tol.Close(math.Inf(1), math.Inf(-1)))
	assert.False(t, tol.Close(math.Inf(1), 1e30))
	assert.False(t, tol.Close(5, math.Inf(1)))
	assert.False(t, tol.Close(-5, math.Inf(-1)))
	assert.True(t, tol.Close(math.Inf(-1), math.Inf(-1)))
}

func TestCloseFormulaProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float64Range(-1e3, 1e3).Draw(t, "a")
		b := rapid.Float64Range(-1e3, 1e3).Draw(t, "b")
		atol := rapid.Float64Range(0, 1).Draw(t, "atol")
		rtol := rapid.Float64Range(0, 1).Draw(t, "rtol")

		tol := Tolerance{Atol: atol, Rtol: rtol}
		want := math.Abs(a-b) <= atol+rtol*math.Abs(b)

		if got := tol.Close(a, b); got != want {
			t.Fatalf("Close(%g, %g) with %s = %v; want %v", a, b, tol, got, want)
		}

		if !tol.Close(a, a) {
			t.Fatalf("Close(%g, %g) = false; a value must be close to itself", a, a)
		}
	})
}

func TestCompareContinuousWithinTolerance(t *testing.T) {
	ref := []tensor.Output{floatOut(t, []float32{1, 2, 3}, 1, 3)}
	got := []tensor.Output{floatOut(t, []float32{1.00005, 2, 3.0002}, 1, 3)}

	out := Compare(ref, got, DefaultTolerance)
	require.Len(t, out, 1)
	assert.True(t, out[0].Pass)
	assert.Equal(t, -1, out[0].FirstMismatch)
	assert.InDelta(t, 2e-4, out[0].MaxAbsErr, 1e-6)
	assert.True(t, Verdict(out))
}

func TestCompareContinuousOutsideTolerance(t *testing.T) {
	ref := []tensor.Output{floatOut(t, []float32{1, 2, 3, 4}, 4)}
	got := []tensor.Output{floatOut(t, []float32{1, 2.01, 3, 4.5}, 4)}

	out := Compare(ref, got, DefaultTolerance)
	assert.False(t, out[0].Pass)
	assert.Equal(t, 2, out[0].Mismatches)
	assert.Equal(t, 1, out[0].FirstMismatch)
	assert.False(t, Verdict(out))
	assert.Len(t, Failed(out), 1)
}

func TestCompareDiscreteIsExact(t *testing.T) {
	ref := []tensor.Output{indexOut(t, []int64{0, 4, 7, 9}, 1, 4)}
	got := []tensor.Output{indexOut(t, []int64{0, 4, 8, 9}, 1, 4)}

	// A tolerance large enough to absorb the difference must not apply.
	out := Compare(ref, got, Tolerance{Atol: 10, Rtol: 10})
	assert.False(t, out[0].Pass)
	assert.Equal(t, 1, out[0].Mismatches)
	assert.Equal(t, 2, out[0].FirstMismatch)
}

func TestCompareStructuralMismatches(t *testing.T) {
	tests := []struct {
		name   string
		ref    []tensor.Output
		got    []tensor.Output
		reason string
		n      int
	}{
		{
			name:   "shape",
			ref:    []tensor.Output{floatOut(t, []float32{1, 2, 3, 4}, 1, 4)},
			got:    []tensor.Output{floatOut(t, []float32{1, 2, 3, 4}, 2, 2)},
			reason: "shape mismatch",
			n:      1,
		},
		{
			name:   "kind",
			ref:    []tensor.Output{floatOut(t, []float32{1, 2}, 2)},
			got:    []tensor.Output{indexOut(t, []int64{1, 2}, 2)},
			reason: "kind mismatch",
			n:      1,
		},
		{
			name:   "missing",
			ref:    []tensor.Output{floatOut(t, []float32{1}, 1), floatOut(t, []float32{2}, 1)},
			got:    []tensor.Output{floatOut(t, []float32{1}, 1)},
			reason: "missing converted output",
			n:      2,
		},
		{
			name:   "extra",
			ref:    []tensor.Output{floatOut(t, []float32{1}, 1)},
			got:    []tensor.Output{floatOut(t, []float32{1}, 1), indexOut(t, []int64{0}, 1)},
			reason: "unexpected converted output",
			n:      2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out []Outcome
			require.NotPanics(t, func() { out = Compare(tt.ref, tt.got, DefaultTolerance) })
			require.Len(t, out, tt.n)
			assert.False(t, Verdict(out))

			failed := Failed(out)
			require.Len(t, failed, 1)
			assert.Contains(t, failed[0].Reason, tt.reason)
		})
	}
}

func TestCompareNaNPositions(t *testing.T) {
	nan := float32(math.NaN())

	same := Compare(
		[]tensor.Output{floatOut(t, []float32{nan, 1}, 2)},
		[]tensor.Output{floatOut(t, []float32{nan, 1}, 2)},
		DefaultTolerance,
	)
	assert.True(t, Verdict(same))

	moved := Compare(
		[]tensor.Output{floatOut(t, []float32{nan, 1}, 2)},
		[]tensor.Output{floatOut(t, []float32{1, nan}, 2)},
		DefaultTolerance,
	)
	assert.False(t, Verdict(moved))
	assert.Equal(t, 2, moved[0].Mismatches)
}

func TestCompareConvertedOverflowFails(t *testing.T) {
	inf := float32(math.Inf(1))

	out := Compare(
		[]tensor.Output{floatOut(t, []float32{1, 2, 3}, 1, 3)},
		[]tensor.Output{floatOut(t, []float32{1, inf, 3}, 1, 3)},
		DefaultTolerance,
	)
	require.Len(t, out, 1)
	assert.False(t, out[0].Pass)
	assert.Equal(t, 1, out[0].Mismatches)
	assert.Equal(t, 1, out[0].FirstMismatch)
	assert.False(t, Verdict(out))

	same := Compare(
		[]tensor.Output{floatOut(t, []float32{inf, 2}, 2)},
		[]tensor.Output{floatOut(t, []float32{inf, 2}, 2)},
		DefaultTolerance,
	)
	assert.True(t, Verdict(same))
}

func TestToleranceValidate(t *testing.T) {
	assert.NoError(t, DefaultTolerance.Validate())
	assert.Error(t, Tolerance{Atol: -1}.Validate())
}
