package tensor

import "math"

// equalF32 compares element-wise within tol; tol 0 demands bit-exact
// values apart from matching NaNs.
func equalF32(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if math.IsNaN(x) || math.IsNaN(y) {
			if math.IsNaN(x) != math.IsNaN(y) {
				return false
			}

			continue
		}

		if math.Abs(x-y) > tol {
			return false
		}
	}

	return true
}
