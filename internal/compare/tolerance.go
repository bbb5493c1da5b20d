package compare

import (
	"fmt"
	"math"
)

// Tolerance bounds the acceptable drift of a continuous output:
// |a-b| <= Atol + Rtol*|b|, where b is the converted value.
type Tolerance struct {
	Atol float64 `json:"atol" yaml:"atol"`
	Rtol float64 `json:"rtol" yaml:"rtol"`
}

// DefaultTolerance matches torch.allclose(a, b, 1e-4, 1e-4).
var DefaultTolerance = Tolerance{Atol: 1e-4, Rtol: 1e-4}

// Validate rejects negative bounds.
func (t Tolerance) Validate() error {
	if t.Atol < 0 || t.Rtol < 0 {
		return fmt.Errorf("compare: tolerance must be >= 0 (atol=%g rtol=%g)", t.Atol, t.Rtol)
	}

	return nil
}

// Close reports whether a (reference) and b (converted) are within
// tolerance. The relative term scales with |b| only, so Close is not
// symmetric. NaN is close only to NaN; equal infinities are close.
func (t Tolerance) Close(a, b float64) bool {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	if aNaN || bNaN {
		return aNaN && bNaN
	}

	// An infinite bound would admit any finite value.
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return a == b
	}

	if a == b {
		return true
	}

	return math.Abs(a-b) <= t.Atol+t.Rtol*math.Abs(b)
}

func (t Tolerance) String() string {
	return fmt.Sprintf("atol=%g rtol=%g", t.Atol, t.Rtol)
}
