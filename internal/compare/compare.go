// Package compare pairs reference and converted outputs positionally and
// applies the per-kind equivalence predicate.
package compare

import (
	"fmt"
	"math"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

// Outcome is the comparison result for one output position.
type Outcome struct {
	Index int         `json:"index"`
	Name  string      `json:"name,omitempty"`
	Kind  tensor.Kind `json:"kind"`
	Pass  bool        `json:"pass"`

	RefShape []int64 `json:"ref_shape,omitempty"`
	GotShape []int64 `json:"got_shape,omitempty"`

	// Continuous diagnostics.
	MaxAbsErr float64 `json:"max_abs_err,omitempty"`
	MaxRelErr float64 `json:"max_rel_err,omitempty"`

	// Mismatches counts failing elements; FirstMismatch is the flat index
	// of the first one, or -1.
	Mismatches    int `json:"mismatches"`
	FirstMismatch int `json:"first_mismatch"`

	// Reason describes a structural failure (arity, kind or shape).
	Reason string `json:"reason,omitempty"`
}

// Compare applies the tolerance predicate to continuous positions and exact
// equality to discrete ones. Arity, kind and shape mismatches produce failed
// outcomes rather than errors. The result has max(len(ref), len(got))
// entries.
func Compare(ref, got []tensor.Output, tol Tolerance) []Outcome {
	n := max(len(ref), len(got))
	out := make([]Outcome, n)

	for i := range n {
		o := Outcome{Index: i, FirstMismatch: -1}

		switch {
		case i >= len(got):
			o.Kind = ref[i].Kind
			o.RefShape = shapeOf(ref[i])
			o.Reason = "missing converted output"
		case i >= len(ref):
			o.Kind = got[i].Kind
			o.GotShape = shapeOf(got[i])
			o.Reason = "unexpected converted output"
		default:
			o = compareOne(i, ref[i], got[i], tol)
		}

		out[i] = o
	}

	return out
}

func compareOne(i int, ref, got tensor.Output, tol Tolerance) Outcome {
	o := Outcome{
		Index:         i,
		Kind:          ref.Kind,
		RefShape:      shapeOf(ref),
		GotShape:      shapeOf(got),
		FirstMismatch: -1,
	}

	if !ref.Valid() || !got.Valid() {
		o.Reason = "output tensor missing"
		return o
	}

	if ref.Kind != got.Kind {
		o.Reason = fmt.Sprintf("kind mismatch: reference %s, converted %s", ref.Kind, got.Kind)
		return o
	}

	if !tensor.ShapeEqual(o.RefShape, o.GotShape) {
		o.Reason = fmt.Sprintf("shape mismatch: reference %s, converted %s",
			tensor.FormatShape(o.RefShape), tensor.FormatShape(o.GotShape))

		return o
	}

	if ref.Kind == tensor.Discrete {
		compareDiscrete(&o, ref.Index.RawData(), got.Index.RawData())
	} else {
		compareContinuous(&o, ref.Float.RawData(), got.Float.RawData(), tol)
	}

	o.Pass = o.Mismatches == 0

	return o
}

func compareContinuous(o *Outcome, a, b []float32, tol Tolerance) {
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])

		if !tol.Close(av, bv) {
			o.Mismatches++
			if o.FirstMismatch < 0 {
				o.FirstMismatch = i
			}
		}

		absErr := math.Abs(av - bv)
		if math.IsNaN(absErr) || math.IsInf(absErr, 0) {
			continue
		}

		o.MaxAbsErr = max(o.MaxAbsErr, absErr)

		relErr := absErr
		if den := math.Abs(bv); den > 0 {
			relErr = absErr / den
		}

		o.MaxRelErr = max(o.MaxRelErr, relErr)
	}
}

func compareDiscrete(o *Outcome, a, b []int64) {
	for i := range a {
		if a[i] != b[i] {
			o.Mismatches++
			if o.FirstMismatch < 0 {
				o.FirstMismatch = i
			}
		}
	}
}

// Verdict is the logical AND of every outcome. An empty list passes only
// when both executions produced nothing, which the pipeline never allows.
func Verdict(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.Pass {
			return false
		}
	}

	return true
}

// Failed returns the failing outcomes in position order.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if !o.Pass {
			out = append(out, o)
		}
	}

	return out
}

func shapeOf(o tensor.Output) []int64 {
	if !o.Valid() {
		return nil
	}

	return o.Shape()
}
