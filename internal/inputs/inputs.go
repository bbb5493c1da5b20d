// Package inputs generates the deterministic tensors bound to a scenario.
//
// Values come from a single PCG stream seeded explicitly by the caller and
// are drawn in declaration order, so the same seed and spec list always
// yield bit-identical tensors regardless of process, platform or
// concurrently running scenarios.
package inputs

import (
	"fmt"
	"slices"

	"golang.org/x/exp/rand"

	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/stage"
)

type DType string

const (
	F32 DType = "f32"
	I64 DType = "i64"
)

type Distribution string

const (
	// Uniform draws from [Low, High), defaulting to [0, 1).
	Uniform Distribution = "uniform"
	// Normal draws from N(Mean, Std), defaulting to N(0, 1).
	Normal Distribution = "normal"
	// RandInt draws integers from [Low, High).
	RandInt Distribution = "randint"
)

// Spec declares one generated tensor.
type Spec struct {
	Name  string
	Shape []int64
	DType DType
	Dist  Distribution
	Low   float64
	High  float64
	Mean  float64
	Std   float64
	// Ranks lists the ranks the consuming operator accepts; empty means any.
	Ranks []int
}

// Input is one named, generated tensor.
type Input struct {
	Name  string
	Value tensor.Output
}

// Set is an ordered, read-only collection of generated inputs shared by
// the reference and converted executions.
type Set struct {
	items []Input
}

// NewSet wraps already materialized inputs.
func NewSet(items ...Input) *Set {
	return &Set{items: append([]Input(nil), items...)}
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}

	return len(s.items)
}

func (s *Set) At(i int) Input { return s.items[i] }

// All returns the inputs in declaration order.
func (s *Set) All() []Input {
	if s == nil {
		return nil
	}

	return append([]Input(nil), s.items...)
}

// Lookup returns the input with the given name.
func (s *Set) Lookup(name string) (Input, bool) {
	for _, in := range s.items {
		if in.Name == name {
			return in, true
		}
	}

	return Input{}, false
}

// Shapes returns the input shapes in declaration order.
func (s *Set) Shapes() [][]int64 {
	out := make([][]int64, 0, s.Len())
	for _, in := range s.items {
		out = append(out, in.Value.Shape())
	}

	return out
}

// Generate validates specs and draws their values from a PCG source seeded
// with seed. Spec errors are configuration errors.
func Generate(seed uint64, specs []Spec) (*Set, error) {
	for i := range specs {
		if err := Validate(specs[i]); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewSource(seed))
	set := &Set{items: make([]Input, 0, len(specs))}

	for _, spec := range specs {
		value, err := draw(rng, spec)
		if err != nil {
			return nil, stage.Wrap(stage.Inputs, stage.ErrConfiguration, err)
		}

		set.items = append(set.items, Input{Name: spec.Name, Value: value})
	}

	return set, nil
}

// Validate checks a single spec without drawing any values.
func Validate(spec Spec) error {
	if len(spec.Shape) == 0 {
		return configf("input %q: shape must have at least one dimension", spec.Name)
	}

	for i, d := range spec.Shape {
		if d <= 0 {
			return configf("input %q: shape %v has non-positive dimension at %d", spec.Name, spec.Shape, i)
		}
	}

	if len(spec.Ranks) > 0 && !slices.Contains(spec.Ranks, len(spec.Shape)) {
		return configf("input %q: rank %d not accepted by consuming operator (want one of %v)", spec.Name, len(spec.Shape), spec.Ranks)
	}

	switch spec.DType {
	case "", F32, I64:
	default:
		return configf("input %q: unknown dtype %q", spec.Name, spec.DType)
	}

	switch spec.Dist {
	case "", Uniform, Normal:
	case RandInt:
		if int64(spec.High)-int64(spec.Low) <= 0 {
			return configf("input %q: randint requires high > low (got [%g, %g))", spec.Name, spec.Low, spec.High)
		}
	default:
		return configf("input %q: unknown distribution %q", spec.Name, spec.Dist)
	}

	if spec.DType == I64 && spec.Dist != RandInt {
		return configf("input %q: i64 inputs require the randint distribution", spec.Name)
	}

	if spec.Dist == Normal && spec.Std < 0 {
		return configf("input %q: normal std must be >= 0", spec.Name)
	}

	return nil
}

func draw(rng *rand.Rand, spec Spec) (tensor.Output, error) {
	n, err := tensor.ElemCount(spec.Shape)
	if err != nil {
		return tensor.Output{}, err
	}

	if spec.DType == I64 {
		span := int64(spec.High) - int64(spec.Low)
		if span <= 0 {
			return tensor.Output{}, fmt.Errorf("input %q: empty randint range", spec.Name)
		}

		data := make([]int64, n)
		for i := range data {
			data[i] = int64(spec.Low) + rng.Int63n(span)
		}

		x, err := tensor.NewIndex(data, spec.Shape)
		if err != nil {
			return tensor.Output{}, err
		}

		return tensor.IndexOutput(x), nil
	}

	data := make([]float32, n)

	switch spec.Dist {
	case Normal:
		std := spec.Std
		if std == 0 {
			std = 1
		}

		for i := range data {
			data[i] = float32(spec.Mean + std*rng.NormFloat64())
		}
	case RandInt:
		span := int64(spec.High) - int64(spec.Low)
		for i := range data {
			data[i] = float32(int64(spec.Low) + rng.Int63n(span))
		}
	default:
		low, high := spec.Low, spec.High
		if low == 0 && high == 0 {
			high = 1
		}

		for i := range data {
			data[i] = float32(low + (high-low)*float64(rng.Float32()))
		}
	}

	t, err := tensor.New(data, spec.Shape)
	if err != nil {
		return tensor.Output{}, err
	}

	return tensor.FloatOutput(t), nil
}

func configf(format string, args ...any) error {
	return stage.Errorf(stage.Inputs, stage.ErrConfiguration, format, args...)
}
