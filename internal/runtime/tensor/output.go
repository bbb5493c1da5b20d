package tensor

import "fmt"

// Kind tags an execution output as floating point or integer index data.
type Kind int

const (
	// Continuous outputs are float32 and compared with a tolerance.
	Continuous Kind = iota
	// Discrete outputs are int64 positions and compared exactly.
	Discrete
)

func (k Kind) String() string {
	switch k {
	case Continuous:
		return "continuous"
	case Discrete:
		return "discrete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = v

	return nil
}

// ParseKind maps a textual kind to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "continuous", "f32", "float":
		return Continuous, nil
	case "discrete", "i64", "index":
		return Discrete, nil
	default:
		return 0, fmt.Errorf("tensor: unknown output kind %q", s)
	}
}

// Output is one position of an execution result. Exactly one of Float and
// Index is set, selected by Kind.
type Output struct {
	Kind  Kind
	Float *Tensor
	Index *Index
}

// FloatOutput wraps a float tensor as a continuous output.
func FloatOutput(t *Tensor) Output {
	return Output{Kind: Continuous, Float: t}
}

// IndexOutput wraps an index tensor as a discrete output.
func IndexOutput(x *Index) Output {
	return Output{Kind: Discrete, Index: x}
}

// Shape returns the shape of whichever tensor the output carries.
func (o Output) Shape() []int64 {
	if o.Kind == Discrete {
		return o.Index.Shape()
	}

	return o.Float.Shape()
}

// ElemCount returns the element count of the carried tensor.
func (o Output) ElemCount() int {
	if o.Kind == Discrete {
		return o.Index.ElemCount()
	}

	return o.Float.ElemCount()
}

// Valid reports whether the tensor matching Kind is present.
func (o Output) Valid() bool {
	if o.Kind == Discrete {
		return o.Index != nil
	}

	return o.Float != nil
}
