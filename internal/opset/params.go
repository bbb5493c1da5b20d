package opset

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParamKind is the value type of an operator parameter.
type ParamKind int

const (
	Int ParamKind = iota
	Bool
	Float
	Ints
	String
)

func (k ParamKind) String() string {
	switch k {
	case Int:
		return "int"
	case Bool:
		return "bool"
	case Float:
		return "float"
	case Ints:
		return "int list"
	case String:
		return "string"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// ParamSpec declares one accepted parameter. A nil Default marks the
// parameter as required.
type ParamSpec struct {
	Name    string
	Kind    ParamKind
	Default any
}

// Params holds normalized parameter values: int64, bool, float64, []int64
// or string.
type Params map[string]any

func (p Params) Int(name string) int64 {
	v, _ := p[name].(int64)
	return v
}

func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

func (p Params) Float(name string) float64 {
	v, _ := p[name].(float64)
	return v
}

func (p Params) Ints(name string) []int64 {
	v, _ := p[name].([]int64)
	return append([]int64(nil), v...)
}

func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Normalize converts raw decoded values (from YAML or a trace document) to
// the declared kinds, fills defaults, and rejects unknown or missing
// parameters.
func Normalize(specs []ParamSpec, raw map[string]any) (Params, error) {
	out := make(Params, len(specs))
	known := make(map[string]bool, len(specs))

	for _, spec := range specs {
		known[spec.Name] = true

		v, ok := raw[spec.Name]
		if !ok || v == nil {
			if spec.Default == nil {
				return nil, fmt.Errorf("missing required parameter %q", spec.Name)
			}

			v = spec.Default
		}

		cv, err := coerce(spec.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
		}

		out[spec.Name] = cv
	}

	for name := range raw {
		if !known[name] {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
	}

	return out, nil
}

func coerce(kind ParamKind, v any) (any, error) {
	switch kind {
	case Int:
		return toInt(v)
	case Bool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return ParseBool(b)
		}
	case Float:
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		case int:
			return float64(f), nil
		case int64:
			return float64(f), nil
		}
	case Ints:
		switch xs := v.(type) {
		case []int64:
			return append([]int64(nil), xs...), nil
		case []int:
			out := make([]int64, len(xs))
			for i, x := range xs {
				out[i] = int64(x)
			}

			return out, nil
		case []any:
			out := make([]int64, len(xs))
			for i, x := range xs {
				n, err := toInt(x)
				if err != nil {
					return nil, err
				}

				out[i] = n
			}

			return out, nil
		default:
			n, err := toInt(v)
			if err != nil {
				return nil, err
			}

			return []int64{n}, nil
		}
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}

	return nil, fmt.Errorf("want %s, got %T", kind, v)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", n)
		}

		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("want integer, got %g", n)
		}

		return int64(n), nil
	case []any:
		if len(n) == 1 {
			return toInt(n[0])
		}
	case []int64:
		if len(n) == 1 {
			return n[0], nil
		}
	}

	return 0, fmt.Errorf("want int, got %T", v)
}

// FormatValue renders a parameter value in the textual graph format:
// True/False, plain integers, %e floats, (a,b) tuples, bare strings.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}

		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return fmt.Sprintf("%e", x)
	case []int64:
		parts := make([]string, len(x))
		for i, n := range x {
			parts[i] = strconv.FormatInt(n, 10)
		}

		return "(" + strings.Join(parts, ",") + ")"
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// ParseValue parses text produced by FormatValue into a value of kind.
func ParseValue(kind ParamKind, text string) (any, error) {
	switch kind {
	case Int:
		text = strings.Trim(text, "()")
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse int %q: %w", text, err)
		}

		return n, nil
	case Bool:
		return ParseBool(text)
	case Float:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("parse float %q: %w", text, err)
		}

		return f, nil
	case Ints:
		inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(text, "("), ")"))
		if inner == "" {
			return []int64{}, nil
		}

		parts := strings.Split(inner, ",")
		out := make([]int64, 0, len(parts))

		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse int list %q: %w", text, err)
			}

			out = append(out, n)
		}

		return out, nil
	case String:
		return text, nil
	default:
		return nil, fmt.Errorf("unsupported parameter kind %s", kind)
	}
}

// ParseBool accepts the graph format spellings True/False as well as Go's.
func ParseBool(text string) (bool, error) {
	switch text {
	case "True", "true", "1":
		return true, nil
	case "False", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("parse bool %q", text)
	}
}
