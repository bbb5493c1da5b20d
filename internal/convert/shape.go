package convert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/go-opparity/internal/runtime/tensor"
)

// FormatShapes renders input shapes as the converter's inputshape value:
// [1,16],[1,2,16].
func FormatShapes(shapes [][]int64) string {
	parts := make([]string, len(shapes))
	for i, s := range shapes {
		parts[i] = tensor.FormatShape(s)
	}

	return strings.Join(parts, ",")
}

// ParseShapes is the inverse of FormatShapes. A dtype suffix after a
// closing bracket ([1,3]f32) is accepted and ignored.
func ParseShapes(s string) ([][]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var out [][]int64

	for len(s) > 0 {
		if s[0] != '[' {
			return nil, fmt.Errorf("convert: shape descriptor %q: expected '['", s)
		}

		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("convert: shape descriptor %q: missing ']'", s)
		}

		body := s[1:end]
		if body == "" {
			return nil, fmt.Errorf("convert: empty shape in descriptor")
		}

		var shape []int64

		for _, f := range strings.Split(body, ",") {
			d, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("convert: invalid dimension %q in [%s]", f, body)
			}

			shape = append(shape, d)
		}

		out = append(out, shape)
		s = s[end+1:]

		for _, suffix := range []string{"f32", "f16", "i64", "i32"} {
			if strings.HasPrefix(s, suffix) {
				s = s[len(suffix):]
				break
			}
		}

		if s == "" {
			break
		}

		if s[0] != ',' {
			return nil, fmt.Errorf("convert: unexpected %q after shape", s)
		}

		s = s[1:]
		if s == "" {
			return nil, fmt.Errorf("convert: trailing ',' in shape descriptor")
		}
	}

	return out, nil
}
