package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/x448/float16"
)

// EncodeOptions selects the stored element type. The zero value stores F32.
type EncodeOptions struct {
	DType string
}

// EncodeTensors serializes tensors sorted by name. An empty list encodes
// to a header-only payload.
func EncodeTensors(tensors []Tensor, opts EncodeOptions) ([]byte, error) {
	dtype := strings.ToUpper(opts.DType)
	if dtype == "" {
		dtype = DTypeF32
	}

	if dtype != DTypeF32 && dtype != DTypeF16 {
		return nil, fmt.Errorf("safetensors: cannot encode dtype %q", opts.DType)
	}

	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	header := make(map[string]storeHeaderEntry, len(sorted))
	size := dtypeBytes(dtype)
	raw := make([]byte, 0)

	for _, tensor := range sorted {
		name := strings.TrimSpace(tensor.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		elemCount, err := shapeElementCount(tensor.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if int64(len(tensor.Data)) != elemCount {
			return nil, fmt.Errorf(
				"safetensors: tensor %q shape %v expects %d elements, got %d",
				name, tensor.Shape, elemCount, len(tensor.Data),
			)
		}

		start := len(raw)
		raw = append(raw, make([]byte, len(tensor.Data)*size)...)

		for i, v := range tensor.Data {
			if dtype == DTypeF16 {
				binary.LittleEndian.PutUint16(raw[start+i*2:], float16.Fromfloat32(v).Bits())
			} else {
				binary.LittleEndian.PutUint32(raw[start+i*4:], math.Float32bits(v))
			}
		}

		header[name] = storeHeaderEntry{
			DType:   dtype,
			Shape:   append([]int64(nil), tensor.Shape...),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes tensors into a .safetensors file.
func WriteFile(path string, tensors []Tensor, opts EncodeOptions) error {
	data, err := EncodeTensors(tensors, opts)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
