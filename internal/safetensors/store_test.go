package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"maps"
	"math"
	"slices"
	"strings"
	"testing"
)

type rawTensor struct {
	dtype string
	shape []int64
	data  []byte
}

// buildSafetensors lays tensors out in the given map's sorted key order.
func buildSafetensors(t *testing.T, tensors map[string]rawTensor) []byte {
	t.Helper()

	header := make(map[string]storeHeaderEntry)

	var raw []byte

	for _, name := range slices.Sorted(maps.Keys(tensors)) {
		info := tensors[name]
		start := len(raw)
		raw = append(raw, info.data...)
		header[name] = storeHeaderEntry{DType: info.dtype, Shape: info.shape, Offsets: [2]int{start, len(raw)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)

	return append(buf, raw...)
}

func float32Bytes(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	return buf
}

func TestStoreTensorByName(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawTensor{
		"conv.weight": {dtype: "F32", shape: []int64{2}, data: float32Bytes([]float32{1, 2})},
		"conv.bias":   {dtype: "F32", shape: []int64{1, 3}, data: float32Bytes([]float32{3, 4, 5})},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	if got := strings.Join(store.Names(), "|"); got != "conv.bias|conv.weight" {
		t.Fatalf("Names() = %v; want [conv.bias conv.weight]", got)
	}

	tensor, err := store.Tensor("conv.bias")
	if err != nil {
		t.Fatalf("Tensor(conv.bias): %v", err)
	}

	if len(tensor.Shape) != 2 || tensor.Shape[0] != 1 || tensor.Shape[1] != 3 {
		t.Fatalf("shape = %v; want [1 3]", tensor.Shape)
	}

	if len(tensor.Data) != 3 || tensor.Data[0] != 3 || tensor.Data[2] != 5 {
		t.Fatalf("data = %v; want [3 4 5]", tensor.Data)
	}

	if store.DType("conv.bias") != DTypeF32 {
		t.Fatalf("DType = %q; want F32", store.DType("conv.bias"))
	}
}

func TestStoreHalfPrecision(t *testing.T) {
	f16 := make([]byte, 6)
	for i, bits := range []uint16{0x3c00, 0xc000, 0x3800} { // 1.0, -2.0, 0.5
		binary.LittleEndian.PutUint16(f16[i*2:], bits)
	}

	bf16 := make([]byte, 6)
	for i, v := range []float32{1.0, -2.0, 0.5} {
		binary.LittleEndian.PutUint16(bf16[i*2:], uint16(math.Float32bits(v)>>16))
	}

	blob := buildSafetensors(t, map[string]rawTensor{
		"half":  {dtype: "F16", shape: []int64{3}, data: f16},
		"bhalf": {dtype: "BF16", shape: []int64{3}, data: bf16},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	all, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	want := []float32{1.0, -2.0, 0.5}
	for _, name := range []string{"half", "bhalf"} {
		for i, v := range all[name].Data {
			if v != want[i] {
				t.Fatalf("%s[%d] = %v; want %v", name, i, v, want[i])
			}
		}
	}
}

func TestStoreEmptyPayload(t *testing.T) {
	blob := buildSafetensors(t, nil)

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	if len(store.Names()) != 0 {
		t.Fatalf("Names() = %v; want none", store.Names())
	}
}

func TestStoreMissingTensorListsAvailable(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawTensor{
		"alpha": {dtype: "F32", shape: []int64{2}, data: float32Bytes([]float32{1, 2})},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	_, err = store.Tensor("missing")
	if err == nil || !strings.Contains(err.Error(), "available: alpha") {
		t.Fatalf("Tensor(missing) error = %v; want available names", err)
	}
}

func TestStoreRejectsCorruptPayloads(t *testing.T) {
	badOffsets := func() []byte {
		header := `{"bad":{"dtype":"F32","shape":[1],"data_offsets":[4,2]}}`
		data := make([]byte, 8+len(header)+4)
		binary.LittleEndian.PutUint64(data[:8], uint64(len(header)))
		copy(data[8:], header)

		return data
	}()

	hugeHeader := make([]byte, 16)
	binary.LittleEndian.PutUint64(hugeHeader, 1<<40)

	tests := map[string][]byte{
		"empty":       {},
		"short":       {0, 0, 0, 0},
		"huge header": hugeHeader,
		"bad offsets": badOffsets,
		"unsupported dtype": buildSafetensors(t, map[string]rawTensor{
			"x": {dtype: "I64", shape: []int64{1}, data: make([]byte, 8)},
		}),
		"short data": buildSafetensors(t, map[string]rawTensor{
			"x": {dtype: "F32", shape: []int64{3}, data: float32Bytes([]float32{1, 2})},
		}),
	}

	for name, blob := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := OpenStoreFromBytes(blob); err == nil {
				t.Fatal("OpenStoreFromBytes succeeded; want error")
			}
		})
	}
}
