package tensor

import (
	"slices"
	"strings"
	"testing"
)

func TestReshapePreservesValues(t *testing.T) {
	x, err := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	y, err := x.Reshape([]int64{3, 2})
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}
	if got := y.Shape(); !slices.Equal(got, []int64{3, 2}) {
		t.Fatalf("shape = %v, want [3 2]", got)
	}
	if got := y.Data(); !equalF32(got, []float32{1, 2, 3, 4, 5, 6}, 0) {
		t.Fatalf("data = %v", got)
	}
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	_, err := New([]float32{1, 2, 3}, []int64{2, 2})
	if err == nil || !strings.Contains(err.Error(), "does not match shape") {
		t.Fatalf("New error = %v; want length mismatch", err)
	}
}

func TestMapDoesNotMutateSource(t *testing.T) {
	x, _ := New([]float32{1, 2, 3}, []int64{3})
	y := x.Map(func(v float32) float32 { return v * 2 })

	if got := x.Data(); !equalF32(got, []float32{1, 2, 3}, 0) {
		t.Fatalf("source = %v; want unchanged", got)
	}
	if got := y.Data(); !equalF32(got, []float32{2, 4, 6}, 0) {
		t.Fatalf("mapped = %v; want [2 4 6]", got)
	}
}

func TestBroadcastAddMul(t *testing.T) {
	a, _ := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})
	b, _ := New([]float32{10, 20, 30}, []int64{1, 3})
	add, err := BroadcastAdd(a, b)
	if err != nil {
		t.Fatalf("broadcast add: %v", err)
	}
	wantAdd := []float32{11, 22, 33, 14, 25, 36}
	if got := add.Data(); !equalF32(got, wantAdd, 0) {
		t.Fatalf("add = %v, want %v", got, wantAdd)
	}

	mul, err := BroadcastMul(a, b)
	if err != nil {
		t.Fatalf("broadcast mul: %v", err)
	}
	wantMul := []float32{10, 40, 90, 40, 100, 180}
	if got := mul.Data(); !equalF32(got, wantMul, 0) {
		t.Fatalf("mul = %v, want %v", got, wantMul)
	}
}

func TestBroadcastShape(t *testing.T) {
	tests := []struct {
		a, b    []int64
		want    []int64
		wantErr bool
	}{
		{a: []int64{1, 3, 12, 16}, b: []int64{1, 3, 12, 16}, want: []int64{1, 3, 12, 16}},
		{a: []int64{2, 1}, b: []int64{3}, want: []int64{2, 3}},
		{a: []int64{2, 3}, b: []int64{4}, wantErr: true},
	}

	for _, tt := range tests {
		got, err := BroadcastShape(tt.a, tt.b)
		if tt.wantErr {
			if err == nil {
				t.Errorf("BroadcastShape(%v, %v) expected error", tt.a, tt.b)
			}
			continue
		}
		if err != nil {
			t.Errorf("BroadcastShape(%v, %v): %v", tt.a, tt.b, err)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("BroadcastShape(%v, %v) = %v; want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestFormatShape(t *testing.T) {
	if got := FormatShape([]int64{1, 12, 128}); got != "[1,12,128]" {
		t.Errorf("FormatShape = %q; want %q", got, "[1,12,128]")
	}
	if got := FormatShape(nil); got != "[]" {
		t.Errorf("FormatShape(nil) = %q; want %q", got, "[]")
	}
}

// --- Index / Output ---

func TestIndexFloat(t *testing.T) {
	x, err := NewIndex([]int64{0, 3, 7}, []int64{1, 3})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	f := x.Float()
	if got := f.Shape(); !slices.Equal(got, []int64{1, 3}) {
		t.Fatalf("shape = %v; want [1 3]", got)
	}
	if got := f.Data(); !equalF32(got, []float32{0, 3, 7}, 0) {
		t.Fatalf("data = %v; want [0 3 7]", got)
	}
}

func TestOutputKindDispatch(t *testing.T) {
	f, _ := New([]float32{1, 2}, []int64{2})
	x, _ := NewIndex([]int64{4, 5, 6}, []int64{3})

	fo := FloatOutput(f)
	io := IndexOutput(x)

	if fo.Kind != Continuous || !fo.Valid() || fo.ElemCount() != 2 {
		t.Errorf("float output = %+v; want valid continuous with 2 elements", fo)
	}
	if io.Kind != Discrete || !io.Valid() || !slices.Equal(io.Shape(), []int64{3}) {
		t.Errorf("index output = %+v; want valid discrete of shape [3]", io)
	}
	if (Output{Kind: Discrete}).Valid() {
		t.Error("discrete output without index tensor reported valid")
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"continuous": Continuous, "i64": Discrete, "index": Discrete} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("bool"); err == nil {
		t.Error("ParseKind(bool) expected error")
	}
}

func TestBroadcastMiddleAndLeadingDims(t *testing.T) {
	// [2,1,3] + [2,1] -> [2,2,3]
	a, _ := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 1, 3})
	b, _ := New([]float32{10, 20}, []int64{2, 1})

	got, err := BroadcastAdd(a, b)
	if err != nil {
		t.Fatalf("broadcast add: %v", err)
	}

	if !slices.Equal(got.Shape(), []int64{2, 2, 3}) {
		t.Fatalf("shape = %v, want [2 2 3]", got.Shape())
	}

	want := []float32{11, 12, 13, 21, 22, 23, 14, 15, 16, 24, 25, 26}
	if !equalF32(got.Data(), want, 0) {
		t.Fatalf("data = %v, want %v", got.Data(), want)
	}
}

func TestBroadcastScalar(t *testing.T) {
	a, _ := New([]float32{1, 2, 3}, []int64{3})
	s, _ := Full([]int64{1}, 2)

	got, err := BroadcastMul(s, a)
	if err != nil {
		t.Fatalf("broadcast mul: %v", err)
	}

	if !equalF32(got.Data(), []float32{2, 4, 6}, 0) {
		t.Fatalf("data = %v", got.Data())
	}
}

func TestBroadcastShapeRejectsMismatch(t *testing.T) {
	if _, err := BroadcastShape([]int64{2, 3}, []int64{4}); err == nil {
		t.Fatal("expected error for incompatible shapes")
	}

	got, err := BroadcastShape([]int64{3}, []int64{4, 1})
	if err != nil || !slices.Equal(got, []int64{4, 3}) {
		t.Fatalf("BroadcastShape = %v, %v; want [4 3]", got, err)
	}
}

func TestParallelForCoversRange(t *testing.T) {
	SetWorkers(3)
	defer SetWorkers(1)

	hits := make([]int, 10)
	ParallelFor(len(hits), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			hits[i]++
		}
	})

	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times", i, h)
		}
	}
}

func TestSoftmaxInnerAxis(t *testing.T) {
	// softmax over dim 0 of a [2,2] tensor normalizes columns.
	x, _ := New([]float32{0, 1, 0, 3}, []int64{2, 2})

	out, err := Softmax(x, 0)
	if err != nil {
		t.Fatalf("softmax: %v", err)
	}

	d := out.Data()
	if !equalF32([]float32{d[0] + d[2], d[1] + d[3]}, []float32{1, 1}, 1e-6) {
		t.Fatalf("columns do not sum to 1: %v", d)
	}

	if !equalF32([]float32{d[0], d[2]}, []float32{0.5, 0.5}, 1e-6) {
		t.Fatalf("equal logits should split evenly: %v", d)
	}
}
