package ops

import (
	"math"
	"testing"
)

func TestMaxPool1D(t *testing.T) {
	nan := float32(math.NaN())

	tests := []struct {
		name        string
		data        []float32
		p           Pool1D
		wantValues  []float32
		wantIndices []int64
	}{
		{
			name:        "default stride equals kernel",
			data:        []float32{1, 5, 3, 2, 4, 0},
			p:           Pool1D{Kernel: 3},
			wantValues:  []float32{5, 4},
			wantIndices: []int64{1, 4},
		},
		{
			name:        "padding never wins",
			data:        []float32{3, 1, 2},
			p:           Pool1D{Kernel: 2, Stride: 1, Padding: 1},
			wantValues:  []float32{3, 3, 2, 2},
			wantIndices: []int64{0, 0, 2, 2},
		},
		{
			name:        "ceil mode keeps partial window",
			data:        []float32{1, 2, 3, 4, 5},
			p:           Pool1D{Kernel: 2, Stride: 2, CeilMode: true},
			wantValues:  []float32{2, 4, 5},
			wantIndices: []int64{1, 3, 4},
		},
		{
			name:        "dilation",
			data:        []float32{1, 9, 2, 8, 3},
			p:           Pool1D{Kernel: 2, Stride: 1, Dilation: 2},
			wantValues:  []float32{2, 9, 3},
			wantIndices: []int64{2, 1, 4},
		},
		{
			name:        "first maximum wins ties",
			data:        []float32{4, 4, 1},
			p:           Pool1D{Kernel: 3},
			wantValues:  []float32{4},
			wantIndices: []int64{0},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			x := mustTensor(t, tc.data, []int64{1, int64(len(tc.data))})

			values, indices, err := MaxPool1D(x, tc.p)
			if err != nil {
				t.Fatalf("MaxPool1D: %v", err)
			}

			if !equalApprox(values.Data(), tc.wantValues, 0) {
				t.Errorf("values = %v; want %v", values.Data(), tc.wantValues)
			}

			got := indices.RawData()
			if len(got) != len(tc.wantIndices) {
				t.Fatalf("indices = %v; want %v", got, tc.wantIndices)
			}

			for i := range got {
				if got[i] != tc.wantIndices[i] {
					t.Errorf("indices = %v; want %v", got, tc.wantIndices)
					break
				}
			}
		})
	}

	t.Run("nan propagates", func(t *testing.T) {
		x := mustTensor(t, []float32{1, nan, 3}, []int64{1, 3})

		values, indices, err := MaxPool1D(x, Pool1D{Kernel: 3})
		if err != nil {
			t.Fatalf("MaxPool1D: %v", err)
		}

		if v := values.RawData()[0]; !math.IsNaN(float64(v)) {
			t.Errorf("value = %v; want NaN", v)
		}

		if i := indices.RawData()[0]; i != 1 {
			t.Errorf("index = %d; want 1", i)
		}
	})
}

func TestMaxPool1DRank3KeepsLeadingDims(t *testing.T) {
	x := mustTensor(t, ramp(2*3*8), []int64{2, 3, 8})

	values, indices, err := MaxPool1D(x, Pool1D{Kernel: 2})
	if err != nil {
		t.Fatalf("MaxPool1D: %v", err)
	}

	assertShape(t, values.Shape(), []int64{2, 3, 4})
	assertShape(t, indices.Shape(), []int64{2, 3, 4})

	for _, idx := range indices.RawData() {
		if idx < 0 || idx >= 8 {
			t.Fatalf("index %d outside last dimension", idx)
		}
	}
}

func TestPool1DOutLength(t *testing.T) {
	// The seven-step pooling chain applied to a length-128 signal.
	chain := []Pool1D{
		{Kernel: 3},
		{Kernel: 4, Stride: 2, Padding: 2, Dilation: 1},
		{Kernel: 5, Stride: 2, Padding: 2, Dilation: 1, CeilMode: true},
		{Kernel: 3, Stride: 1, Padding: 1, Dilation: 2},
		{Kernel: 2, Stride: 1, Padding: 0, Dilation: 1, CeilMode: true},
		{Kernel: 2, Padding: 1, Dilation: 1},
		{Kernel: 5, Stride: 1, Padding: 2, Dilation: 1, CeilMode: true},
	}
	want := []int64{42, 22, 12, 10, 9, 5, 5}

	length := int64(128)
	for i, p := range chain {
		got, err := p.OutLength(length)
		if err != nil {
			t.Fatalf("step %d: OutLength(%d): %v", i, length, err)
		}

		if got != want[i] {
			t.Fatalf("step %d: OutLength(%d) = %d; want %d", i, length, got, want[i])
		}

		length = got
	}
}

func TestPool1DCeilModeDropsWindowInPadding(t *testing.T) {
	p := Pool1D{Kernel: 2, Stride: 2, Padding: 1, CeilMode: true}

	got, err := p.OutLength(5)
	if err != nil {
		t.Fatalf("OutLength: %v", err)
	}

	if got != 3 {
		t.Fatalf("OutLength(5) = %d; want 3", got)
	}
}

func TestPool1DValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Pool1D
		wantErr string
	}{
		{name: "zero kernel", p: Pool1D{}, wantErr: "kernel_size must be > 0"},
		{name: "negative stride", p: Pool1D{Kernel: 2, Stride: -1}, wantErr: "stride must be > 0"},
		{name: "negative padding", p: Pool1D{Kernel: 2, Padding: -1}, wantErr: "padding must be >= 0"},
		{name: "padding over half kernel", p: Pool1D{Kernel: 2, Padding: 2}, wantErr: "at most half"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assertErrContains(t, tc.p.Validate(), tc.wantErr)
		})
	}

	if err := (Pool1D{Kernel: 3, Padding: 2, Dilation: 2}).Validate(); err != nil {
		t.Errorf("dilated window should allow padding 2: %v", err)
	}
}

func TestMaxPool1DRejectsRank(t *testing.T) {
	x := mustTensor(t, []float32{1, 2}, []int64{2})

	_, _, err := MaxPool1D(x, Pool1D{Kernel: 2})
	assertErrContains(t, err, "rank 2 or 3")
}

func TestAvgPool1D(t *testing.T) {
	x := mustTensor(t, []float32{1, 2, 3, 4}, []int64{1, 4})

	out, err := AvgPool1D(x, Pool1D{Kernel: 2}, true)
	if err != nil {
		t.Fatalf("AvgPool1D: %v", err)
	}

	if want := []float32{1.5, 3.5}; !equalApprox(out.Data(), want, 0) {
		t.Errorf("avg = %v; want %v", out.Data(), want)
	}

	padded := Pool1D{Kernel: 2, Stride: 2, Padding: 1}

	incl, err := AvgPool1D(x, padded, true)
	if err != nil {
		t.Fatalf("AvgPool1D(count_include_pad): %v", err)
	}

	if want := []float32{0.5, 2.5, 2}; !equalApprox(incl.Data(), want, 0) {
		t.Errorf("count_include_pad = %v; want %v", incl.Data(), want)
	}

	excl, err := AvgPool1D(x, padded, false)
	if err != nil {
		t.Fatalf("AvgPool1D: %v", err)
	}

	if want := []float32{1, 2.5, 4}; !equalApprox(excl.Data(), want, 0) {
		t.Errorf("exclude pad = %v; want %v", excl.Data(), want)
	}
}
