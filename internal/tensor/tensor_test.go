package tensor

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGridIndexing(t *testing.T) {
	t.Parallel()

	g := NewGrid(2, 2, 3)
	g.Set(1, 1, 2, 7)
	if got := g.At(1, 1, 2); got != 7 {
		t.Fatalf("At = %d, want 7", got)
	}
	if got := g.Index(1, 1, 2); got != len(g.Data)-1 {
		t.Fatalf("Index = %d, want %d", got, len(g.Data)-1)
	}
	if plane := g.Plane(1); plane[5] != 7 || len(plane) != 6 {
		t.Fatalf("Plane(1) = %v", plane)
	}

	c := g.Clone()
	c.Set(0, 0, 0, 3)
	if g.At(0, 0, 0) != 0 {
		t.Fatal("Clone aliases the source buffer")
	}
}

func TestGridValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		grid    Grid
		wantErr bool
	}{
		{name: "ok", grid: Grid{B: 1, H: 1, W: 2, Data: []int32{0, 3}}},
		{name: "short buffer", grid: Grid{B: 1, H: 2, W: 2, Data: []int32{0}}, wantErr: true},
		{name: "negative token", grid: Grid{B: 1, H: 1, W: 1, Data: []int32{-1}}, wantErr: true},
		{name: "token at limit", grid: Grid{B: 1, H: 1, W: 1, Data: []int32{4}}, wantErr: true},
	}
	for _, tt := range tests {
		err := tt.grid.Validate(4)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: Validate error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestRandomGridRange(t *testing.T) {
	t.Parallel()

	g := RandomGrid(rand.New(rand.NewPCG(1, 2)), 2, 8, 8, 5)
	if err := g.Validate(5); err != nil {
		t.Fatalf("RandomGrid produced invalid grid: %v", err)
	}
}

func TestMaskAndBlend(t *testing.T) {
	t.Parallel()

	a := Grid{B: 1, H: 2, W: 2, Data: []int32{1, 1, 1, 1}}
	b := Grid{B: 1, H: 2, W: 2, Data: []int32{9, 9, 9, 9}}
	m := Mask{B: 1, H: 2, W: 2, Data: []uint8{1, 0, 0, 1}}

	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2", m.Count())
	}
	got := Blend(a, b, m)
	if diff := cmp.Diff([]int32{1, 9, 9, 1}, got.Data); diff != "" {
		t.Fatalf("Blend mismatch (-want +got):\n%s", diff)
	}
	if a.Data[1] != 1 {
		t.Fatal("Blend modified its input")
	}

	if full := FullMask(1, 2, 2); full.Count() != 4 {
		t.Fatalf("FullMask count = %d", full.Count())
	}
	bad := Mask{B: 1, H: 1, W: 1, Data: []uint8{2}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for mask value 2")
	}
}

func TestLogitsRowsAndFlatten(t *testing.T) {
	t.Parallel()

	// (B=1, L=2, H=1, W=2): class 0 plane then class 1 plane.
	l := Logits{B: 1, L: 2, H: 1, W: 2, Data: []float32{1, 2, 3, 4}}
	row := make([]float32, 2)
	l.RowTo(row, 0, 0, 1)
	if diff := cmp.Diff([]float32{2, 4}, row); diff != "" {
		t.Fatalf("RowTo mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 3, 2, 4}, l.Flatten()); diff != "" {
		t.Fatalf("Flatten mismatch (-want +got):\n%s", diff)
	}

	l.SetRow([]float32{7, 8}, 0, 0, 0)
	if diff := cmp.Diff([]float32{7, 2, 8, 4}, l.Data); diff != "" {
		t.Fatalf("SetRow mismatch (-want +got):\n%s", diff)
	}
}

func TestLerpEndpoints(t *testing.T) {
	t.Parallel()

	start := Logits{B: 1, L: 3, H: 1, W: 1, Data: []float32{0.1, -2, 5}}
	end := Logits{B: 1, L: 3, H: 1, W: 1, Data: []float32{3.3, 1, -0.7}}

	for _, tc := range []struct {
		w    float32
		want []float32
	}{
		{w: 0, want: start.Data},
		{w: 1, want: end.Data},
		{w: 0.5, want: []float32{1.7, -0.5, 2.15}},
	} {
		got, err := Lerp(start, end, tc.w)
		if err != nil {
			t.Fatalf("Lerp(%v): %v", tc.w, err)
		}
		for i := range tc.want {
			if math.Abs(float64(got.Data[i]-tc.want[i])) > 1e-5 {
				t.Fatalf("Lerp(%v)[%d] = %v, want %v", tc.w, i, got.Data[i], tc.want[i])
			}
		}
	}

	if _, err := Lerp(start, NewLogits(1, 2, 1, 1), 0.5); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestCondAndSeq(t *testing.T) {
	t.Parallel()

	c := NewPooledCond(2, 3, nil)
	if !c.Pooled() || len(c.Data) != 6 {
		t.Fatalf("unexpected pooled cond %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (Cond{B: 1, D: 1, H: 0, W: 1}).Validate(); err == nil {
		t.Fatal("expected error for zero height")
	}

	s := NewSeq(2, 3, 4)
	copy(s.Token(1, 2), []float32{1, 2, 3, 4})
	if s.Data[len(s.Data)-1] != 4 {
		t.Fatal("Token does not alias the last row")
	}
	if z := s.ZerosLike(); z.Empty() || z.Data[len(z.Data)-1] != 0 {
		t.Fatalf("ZerosLike = %+v", z)
	}
	if !(Seq{}).Empty() {
		t.Fatal("zero Seq should be empty")
	}
}

func TestSoftmaxAndLayerNorm(t *testing.T) {
	t.Parallel()

	x := []float32{1000, 1000, 1000, 1000}
	Softmax(x)
	for i, v := range x {
		if math.Abs(float64(v)-0.25) > 1e-6 {
			t.Fatalf("Softmax[%d] = %v, want 0.25", i, v)
		}
	}

	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	LayerNorm(dst, src, nil, nil, 0)
	var mean, sq float64
	for _, v := range dst {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	if math.Abs(mean) > 1e-5 || math.Abs(sq/4-1) > 1e-4 {
		t.Fatalf("LayerNorm output not standardised: %v", dst)
	}
}

func TestActivations(t *testing.T) {
	t.Parallel()

	if got := Softplus(30); got != 30 {
		t.Fatalf("Softplus(30) = %v", got)
	}
	if got := Softplus(0); math.Abs(float64(got)-math.Ln2) > 1e-6 {
		t.Fatalf("Softplus(0) = %v", got)
	}
	if got := Mish(0); got != 0 {
		t.Fatalf("Mish(0) = %v", got)
	}
	want := 1 * math.Tanh(math.Log1p(math.E))
	if got := Mish(1); math.Abs(float64(got)-want) > 1e-5 {
		t.Fatalf("Mish(1) = %v, want %v", got, want)
	}
}

func TestMatVec(t *testing.T) {
	t.Parallel()

	m := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	dst := make([]float32, 2)
	MatVec(dst, &m, []float32{1, 0, -1}, []float32{10, 20})
	if diff := cmp.Diff([]float32{8, 18}, dst); diff != "" {
		t.Fatalf("MatVec mismatch (-want +got):\n%s", diff)
	}
	if s := FanInScale(4); s != 0.5 {
		t.Fatalf("FanInScale(4) = %v", s)
	}
}
