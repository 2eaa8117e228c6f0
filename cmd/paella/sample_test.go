package main

import (
	"bytes"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/paella/internal/diffusion"
	"github.com/samcharles93/paella/internal/safetensors"
	"github.com/samcharles93/paella/internal/tensor"
)

func TestWriteGridRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "grid.safetensors")
	g := tensor.Grid{B: 1, H: 2, W: 3, Data: []int32{0, 1, 2, 3, 4, 7}}
	cfg := diffusion.DefaultConfig()
	cfg.Steps = 5
	cfg.RenoiseSteps = 4

	if err := writeGrid(path, g, cfg, 99); err != nil {
		t.Fatalf("writeGrid: %v", err)
	}

	x, mask, err := readInit(path)
	if err != nil {
		t.Fatalf("readInit: %v", err)
	}
	if mask != nil {
		t.Fatalf("expected no mask, got %+v", mask)
	}
	if diff := cmp.Diff(g, *x); diff != "" {
		t.Fatalf("grid mismatch (-want +got):\n%s", diff)
	}

	f, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if info, _ := f.Tensor(tensorGrid); info.DType != "I64" {
		t.Fatalf("grid dtype = %s, want I64", info.DType)
	}
	if got := f.Metadata["seed"]; got != strconv.Itoa(99) {
		t.Fatalf("seed metadata = %q", got)
	}
	var stored diffusion.Config
	if err := json.Unmarshal([]byte(f.Metadata["sampling"]), &stored); err != nil {
		t.Fatalf("sampling metadata: %v", err)
	}
	if stored != cfg {
		t.Fatalf("sampling metadata = %+v, want %+v", stored, cfg)
	}
}

func TestReadInitWithMask(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := safetensors.NewWriter()
	if err := w.AddI64(tensorGrid, []int{1, 2, 2}, []int32{5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddI64(tensorMask, []int{1, 2, 2}, []int32{1, 0, 0, 1}); err != nil {
		t.Fatal(err)
	}
	good := filepath.Join(dir, "init.safetensors")
	if err := w.WriteFile(good); err != nil {
		t.Fatal(err)
	}

	x, mask, err := readInit(good)
	if err != nil {
		t.Fatalf("readInit: %v", err)
	}
	if x.B != 1 || x.H != 2 || x.W != 2 {
		t.Fatalf("unexpected grid shape %dx%dx%d", x.B, x.H, x.W)
	}
	if diff := cmp.Diff([]uint8{1, 0, 0, 1}, mask.Data); diff != "" {
		t.Fatalf("mask mismatch (-want +got):\n%s", diff)
	}

	bad := safetensors.NewWriter()
	_ = bad.AddI64(tensorGrid, []int{1, 1, 2}, []int32{1, 2})
	_ = bad.AddI64(tensorMask, []int{1, 1, 2}, []int32{0, 2})
	badPath := filepath.Join(dir, "bad.safetensors")
	if err := bad.WriteFile(badPath); err != nil {
		t.Fatal(err)
	}
	if _, _, err := readInit(badPath); err == nil {
		t.Fatal("expected error for mask value 2")
	}

	flat := safetensors.NewWriter()
	_ = flat.AddI64(tensorGrid, []int{4}, []int32{1, 2, 3, 4})
	flatPath := filepath.Join(dir, "flat.safetensors")
	if err := flat.WriteFile(flatPath); err != nil {
		t.Fatal(err)
	}
	if _, _, err := readInit(flatPath); err == nil {
		t.Fatal("expected error for a rank-1 grid")
	}
}

func TestReadCond(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name    string
		build   func(w *safetensors.Writer)
		wantB   int
		wantD   int
		wantHW  [2]int
		wantSeq bool
		wantErr bool
	}{
		{
			name:   "pooled",
			build:  func(w *safetensors.Writer) { _ = w.AddF32(tensorCond, []int{2, 3}, make([]float32, 6)) },
			wantB:  2,
			wantD:  3,
			wantHW: [2]int{1, 1},
		},
		{
			name: "spatial with sequence",
			build: func(w *safetensors.Writer) {
				_ = w.AddF32(tensorCond, []int{1, 2, 2, 2}, make([]float32, 8))
				_ = w.AddF16(tensorCondFull, []int{1, 3, 4}, make([]float32, 12))
			},
			wantB:   1,
			wantD:   2,
			wantHW:  [2]int{2, 2},
			wantSeq: true,
		},
		{
			name:    "wrong rank",
			build:   func(w *safetensors.Writer) { _ = w.AddF32(tensorCond, []int{6}, make([]float32, 6)) },
			wantErr: true,
		},
		{
			name:    "missing cond",
			build:   func(w *safetensors.Writer) { _ = w.AddF32("other", []int{1, 1}, []float32{1}) },
			wantErr: true,
		},
	}

	for i, tt := range tests {
		w := safetensors.NewWriter()
		tt.build(w)
		path := filepath.Join(dir, strconv.Itoa(i)+".safetensors")
		if err := w.WriteFile(path); err != nil {
			t.Fatalf("%s: write: %v", tt.name, err)
		}
		c, seq, err := readCond(path)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: readCond: %v", tt.name, err)
		}
		if c.B != tt.wantB || c.D != tt.wantD || c.H != tt.wantHW[0] || c.W != tt.wantHW[1] {
			t.Fatalf("%s: unexpected cond shape %+v", tt.name, c)
		}
		if seq.Empty() == tt.wantSeq {
			t.Fatalf("%s: sequence present = %v, want %v", tt.name, !seq.Empty(), tt.wantSeq)
		}
	}
}

func TestPrintGrid(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	g := tensor.Grid{B: 2, H: 1, W: 3, Data: []int32{1, 2, 3, 10, 11, 12}}
	if err := printGrid(&buf, g); err != nil {
		t.Fatalf("printGrid: %v", err)
	}
	want := "# 0\n1 2 3\n# 1\n10 11 12\n"
	if buf.String() != want {
		t.Fatalf("printGrid = %q, want %q", buf.String(), want)
	}
}
