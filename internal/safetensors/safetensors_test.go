package safetensors

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

// writeRaw creates a safetensors file from an arbitrary header and data
// section, bypassing Writer validation.
func writeRaw(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf := append(lenBuf[:], headerBytes...)
	buf = append(buf, data...)

	path := filepath.Join(t.TempDir(), "test.safetensors")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func openT(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	w.SetMetadata("config", `{"num_labels":8}`)
	weights := []float32{1, -2.5, 3.25, 0, 1e-3, 65504}
	tokens := []int32{0, 7, 3, 8191, 42, 1}
	if err := w.AddF32("w.f32", []int{2, 3}, weights); err != nil {
		t.Fatalf("AddF32: %v", err)
	}
	if err := w.AddF16("w.f16", []int{6}, weights); err != nil {
		t.Fatalf("AddF16: %v", err)
	}
	if err := w.AddBF16("w.bf16", []int{3, 2}, []float32{1, 2, -0.5, 0, 256, -8}); err != nil {
		t.Fatalf("AddBF16: %v", err)
	}
	if err := w.AddI64("x", []int{1, 2, 3}, tokens); err != nil {
		t.Fatalf("AddI64: %v", err)
	}
	path := filepath.Join(t.TempDir(), "out.safetensors")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := openT(t, path)
	if diff := cmp.Diff([]string{"w.bf16", "w.f16", "w.f32", "x"}, f.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if got := f.Metadata["config"]; got != `{"num_labels":8}` {
		t.Fatalf("metadata config = %q", got)
	}
	if f.DataStart%8 != 0 {
		t.Fatalf("data section starts at %d, want 8-byte alignment", f.DataStart)
	}

	got, info, err := f.ReadTensorF32("w.f32")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if diff := cmp.Diff(weights, got); diff != "" {
		t.Fatalf("f32 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3}, info.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	// All values except 1e-3 are exact in half precision.
	half, _, err := f.ReadTensorF32("w.f16")
	if err != nil {
		t.Fatalf("ReadTensorF32(f16): %v", err)
	}
	for i, v := range weights {
		if math.Abs(float64(half[i]-v)) > 1e-6 {
			t.Fatalf("f16 element %d: got %v, want %v", i, half[i], v)
		}
	}

	bf, _, err := f.ReadTensorF32("w.bf16")
	if err != nil {
		t.Fatalf("ReadTensorF32(bf16): %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, -0.5, 0, 256, -8}, bf); diff != "" {
		t.Fatalf("bf16 mismatch (-want +got):\n%s", diff)
	}

	ids, info, err := f.ReadTensorInt32("x")
	if err != nil {
		t.Fatalf("ReadTensorInt32: %v", err)
	}
	if info.DType != "I64" {
		t.Fatalf("expected I64, got %q", info.DType)
	}
	if diff := cmp.Diff(tokens, ids); diff != "" {
		t.Fatalf("token mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMatchesOpen(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	if err := w.AddF32("a", []int{2}, []float32{1, 2}); err != nil {
		t.Fatalf("AddF32: %v", err)
	}
	f, err := Parse(w.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, _, err := f.ReadTensorF32("a")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterRejectsBadInput(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	if err := w.AddF32("a", []int{2, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatal("expected shape/length mismatch error")
	}
	if err := w.AddF32("__metadata__", []int{1}, []float32{1}); err == nil {
		t.Fatal("expected reserved name error")
	}
	if err := w.AddF32("a", []int{1}, []float32{1}); err != nil {
		t.Fatalf("AddF32: %v", err)
	}
	if err := w.AddF32("a", []int{1}, []float32{1}); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenCorruptFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	truncated := filepath.Join(dir, "truncated.safetensors")
	if err := os.WriteFile(truncated, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(truncated); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("truncated: expected ErrCorruptFile, got %v", err)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	badJSON := filepath.Join(dir, "json.safetensors")
	if err := os.WriteFile(badJSON, append(lenBuf[:], "not valid js"...), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(badJSON); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("invalid json: expected ErrCorruptFile, got %v", err)
	}

	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	huge := filepath.Join(dir, "huge.safetensors")
	if err := os.WriteFile(huge, append(lenBuf[:], "{}"...), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(huge); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("huge header: expected ErrCorruptFile, got %v", err)
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		offsets []int64
	}{
		{"single element", []int64{0}},
		{"reversed", []int64{8, 4}},
		{"past end", []int64{0, 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeRaw(t, map[string]any{
				"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": tt.offsets},
			}, make([]byte, 8))
			if _, err := Open(path); !errors.Is(err, ErrCorruptFile) {
				t.Fatalf("expected ErrCorruptFile, got %v", err)
			}
		})
	}
}

func TestMetadataSeparated(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, make([]byte, 16))

	sf := openT(t, path)
	if len(sf.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", len(sf.Tensors))
	}
	if sf.Metadata["format"] != "pt" {
		t.Fatalf("metadata format = %q, want pt", sf.Metadata["format"])
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{
		"a": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0, 4}},
	}, make([]byte, 4))

	f := openT(t, path)
	if _, ok := f.Tensor("nonexistent"); ok {
		t.Fatal("expected tensor not found")
	}
	if _, _, err := f.ReadTensor("nonexistent"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestReadTensorBF16Bits(t *testing.T) {
	t.Parallel()
	// BF16 for 1.0 is 0x3F80 (top 16 bits of float32 1.0).
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], 0x3F80)
	binary.LittleEndian.PutUint16(data[2:], 0x4000)
	path := writeRaw(t, map[string]any{
		"test": map[string]any{"dtype": "BF16", "shape": []int{2}, "data_offsets": []int64{0, 4}},
	}, data)

	got, _, err := openT(t, path).ReadTensorF32("test")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTensorF16Bits(t *testing.T) {
	t.Parallel()
	// F16 for 1.0 is 0x3C00, -2.0 is 0xC000.
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], 0x3C00)
	binary.LittleEndian.PutUint16(data[2:], 0xC000)
	path := writeRaw(t, map[string]any{
		"test": map[string]any{"dtype": "F16", "shape": []int{2}, "data_offsets": []int64{0, 4}},
	}, data)

	got, _, err := openT(t, path).ReadTensorF32("test")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if diff := cmp.Diff([]float32{1, -2}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTensorInt32Widths(t *testing.T) {
	t.Parallel()
	data := make([]byte, 0, 32)
	// I32 [-1, 9], U8 [200, 3], I16 [-2], I64 [2^40].
	data = binary.LittleEndian.AppendUint32(data, uint32(0xFFFFFFFF))
	data = binary.LittleEndian.AppendUint32(data, 9)
	data = append(data, 200, 3)
	data = binary.LittleEndian.AppendUint16(data, uint16(0xFFFE))
	data = binary.LittleEndian.AppendUint64(data, uint64(1)<<40)
	path := writeRaw(t, map[string]any{
		"i32":  map[string]any{"dtype": "I32", "shape": []int{2}, "data_offsets": []int64{0, 8}},
		"u8":   map[string]any{"dtype": "U8", "shape": []int{2}, "data_offsets": []int64{8, 10}},
		"i16":  map[string]any{"dtype": "I16", "shape": []int{1}, "data_offsets": []int64{10, 12}},
		"big":  map[string]any{"dtype": "I64", "shape": []int{1}, "data_offsets": []int64{12, 20}},
		"f32s": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0, 4}},
	}, data)
	f := openT(t, path)

	for name, want := range map[string][]int32{"i32": {-1, 9}, "u8": {200, 3}, "i16": {-2}} {
		got, _, err := f.ReadTensorInt32(name)
		if err != nil {
			t.Fatalf("ReadTensorInt32(%s): %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
	if _, _, err := f.ReadTensorInt32("big"); err == nil {
		t.Fatal("expected int32 overflow error")
	}
	if _, _, err := f.ReadTensorInt32("f32s"); err == nil {
		t.Fatal("expected unsupported dtype error")
	}
	if _, _, err := f.ReadTensorF32("i32"); err == nil {
		t.Fatal("expected unsupported float dtype error")
	}
}

func TestReadTensorSizeMismatch(t *testing.T) {
	t.Parallel()
	// Shape says 4 elements but the data range holds only 2.
	path := writeRaw(t, map[string]any{
		"test": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 8}},
	}, make([]byte, 8))
	if _, _, err := openT(t, path).ReadTensorF32("test"); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	if err := w.AddF32("a", []int{1}, []float32{1}); err != nil {
		t.Fatalf("AddF32: %v", err)
	}
	path := filepath.Join(t.TempDir(), "a.safetensors")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.ReadTensor("a"); err == nil {
		t.Fatal("expected error reading closed file")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestScalarTensor(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	if err := w.AddF32("scale", nil, []float32{0.5}); err != nil {
		t.Fatalf("AddF32: %v", err)
	}
	f, err := Parse(w.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	info, _ := f.Tensor("scale")
	if info.NumElements() != 1 {
		t.Fatalf("scalar has %d elements, want 1", info.NumElements())
	}
}
