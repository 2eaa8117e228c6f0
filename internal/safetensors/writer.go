package safetensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

type pending struct {
	dtype string
	shape []int
	data  []byte
}

// Writer collects tensors in memory and serialises them as one safetensors
// image. Tensors are laid out in name order.
type Writer struct {
	tensors  map[string]pending
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{tensors: make(map[string]pending)}
}

// SetMetadata records a string entry under __metadata__.
func (w *Writer) SetMetadata(key, value string) {
	if w.metadata == nil {
		w.metadata = make(map[string]string)
	}
	w.metadata[key] = value
}

func (w *Writer) add(name, dtype string, shape []int, n int, data []byte) error {
	if name == "" || name == "__metadata__" {
		return fmt.Errorf("invalid tensor name %q", name)
	}
	if _, dup := w.tensors[name]; dup {
		return fmt.Errorf("duplicate tensor %s", name)
	}
	want, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if want != n {
		return fmt.Errorf("tensor %s: shape %v needs %d elements, got %d", name, shape, want, n)
	}
	w.tensors[name] = pending{dtype: dtype, shape: append([]int{}, shape...), data: data}
	return nil
}

// AddF32 stores values as F32.
func (w *Writer) AddF32(name string, shape []int, values []float32) error {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return w.add(name, "F32", shape, len(values), buf)
}

// AddF16 stores values rounded to IEEE half precision.
func (w *Writer) AddF16(name string, shape []int, values []float32) error {
	buf := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
	}
	return w.add(name, "F16", shape, len(values), buf)
}

// AddBF16 stores values truncated to bfloat16.
func (w *Writer) AddBF16(name string, shape []int, values []float32) error {
	return w.add(name, "BF16", shape, len(values), bfloat16.EncodeFloat32(values))
}

// AddI64 stores token ids widened to I64, the layout torch uses for index
// tensors.
func (w *Writer) AddI64(name string, shape []int, values []int32) error {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(int64(v)))
	}
	return w.add(name, "I64", shape, len(values), buf)
}

// WriteTo serialises the collected tensors.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	names := make([]string, 0, len(w.tensors))
	for name := range w.tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(w.metadata) > 0 {
		header["__metadata__"] = w.metadata
	}
	var offset int64
	for _, name := range names {
		p := w.tensors[name]
		end := offset + int64(len(p.data))
		header[name] = tensorHeader{DType: p.dtype, Shape: p.shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshal header: %w", err)
	}
	// The data section starts on an 8-byte boundary; pad with spaces.
	if pad := (8 - len(hb)%8) % 8; pad > 0 {
		hb = append(hb, strings.Repeat(" ", pad)...)
	}

	var total int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	for _, chunk := range [][]byte{lenBuf[:], hb} {
		n, err := out.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	for _, name := range names {
		n, err := out.Write(w.tensors[name].data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("write tensor %s: %w", name, err)
		}
	}
	return total, nil
}

// Bytes returns the serialised image.
func (w *Writer) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = w.WriteTo(&buf)
	return buf.Bytes()
}

// WriteFile writes the image to path through a temporary file in the same
// directory so readers never observe a partial file.
func (w *Writer) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := w.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
