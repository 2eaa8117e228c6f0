// Package safetensors reads and writes the safetensors container used for
// model weights, condition inputs and sampled token grids.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
)

// ErrCorruptFile is wrapped by every structural parse failure.
var ErrCorruptFile = errors.New("corrupt safetensors file")

// maxHeaderLen guards against allocating absurd headers from corrupt input.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// NumElements returns the product of the shape. A scalar has one element.
func (t TensorInfo) NumElements() int {
	n, _ := numElements(t.Shape)
	return n
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data   []byte
	mapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path into memory, falling back to a plain read where mmap is not
// available. Close releases the mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < 8 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header length", ErrCorruptFile, st.Size())
	}
	if st.Size() > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: file too large", ErrCorruptFile)
	}
	size := int(st.Size())

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf, parseErr := parse(data)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		sf.Path = path
		sf.mapped = true
		return sf, nil
	}

	data = make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sf, err := parse(data)
	if err != nil {
		return nil, err
	}
	sf.Path = path
	return sf, nil
}

// Parse reads a safetensors image held in memory. The returned File aliases
// data.
func Parse(data []byte) (*File, error) {
	return parse(data)
}

func parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: missing header length", ErrCorruptFile)
	}
	headerLen := binary.LittleEndian.Uint64(data)
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrCorruptFile, headerLen)
	}
	headerBytes := data[8 : 8+headerLen]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptFile, err)
	}
	var meta map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("%w: __metadata__: %v", ErrCorruptFile, err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	dataLen := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptFile, name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > dataLen {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d,%d) outside data of %d bytes", ErrCorruptFile, name, start, end, dataLen)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: start,
			End:   end,
		}
	}
	return &File{
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
		data:      data,
	}, nil
}

// Close unmaps the file. Slices returned by ReadTensor are invalid afterwards.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	data := f.data
	f.data = nil
	if f.mapped {
		return unix.Munmap(data)
	}
	return nil
}

// Names lists the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw little-endian bytes of name. The slice aliases
// the file image and must not be modified.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: file is closed", name)
	}
	off := f.DataStart
	return f.data[off+t.Start : off+t.End], t, nil
}

// ReadTensorF32 decodes a floating-point tensor to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f32 data size", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid bf16 data size", name)
		}
		return bfloat16.DecodeFloat32(raw), info, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f16 data size", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported float dtype %s", name, info.DType)
	}
}

// ReadTensorInt32 decodes an integer tensor (I64, I32, I16 or U8) to int32.
// I64 values outside the int32 range are rejected.
func (f *File) ReadTensorInt32(name string) ([]int32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	width, ok := intWidth[info.DType]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported integer dtype %s", name, info.DType)
	}
	if len(raw) != n*width {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid %s data size", name, info.DType)
	}
	out := make([]int32, n)
	for i := range out {
		switch info.DType {
		case "I64":
			v := int64(binary.LittleEndian.Uint64(raw[i*8:]))
			if v < math.MinInt32 || v > math.MaxInt32 {
				return nil, TensorInfo{}, fmt.Errorf("tensor %s: element %d (%d) overflows int32", name, i, v)
			}
			out[i] = int32(v)
		case "I32":
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		case "I16":
			out[i] = int32(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		case "U8":
			out[i] = int32(raw[i])
		}
	}
	return out, info, nil
}

var intWidth = map[string]int{"I64": 8, "I32": 4, "I16": 2, "U8": 1}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
