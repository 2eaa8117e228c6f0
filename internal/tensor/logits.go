package tensor

import "fmt"

// Logits holds raw per-class scores laid out as (batch, labels, height, width).
type Logits struct {
	B, L, H, W int
	Data       []float32
}

// NewLogits allocates zeroed logits.
func NewLogits(b, l, h, w int) Logits {
	if b < 0 || l < 0 || h < 0 || w < 0 {
		panic("negative dimension for logits")
	}
	return Logits{B: b, L: l, H: h, W: w, Data: make([]float32, b*l*h*w)}
}

// Validate checks the buffer length against the shape.
func (l Logits) Validate() error {
	if len(l.Data) != l.B*l.L*l.H*l.W {
		return fmt.Errorf("logits data length %d does not match shape (%d,%d,%d,%d)", len(l.Data), l.B, l.L, l.H, l.W)
	}
	return nil
}

// RowTo gathers the class scores of position (b, y, x) into dst, which must
// have length >= L.
func (l Logits) RowTo(dst []float32, b, y, x int) {
	plane := l.H * l.W
	base := b*l.L*plane + y*l.W + x
	for k := 0; k < l.L; k++ {
		dst[k] = l.Data[base+k*plane]
	}
}

// SetRow scatters src back into position (b, y, x).
func (l Logits) SetRow(src []float32, b, y, x int) {
	plane := l.H * l.W
	base := b*l.L*plane + y*l.W + x
	for k := 0; k < l.L; k++ {
		l.Data[base+k*plane] = src[k]
	}
}

// Flatten returns the (B*H*W, L) channels-last view as a new slice, matching
// a permute(0,2,3,1).reshape(-1, L).
func (l Logits) Flatten() []float32 {
	out := make([]float32, len(l.Data))
	row := 0
	for b := 0; b < l.B; b++ {
		for y := 0; y < l.H; y++ {
			for x := 0; x < l.W; x++ {
				l.RowTo(out[row*l.L:(row+1)*l.L], b, y, x)
				row++
			}
		}
	}
	return out
}

// Lerp returns start + w*(end-start) element-wise. Both inputs must share a
// shape. Weights of 0 and 1 reproduce start and end exactly.
func Lerp(start, end Logits, w float32) (Logits, error) {
	if start.B != end.B || start.L != end.L || start.H != end.H || start.W != end.W {
		return Logits{}, fmt.Errorf("lerp shape mismatch: (%d,%d,%d,%d) vs (%d,%d,%d,%d)",
			start.B, start.L, start.H, start.W, end.B, end.L, end.H, end.W)
	}
	out := NewLogits(start.B, start.L, start.H, start.W)
	for i := range out.Data {
		s, e := start.Data[i], end.Data[i]
		if w < 0.5 {
			out.Data[i] = s + w*(e-s)
		} else {
			out.Data[i] = e - (e-s)*(1-w)
		}
	}
	return out, nil
}

// Cond is the pooled (B, D, 1, 1) or spatial (B, D, H, W) condition.
type Cond struct {
	B, D, H, W int
	Data       []float32
}

// NewPooledCond wraps a (B, D) buffer.
func NewPooledCond(b, d int, data []float32) Cond {
	if data == nil {
		data = make([]float32, b*d)
	}
	return Cond{B: b, D: d, H: 1, W: 1, Data: data}
}

// Pooled reports whether the condition carries no spatial extent.
func (c Cond) Pooled() bool { return c.H == 1 && c.W == 1 }

// Validate checks the buffer length against the shape.
func (c Cond) Validate() error {
	if c.H <= 0 || c.W <= 0 {
		return fmt.Errorf("condition spatial dims must be positive, got (%d,%d)", c.H, c.W)
	}
	if len(c.Data) != c.B*c.D*c.H*c.W {
		return fmt.Errorf("condition data length %d does not match shape (%d,%d,%d,%d)", len(c.Data), c.B, c.D, c.H, c.W)
	}
	return nil
}

// ZerosLike returns a zero condition of the same shape.
func (c Cond) ZerosLike() Cond {
	return Cond{B: c.B, D: c.D, H: c.H, W: c.W, Data: make([]float32, len(c.Data))}
}

// Seq is the full (B, L, D) condition sequence, e.g. per-token text features.
type Seq struct {
	B, L, D int
	Data    []float32
}

// NewSeq allocates a zeroed sequence.
func NewSeq(b, l, d int) Seq {
	return Seq{B: b, L: l, D: d, Data: make([]float32, b*l*d)}
}

// Empty reports whether the sequence carries no tokens.
func (s Seq) Empty() bool { return s.L == 0 || len(s.Data) == 0 }

// Validate checks the buffer length against the shape.
func (s Seq) Validate() error {
	if len(s.Data) != s.B*s.L*s.D {
		return fmt.Errorf("sequence data length %d does not match shape (%d,%d,%d)", len(s.Data), s.B, s.L, s.D)
	}
	return nil
}

// Token returns the D-vector of token t in batch element b. It aliases s.Data.
func (s Seq) Token(b, t int) []float32 {
	off := (b*s.L + t) * s.D
	return s.Data[off : off+s.D]
}

// ZerosLike returns a zero sequence of the same shape.
func (s Seq) ZerosLike() Seq {
	return Seq{B: s.B, L: s.L, D: s.D, Data: make([]float32, len(s.Data))}
}
