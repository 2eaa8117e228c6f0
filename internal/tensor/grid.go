package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Grid is a batch of token grids laid out as (batch, height, width) in
// row-major order. Every value is a class index in [0, numLabels).
type Grid struct {
	B, H, W int
	Data    []int32
}

// NewGrid allocates a zeroed grid.
func NewGrid(b, h, w int) Grid {
	if b < 0 || h < 0 || w < 0 {
		panic("negative dimension for grid")
	}
	return Grid{B: b, H: h, W: w, Data: make([]int32, b*h*w)}
}

// RandomGrid draws every position uniformly from [0, numLabels).
func RandomGrid(rng *rand.Rand, b, h, w, numLabels int) Grid {
	g := NewGrid(b, h, w)
	for i := range g.Data {
		g.Data[i] = int32(rng.IntN(numLabels))
	}
	return g
}

// Index returns the flat offset of (b, y, x).
func (g Grid) Index(b, y, x int) int {
	return (b*g.H+y)*g.W + x
}

// At returns the token at (b, y, x).
func (g Grid) At(b, y, x int) int32 {
	return g.Data[g.Index(b, y, x)]
}

// Set stores a token at (b, y, x).
func (g Grid) Set(b, y, x int, v int32) {
	g.Data[g.Index(b, y, x)] = v
}

// Plane returns the (H*W) slice of batch element b. It aliases g.Data.
func (g Grid) Plane(b int) []int32 {
	n := g.H * g.W
	return g.Data[b*n : (b+1)*n]
}

// Len is the number of positions across the whole batch.
func (g Grid) Len() int { return g.B * g.H * g.W }

// Clone returns a deep copy.
func (g Grid) Clone() Grid {
	out := Grid{B: g.B, H: g.H, W: g.W, Data: make([]int32, len(g.Data))}
	copy(out.Data, g.Data)
	return out
}

// SameShape reports whether g has the given dimensions.
func (g Grid) SameShape(b, h, w int) bool {
	return g.B == b && g.H == h && g.W == w
}

// Validate checks the buffer length and that every token lies in [0, numLabels).
func (g Grid) Validate(numLabels int) error {
	if len(g.Data) != g.B*g.H*g.W {
		return fmt.Errorf("grid data length %d does not match shape (%d,%d,%d)", len(g.Data), g.B, g.H, g.W)
	}
	for i, v := range g.Data {
		if v < 0 || int(v) >= numLabels {
			return fmt.Errorf("grid token %d at offset %d outside [0,%d)", v, i, numLabels)
		}
	}
	return nil
}

// Mask marks positions that are noised (1) or fixed (0). It shares the
// layout of Grid.
type Mask struct {
	B, H, W int
	Data    []uint8
}

// NewMask allocates an all-zero mask.
func NewMask(b, h, w int) Mask {
	if b < 0 || h < 0 || w < 0 {
		panic("negative dimension for mask")
	}
	return Mask{B: b, H: h, W: w, Data: make([]uint8, b*h*w)}
}

// FullMask returns a mask with every position set.
func FullMask(b, h, w int) Mask {
	m := NewMask(b, h, w)
	for i := range m.Data {
		m.Data[i] = 1
	}
	return m
}

// Validate checks the buffer length and that values are 0 or 1.
func (m Mask) Validate() error {
	if len(m.Data) != m.B*m.H*m.W {
		return fmt.Errorf("mask data length %d does not match shape (%d,%d,%d)", len(m.Data), m.B, m.H, m.W)
	}
	for i, v := range m.Data {
		if v > 1 {
			return fmt.Errorf("mask value %d at offset %d is not 0 or 1", v, i)
		}
	}
	return nil
}

// Count returns the number of set positions.
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		n += int(v)
	}
	return n
}

// Blend returns a new grid taking a where mask is 1 and b where it is 0.
// All three must share a shape.
func Blend(a, b Grid, m Mask) Grid {
	out := a.Clone()
	for i, v := range m.Data {
		if v == 0 {
			out.Data[i] = b.Data[i]
		}
	}
	return out
}
