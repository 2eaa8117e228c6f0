package tensor

import (
	"math"
	"math/rand/v2"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Data holds
// the flattened matrix values; out‑of‑range indices will panic.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a new zero-initialised matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Data: data}
}

// Row returns a view of the i‑th row. Modifications update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.C
	return m.Data[start : start+m.C]
}

// MatVec computes dst = m * x (+ bias when non-nil).
func MatVec(dst []float32, m *Mat, x, bias []float32) {
	if len(dst) < m.R || len(x) < m.C {
		panic("matvec shape mismatch")
	}
	for i := 0; i < m.R; i++ {
		row := m.Data[i*m.C : (i+1)*m.C]
		var sum float32
		for j, w := range row {
			sum += w * x[j]
		}
		if bias != nil {
			sum += bias[i]
		}
		dst[i] = sum
	}
}

// FillRand fills the matrix with reproducible values drawn uniformly from
// (-scale, scale). The same rng state produces identical matrices.
func FillRand(m *Mat, rng *rand.Rand, scale float32) {
	FillRandSlice(m.Data, rng, scale)
}

// FillRandSlice is FillRand for a plain slice.
func FillRandSlice(dst []float32, rng *rand.Rand, scale float32) {
	for i := range dst {
		dst[i] = (rng.Float32()*2 - 1) * scale
	}
}

// FanInScale is the usual 1/sqrt(fanIn) init bound.
func FanInScale(fanIn int) float32 {
	if fanIn <= 0 {
		return 0
	}
	return float32(1 / math.Sqrt(float64(fanIn)))
}
