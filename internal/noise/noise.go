// Package noise implements the forward corruption process of the discrete
// diffusion model: a cosine schedule mapping progress to a replacement
// probability, and random token replacement driven by it.
package noise

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/paella/internal/tensor"
)

// Gamma maps progress r in [0,1] to the corruption probability cos(r*π/2).
// Gamma(0) is 1 (everything noised) and Gamma(1) is 0.
func Gamma(r float64) float64 {
	p := math.Cos(r * math.Pi / 2)
	// cos(π/2) is 6e-17, not 0.
	if p < 1e-12 {
		return 0
	}
	return p
}

// Scheduler binds the corruption process to a label count.
type Scheduler struct {
	NumLabels int
}

// AddNoise corrupts x for per-batch progress r. See the package function.
func (s Scheduler) AddNoise(rng *rand.Rand, x tensor.Grid, r []float64, randomX *tensor.Grid) (tensor.Grid, tensor.Mask) {
	return AddNoise(rng, x, r, randomX, s.NumLabels)
}

// AddNoise draws an independent Bernoulli(Gamma(r[b])) replacement mask per
// position. Replaced positions take the token from randomX when it is
// non-nil, otherwise a fresh uniform token in [0, numLabels). The input grid
// is not modified; the returned mask is the one actually applied.
//
// r must have one entry per batch element and randomX, when given, must
// share the shape of x.
func AddNoise(rng *rand.Rand, x tensor.Grid, r []float64, randomX *tensor.Grid, numLabels int) (tensor.Grid, tensor.Mask) {
	if len(r) != x.B {
		panic("noise: progress length does not match batch")
	}
	if randomX != nil && !randomX.SameShape(x.B, x.H, x.W) {
		panic("noise: random source shape mismatch")
	}
	out := x.Clone()
	mask := tensor.NewMask(x.B, x.H, x.W)
	plane := x.H * x.W
	for b := 0; b < x.B; b++ {
		p := Gamma(r[b])
		for i := b * plane; i < (b+1)*plane; i++ {
			if rng.Float64() >= p {
				continue
			}
			mask.Data[i] = 1
			if randomX != nil {
				out.Data[i] = randomX.Data[i]
			} else {
				out.Data[i] = int32(rng.IntN(numLabels))
			}
		}
	}
	return out, mask
}

// Progress returns the uniform schedule r_i = i/T for i in [0, T), repeated
// for every batch element.
func Progress(i, t, batch int) []float64 {
	r := make([]float64, batch)
	v := float64(i) / float64(t)
	for b := range r {
		r[b] = v
	}
	return r
}
