package tensor

import (
	"math"

	"github.com/chewxy/math32"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies dst by s in place.
func Scale(dst []float32, s float32) {
	for i := range dst {
		dst[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// LayerNorm normalises src to zero mean and unit variance and applies the
// optional affine weight and bias.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float32(len(src))
	var mean float32
	for _, v := range src {
		mean += v
	}
	mean /= n
	var variance float32
	for _, v := range src {
		d := v - mean
		variance += d * d
	}
	variance /= n
	inv := 1 / math32.Sqrt(variance+eps)
	for i, v := range src {
		y := (v - mean) * inv
		if weight != nil {
			y *= weight[i]
		}
		if bias != nil {
			y += bias[i]
		}
		dst[i] = y
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Softplus computes log(1 + e^x) without overflow for large x.
func Softplus(x float32) float32 {
	if x > 20 {
		return x
	}
	return math32.Log1p(math32.Exp(x))
}

// Mish computes x * tanh(softplus(x)).
func Mish(x float32) float32 {
	return x * math32.Tanh(Softplus(x))
}
