package model

import (
	"github.com/chewxy/math32"

	"github.com/samcharles93/paella/internal/tensor"
)

// featureMap is one batch element's activations in (C, H, W) order.
type featureMap struct {
	C, H, W int
	Data    []float32
}

func newFeatureMap(c, h, w int) featureMap {
	return featureMap{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

func (f featureMap) plane() int { return f.H * f.W }

// gather copies the channel vector at flat position p into dst.
func (f featureMap) gather(dst []float32, p int) {
	n := f.plane()
	for c := 0; c < f.C; c++ {
		dst[c] = f.Data[c*n+p]
	}
}

func (f featureMap) scatter(src []float32, p int) {
	n := f.plane()
	for c := 0; c < f.C; c++ {
		f.Data[c*n+p] = src[c]
	}
}

// reflect maps i into [0, n) by mirroring across the borders without
// repeating the edge, as ReflectionPad2d does.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

// depthwise3x3 applies a per-channel 3x3 convolution over a reflection
// padded input.
func depthwise3x3(x featureMap, weight, bias []float32) featureMap {
	out := newFeatureMap(x.C, x.H, x.W)
	n := x.plane()
	for c := 0; c < x.C; c++ {
		k := weight[c*9 : c*9+9]
		src := x.Data[c*n : (c+1)*n]
		dst := out.Data[c*n : (c+1)*n]
		for y := 0; y < x.H; y++ {
			for xx := 0; xx < x.W; xx++ {
				sum := bias[c]
				for ky := 0; ky < 3; ky++ {
					row := reflect(y+ky-1, x.H) * x.W
					for kx := 0; kx < 3; kx++ {
						sum += k[ky*3+kx] * src[row+reflect(xx+kx-1, x.W)]
					}
				}
				dst[y*x.W+xx] = sum
			}
		}
	}
	return out
}

// resizeBilinear resamples x to (h, w) with half-pixel centres, matching
// interpolate(mode="bilinear", align_corners=False).
func resizeBilinear(x featureMap, h, w int) featureMap {
	if x.H == h && x.W == w {
		return x
	}
	out := newFeatureMap(x.C, h, w)
	sy := float32(x.H) / float32(h)
	sx := float32(x.W) / float32(w)
	src := func(dst int, scale float32, n int) (int, int, float32) {
		f := (float32(dst)+0.5)*scale - 0.5
		if f < 0 {
			f = 0
		}
		i0 := int(f)
		i1 := min(i0+1, n-1)
		return i0, i1, f - float32(i0)
	}
	inPlane := x.plane()
	for y := 0; y < h; y++ {
		y0, y1, ly := src(y, sy, x.H)
		for xx := 0; xx < w; xx++ {
			x0, x1, lx := src(xx, sx, x.W)
			for c := 0; c < x.C; c++ {
				s := x.Data[c*inPlane:]
				top := s[y0*x.W+x0]*(1-lx) + s[y0*x.W+x1]*lx
				bot := s[y1*x.W+x0]*(1-lx) + s[y1*x.W+x1]*lx
				out.Data[c*h*w+y*w+xx] = top*(1-ly) + bot*ly
			}
		}
	}
	return out
}

// forward runs the block on x conditioned on s, which is pooled (1x1) or
// already resized to x's spatial size. skip, when non-nil, is concatenated
// after normalisation.
func (rb *resBlock) forward(x, s featureMap, skip *featureMap) featureMap {
	d := depthwise3x3(x, rb.dwWeight, rb.dwBias)
	out := newFeatureMap(x.C, x.H, x.W)
	copy(out.Data, x.Data)

	sv := make([]float32, s.C)
	w := make([]float32, rb.c)
	pooled := s.H == 1 && s.W == 1
	if pooled {
		s.gather(sv, 0)
		tensor.MatVec(w, &rb.condMapper, sv, rb.condBias)
	}

	in := make([]float32, rb.c+rb.skip)
	hid := make([]float32, rb.hidden)
	o := make([]float32, rb.c)
	res := make([]float32, rb.c)
	gamma, beta := rb.lnGamma[0], rb.lnBeta[0]
	for p := 0; p < x.plane(); p++ {
		if !pooled {
			s.gather(sv, p)
			tensor.MatVec(w, &rb.condMapper, sv, rb.condBias)
		}
		d.gather(in[:rb.c], p)
		tensor.LayerNorm(in[:rb.c], in[:rb.c], rb.lnWeight, rb.lnBias, 1e-6)
		for c := range rb.c {
			in[c] = gamma*w[c]*in[c] + beta*w[c]
		}
		if skip != nil {
			skip.gather(in[rb.c:], p)
		}
		tensor.MatVec(hid, &rb.fc1, in, rb.fc1Bias)
		for i, v := range hid {
			hid[i] = tensor.Mish(v)
		}
		tensor.MatVec(o, &rb.fc2, hid, rb.fc2Bias)
		if rb.layerScale != nil {
			for c, g := range rb.layerScale {
				o[c] *= g
			}
		}
		out.gather(res, p)
		tensor.Add(res, o)
		out.scatter(res, p)
	}
	return out
}

// forward applies pre-norm multi-head cross-attention from every position
// of x to the tokens of ctx (length L, width a.ctx), with a residual. An
// empty context leaves x unchanged.
func (a *attention) forward(x featureMap, ctx []float32, l int) featureMap {
	if l == 0 {
		return x
	}
	keys := make([]float32, l*a.c)
	vals := make([]float32, l*a.c)
	for t := 0; t < l; t++ {
		tok := ctx[t*a.ctx : (t+1)*a.ctx]
		tensor.MatVec(keys[t*a.c:(t+1)*a.c], &a.k, tok, nil)
		tensor.MatVec(vals[t*a.c:(t+1)*a.c], &a.v, tok, nil)
	}

	out := newFeatureMap(x.C, x.H, x.W)
	dh := a.c / a.heads
	scale := 1 / math32.Sqrt(float32(dh))
	xv := make([]float32, a.c)
	q := make([]float32, a.c)
	mixed := make([]float32, a.c)
	o := make([]float32, a.c)
	scores := make([]float32, l)
	for p := 0; p < x.plane(); p++ {
		x.gather(xv, p)
		tensor.LayerNorm(q, xv, a.normWeight, a.normBias, 1e-5)
		copy(o, q)
		tensor.MatVec(q, &a.q, o, nil)
		for h := 0; h < a.heads; h++ {
			qh := q[h*dh : (h+1)*dh]
			for t := 0; t < l; t++ {
				scores[t] = tensor.Dot(qh, keys[t*a.c+h*dh:t*a.c+(h+1)*dh]) * scale
			}
			tensor.Softmax(scores)
			mh := mixed[h*dh : (h+1)*dh]
			fill(mh, 0)
			for t, wt := range scores {
				vh := vals[t*a.c+h*dh : t*a.c+(h+1)*dh]
				for i := range mh {
					mh[i] += wt * vh[i]
				}
			}
		}
		tensor.MatVec(o, &a.out, mixed, a.outBias)
		tensor.Add(o, xv)
		out.scatter(o, p)
	}
	return out
}

// downsample is Conv2d(kernel 4, stride 2, padding 1) with zero padding.
func (cv *conv) downsample(x featureMap) featureMap {
	h, w := x.H/2, x.W/2
	out := newFeatureMap(cv.out, h, w)
	n := x.plane()
	for o := 0; o < cv.out; o++ {
		dst := out.Data[o*h*w : (o+1)*h*w]
		fill(dst, cv.bias[o])
		for i := 0; i < cv.in; i++ {
			k := cv.weight[(o*cv.in+i)*16 : (o*cv.in+i+1)*16]
			src := x.Data[i*n : (i+1)*n]
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					var sum float32
					for ky := 0; ky < 4; ky++ {
						iy := 2*y - 1 + ky
						if iy < 0 || iy >= x.H {
							continue
						}
						for kx := 0; kx < 4; kx++ {
							ix := 2*xx - 1 + kx
							if ix < 0 || ix >= x.W {
								continue
							}
							sum += k[ky*4+kx] * src[iy*x.W+ix]
						}
					}
					dst[y*w+xx] += sum
				}
			}
		}
	}
	return out
}

// upsample is ConvTranspose2d(kernel 4, stride 2, padding 1), doubling
// the spatial size.
func (cv *conv) upsample(x featureMap) featureMap {
	h, w := x.H*2, x.W*2
	out := newFeatureMap(cv.out, h, w)
	n := x.plane()
	for o := 0; o < cv.out; o++ {
		fill(out.Data[o*h*w:(o+1)*h*w], cv.bias[o])
	}
	for i := 0; i < cv.in; i++ {
		src := x.Data[i*n : (i+1)*n]
		for o := 0; o < cv.out; o++ {
			k := cv.weight[(i*cv.out+o)*16 : (i*cv.out+o+1)*16]
			dst := out.Data[o*h*w : (o+1)*h*w]
			for iy := 0; iy < x.H; iy++ {
				for ix := 0; ix < x.W; ix++ {
					v := src[iy*x.W+ix]
					if v == 0 {
						continue
					}
					for ky := 0; ky < 4; ky++ {
						y := 2*iy - 1 + ky
						if y < 0 || y >= h {
							continue
						}
						for kx := 0; kx < 4; kx++ {
							xx := 2*ix - 1 + kx
							if xx < 0 || xx >= w {
								continue
							}
							dst[y*w+xx] += v * k[ky*4+kx]
						}
					}
				}
			}
		}
	}
	return out
}
