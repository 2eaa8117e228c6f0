// Package dataset turns raw training images and their metadata into model
// inputs: resize, random crop, pixel tensors, metadata filters and caption
// selection.
package dataset

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand/v2"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// TargetSize is the square training resolution in pixels.
const TargetSize = 128

// Multiple is the factor Preprocess truncates image sides to.
const Multiple = 32

// ErrImageTooSmall is returned when an image cannot cover the requested size.
var ErrImageTooSmall = errors.New("image too small")

// Decode reads any registered image format (JPEG, PNG, GIF, BMP, TIFF, WebP).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// ResizeImage scales img so its shorter side equals target, flooring the
// longer side and never letting either side drop below target.
func ResizeImage(img image.Image, target int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rw, rh := w, h
	longest := max(w, h)
	if longest == w {
		rw = int(float64(w) / float64(h) * float64(target))
		rh = target
	}
	if longest == h {
		rh = int(float64(h) / float64(w) * float64(target))
		rw = target
	}
	rw, rh = max(rw, target), max(rh, target)
	return scale(img, rw, rh)
}

func scale(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// CropRandom cuts a target x target square at a random even offset.
func CropRandom(rng *rand.Rand, img image.Image, target int) (*image.RGBA, error) {
	b := img.Bounds()
	xMax, yMax := b.Dx()-target, b.Dy()-target
	if xMax < 0 || yMax < 0 {
		return nil, fmt.Errorf("%w: %dx%d cannot be cropped to %d", ErrImageTooSmall, b.Dx(), b.Dy(), target)
	}
	x := rng.IntN(xMax/2+1) * 2
	y := rng.IntN(yMax/2+1) * 2
	dst := image.NewRGBA(image.Rect(0, 0, target, target))
	draw.Draw(dst, dst.Bounds(), img, b.Min.Add(image.Pt(x, y)), draw.Src)
	return dst, nil
}

// Pixels is an RGB image as float32 in [0,1], laid out (C, H, W).
type Pixels struct {
	C, H, W int
	Data    []float32
}

// Preprocess resizes img so both sides are multiples of Multiple and
// converts it to RGB pixels. Alpha is dropped.
func Preprocess(img image.Image) (Pixels, error) {
	b := img.Bounds()
	w, h := b.Dx()-b.Dx()%Multiple, b.Dy()-b.Dy()%Multiple
	if w == 0 || h == 0 {
		return Pixels{}, fmt.Errorf("%w: %dx%d is under %d pixels on a side", ErrImageTooSmall, b.Dx(), b.Dy(), Multiple)
	}
	var rgba *image.RGBA
	if w == b.Dx() && h == b.Dy() {
		rgba = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	} else {
		rgba = scale(img, w, h)
	}

	px := Pixels{C: 3, H: h, W: w, Data: make([]float32, 3*w*h)}
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := rgba.PixOffset(x, y)
			p := y*w + x
			px.Data[p] = float32(rgba.Pix[o]) / 255
			px.Data[plane+p] = float32(rgba.Pix[o+1]) / 255
			px.Data[2*plane+p] = float32(rgba.Pix[o+2]) / 255
		}
	}
	return px, nil
}

// Transform is the training pipeline: resize, random crop, preprocess.
func Transform(rng *rand.Rand, img image.Image, target int) (Pixels, error) {
	cropped, err := CropRandom(rng, ResizeImage(img, target), target)
	if err != nil {
		return Pixels{}, err
	}
	return Preprocess(cropped)
}

// Stack concatenates same-sized images into one (B, C, H, W) buffer.
func Stack(images []Pixels) (data []float32, shape []int, err error) {
	if len(images) == 0 {
		return nil, nil, errors.New("stack: no images")
	}
	first := images[0]
	data = make([]float32, 0, len(images)*len(first.Data))
	for i, px := range images {
		if px.C != first.C || px.H != first.H || px.W != first.W {
			return nil, nil, fmt.Errorf("stack: image %d is %dx%dx%d, want %dx%dx%d", i, px.C, px.H, px.W, first.C, first.H, first.W)
		}
		data = append(data, px.Data...)
	}
	return data, []int{len(images), first.C, first.H, first.W}, nil
}
