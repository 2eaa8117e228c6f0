package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math/rand/v2"
	"slices"

	"github.com/goccy/go-json"
)

// MaxPUnsafe is the highest NSFW probability a training sample may carry.
const MaxPUnsafe = 0.99

// Metadata is the decoded JSON that accompanies a sample.
type Metadata map[string]any

// ParseMetadata decodes a JSON object, keeping numbers as json.Number so
// integer sizes survive exactly.
func ParseMetadata(b []byte) (Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return m, nil
}

// Number reads key as a float. ok is false when the key is missing, null or
// not numeric.
func (m Metadata) Number(key string) (v float64, ok bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// FilterLAIONA keeps samples whose metadata reports both sides of at least
// target pixels and punsafe <= MaxPUnsafe. Every key must be present.
func FilterLAIONA(m Metadata, target int) bool {
	h, ok := m.Number("height")
	if !ok || h < float64(target) {
		return false
	}
	w, ok := m.Number("width")
	if !ok || w < float64(target) {
		return false
	}
	p, ok := m.Number("punsafe")
	return ok && p <= MaxPUnsafe
}

// FilterLAIONCoco is the LAION-COCO row filter. HEIGHT, WIDTH and punsafe
// must be present but may be null, in which case they pass; TEXT, URL,
// top_caption and all_captions must be present and non-null.
func FilterLAIONCoco(m Metadata, target int) bool {
	checkMin := func(key string, limit float64, above bool) bool {
		v, present := m[key]
		if !present {
			return false
		}
		if v == nil {
			return true
		}
		n, ok := m.Number(key)
		if !ok {
			return false
		}
		if above {
			return n <= limit
		}
		return n >= limit
	}
	if !checkMin("HEIGHT", float64(target), false) || !checkMin("WIDTH", float64(target), false) {
		return false
	}
	if !checkMin("punsafe", MaxPUnsafe, true) {
		return false
	}
	for _, key := range []string{"TEXT", "URL", "top_caption", "all_captions"} {
		if v, ok := m[key]; !ok || v == nil {
			return false
		}
	}
	return true
}

// CocoCaptions collects the distinct candidate captions of a LAION-COCO row
// in first-seen order: TEXT, top_caption, then all_captions.
func CocoCaptions(m Metadata) []string {
	var out []string
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	add(m["TEXT"])
	add(m["top_caption"])
	switch all := m["all_captions"].(type) {
	case []any:
		for _, v := range all {
			add(v)
		}
	case []string:
		for _, v := range all {
			add(v)
		}
	}
	return out
}

// ChooseCaption picks one of the distinct candidates uniformly.
func ChooseCaption(rng *rand.Rand, candidates []string) (string, error) {
	var uniq []string
	for _, c := range candidates {
		if !slices.Contains(uniq, c) {
			uniq = append(uniq, c)
		}
	}
	if len(uniq) == 0 {
		return "", errors.New("no caption candidates")
	}
	return uniq[rng.IntN(len(uniq))], nil
}

// Record is one raw sample: encoded image bytes, caption and metadata.
type Record struct {
	Key      string
	Image    []byte
	Caption  string
	Metadata Metadata
}

// Sample is a processed record ready for batching.
type Sample struct {
	Key      string
	Pixels   Pixels
	Caption  string
	Metadata Metadata
}

// Process decodes the record image and runs Transform on it.
func Process(rng *rand.Rand, rec Record, target int) (Sample, error) {
	img, _, err := image.Decode(bytes.NewReader(rec.Image))
	if err != nil {
		return Sample{}, fmt.Errorf("record %s: decode image: %w", rec.Key, err)
	}
	px, err := Transform(rng, img, target)
	if err != nil {
		return Sample{}, fmt.Errorf("record %s: %w", rec.Key, err)
	}
	return Sample{Key: rec.Key, Pixels: px, Caption: rec.Caption, Metadata: rec.Metadata}, nil
}

// Batch is a stacked set of samples.
type Batch struct {
	Images   []float32
	Shape    []int
	Captions []string
	Keys     []string
}

// Collate drops samples rejected by keep and stacks the rest.
func Collate(samples []Sample, keep func(Metadata) bool) (Batch, error) {
	var b Batch
	var images []Pixels
	for _, s := range samples {
		if keep != nil && !keep(s.Metadata) {
			continue
		}
		images = append(images, s.Pixels)
		b.Captions = append(b.Captions, s.Caption)
		b.Keys = append(b.Keys, s.Key)
	}
	data, shape, err := Stack(images)
	if err != nil {
		return Batch{}, err
	}
	b.Images, b.Shape = data, shape
	return b, nil
}
