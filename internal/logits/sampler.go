package logits

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/paella/internal/tensor"
)

const (
	// MinTemperature floors the temperature so scores/temperature stays finite.
	MinTemperature = 1e-10
	// DefaultTypicalMass matches the reference sampling defaults.
	DefaultTypicalMass = 0.2

	gumbelEps = 1e-20
)

// SamplerConfig configures the per-position token choice of a Sampler.
type SamplerConfig struct {
	TypicalFiltering bool
	TypicalMass      float64
	TypicalMinTokens int
}

// Sampler turns logits into discrete tokens. It owns its random source and
// scratch buffers, so a Sampler must not be shared between goroutines.
type Sampler struct {
	rng *rand.Rand
	cfg SamplerConfig

	row      []float32
	filtered []float32
	scratch  typicalScratch
}

// NewSampler returns a sampler drawing from rng. Zero-valued typical options
// fall back to the defaults.
func NewSampler(rng *rand.Rand, cfg SamplerConfig) *Sampler {
	if cfg.TypicalMass <= 0 || cfg.TypicalMass > 1 {
		cfg.TypicalMass = DefaultTypicalMass
	}
	if cfg.TypicalMinTokens <= 0 {
		cfg.TypicalMinTokens = 1
	}
	return &Sampler{rng: rng, cfg: cfg}
}

// Config returns the effective configuration.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Sample picks one class from scores at the given temperature, applying the
// typical filter first when configured. scores is not modified.
func (s *Sampler) Sample(scores []float32, temperature float64) int {
	if s.cfg.TypicalFiltering {
		if cap(s.filtered) < len(scores) {
			s.filtered = make([]float32, len(scores))
		}
		f := s.filtered[:len(scores)]
		copy(f, scores)
		typicalFilterInto(f, s.cfg.TypicalMass, s.cfg.TypicalMinTokens, &s.scratch)
		scores = f
	}
	return StochasticArgmax(s.rng, scores, temperature)
}

// SampleGrid samples every position of l and returns the (B, H, W) grid.
func (s *Sampler) SampleGrid(l tensor.Logits, temperature float64) tensor.Grid {
	out := tensor.NewGrid(l.B, l.H, l.W)
	if cap(s.row) < l.L {
		s.row = make([]float32, l.L)
	}
	row := s.row[:l.L]
	for b := 0; b < l.B; b++ {
		for y := 0; y < l.H; y++ {
			for x := 0; x < l.W; x++ {
				l.RowTo(row, b, y, x)
				out.Set(b, y, x, int32(s.Sample(row, temperature)))
			}
		}
	}
	return out
}

// GumbelNoise draws -log(-log(u)) with u uniform in [0,1), guarded so that
// u=0 stays finite.
func GumbelNoise(rng *rand.Rand) float64 {
	u := rng.Float64()
	return -math.Log(-math.Log(u+gumbelEps) + gumbelEps)
}

// StochasticArgmax adds Gumbel noise to scores/max(temperature, MinTemperature)
// and returns the arg-max, which samples from softmax(scores/temperature)
// without materialising it. A temperature <= 0 returns the plain arg-max.
// Classes scored -Inf are never chosen unless every class is -Inf, in which
// case index 0 is returned.
func StochasticArgmax(rng *rand.Rand, scores []float32, temperature float64) int {
	if len(scores) == 0 {
		panic("stochastic argmax: empty scores")
	}
	if temperature <= 0 {
		return Argmax(scores)
	}
	inv := 1 / math.Max(temperature, MinTemperature)
	best := 0
	bestV := math.Inf(-1)
	for i, v := range scores {
		if math.IsInf(float64(v), -1) {
			continue
		}
		z := float64(v)*inv + GumbelNoise(rng)
		if z > bestV {
			bestV = z
			best = i
		}
	}
	return best
}

// Argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
