// Package diffusion runs the iterative denoising loop that turns a random
// token grid into an image-token grid with a conditioned single-step
// denoiser.
package diffusion

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/paella/internal/logger"
	"github.com/samcharles93/paella/internal/logits"
	"github.com/samcharles93/paella/internal/noise"
	"github.com/samcharles93/paella/internal/tensor"
)

// Denoiser is the single-step network the loop drives. Forward must be safe
// for concurrent use: guided sampling issues the conditioned and
// unconditioned calls in parallel. It must accept zeroed c and cFull.
type Denoiser interface {
	NumLabels() int
	Forward(ctx context.Context, x tensor.Grid, c tensor.Cond, r []float64, cFull tensor.Seq) (tensor.Logits, error)
	AddNoise(rng *rand.Rand, x tensor.Grid, r []float64, randomX *tensor.Grid) (tensor.Grid, tensor.Mask)
}

// Input carries the per-call tensors. X and Mask are optional.
type Input struct {
	Cond     tensor.Cond
	CondFull tensor.Seq
	X        *tensor.Grid
	Mask     *tensor.Mask
}

// StepInfo describes a finished step. Sampled is the grid after sampling and
// mask restoration; Grid is the state handed to the next step, which differs
// from Sampled only when the step re-noised. Both are private copies.
type StepInfo struct {
	Step        int
	Steps       int
	R           float64
	Temperature float64
	Renoised    bool
	Sampled     tensor.Grid
	Grid        tensor.Grid
	Elapsed     time.Duration
}

// StepFunc observes the loop after every step. Returning an error aborts
// sampling with that error.
type StepFunc func(StepInfo) error

// Sampler drives a Denoiser through the refinement schedule.
type Sampler struct {
	Denoiser Denoiser
	Config   Config
	// Rand is the only source of randomness; a nil Rand is seeded from the
	// runtime.
	Rand *rand.Rand
	// OnStep, when set, is called after every step.
	OnStep StepFunc
}

// State is the loop state entering a step. Steps never modify it; they
// return the next grid instead.
type State struct {
	X    tensor.Grid
	Init tensor.Grid
	Mask *tensor.Mask
	Cond tensor.Cond
	Full tensor.Seq
}

// Sample validates cfg and in, then runs steps StartingT..T-1 and returns the
// final grid.
func Sample(ctx context.Context, d Denoiser, in Input, cfg Config, rng *rand.Rand) (tensor.Grid, error) {
	s := &Sampler{Denoiser: d, Config: cfg, Rand: rng}
	return s.Run(ctx, in)
}

// Run samples a grid. Any denoiser or observer error aborts the call; no
// partial grid is returned.
func (s *Sampler) Run(ctx context.Context, in Input) (tensor.Grid, error) {
	if s.Denoiser == nil {
		return tensor.Grid{}, invalid("denoiser", "is required")
	}
	if err := s.Config.Validate(); err != nil {
		return tensor.Grid{}, err
	}
	if err := in.validate(s.Config, s.Denoiser.NumLabels()); err != nil {
		return tensor.Grid{}, err
	}
	if s.Rand == nil {
		s.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	st := s.initialState(in)
	tokens := logits.NewSampler(s.Rand, logits.SamplerConfig{
		TypicalFiltering: s.Config.TypicalFiltering,
		TypicalMass:      s.Config.TypicalMass,
		TypicalMinTokens: s.Config.TypicalMinTokens,
	})

	log := logger.FromContext(ctx).With("component", "diffusion")
	log.Debug("sampling started",
		"batch", st.X.B, "height", st.X.H, "width", st.X.W,
		"steps", s.Config.Steps, "starting_t", s.Config.StartingT,
		"guided", s.Config.Guided(), "renoise_steps", s.Config.RenoiseSteps)

	start := time.Now()
	for i := s.Config.StartingT; i < s.Config.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return tensor.Grid{}, err
		}
		stepStart := time.Now()
		sampled, next, err := s.step(ctx, tokens, st, i)
		if err != nil {
			return tensor.Grid{}, fmt.Errorf("step %d: %w", i, err)
		}
		st.X = next

		info := StepInfo{
			Step:        i,
			Steps:       s.Config.Steps,
			R:           s.Config.Progress(i),
			Temperature: s.Config.Temperature(i),
			Renoised:    i < s.Config.RenoiseSteps,
			Elapsed:     time.Since(stepStart),
		}
		log.Debug("step done", "step", i, "r", info.R, "temperature", info.Temperature, "renoised", info.Renoised, "took", info.Elapsed)
		if s.OnStep != nil {
			info.Sampled = sampled.Clone()
			info.Grid = next.Clone()
			if err := s.OnStep(info); err != nil {
				return tensor.Grid{}, fmt.Errorf("step %d observer: %w", i, err)
			}
		}
	}
	log.Debug("sampling finished", "took", time.Since(start))
	return st.X.Clone(), nil
}

// Step runs refinement step i on st and returns the grid for step i+1. An
// empty st.Init defaults to st.X.
func (s *Sampler) Step(ctx context.Context, st State, i int) (tensor.Grid, error) {
	if len(st.Init.Data) == 0 {
		st.Init = st.X.Clone()
	}
	if s.Rand == nil {
		s.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	tokens := logits.NewSampler(s.Rand, logits.SamplerConfig{
		TypicalFiltering: s.Config.TypicalFiltering,
		TypicalMass:      s.Config.TypicalMass,
		TypicalMinTokens: s.Config.TypicalMinTokens,
	})
	_, next, err := s.step(ctx, tokens, st, i)
	return next, err
}

func (s *Sampler) step(ctx context.Context, tokens *logits.Sampler, st State, i int) (sampled, next tensor.Grid, err error) {
	cfg := s.Config
	r := noise.Progress(i, cfg.Steps, st.X.B)

	l, err := s.predict(ctx, st, r)
	if err != nil {
		return tensor.Grid{}, tensor.Grid{}, err
	}
	sampled = tokens.SampleGrid(l, cfg.Temperature(i))
	if st.Mask != nil {
		sampled = tensor.Blend(sampled, st.Init, *st.Mask)
	}
	if i >= cfg.RenoiseSteps {
		return sampled, sampled, nil
	}

	rNext := noise.Progress(i+1, cfg.Steps, st.X.B)
	switch cfg.RenoiseMode {
	case RenoiseStart:
		next, _ = s.Denoiser.AddNoise(s.Rand, sampled, rNext, &st.Init)
	case RenoisePrev:
		prev := st.X
		next, _ = s.Denoiser.AddNoise(s.Rand, sampled, rNext, &prev)
	default:
		next, _ = s.Denoiser.AddNoise(s.Rand, sampled, rNext, nil)
	}
	// Re-noising must not reach fixed positions either.
	if st.Mask != nil {
		next = tensor.Blend(next, st.Init, *st.Mask)
	}
	return sampled, next, nil
}

// predict calls the denoiser, blending in the unconditioned pass when
// guidance is on. The two passes run concurrently.
func (s *Sampler) predict(ctx context.Context, st State, r []float64) (tensor.Logits, error) {
	if !s.Config.Guided() {
		l, err := s.Denoiser.Forward(ctx, st.X, st.Cond, r, st.Full)
		if err != nil {
			return tensor.Logits{}, fmt.Errorf("denoiser: %w", err)
		}
		return l, nil
	}

	var cond, uncond tensor.Logits
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cond, err = s.Denoiser.Forward(gctx, st.X, st.Cond, r, st.Full)
		if err != nil {
			return fmt.Errorf("denoiser (conditioned): %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		uncond, err = s.Denoiser.Forward(gctx, st.X, st.Cond.ZerosLike(), r, st.Full.ZerosLike())
		if err != nil {
			return fmt.Errorf("denoiser (unconditioned): %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return tensor.Logits{}, err
	}
	return tensor.Lerp(uncond, cond, float32(s.Config.ClassifierFreeScale))
}

func (s *Sampler) initialState(in Input) State {
	numLabels := s.Denoiser.NumLabels()
	b := in.Cond.B
	var x tensor.Grid
	switch {
	case in.X == nil:
		x = tensor.RandomGrid(s.Rand, b, s.Config.Height, s.Config.Width, numLabels)
	case in.Mask != nil:
		fresh := tensor.RandomGrid(s.Rand, in.X.B, in.X.H, in.X.W, numLabels)
		x = tensor.Blend(fresh, *in.X, *in.Mask)
	default:
		x = in.X.Clone()
	}
	st := State{
		X:    x,
		Init: x.Clone(),
		Cond: in.Cond,
		Full: in.CondFull,
	}
	if in.Mask != nil {
		m := *in.Mask
		m.Data = append([]uint8(nil), in.Mask.Data...)
		st.Mask = &m
	}
	return st
}

func (in Input) validate(cfg Config, numLabels int) error {
	if numLabels <= 0 {
		return invalid("num_labels", "denoiser reports %d labels", numLabels)
	}
	if err := in.Cond.Validate(); err != nil {
		return invalid("c", "%v", err)
	}
	b := in.Cond.B
	if b <= 0 {
		return invalid("c", "batch must be > 0, got %d", b)
	}
	if !in.CondFull.Empty() || in.CondFull.B != 0 {
		if err := in.CondFull.Validate(); err != nil {
			return invalid("c_full", "%v", err)
		}
		if in.CondFull.B != b {
			return invalid("c_full", "batch %d does not match c batch %d", in.CondFull.B, b)
		}
	}

	h, w := cfg.Height, cfg.Width
	if in.X != nil {
		if err := in.X.Validate(numLabels); err != nil {
			return invalid("x", "%v", err)
		}
		if in.X.B != b {
			return invalid("x", "batch %d does not match c batch %d", in.X.B, b)
		}
		h, w = in.X.H, in.X.W
	}
	if h <= 0 || w <= 0 {
		return invalid("size", "grid must be non-empty, got %dx%d", h, w)
	}
	if in.Mask != nil {
		if err := in.Mask.Validate(); err != nil {
			return invalid("mask", "%v", err)
		}
		if !(in.Mask.B == b && in.Mask.H == h && in.Mask.W == w) {
			return invalid("mask", "shape (%d,%d,%d) does not match grid (%d,%d,%d)", in.Mask.B, in.Mask.H, in.Mask.W, b, h, w)
		}
	}
	return nil
}
