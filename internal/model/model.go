// Package model implements the text-conditional denoising U-Net on the CPU.
// It predicts per-position class logits for a token grid given a pooled or
// spatial condition, a progress value and an optional token sequence for
// cross-attention.
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/paella/internal/noise"
	"github.com/samcharles93/paella/internal/tensor"
)

// Model is safe for concurrent Forward calls once constructed.
type Model struct {
	cfg    Config
	params *paramSet

	embedding tensor.Mat
	down      [][]Stage
	up        [][]Stage
	clf       tensor.Mat
	clfBias   []float32

	noise   noise.Scheduler
	workers int
}

// New builds a model with weights drawn from a PCG source seeded with seed.
func New(cfg Config, seed uint64) (*Model, error) {
	m, err := build(cfg)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x5deece66d))
	m.params.randomize(rng, cfg.LayerScale)
	return m, nil
}

// build lays out zeroed parameters for cfg.
func build(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ps := newParamSet()
	levels := cfg.LevelChannels()
	m := &Model{
		cfg:     cfg,
		params:  ps,
		noise:   noise.Scheduler{NumLabels: cfg.NumLabels},
		workers: runtime.GOMAXPROCS(0),
	}
	m.embedding = mat(ps.add("embedding.weight", initNormal, cfg.NumLabels, levels[0]))
	m.down, m.up = buildStages(cfg, ps)
	m.clf = mat(ps.weight("clf.weight", levels[0], 1, cfg.NumLabels, levels[0]))
	m.clfBias = ps.weight("clf.bias", levels[0], 1, cfg.NumLabels).Data
	return m, nil
}

// SetWorkers caps the number of batch elements evaluated concurrently.
func (m *Model) SetWorkers(n int) {
	m.workers = max(n, 1)
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) NumLabels() int { return m.cfg.NumLabels }

// Params returns the weights in layout order. The tensors alias the model.
func (m *Model) Params() []*Param { return m.params.list }

// ParamCount is the total number of scalar weights.
func (m *Model) ParamCount() int {
	var n int
	for _, p := range m.params.list {
		n += len(p.Data)
	}
	return n
}

// Stages returns the encoder and decoder layout.
func (m *Model) Stages() (down, up [][]Stage) { return m.down, m.up }

// AddNoise corrupts x with the model's label count.
func (m *Model) AddNoise(rng *rand.Rand, x tensor.Grid, r []float64, randomX *tensor.Grid) (tensor.Grid, tensor.Mask) {
	return m.noise.AddNoise(rng, x, r, randomX)
}

// Forward predicts logits of shape (B, NumLabels, H, W) for x. c is either
// pooled (B, CCond) or spatial; cFull may be empty, which disables
// cross-attention.
func (m *Model) Forward(ctx context.Context, x tensor.Grid, c tensor.Cond, r []float64, cFull tensor.Seq) (tensor.Logits, error) {
	if err := m.checkInputs(x, c, r, cFull); err != nil {
		return tensor.Logits{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	out := tensor.NewLogits(x.B, m.cfg.NumLabels, x.H, x.W)
	per := m.cfg.NumLabels * x.H * x.W

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for b := 0; b < x.B; b++ {
		g.Go(func() error {
			var full []float32
			var l int
			if !cFull.Empty() {
				l = cFull.L
				full = cFull.Data[b*l*cFull.D : (b+1)*l*cFull.D]
			}
			return m.forwardOne(gctx, x.Plane(b), x.H, x.W, m.condition(c, b, r[b]), full, l, out.Data[b*per:(b+1)*per])
		})
	}
	if err := g.Wait(); err != nil {
		return tensor.Logits{}, err
	}
	return out, nil
}

func (m *Model) checkInputs(x tensor.Grid, c tensor.Cond, r []float64, cFull tensor.Seq) error {
	if err := x.Validate(m.cfg.NumLabels); err != nil {
		return fmt.Errorf("x: %w", err)
	}
	if mul := m.cfg.Multiple(); x.H%mul != 0 || x.W%mul != 0 || x.H == 0 || x.W == 0 {
		return fmt.Errorf("x: grid %dx%d must be a non-zero multiple of %d", x.H, x.W, mul)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("c: %w", err)
	}
	if c.B != x.B || c.D != m.cfg.CCond {
		return fmt.Errorf("c: shape (%d,%d) does not match batch %d and c_cond %d", c.B, c.D, x.B, m.cfg.CCond)
	}
	if len(r) != x.B {
		return fmt.Errorf("r: %d values for batch %d", len(r), x.B)
	}
	if !cFull.Empty() {
		if err := cFull.Validate(); err != nil {
			return fmt.Errorf("c_full: %w", err)
		}
		if cFull.B != x.B || cFull.D != m.cfg.ContextDim {
			return fmt.Errorf("c_full: shape (%d,_,%d) does not match batch %d and context_dim %d", cFull.B, cFull.D, x.B, m.cfg.ContextDim)
		}
	}
	return nil
}

// rEmbedding is the sinusoidal embedding of Gamma(r) scaled to
// [0, maxPositions], zero padded to an odd width.
func rEmbedding(r float64, width int) []float32 {
	const maxPositions = 10000
	out := make([]float32, width)
	half := width / 2
	step := math.Log(maxPositions) / float64(half-1)
	pos := noise.Gamma(r) * maxPositions
	for k := 0; k < half; k++ {
		arg := pos * math.Exp(-float64(k)*step)
		out[k] = float32(math.Sin(arg))
		out[half+k] = float32(math.Cos(arg))
	}
	return out
}

// condition builds s = concat(c, r_embed) for batch element b, broadcasting
// the progress embedding over a spatial condition.
func (m *Model) condition(c tensor.Cond, b int, r float64) featureMap {
	emb := rEmbedding(r, m.cfg.CR)
	s := newFeatureMap(c.D+len(emb), c.H, c.W)
	n := c.H * c.W
	copy(s.Data, c.Data[b*c.D*n:(b+1)*c.D*n])
	for i, v := range emb {
		fill(s.Data[(c.D+i)*n:(c.D+i+1)*n], v)
	}
	return s
}

func (m *Model) forwardOne(ctx context.Context, tokens []int32, h, w int, s featureMap, full []float32, l int, out []float32) error {
	x := newFeatureMap(m.embedding.C, h, w)
	for p, tok := range tokens {
		x.scatter(m.embedding.Row(int(tok)), p)
	}

	// Spatial conditions are resized once per resolution.
	resized := make(map[[2]int]featureMap)
	condFor := func(f featureMap) featureMap {
		if s.H == 1 && s.W == 1 {
			return s
		}
		key := [2]int{f.H, f.W}
		if r, ok := resized[key]; ok {
			return r
		}
		r := resizeBilinear(s, f.H, f.W)
		resized[key] = r
		return r
	}

	run := func(st *Stage, x featureMap, skip *featureMap) (featureMap, error) {
		if err := ctx.Err(); err != nil {
			return featureMap{}, err
		}
		switch st.Kind {
		case StageResBlock:
			return st.Res.forward(x, condFor(x), skip), nil
		case StageAttention:
			return st.Attn.forward(x, full, l), nil
		case StageDownsample:
			return st.Conv.downsample(x), nil
		case StageUpsample:
			return st.Conv.upsample(x), nil
		default:
			return featureMap{}, fmt.Errorf("stage %s: unknown kind %s", st.Name, st.Kind)
		}
	}

	// Encoder outputs are kept deepest first.
	levelOutputs := make([]featureMap, len(m.down))
	var err error
	for i, stages := range m.down {
		for j := range stages {
			if x, err = run(&stages[j], x, nil); err != nil {
				return err
			}
		}
		levelOutputs[len(m.down)-1-i] = x
	}

	x = levelOutputs[0]
	for i, stages := range m.up {
		for j := range stages {
			var skip *featureMap
			if stages[j].Skip {
				skip = &levelOutputs[i]
			}
			if x, err = run(&stages[j], x, skip); err != nil {
				return err
			}
		}
	}

	dst := featureMap{C: m.cfg.NumLabels, H: h, W: w, Data: out}
	xv := make([]float32, x.C)
	logits := make([]float32, m.cfg.NumLabels)
	for p := 0; p < x.plane(); p++ {
		x.gather(xv, p)
		tensor.MatVec(logits, &m.clf, xv, m.clfBias)
		dst.scatter(logits, p)
	}
	return nil
}
