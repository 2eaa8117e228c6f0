package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/paella/internal/tensor"
)

// StageKind tags the layer held by a Stage.
type StageKind uint8

const (
	StageResBlock StageKind = iota
	StageAttention
	StageDownsample
	StageUpsample
)

func (k StageKind) String() string {
	switch k {
	case StageResBlock:
		return "resblock"
	case StageAttention:
		return "attention"
	case StageDownsample:
		return "downsample"
	case StageUpsample:
		return "upsample"
	default:
		return fmt.Sprintf("StageKind(%d)", uint8(k))
	}
}

// Stage is one layer of a U-Net level. Only the field matching Kind is
// populated.
type Stage struct {
	Kind StageKind
	Name string
	// Skip marks the ResBlock that consumes the level's encoder output.
	Skip bool

	Res  resBlock
	Attn attention
	Conv conv
}

// Param is a named weight tensor. Data is row-major in Shape.
type Param struct {
	Name  string
	Shape []int
	Data  []float32

	init paramInit
}

type paramInit uint8

const (
	initFanIn paramInit = iota
	initOnes
	initZeros
	initNormal
	initLayerScale
)

type paramSet struct {
	list   []*Param
	byName map[string]*Param
	// fanIn and scale record the uniform bound for initFanIn params.
	fanIn map[*Param]int
	scale map[*Param]float32
}

func newParamSet() *paramSet {
	return &paramSet{
		byName: make(map[string]*Param),
		fanIn:  make(map[*Param]int),
		scale:  make(map[*Param]float32),
	}
}

func (ps *paramSet) add(name string, init paramInit, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	p := &Param{Name: name, Shape: shape, Data: make([]float32, n), init: init}
	ps.list = append(ps.list, p)
	ps.byName[name] = p
	return p
}

// weight adds a matrix initialised uniformly in ±gain/sqrt(fanIn).
func (ps *paramSet) weight(name string, fanIn int, gain float32, shape ...int) *Param {
	p := ps.add(name, initFanIn, shape...)
	ps.fanIn[p] = fanIn
	ps.scale[p] = gain
	return p
}

func (ps *paramSet) randomize(rng *rand.Rand, layerScale float32) {
	for _, p := range ps.list {
		switch p.init {
		case initFanIn:
			tensor.FillRandSlice(p.Data, rng, tensor.FanInScale(ps.fanIn[p])*ps.scale[p])
		case initOnes:
			fill(p.Data, 1)
		case initZeros:
			fill(p.Data, 0)
		case initNormal:
			for i := range p.Data {
				p.Data[i] = float32(rng.NormFloat64())
			}
		case initLayerScale:
			fill(p.Data, layerScale)
		}
	}
}

func fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}

func mat(p *Param) tensor.Mat {
	return tensor.NewMatFromData(p.Shape[0], p.Shape[1], p.Data)
}

type resBlock struct {
	c, hidden, skip int

	dwWeight, dwBias []float32
	lnWeight, lnBias []float32
	lnGamma, lnBeta  []float32
	condMapper       tensor.Mat
	condBias         []float32
	fc1              tensor.Mat
	fc1Bias          []float32
	fc2              tensor.Mat
	fc2Bias          []float32
	// layerScale is nil when the block has no residual scale.
	layerScale []float32
}

func newResBlock(ps *paramSet, prefix string, c, hidden, cCond, skip int, outGain, layerScale float32) resBlock {
	in := c + skip
	rb := resBlock{c: c, hidden: hidden, skip: skip}
	rb.dwWeight = ps.weight(prefix+".depthwise.weight", 9, 1, c, 1, 3, 3).Data
	rb.dwBias = ps.weight(prefix+".depthwise.bias", 9, 1, c).Data
	rb.lnWeight = ps.add(prefix+".ln.weight", initOnes, c).Data
	rb.lnBias = ps.add(prefix+".ln.bias", initZeros, c).Data
	rb.lnGamma = ps.add(prefix+".ln.gamma", initNormal, 1).Data
	rb.lnBeta = ps.add(prefix+".ln.beta", initNormal, 1).Data
	rb.condMapper = mat(ps.weight(prefix+".cond_mapper.weight", cCond, 1, c, cCond))
	rb.condBias = ps.weight(prefix+".cond_mapper.bias", cCond, 1, c).Data
	rb.fc1 = mat(ps.weight(prefix+".channelwise.0.weight", in, 1, hidden, in))
	rb.fc1Bias = ps.weight(prefix+".channelwise.0.bias", in, 1, hidden).Data
	rb.fc2 = mat(ps.weight(prefix+".channelwise.2.weight", hidden, outGain, c, hidden))
	rb.fc2Bias = ps.weight(prefix+".channelwise.2.bias", hidden, 1, c).Data
	if layerScale > 0 {
		rb.layerScale = ps.add(prefix+".gamma", initLayerScale, c).Data
	}
	return rb
}

type attention struct {
	c, heads, ctx int

	normWeight, normBias []float32
	q, k, v, out         tensor.Mat
	outBias              []float32
}

func newAttention(ps *paramSet, prefix string, c, heads, ctxDim int) attention {
	a := attention{c: c, heads: heads, ctx: ctxDim}
	a.normWeight = ps.add(prefix+".norm.weight", initOnes, c).Data
	a.normBias = ps.add(prefix+".norm.bias", initZeros, c).Data
	a.q = mat(ps.weight(prefix+".to_q.weight", c, 1, c, c))
	a.k = mat(ps.weight(prefix+".to_k.weight", ctxDim, 1, c, ctxDim))
	a.v = mat(ps.weight(prefix+".to_v.weight", ctxDim, 1, c, ctxDim))
	a.out = mat(ps.weight(prefix+".to_out.weight", c, 1, c, c))
	a.outBias = ps.weight(prefix+".to_out.bias", c, 1, c).Data
	return a
}

// conv is a 4x4 stride-2 padding-1 convolution, or its transpose. The
// weight layout follows torch: (out, in, 4, 4) for Conv2d and
// (in, out, 4, 4) for ConvTranspose2d.
type conv struct {
	in, out      int
	weight, bias []float32
}

func newConv(ps *paramSet, prefix string, in, out int, transpose bool) conv {
	shape := []int{out, in, 4, 4}
	fanIn := in * 16
	if transpose {
		shape = []int{in, out, 4, 4}
		fanIn = out * 16
	}
	return conv{
		in:     in,
		out:    out,
		weight: ps.weight(prefix+".weight", fanIn, 1, shape...).Data,
		bias:   ps.weight(prefix+".bias", fanIn, 1, out).Data,
	}
}

// buildStages lays out the encoder and decoder levels. Level 1 of the
// encoder and the matching decoder level interleave cross-attention with
// an extra narrow ResBlock after every ResBlock.
func buildStages(cfg Config, ps *paramSet) (down, up [][]Stage) {
	levels := cfg.LevelChannels()
	n := len(levels)
	cond := cfg.CondWidth()

	var downBlocks int
	for _, b := range cfg.DownLevels {
		downBlocks += b
	}
	downGain := float32(math.Sqrt(1 / float64(downBlocks)))

	down = make([][]Stage, n)
	for i, blocks := range cfg.DownLevels {
		c := levels[i]
		var stages []Stage
		if i > 0 {
			name := fmt.Sprintf("down.%d.%d", i, len(stages))
			stages = append(stages, Stage{Kind: StageDownsample, Name: name, Conv: newConv(ps, name, levels[i-1], c, false)})
		}
		for range blocks {
			name := fmt.Sprintf("down.%d.%d", i, len(stages))
			stages = append(stages, Stage{Kind: StageResBlock, Name: name,
				Res: newResBlock(ps, name, c, 4*c, cond, 0, downGain, cfg.LayerScale)})
			if i == 1 {
				name = fmt.Sprintf("down.%d.%d", i, len(stages))
				stages = append(stages, Stage{Kind: StageAttention, Name: name,
					Attn: newAttention(ps, name, c, cfg.NumHeads, cfg.ContextDim)})
				name = fmt.Sprintf("down.%d.%d", i, len(stages))
				stages = append(stages, Stage{Kind: StageResBlock, Name: name,
					Res: newResBlock(ps, name, c, c, cond, 0, downGain, cfg.LayerScale)})
			}
		}
		down[i] = stages
	}

	// Decoder channels run deepest first.
	upChannels := make([]int, n)
	var upSum int
	for i := range upChannels {
		upChannels[i] = levels[n-1-i]
		upSum += upChannels[i]
	}
	upGain := float32(math.Sqrt(1 / float64(upSum)))

	up = make([][]Stage, n)
	for i, blocks := range cfg.UpLevels {
		c := upChannels[i]
		var stages []Stage
		if i < n-1 {
			for j := range blocks {
				skip := 0
				if j == 0 && i > 0 {
					skip = c
				}
				name := fmt.Sprintf("up.%d.%d", i, len(stages))
				stages = append(stages, Stage{Kind: StageResBlock, Name: name, Skip: skip > 0,
					Res: newResBlock(ps, name, c, 4*c, cond, skip, upGain, cfg.LayerScale)})
				if i == n-2 {
					name = fmt.Sprintf("up.%d.%d", i, len(stages))
					stages = append(stages, Stage{Kind: StageAttention, Name: name,
						Attn: newAttention(ps, name, c, cfg.NumHeads, cfg.ContextDim)})
					name = fmt.Sprintf("up.%d.%d", i, len(stages))
					stages = append(stages, Stage{Kind: StageResBlock, Name: name,
						Res: newResBlock(ps, name, c, c, cond, 0, upGain, cfg.LayerScale)})
				}
			}
		}
		if i != n-1 {
			name := fmt.Sprintf("up.%d.%d", i, len(stages))
			stages = append(stages, Stage{Kind: StageUpsample, Name: name, Conv: newConv(ps, name, c, upChannels[i+1], true)})
		}
		up[i] = stages
	}
	return down, up
}
