package model

import (
	"errors"
	"fmt"
)

// ErrInvalidModel is wrapped by configuration and weight-shape errors.
var ErrInvalidModel = errors.New("invalid model")

// ErrInvalidInput is wrapped by Forward when the inputs do not fit the model.
var ErrInvalidInput = errors.New("invalid model input")

// Config describes the denoising U-Net. It is stored as JSON in the
// safetensors metadata of every saved model.
type Config struct {
	// NumLabels is the VQ codebook size; token ids lie in [0, NumLabels).
	NumLabels int `json:"num_labels"`
	// CHidden is the channel count of the deepest level. Level i of n has
	// CHidden / 2^(n-1-i) channels.
	CHidden int `json:"c_hidden"`
	// CCond is the pooled condition width (the text embedding size).
	CCond int `json:"c_cond"`
	// CR is the width of the sinusoidal progress embedding.
	CR int `json:"c_r"`
	// DownLevels and UpLevels hold the ResBlock count per level.
	DownLevels []int `json:"down_levels"`
	UpLevels   []int `json:"up_levels"`
	// NumHeads and ContextDim configure cross-attention over c_full.
	NumHeads   int `json:"num_heads"`
	ContextDim int `json:"context_dim"`
	// LayerScale initialises the per-channel residual scale of ResBlocks.
	LayerScale float32 `json:"layer_scale"`
}

// DefaultConfig matches the published text-conditional checkpoint layout.
func DefaultConfig() Config {
	return Config{
		NumLabels:  8192,
		CHidden:    1280,
		CCond:      1024,
		CR:         64,
		DownLevels: []int{4, 8, 16, 32},
		UpLevels:   []int{32, 16, 8, 4},
		NumHeads:   8,
		ContextDim: 1024,
		LayerScale: 1e-6,
	}
}

// TinyConfig is a small network that samples quickly on a CPU. It is used by
// `paella init` and throughout the tests.
func TinyConfig() Config {
	return Config{
		NumLabels:  64,
		CHidden:    32,
		CCond:      16,
		CR:         8,
		DownLevels: []int{1, 1, 1},
		UpLevels:   []int{1, 1, 1},
		NumHeads:   2,
		ContextDim: 16,
		LayerScale: 0.1,
	}
}

// Levels is the number of resolution levels.
func (c Config) Levels() int { return len(c.DownLevels) }

// LevelChannels returns the channel count of every level, shallowest first.
func (c Config) LevelChannels() []int {
	n := c.Levels()
	out := make([]int, n)
	for i := range out {
		out[i] = c.CHidden >> (n - 1 - i)
	}
	return out
}

// CondWidth is the width of s = concat(c, r_embed).
func (c Config) CondWidth() int { return c.CCond + c.CR }

// Multiple is the factor the grid height and width must be divisible by.
func (c Config) Multiple() int { return 1 << (c.Levels() - 1) }

func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidModel, fmt.Sprintf(format, args...))
	}
	switch {
	case c.NumLabels <= 0:
		return bad("num_labels must be > 0, got %d", c.NumLabels)
	case c.CCond <= 0:
		return bad("c_cond must be > 0, got %d", c.CCond)
	case c.CR < 4:
		return bad("c_r must be >= 4, got %d", c.CR)
	case c.Levels() < 2:
		return bad("need at least 2 levels, got %d", c.Levels())
	case len(c.UpLevels) != c.Levels():
		return bad("up_levels has %d entries, down_levels %d", len(c.UpLevels), c.Levels())
	case c.NumHeads <= 0:
		return bad("num_heads must be > 0, got %d", c.NumHeads)
	case c.ContextDim <= 0:
		return bad("context_dim must be > 0, got %d", c.ContextDim)
	}
	for i, ch := range c.LevelChannels() {
		if ch <= 0 || ch<<(c.Levels()-1-i) != c.CHidden {
			return bad("c_hidden %d is not divisible by 2^%d", c.CHidden, c.Levels()-1)
		}
	}
	if attn := c.LevelChannels()[1]; attn%c.NumHeads != 0 {
		return bad("attention width %d is not divisible by %d heads", attn, c.NumHeads)
	}
	for i, n := range c.DownLevels {
		if n <= 0 {
			return bad("down_levels[%d] must be > 0, got %d", i, n)
		}
	}
	for i, n := range c.UpLevels[:c.Levels()-1] {
		if n <= 0 {
			return bad("up_levels[%d] must be > 0, got %d", i, n)
		}
	}
	return nil
}
