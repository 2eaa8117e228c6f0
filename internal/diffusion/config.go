package diffusion

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is wrapped by every validation failure raised before
// sampling starts.
var ErrInvalidConfig = errors.New("invalid sampling configuration")

type configError struct {
	field string
	msg   string
}

func (e configError) Error() string {
	return fmt.Sprintf("%s: %s", e.field, e.msg)
}

func (e configError) Unwrap() error {
	return ErrInvalidConfig
}

func invalid(field, format string, args ...any) error {
	return configError{field: field, msg: fmt.Sprintf(format, args...)}
}

// RenoiseMode selects where re-noised positions take their tokens from.
type RenoiseMode string

const (
	// RenoiseStart takes tokens from the initial grid.
	RenoiseStart RenoiseMode = "start"
	// RenoisePrev takes tokens from the grid as it was before the current step.
	RenoisePrev RenoiseMode = "prev"
	// RenoiseRand draws fresh uniform tokens.
	RenoiseRand RenoiseMode = "rand"
)

// ParseRenoiseMode accepts start, prev or rand (case-insensitive).
func ParseRenoiseMode(s string) (RenoiseMode, error) {
	switch m := RenoiseMode(strings.ToLower(strings.TrimSpace(s))); m {
	case RenoiseStart, RenoisePrev, RenoiseRand:
		return m, nil
	default:
		return "", invalid("renoise_mode", "unknown mode %q (want start, prev or rand)", s)
	}
}

// Config holds the sampling options of one call.
type Config struct {
	// Steps is the number of refinement steps T.
	Steps int `json:"steps"`
	// Height and Width size a freshly drawn grid when the caller supplies none.
	Height int `json:"height"`
	Width  int `json:"width"`
	// StartingT skips the first steps, continuing a partially denoised grid.
	StartingT int `json:"starting_t"`
	// TempRange is linearly interpolated across the T steps.
	TempRange [2]float64 `json:"temp_range"`

	TypicalFiltering bool    `json:"typical_filtering"`
	TypicalMass      float64 `json:"typical_mass"`
	TypicalMinTokens int     `json:"typical_min_tokens"`

	// ClassifierFreeScale enables guidance when >= 0. 0 reproduces the
	// unconditioned logits and 1 the conditioned ones.
	ClassifierFreeScale float64 `json:"classifier_free_scale"`

	// RenoiseSteps re-corrupts the grid after every step i < RenoiseSteps.
	RenoiseSteps int         `json:"renoise_steps"`
	RenoiseMode  RenoiseMode `json:"renoise_mode"`
}

// DefaultConfig mirrors the reference sampler defaults for a 128px image
// encoded at 8x downsampling.
func DefaultConfig() Config {
	return Config{
		Steps:               12,
		Height:              16,
		Width:               16,
		TempRange:           [2]float64{1, 1},
		TypicalFiltering:    true,
		TypicalMass:         0.2,
		TypicalMinTokens:    1,
		ClassifierFreeScale: -1,
		RenoiseSteps:        11,
		RenoiseMode:         RenoiseStart,
	}
}

// Guided reports whether classifier-free guidance is enabled.
func (c Config) Guided() bool { return c.ClassifierFreeScale >= 0 }

// Validate checks the option ranges. Shape agreement with the inputs is
// checked separately by Input.validate.
func (c Config) Validate() error {
	if c.Steps <= 0 {
		return invalid("steps", "must be > 0, got %d", c.Steps)
	}
	if c.StartingT < 0 || c.StartingT >= c.Steps {
		return invalid("starting_t", "must be in [0,%d), got %d", c.Steps, c.StartingT)
	}
	if c.TempRange[0] <= 0 || c.TempRange[1] <= 0 {
		return invalid("temp_range", "temperatures must be positive, got %v", c.TempRange)
	}
	if c.TypicalFiltering {
		if c.TypicalMass <= 0 || c.TypicalMass > 1 {
			return invalid("typical_mass", "must be in (0,1], got %v", c.TypicalMass)
		}
		if c.TypicalMinTokens < 1 {
			return invalid("typical_min_tokens", "must be >= 1, got %d", c.TypicalMinTokens)
		}
	}
	if c.RenoiseSteps < 0 || c.RenoiseSteps > c.Steps {
		return invalid("renoise_steps", "must be in [0,%d], got %d", c.Steps, c.RenoiseSteps)
	}
	if _, err := ParseRenoiseMode(string(c.RenoiseMode)); err != nil {
		return err
	}
	if c.Height < 0 || c.Width < 0 {
		return invalid("size", "must be non-negative, got %dx%d", c.Height, c.Width)
	}
	return nil
}

// Temperature returns temp_i, linearly interpolated between TempRange[0] at
// step 0 and TempRange[1] at step T-1.
func (c Config) Temperature(i int) float64 {
	if c.Steps <= 1 {
		return c.TempRange[0]
	}
	f := float64(i) / float64(c.Steps-1)
	return c.TempRange[0] + f*(c.TempRange[1]-c.TempRange[0])
}

// Progress returns r_i = i/T.
func (c Config) Progress(i int) float64 {
	return float64(i) / float64(c.Steps)
}
