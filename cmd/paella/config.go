package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the paella configuration file (~/.config/paella/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Model     string `yaml:"model"`
	Workers   *int64 `yaml:"workers"`

	// Sampling defaults
	Steps               *int64    `yaml:"steps"`
	Height              *int64    `yaml:"height"`
	Width               *int64    `yaml:"width"`
	TempRange           []float64 `yaml:"temp_range"`
	TypicalFiltering    *bool     `yaml:"typical_filtering"`
	TypicalMass         *float64  `yaml:"typical_mass"`
	TypicalMinTokens    *int64    `yaml:"typical_min_tokens"`
	ClassifierFreeScale *float64  `yaml:"classifier_free_scale"`
	RenoiseSteps        *int64    `yaml:"renoise_steps"`
	RenoiseMode         string    `yaml:"renoise_mode"`
	Seed                *uint64   `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
	RateBurst     *int64   `yaml:"rate_burst"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "paella", "config.yaml")
}

// loadConfigFile reads path. A missing file yields a zero Config; a file
// that exists but does not parse is an error.
func loadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

// applySamplingConfig applies config file sampling defaults.
func applySamplingConfig(c *cli.Command, cfg Config, o *samplingOptions) {
	if cfg.Steps != nil && !c.IsSet("steps") {
		o.steps = *cfg.Steps
	}
	if cfg.Height != nil && !c.IsSet("height") {
		o.height = *cfg.Height
	}
	if cfg.Width != nil && !c.IsSet("width") {
		o.width = *cfg.Width
	}
	switch len(cfg.TempRange) {
	case 1:
		if !c.IsSet("temp-start") {
			o.tempStart = cfg.TempRange[0]
		}
		if !c.IsSet("temp-end") {
			o.tempEnd = cfg.TempRange[0]
		}
	case 2:
		if !c.IsSet("temp-start") {
			o.tempStart = cfg.TempRange[0]
		}
		if !c.IsSet("temp-end") {
			o.tempEnd = cfg.TempRange[1]
		}
	}
	if cfg.TypicalFiltering != nil && !c.IsSet("typical") {
		o.typical = *cfg.TypicalFiltering
	}
	if cfg.TypicalMass != nil && !c.IsSet("typical-mass") {
		o.typicalMass = *cfg.TypicalMass
	}
	if cfg.TypicalMinTokens != nil && !c.IsSet("typical-min-tokens") {
		o.typicalMinTokens = *cfg.TypicalMinTokens
	}
	if cfg.ClassifierFreeScale != nil && !c.IsSet("cfg-scale") {
		o.cfgScale = *cfg.ClassifierFreeScale
	}
	if cfg.RenoiseSteps != nil && !c.IsSet("renoise-steps") {
		o.renoiseSteps = *cfg.RenoiseSteps
	}
	if cfg.RenoiseMode != "" && !c.IsSet("renoise-mode") {
		o.renoiseMode = cfg.RenoiseMode
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
	// A shorter schedule cannot keep the default renoise count.
	if cfg.RenoiseSteps == nil && !c.IsSet("renoise-steps") && o.renoiseSteps > o.steps {
		o.renoiseSteps = max(o.steps-1, 0)
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rateLimit *float64, burst *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*rateLimit = *cfg.RateLimit
	}
	if cfg.RateBurst != nil && !c.IsSet("rate-burst") {
		*burst = *cfg.RateBurst
	}
}
