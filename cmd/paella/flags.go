package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/paella/internal/diffusion"
)

var (
	modelPath  string
	modelsPath string
	workers    int64
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .safetensors weights",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .safetensors models",
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "batch entries evaluated in parallel (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// samplingOptions mirrors diffusion.Config for flag binding.
type samplingOptions struct {
	steps            int64
	height           int64
	width            int64
	startingT        int64
	tempStart        float64
	tempEnd          float64
	typical          bool
	typicalMass      float64
	typicalMinTokens int64
	cfgScale         float64
	renoiseSteps     int64
	renoiseMode      string
	seed             uint64
}

func samplingFlags(o *samplingOptions) []cli.Flag {
	def := diffusion.DefaultConfig()
	return []cli.Flag{
		&cli.Int64Flag{Name: "steps", Aliases: []string{"T"}, Usage: "refinement steps", Value: int64(def.Steps), Destination: &o.steps},
		&cli.Int64Flag{Name: "height", Usage: "grid height in tokens", Value: int64(def.Height), Destination: &o.height},
		&cli.Int64Flag{Name: "width", Usage: "grid width in tokens", Value: int64(def.Width), Destination: &o.width},
		&cli.Int64Flag{Name: "starting-t", Usage: "first step to run", Destination: &o.startingT},
		&cli.Float64Flag{Name: "temp-start", Usage: "temperature at the first step", Value: def.TempRange[0], Destination: &o.tempStart},
		&cli.Float64Flag{Name: "temp-end", Usage: "temperature at the last step", Value: def.TempRange[1], Destination: &o.tempEnd},
		&cli.BoolFlag{Name: "typical", Usage: "locally typical filtering", Value: def.TypicalFiltering, Destination: &o.typical},
		&cli.Float64Flag{Name: "typical-mass", Usage: "probability mass kept by typical filtering", Value: def.TypicalMass, Destination: &o.typicalMass},
		&cli.Int64Flag{Name: "typical-min-tokens", Usage: "classes always kept by typical filtering", Value: int64(def.TypicalMinTokens), Destination: &o.typicalMinTokens},
		&cli.Float64Flag{Name: "cfg-scale", Aliases: []string{"classifier-free-scale"}, Usage: "classifier-free guidance weight (< 0 disables)", Value: def.ClassifierFreeScale, Destination: &o.cfgScale},
		&cli.Int64Flag{Name: "renoise-steps", Usage: "steps followed by re-noising", Value: int64(def.RenoiseSteps), Destination: &o.renoiseSteps},
		&cli.StringFlag{Name: "renoise-mode", Usage: "re-noise source (start, prev, rand)", Value: string(def.RenoiseMode), Destination: &o.renoiseMode},
		&cli.Uint64Flag{Name: "seed", Usage: "random seed (0 = random)", Destination: &o.seed},
	}
}

func (o samplingOptions) config() (diffusion.Config, error) {
	mode, err := diffusion.ParseRenoiseMode(o.renoiseMode)
	if err != nil {
		return diffusion.Config{}, err
	}
	cfg := diffusion.Config{
		Steps:               int(o.steps),
		Height:              int(o.height),
		Width:               int(o.width),
		StartingT:           int(o.startingT),
		TempRange:           [2]float64{o.tempStart, o.tempEnd},
		TypicalFiltering:    o.typical,
		TypicalMass:         o.typicalMass,
		TypicalMinTokens:    int(o.typicalMinTokens),
		ClassifierFreeScale: o.cfgScale,
		RenoiseSteps:        int(o.renoiseSteps),
		RenoiseMode:         mode,
	}
	return cfg, cfg.Validate()
}
