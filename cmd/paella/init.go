package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/paella/internal/logger"
	"github.com/samcharles93/paella/internal/model"
)

func initCmd() *cli.Command {
	var (
		preset  string
		cfgPath string
		seed    uint64
		dtype   string
		outPath string
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a randomly initialised model to a .safetensors file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "preset",
				Usage:       "architecture preset (tiny, default)",
				Value:       "tiny",
				Destination: &preset,
			},
			&cli.StringFlag{
				Name:        "config-json",
				Usage:       "JSON model config overriding --preset",
				Destination: &cfgPath,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "initialisation seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "weight dtype (F32, F16, BF16)",
				Value:       "F32",
				Destination: &dtype,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path (default $PAELLA_OUT_DIR/<preset>.safetensors)",
				Destination: &outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, name, err := modelConfig(preset, cfgPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := model.New(cfg, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			out, _, err := resolveOutPath(name+weightsExt, outPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := m.Save(out, dtype); err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}
			log.Info("model written", "path", out, "params", m.ParamCount(), "dtype", strings.ToUpper(dtype), "seed", seed)
			return nil
		},
	}
}

// modelConfig resolves --preset and --config-json into a validated config
// and a default output name.
func modelConfig(preset, cfgPath string) (model.Config, string, error) {
	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return model.Config{}, "", err
		}
		var cfg model.Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, "", fmt.Errorf("parse %s: %w", cfgPath, err)
		}
		return cfg, "model", cfg.Validate()
	}
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "tiny":
		return model.TinyConfig(), "tiny", nil
	case "default", "paella":
		return model.DefaultConfig(), "paella", nil
	default:
		return model.Config{}, "", fmt.Errorf("unknown preset %q (want tiny or default)", preset)
	}
}
