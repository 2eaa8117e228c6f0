package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/paella/internal/diffusion"
)

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		cfg, err := loadConfigFile(filepath.Join(dir, "nope.yaml"))
		if err != nil {
			t.Fatalf("loadConfigFile: %v", err)
		}
		if cfg.Steps != nil || cfg.Model != "" {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("empty path", func(t *testing.T) {
		if _, err := loadConfigFile(""); err != nil {
			t.Fatalf("loadConfigFile: %v", err)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("steps: [1,\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := loadConfigFile(path); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "config.yaml")
		body := "models_dir: /models\nsteps: 8\ntemp_range: [0.5, 0.1]\nrenoise_mode: rand\nseed: 42\nrate_limit: 2.5\nlog_format: json\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := loadConfigFile(path)
		if err != nil {
			t.Fatalf("loadConfigFile: %v", err)
		}
		if cfg.ModelsDir != "/models" {
			t.Fatalf("models_dir = %q", cfg.ModelsDir)
		}
		if cfg.Steps == nil || *cfg.Steps != 8 {
			t.Fatalf("steps = %v", cfg.Steps)
		}
		if len(cfg.TempRange) != 2 || cfg.TempRange[0] != 0.5 || cfg.TempRange[1] != 0.1 {
			t.Fatalf("temp_range = %v", cfg.TempRange)
		}
		if cfg.RenoiseMode != "rand" || cfg.LogFormat != "json" {
			t.Fatalf("unexpected strings: %+v", cfg)
		}
		if cfg.Seed == nil || *cfg.Seed != 42 {
			t.Fatalf("seed = %v", cfg.Seed)
		}
		if cfg.RateLimit == nil || *cfg.RateLimit != 2.5 {
			t.Fatalf("rate_limit = %v", cfg.RateLimit)
		}
	})
}

// runWithSampling parses args against the sampling flags and applies cfg.
func runWithSampling(t *testing.T, cfg Config, args ...string) samplingOptions {
	t.Helper()
	var opts samplingOptions
	cmd := &cli.Command{
		Name:  "sample",
		Flags: samplingFlags(&opts),
		Action: func(_ context.Context, cmd *cli.Command) error {
			applySamplingConfig(cmd, cfg, &opts)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), append([]string{"sample"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
	return opts
}

func TestApplySamplingConfig(t *testing.T) {
	steps := int64(4)
	scale := 2.0
	seed := uint64(7)
	cfg := Config{
		Steps:               &steps,
		TempRange:           []float64{0.3},
		ClassifierFreeScale: &scale,
		RenoiseMode:         "prev",
		Seed:                &seed,
	}

	t.Run("file fills unset flags", func(t *testing.T) {
		opts := runWithSampling(t, cfg)
		if opts.steps != 4 || opts.cfgScale != 2 || opts.seed != 7 || opts.renoiseMode != "prev" {
			t.Fatalf("config not applied: %+v", opts)
		}
		if opts.tempStart != 0.3 || opts.tempEnd != 0.3 {
			t.Fatalf("single temp_range should set both ends: %+v", opts)
		}
	})

	t.Run("flags win over file", func(t *testing.T) {
		opts := runWithSampling(t, cfg, "--steps", "6", "--temp-end", "0.05", "--renoise-steps", "2")
		if opts.steps != 6 {
			t.Fatalf("steps = %d, want 6", opts.steps)
		}
		if opts.tempStart != 0.3 || opts.tempEnd != 0.05 {
			t.Fatalf("temp range = [%v %v]", opts.tempStart, opts.tempEnd)
		}
		got, err := opts.config()
		if err != nil {
			t.Fatalf("config: %v", err)
		}
		if got.RenoiseMode != diffusion.RenoisePrev || got.RenoiseSteps != 2 {
			t.Fatalf("unexpected config: %+v", got)
		}
	})

	t.Run("short schedule lowers default renoise steps", func(t *testing.T) {
		opts := runWithSampling(t, Config{}, "--steps", "8")
		got, err := opts.config()
		if err != nil {
			t.Fatalf("config: %v", err)
		}
		if got.Steps != 8 || got.RenoiseSteps != 7 {
			t.Fatalf("steps=%d renoise_steps=%d, want 8 and 7", got.Steps, got.RenoiseSteps)
		}

		opts = runWithSampling(t, cfg)
		if opts.renoiseSteps != 3 {
			t.Fatalf("file steps=4: renoise_steps = %d, want 3", opts.renoiseSteps)
		}
	})

	t.Run("explicit renoise steps are kept", func(t *testing.T) {
		opts := runWithSampling(t, Config{}, "--steps", "8", "--renoise-steps", "11")
		if opts.renoiseSteps != 11 {
			t.Fatalf("renoise_steps = %d, want 11", opts.renoiseSteps)
		}
		if _, err := opts.config(); err == nil {
			t.Fatal("expected error for explicit renoise_steps above steps")
		}

		renoise := int64(9)
		opts = runWithSampling(t, Config{RenoiseSteps: &renoise}, "--steps", "8")
		if opts.renoiseSteps != 9 {
			t.Fatalf("file renoise_steps = %d, want 9", opts.renoiseSteps)
		}
	})

	t.Run("defaults without file", func(t *testing.T) {
		opts := runWithSampling(t, Config{})
		got, err := opts.config()
		if err != nil {
			t.Fatalf("config: %v", err)
		}
		if want := diffusion.DefaultConfig(); got != want {
			t.Fatalf("flag defaults differ from DefaultConfig:\n got %+v\nwant %+v", got, want)
		}
	})
}

func TestSamplingOptionsRejectInvalid(t *testing.T) {
	opts := runWithSampling(t, Config{}, "--renoise-mode", "sideways")
	if _, err := opts.config(); err == nil {
		t.Fatal("expected error for unknown renoise mode")
	}
	opts = runWithSampling(t, Config{}, "--steps", "0")
	if _, err := opts.config(); err == nil {
		t.Fatal("expected error for zero steps")
	}
}

func TestApplyServeConfig(t *testing.T) {
	limit := 3.0
	burst := int64(9)
	cfg := Config{ServerAddress: ":9000", RateLimit: &limit, RateBurst: &burst}

	var (
		addr      string
		rateLimit float64
		rateBurst int64
	)
	cmd := &cli.Command{
		Name: "serve",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Destination: &addr},
			&cli.Float64Flag{Name: "rate-limit", Destination: &rateLimit},
			&cli.Int64Flag{Name: "rate-burst", Value: 4, Destination: &rateBurst},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, cfg, &addr, &rateLimit, &rateBurst)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"serve", "--rate-burst", "1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if addr != ":9000" || rateLimit != 3 {
		t.Fatalf("config not applied: addr=%q limit=%v", addr, rateLimit)
	}
	if rateBurst != 1 {
		t.Fatalf("explicit --rate-burst overridden: %d", rateBurst)
	}
}
