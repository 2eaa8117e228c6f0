package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/paella/internal/diffusion"
	"github.com/samcharles93/paella/internal/logger"
	"github.com/samcharles93/paella/internal/model"
	"github.com/samcharles93/paella/internal/safetensors"
	"github.com/samcharles93/paella/internal/tensor"
)

// Tensor names used by the sample command's input and output files.
const (
	tensorCond     = "cond"
	tensorCondFull = "cond_full"
	tensorGrid     = "x"
	tensorMask     = "mask"
)

func sampleCmd() *cli.Command {
	var (
		opts     samplingOptions
		condPath string
		initPath string
		batch    int64
		outPath  string
		show     bool
	)

	return &cli.Command{
		Name:  "sample",
		Usage: "Sample token grids from a denoiser",
		Flags: append(append(commonModelFlags(), samplingFlags(&opts)...),
			&cli.StringFlag{
				Name:        "cond",
				Usage:       "safetensors file with a cond (B,D) tensor and optional cond_full (B,L,D)",
				Destination: &condPath,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "batch size for a random condition when --cond is not given",
				Value:       1,
				Destination: &batch,
			},
			&cli.StringFlag{
				Name:        "init",
				Usage:       "safetensors file with a starting grid x (B,H,W) and optional mask",
				Destination: &initPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path (default $PAELLA_OUT_DIR/sample.safetensors)",
				Destination: &outPath,
			},
			&cli.BoolFlag{
				Name:        "print",
				Usage:       "print the sampled grid to stdout",
				Destination: &show,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			applySamplingConfig(cmd, fileConfig, &opts)

			cfg, err := opts.config()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			m, err := model.Load(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if workers > 0 {
				m.SetWorkers(int(workers))
			}

			seed := opts.seed
			if seed == 0 {
				seed = rand.Uint64()
			}
			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

			var in diffusion.Input
			if condPath != "" {
				in.Cond, in.CondFull, err = readCond(condPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			} else {
				in.Cond = randomCond(rng, int(batch), m.Config().CCond)
			}
			if initPath != "" {
				in.X, in.Mask, err = readInit(initPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			out, _, err := resolveOutPath("sample"+weightsExt, outPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			log.Info("sampling", "model", path, "batch", in.Cond.B, "steps", cfg.Steps, "seed", seed)
			start := time.Now()
			sampler := &diffusion.Sampler{
				Denoiser: m,
				Config:   cfg,
				Rand:     rng,
				OnStep: func(info diffusion.StepInfo) error {
					log.Info("step", "step", info.Step+1, "of", info.Steps,
						"temperature", info.Temperature, "renoised", info.Renoised, "took", info.Elapsed)
					return nil
				},
			}
			grid, err := sampler.Run(ctx, in)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: sample: %v", err), 1)
			}

			if err := writeGrid(out, grid, cfg, seed); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("sample written", "path", out, "shape", []int{grid.B, grid.H, grid.W}, "took", time.Since(start))
			if show {
				return printGrid(os.Stdout, grid)
			}
			return nil
		},
	}
}

// readCond loads the pooled or spatial condition and the optional sequence.
func readCond(path string) (tensor.Cond, tensor.Seq, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return tensor.Cond{}, tensor.Seq{}, err
	}
	defer func() { _ = f.Close() }()

	data, info, err := f.ReadTensorF32(tensorCond)
	if err != nil {
		return tensor.Cond{}, tensor.Seq{}, err
	}
	var c tensor.Cond
	switch len(info.Shape) {
	case 2:
		c = tensor.NewPooledCond(info.Shape[0], info.Shape[1], data)
	case 4:
		c = tensor.Cond{B: info.Shape[0], D: info.Shape[1], H: info.Shape[2], W: info.Shape[3], Data: data}
	default:
		return tensor.Cond{}, tensor.Seq{}, fmt.Errorf("%s: %s has shape %v, want (B,D) or (B,D,H,W)", path, tensorCond, info.Shape)
	}

	var seq tensor.Seq
	if _, ok := f.Tensor(tensorCondFull); ok {
		full, info, err := f.ReadTensorF32(tensorCondFull)
		if err != nil {
			return tensor.Cond{}, tensor.Seq{}, err
		}
		if len(info.Shape) != 3 {
			return tensor.Cond{}, tensor.Seq{}, fmt.Errorf("%s: %s has shape %v, want (B,L,D)", path, tensorCondFull, info.Shape)
		}
		seq = tensor.Seq{B: info.Shape[0], L: info.Shape[1], D: info.Shape[2], Data: full}
	}
	return c, seq, nil
}

// randomCond draws a standard normal pooled condition.
func randomCond(rng *rand.Rand, b, d int) tensor.Cond {
	c := tensor.NewPooledCond(b, d, nil)
	for i := range c.Data {
		c.Data[i] = float32(rng.NormFloat64())
	}
	return c
}

// readInit loads a starting grid and optional mask.
func readInit(path string) (*tensor.Grid, *tensor.Mask, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	data, info, err := f.ReadTensorInt32(tensorGrid)
	if err != nil {
		return nil, nil, err
	}
	if len(info.Shape) != 3 {
		return nil, nil, fmt.Errorf("%s: %s has shape %v, want (B,H,W)", path, tensorGrid, info.Shape)
	}
	g := &tensor.Grid{B: info.Shape[0], H: info.Shape[1], W: info.Shape[2], Data: data}

	if _, ok := f.Tensor(tensorMask); !ok {
		return g, nil, nil
	}
	raw, info, err := f.ReadTensorInt32(tensorMask)
	if err != nil {
		return nil, nil, err
	}
	if len(info.Shape) != 3 {
		return nil, nil, fmt.Errorf("%s: %s has shape %v, want (B,H,W)", path, tensorMask, info.Shape)
	}
	m := tensor.NewMask(info.Shape[0], info.Shape[1], info.Shape[2])
	for i, v := range raw {
		if v != 0 && v != 1 {
			return nil, nil, fmt.Errorf("%s: mask value %d at offset %d is not 0 or 1", path, v, i)
		}
		m.Data[i] = uint8(v)
	}
	return g, &m, nil
}

// writeGrid stores the grid as I64 together with the options that made it.
func writeGrid(path string, g tensor.Grid, cfg diffusion.Config, seed uint64) error {
	w := safetensors.NewWriter()
	opts, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	w.SetMetadata("sampling", string(opts))
	w.SetMetadata("seed", strconv.FormatUint(seed, 10))
	if err := w.AddI64(tensorGrid, []int{g.B, g.H, g.W}, g.Data); err != nil {
		return err
	}
	return w.WriteFile(path)
}

func printGrid(w io.Writer, g tensor.Grid) error {
	var sb strings.Builder
	for b := 0; b < g.B; b++ {
		if g.B > 1 {
			fmt.Fprintf(&sb, "# %d\n", b)
		}
		for y := 0; y < g.H; y++ {
			for x := 0; x < g.W; x++ {
				if x > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(strconv.Itoa(int(g.At(b, y, x))))
			}
			sb.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
