package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/paella/internal/dataset"
	"github.com/samcharles93/paella/internal/logger"
	"github.com/samcharles93/paella/internal/safetensors"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

func prepCmd() *cli.Command {
	var (
		inDir   string
		filter  string
		target  int64
		seed    uint64
		jobs    int64
		dtype   string
		outPath string
	)

	return &cli.Command{
		Name:  "prep",
		Usage: "Preprocess a directory of images into a training batch",
		Description: "Every image <key>.<ext> may carry a <key>.json metadata file and a <key>.txt caption.\n" +
			"Images are resized, randomly cropped to --target pixels and stacked into one (B,3,T,T) tensor.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "directory of images and sidecar files",
				Destination: &inDir,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "metadata filter (none, laion-a, laion-coco)",
				Value:       "none",
				Destination: &filter,
			},
			&cli.Int64Flag{
				Name:        "target",
				Usage:       "square output size in pixels",
				Value:       dataset.TargetSize,
				Destination: &target,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "crop and caption seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "jobs",
				Aliases:     []string{"j"},
				Usage:       "images decoded in parallel (0 = GOMAXPROCS)",
				Destination: &jobs,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "pixel dtype (F32, F16, BF16)",
				Value:       "F32",
				Destination: &dtype,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path (default $PAELLA_OUT_DIR/<input>.safetensors)",
				Destination: &outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			keep, err := metadataFilter(filter, int(target))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			records, err := readRecords(inDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(records) == 0 {
				return cli.Exit(fmt.Sprintf("error: no images found in %s", inDir), 1)
			}

			samples, skipped, err := processRecords(ctx, records, filter, int(target), seed, int(jobs))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			for _, key := range skipped {
				log.Warn("skipping image", "key", key, "reason", "too small")
			}
			batch, err := dataset.Collate(samples, keep)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: collate: %v", err), 1)
			}

			out, _, err := resolveOutPath(filepath.Base(filepath.Clean(inDir))+weightsExt, outPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := writeBatch(out, batch, dtype, int(target)); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("batch written", "path", out, "images", len(batch.Keys),
				"filtered", len(samples)-len(batch.Keys), "skipped", len(skipped), "shape", batch.Shape)
			return nil
		},
	}
}

func metadataFilter(name string, target int) (func(dataset.Metadata) bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, nil
	case "laion-a":
		return func(m dataset.Metadata) bool { return dataset.FilterLAIONA(m, target) }, nil
	case "laion-coco":
		return func(m dataset.Metadata) bool { return dataset.FilterLAIONCoco(m, target) }, nil
	default:
		return nil, fmt.Errorf("unknown filter %q (want none, laion-a or laion-coco)", name)
	}
}

// readRecords loads every image in dir with its optional sidecars, sorted
// by key.
func readRecords(dir string) ([]dataset.Record, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var records []dataset.Record
	for _, e := range ents {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || !imageExts[ext] {
			continue
		}
		key := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		rec := dataset.Record{Key: key}
		if rec.Image, err = os.ReadFile(filepath.Join(dir, e.Name())); err != nil {
			return nil, err
		}
		if caption, err := os.ReadFile(filepath.Join(dir, key+".txt")); err == nil {
			rec.Caption = strings.TrimSpace(string(caption))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		meta, err := os.ReadFile(filepath.Join(dir, key+".json"))
		switch {
		case err == nil:
			if rec.Metadata, err = dataset.ParseMetadata(meta); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			rec.Metadata = dataset.Metadata{}
		default:
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// processRecords runs the training transform over records in parallel.
// Each record draws from its own seeded source so results do not depend on
// scheduling. Images smaller than target are reported in skipped.
func processRecords(ctx context.Context, records []dataset.Record, filter string, target int, seed uint64, jobs int) (samples []dataset.Sample, skipped []string, err error) {
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	out := make([]*dataset.Sample, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, rec := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, uint64(i)))
			if strings.EqualFold(filter, "laion-coco") {
				if caption, err := dataset.ChooseCaption(rng, dataset.CocoCaptions(rec.Metadata)); err == nil {
					rec.Caption = caption
				}
			}
			s, err := dataset.Process(rng, rec, target)
			if errors.Is(err, dataset.ErrImageTooSmall) {
				return nil
			}
			if err != nil {
				return err
			}
			out[i] = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	for i, s := range out {
		if s == nil {
			skipped = append(skipped, records[i].Key)
			continue
		}
		samples = append(samples, *s)
	}
	return samples, skipped, nil
}

func writeBatch(path string, b dataset.Batch, dtype string, target int) error {
	w := safetensors.NewWriter()
	captions, err := json.Marshal(b.Captions)
	if err != nil {
		return err
	}
	keys, err := json.Marshal(b.Keys)
	if err != nil {
		return err
	}
	w.SetMetadata("captions", string(captions))
	w.SetMetadata("keys", string(keys))
	w.SetMetadata("target", strconv.Itoa(target))

	add := w.AddF32
	switch strings.ToUpper(dtype) {
	case "", "F32":
	case "F16":
		add = w.AddF16
	case "BF16":
		add = w.AddBF16
	default:
		return fmt.Errorf("unsupported pixel dtype %q", dtype)
	}
	if err := add("images", b.Shape, b.Images); err != nil {
		return err
	}
	return w.WriteFile(path)
}
