package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/paella/internal/model"
	"github.com/samcharles93/paella/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showTensors  bool
		showMeta     bool
		showStages   bool
		tensorFilter string
		tensorLimit  int64
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a .safetensors file (weights, conditions or sampled grids)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f", "model", "m"},
				Usage:       "path to .safetensors file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensors", Value: true, Destination: &showTensors},
			&cli.BoolFlag{Name: "metadata", Usage: "print __metadata__ entries", Value: true, Destination: &showMeta},
			&cli.BoolFlag{Name: "stages", Usage: "print the network stage layout of model weights", Destination: &showStages},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this string", Destination: &tensorFilter},
			&cli.Int64Flag{Name: "limit", Usage: "maximum tensors to list (0 = all)", Destination: &tensorLimit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := safetensors.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			w := os.Stdout
			_, _ = fmt.Fprintf(w, "file:    %s\n", f.Path)
			_, _ = fmt.Fprintf(w, "tensors: %d\n", len(f.Tensors))
			if showMeta {
				printMetadata(w, f)
			}
			if cfg, err := model.ReadConfig(f); err == nil {
				if err := printModel(w, f, cfg, showStages); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			if showTensors {
				printTensors(w, f, tensorFilter, int(tensorLimit))
			}
			return nil
		},
	}
}

func printMetadata(w io.Writer, f *safetensors.File) {
	if len(f.Metadata) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "metadata:")
	for _, k := range slices.Sorted(maps.Keys(f.Metadata)) {
		_, _ = fmt.Fprintf(w, "  %s: %s\n", k, truncate(f.Metadata[k], 120))
	}
}

func printModel(w io.Writer, f *safetensors.File, cfg model.Config, showStages bool) error {
	m, err := model.FromSafetensors(f)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, "model:")
	_, _ = fmt.Fprintf(w, "  num_labels:  %d\n", cfg.NumLabels)
	_, _ = fmt.Fprintf(w, "  c_hidden:    %d\n", cfg.CHidden)
	_, _ = fmt.Fprintf(w, "  c_cond:      %d\n", cfg.CCond)
	_, _ = fmt.Fprintf(w, "  c_r:         %d\n", cfg.CR)
	_, _ = fmt.Fprintf(w, "  down_levels: %v\n", cfg.DownLevels)
	_, _ = fmt.Fprintf(w, "  up_levels:   %v\n", cfg.UpLevels)
	_, _ = fmt.Fprintf(w, "  channels:    %v\n", cfg.LevelChannels())
	_, _ = fmt.Fprintf(w, "  grid factor: %d\n", cfg.Multiple())
	_, _ = fmt.Fprintf(w, "  params:      %d\n", m.ParamCount())
	if !showStages {
		return nil
	}
	down, up := m.Stages()
	for _, side := range []struct {
		name   string
		levels [][]model.Stage
	}{{"down", down}, {"up", up}} {
		for i, level := range side.levels {
			kinds := make([]string, len(level))
			for j, st := range level {
				kinds[j] = st.Kind.String()
				if st.Skip {
					kinds[j] += "+skip"
				}
			}
			_, _ = fmt.Fprintf(w, "  %s.%d: %s\n", side.name, i, strings.Join(kinds, ", "))
		}
	}
	return nil
}

func printTensors(w io.Writer, f *safetensors.File, filter string, limit int) {
	_, _ = fmt.Fprintln(w, "tensor list:")
	shown := 0
	for _, name := range f.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		if limit > 0 && shown >= limit {
			_, _ = fmt.Fprintf(w, "  ... (limit %d reached)\n", limit)
			return
		}
		info, _ := f.Tensor(name)
		_, _ = fmt.Fprintf(w, "  %-48s %-5s %v\n", name, info.DType, info.Shape)
		shown++
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
