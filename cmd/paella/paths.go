package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/paella/internal/model"
	"github.com/samcharles93/paella/internal/safetensors"
)

const (
	envPaellaOutDir    = "PAELLA_OUT_DIR"
	envPaellaModelsDir = "PAELLA_MODELS_DIR"
	weightsExt         = ".safetensors"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolveOutPath returns outFlag when set, otherwise name under
// $PAELLA_OUT_DIR (default ./out). The parent directory is created.
func resolveOutPath(name, outFlag string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("invalid output name: %q", name)
	}

	outDir := strings.TrimSpace(os.Getenv(envPaellaOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}

	outPath := filepath.Join(outDir, base)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}

// weightsFile is a model found on disk together with the architecture read
// from its metadata.
type weightsFile struct {
	Path   string
	Config model.Config
}

// describe renders the label count and network shape for selection prompts.
func (wf weightsFile) describe(modelsDir string) string {
	c := wf.Config
	return fmt.Sprintf("%s  (%d labels, %d levels, c_hidden %d, grid multiple %d)",
		modelDisplayName(modelsDir, wf.Path), c.NumLabels, c.Levels(), c.CHidden, c.Multiple())
}

// resolveModelPath picks the weights for a command. An explicit --model
// wins; a bare name such as "tiny" is looked up in the models directory
// first. Otherwise the models directory is scanned for paella models.
func resolveModelPath(modelFlag string, modelsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	modelsDir := strings.TrimSpace(modelsPath)
	if modelsDir == "" {
		modelsDir = strings.TrimSpace(os.Getenv(envPaellaModelsDir))
	}

	modelFlag = strings.TrimSpace(modelFlag)
	if modelFlag != "" {
		if modelsDir != "" && isBareName(modelFlag) {
			candidate := filepath.Join(modelsDir, modelFlag+weightsExt)
			if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
				return candidate, nil
			}
		}
		return filepath.Clean(modelFlag), nil
	}
	if modelsDir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s is set", envPaellaModelsDir)
	}

	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no paella %s models found in %s", weightsExt, modelsDir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "sample: using model %s\n", models[0].describe(modelsDir))
		return models[0].Path, nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf(
				"multiple models found in %s but stdin is not interactive; set --model",
				modelsDir,
			)
		}
		return selectModelInteractively(modelsDir, models, stdin, stderr)
	}
}

func isBareName(name string) bool {
	return !strings.ContainsRune(name, filepath.Separator) && !strings.ContainsRune(name, '/') && filepath.Ext(name) == ""
}

// discoverWeights lists the .safetensors files in dir, sorted.
func discoverWeights(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("models directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), weightsExt) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// discoverModels keeps the weights files that carry a model config. Sample
// outputs and prep batches share the extension and are skipped, as are
// files whose header does not parse.
func discoverModels(dir string) ([]weightsFile, error) {
	files, err := discoverWeights(dir)
	if err != nil {
		return nil, err
	}
	var models []weightsFile
	for _, path := range files {
		cfg, err := readModelConfig(path)
		if err != nil {
			continue
		}
		models = append(models, weightsFile{Path: path, Config: cfg})
	}
	return models, nil
}

func readModelConfig(path string) (model.Config, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return model.Config{}, err
	}
	defer func() { _ = f.Close() }()
	cfg, err := model.ReadConfig(f)
	if err != nil {
		return model.Config{}, err
	}
	return cfg, cfg.Validate()
}

func selectModelInteractively(modelsDir string, models []weightsFile, stdin io.Reader, stderr io.Writer) (string, error) {
	if len(models) == 0 {
		return "", fmt.Errorf("no models available in %s", modelsDir)
	}

	_, _ = fmt.Fprintf(stderr, "sample: select a model from %s\n", modelsDir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, m.describe(modelsDir))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "sample: enter selection [1-%d]: ", len(models))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no selection provided on stdin; set --model")
			}
			continue
		}

		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(models) {
			_, _ = fmt.Fprintf(stderr, "sample: invalid selection %q\n", line)
			if errors.Is(err, io.EOF) {
				return "", errors.New("invalid selection provided on stdin; set --model")
			}
			continue
		}
		return models[idx-1].Path, nil
	}
}

func modelDisplayName(modelsDir, modelPath string) string {
	rel, err := filepath.Rel(modelsDir, modelPath)
	if err != nil || rel == "." {
		return filepath.Base(modelPath)
	}
	return rel
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
