package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/paella/internal/diffusion"
	"github.com/samcharles93/paella/internal/model"
)

// LoadedModel is a denoiser ready for sampling.
type LoadedModel struct {
	Info     ModelInfo
	Denoiser diffusion.Denoiser
}

type ModelProvider interface {
	WithModel(ctx context.Context, modelID string, fn func(m LoadedModel) error) error
	ListModels() ([]string, error)
}

type ModelProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	// Workers bounds the per-model batch parallelism; 0 keeps the model default.
	Workers int
	// Load reads a weights file. Nil means model.Load.
	Load func(path string) (*model.Model, error)
}

// CachedModelProvider loads .safetensors weights on first use and keeps
// them resident. Calls against one model are serialised.
type CachedModelProvider struct {
	cfg   ModelProviderConfig
	mu    sync.Mutex
	cache map[string]*modelEntry
}

type modelEntry struct {
	loaded LoadedModel
	mu     sync.Mutex
}

const (
	envModelsDir = "PAELLA_MODELS_DIR"
	modelExt     = ".safetensors"
)

func NewCachedModelProvider(cfg ModelProviderConfig) *CachedModelProvider {
	if cfg.Load == nil {
		cfg.Load = model.Load
	}
	return &CachedModelProvider{
		cfg:   cfg,
		cache: make(map[string]*modelEntry),
	}
}

func (p *CachedModelProvider) WithModel(ctx context.Context, modelID string, fn func(m LoadedModel) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	entry, err := p.getOrLoad(path)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(entry.loaded)
}

// ListModels returns the ids servable without a path: the default model
// and every weights file in the models directory.
func (p *CachedModelProvider) ListModels() ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	add := func(path string) {
		id := modelID(path)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if p.cfg.DefaultModelPath != "" {
		add(p.cfg.DefaultModelPath)
	}
	if dir := p.modelsDir(); dir != "" {
		models, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, m := range models {
			add(m)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *CachedModelProvider) getOrLoad(path string) (*modelEntry, error) {
	p.mu.Lock()
	entry, ok := p.cache[path]
	p.mu.Unlock()
	if ok {
		return entry, nil
	}

	m, err := p.cfg.Load(path)
	if err != nil {
		return nil, err
	}
	if p.cfg.Workers > 0 {
		m.SetWorkers(p.cfg.Workers)
	}
	cfg := m.Config()
	newEntry := &modelEntry{
		loaded: LoadedModel{
			Info: ModelInfo{
				ID:        modelID(path),
				Object:    "model",
				NumLabels: m.NumLabels(),
				Params:    m.ParamCount(),
				Config:    &cfg,
			},
			Denoiser: m,
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[path]; ok {
		return existing, nil
	}
	p.cache[path] = newEntry
	return newEntry, nil
}

func (p *CachedModelProvider) resolveModelPath(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id != "" {
		if p.cfg.DefaultModelPath != "" && id == modelID(p.cfg.DefaultModelPath) {
			return filepath.Clean(p.cfg.DefaultModelPath), nil
		}
		if looksLikePath(id) {
			return filepath.Clean(id), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: models-path is required to resolve model %q", ErrModelNotFound, id)
		}
		if resolved := resolveInDir(modelsDir, id); resolved != "" {
			return resolved, nil
		}
		return "", fmt.Errorf("%w: model %q not found in %s", ErrModelNotFound, id, modelsDir)
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", fmt.Errorf("%w: model is required", ErrModelNotFound)
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("%w: no %s models found in %s", ErrModelNotFound, modelExt, modelsDir)
	case 1:
		return models[0], nil
	default:
		return "", fmt.Errorf("%w: multiple models found in %s; specify model", ErrModelNotFound, modelsDir)
	}
}

func (p *CachedModelProvider) modelsDir() string {
	if dir := strings.TrimSpace(p.cfg.ModelsPath); dir != "" {
		return dir
	}
	return strings.TrimSpace(os.Getenv(envModelsDir))
}

func modelID(path string) string {
	base := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(base), modelExt) {
		base = base[:len(base)-len(modelExt)]
	}
	return base
}

func looksLikePath(v string) bool {
	if strings.Contains(v, string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), modelExt)
}

func resolveInDir(dir, name string) string {
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), modelExt) {
		cand = filepath.Join(dir, name+modelExt)
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverModels(dir string) ([]string, error) {
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
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), modelExt) {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	sort.Strings(models)
	return models, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
