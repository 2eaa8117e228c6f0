package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/paella/internal/safetensors"
)

const (
	metaConfig = "config"
	metaFormat = "format"
	formatName = "paella"
)

// Save writes the weights to path as safetensors with the Config stored
// under __metadata__. dtype is F32, F16 or BF16; empty means F32.
func (m *Model) Save(path, dtype string) error {
	w, err := m.encode(dtype)
	if err != nil {
		return err
	}
	return w.WriteFile(path)
}

func (m *Model) encode(dtype string) (*safetensors.Writer, error) {
	cfgJSON, err := json.Marshal(m.cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	w := safetensors.NewWriter()
	w.SetMetadata(metaConfig, string(cfgJSON))
	w.SetMetadata(metaFormat, formatName)

	add := w.AddF32
	switch strings.ToUpper(dtype) {
	case "", "F32":
	case "F16":
		add = w.AddF16
	case "BF16":
		add = w.AddBF16
	default:
		return nil, fmt.Errorf("unsupported weight dtype %q", dtype)
	}
	for _, p := range m.params.list {
		if err := add(p.Name, p.Shape, p.Data); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Load reads a model written by Save.
func Load(path string) (*Model, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	m, err := FromSafetensors(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return m, nil
}

// ReadConfig decodes the Config stored in a weights file's metadata.
func ReadConfig(f *safetensors.File) (Config, error) {
	raw, ok := f.Metadata[metaConfig]
	if !ok {
		return Config{}, fmt.Errorf("%w: weights carry no %q metadata", ErrInvalidModel, metaConfig)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: config metadata: %v", ErrInvalidModel, err)
	}
	return cfg, nil
}

// FromSafetensors builds a model from an open weights file. Every parameter
// must be present with its exact shape; extra tensors are rejected.
func FromSafetensors(f *safetensors.File) (*Model, error) {
	cfg, err := ReadConfig(f)
	if err != nil {
		return nil, err
	}
	m, err := build(cfg)
	if err != nil {
		return nil, err
	}
	for _, p := range m.params.list {
		data, info, err := f.ReadTensorF32(p.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
		}
		if !slices.Equal(info.Shape, p.Shape) {
			return nil, fmt.Errorf("%w: tensor %s has shape %v, want %v", ErrInvalidModel, p.Name, info.Shape, p.Shape)
		}
		copy(p.Data, data)
	}
	if extra := len(f.Tensors) - len(m.params.list); extra > 0 {
		var names []string
		for _, name := range f.Names() {
			if _, ok := m.params.byName[name]; !ok {
				names = append(names, name)
			}
		}
		return nil, fmt.Errorf("%w: %d unexpected tensors: %s", ErrInvalidModel, extra, strings.Join(names, ", "))
	}
	return m, nil
}
