package fwconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"EzMMLab/logger"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is where the resolved tree handed to the runner is written.
const FileName = "framework_config.json"

// ErrUnsupportedFormat is returned for template extensions no loader handles.
var ErrUnsupportedFormat = errors.New("unsupported framework config format")

// PythonLoader evaluates a Python config file (with its _base_ inheritance)
// into a plain mapping.
type PythonLoader interface {
	LoadTemplate(ctx context.Context, path string) (map[string]any, error)
}

// Load reads a template into a fresh Tree. YAML and JSON are decoded
// directly; .py files go through py, which may be nil when no Python
// configs are expected.
func Load(ctx context.Context, path string, py PythonLoader) (Tree, error) {
	ext := strings.ToLower(filepath.Ext(path))
	logger.Log().Debug("Loading framework config", zap.String("path", path), zap.String("format", ext))
	switch ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading framework config: %w", err)
		}
		return DecodeYAML(data)
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading framework config: %w", err)
		}
		return DecodeJSON(data)
	case ".py":
		if py == nil {
			return nil, fmt.Errorf("%w: %s needs a python loader", ErrUnsupportedFormat, path)
		}
		m, err := py.LoadTemplate(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		return FromMap(m), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

func DecodeYAML(data []byte) (Tree, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding yaml framework config: %w", err)
	}
	return FromMap(m), nil
}

func DecodeJSON(data []byte) (Tree, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding json framework config: %w", err)
	}
	return FromMap(m), nil
}

// Save writes the tree as indented JSON, creating parent directories.
func (t Tree) Save(path string) error {
	data, err := json.MarshalIndent(map[string]any(t), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding framework config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing framework config: %w", err)
	}
	logger.Log().Debug("Framework config saved", zap.String("path", path))
	return nil
}
