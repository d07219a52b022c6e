package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"EzMMLab/logger"

	"go.uber.org/zap"
)

// Roots maps each framework to the root of its source checkout
// (e.g. libs/mmdetection). Configs live under <root>/configs.
type Roots map[Framework]string

// ConfigLoader resolves model names to absolute framework config paths.
// It holds no cache: the file system is checked on every call.
type ConfigLoader struct {
	registry *Registry
	roots    Roots
}

func NewConfigLoader(reg *Registry, roots Roots) *ConfigLoader {
	cp := make(Roots, len(roots))
	for k, v := range roots {
		cp[k] = v
	}
	return &ConfigLoader{registry: reg, roots: cp}
}

// Registry exposes the table the loader resolves against.
func (l *ConfigLoader) Registry() *Registry {
	return l.registry
}

// ConfigDir returns <root>/configs for a framework after checking it exists.
func (l *ConfigLoader) ConfigDir(fw Framework) (string, error) {
	root := l.roots[fw]
	if root == "" {
		return "", fmt.Errorf("%w: no root configured for %s; set frameworks.%s_root in ezmm.yaml",
			ErrMissingArtifact, fw, fw)
	}
	dir := filepath.Join(root, "configs")
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		logger.Log().Error("framework config root not found", zap.String("framework", string(fw)), zap.String("path", dir))
		return "", fmt.Errorf("%w: could not find local %s configs at %s; ensure the %s checkout under %s is initialized",
			ErrMissingArtifact, fw, dir, fw, root)
	}
	return dir, nil
}

// ConfigPath returns the absolute path of name's architecture config.
func (l *ConfigLoader) ConfigPath(name string) (string, error) {
	entry, err := l.registry.Lookup(name)
	if err != nil {
		logger.Log().Error("model is not supported", zap.String("model", name))
		return "", err
	}
	dir, err := l.ConfigDir(entry.Family.Framework())
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.FromSlash(entry.ConfigPath))
	if _, err := os.Stat(path); err != nil {
		logger.Log().Error("config file missing", zap.String("model", name), zap.String("path", path))
		return "", fmt.Errorf("%w: config file for %q not found at %s; verify the %s checkout is complete",
			ErrMissingArtifact, name, path, entry.Family.Framework())
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	logger.Log().Info("resolved model config", zap.String("model", name), zap.String("path", abs))
	return abs, nil
}
