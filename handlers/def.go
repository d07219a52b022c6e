package handlers

import (
	"errors"
	"fmt"
	"path/filepath"

	"EzMMLab/fwconfig"
	"EzMMLab/registry"
	"EzMMLab/schema"
)

// ErrConfigMismatch means a framework template lacks a field the model
// family needs to rewrite.
var ErrConfigMismatch = errors.New("framework config does not match model family")

// Handler rewrites one concern of a framework config from the user config.
// Sections the template lacks are skipped.
type Handler interface {
	Apply(cfg fwconfig.Tree, uc schema.UserConfig) error
}

// Family applies the shared overrides and then the architecture specifics.
type Family interface {
	ApplyOverrides(cfg fwconfig.Tree, uc schema.UserConfig) error
	ApplySpecifics(cfg fwconfig.Tree, uc schema.UserConfig) error
}

// ForFamily returns the override strategy for a model family.
func ForFamily(f registry.Family) (Family, error) {
	switch f {
	case registry.Detection:
		return Detection{}, nil
	case registry.TopDownPose:
		return TopDownPose{}, nil
	case registry.BottomUpPose:
		return BottomUpPose{}, nil
	}
	return nil, fmt.Errorf("no handlers for model family %s", f)
}

// common runs the dataloader handler then the runtime handler.
func common(cfg fwconfig.Tree, uc schema.UserConfig, visualizer string) error {
	for _, h := range []Handler{DataloaderHandler{}, RuntimeHandler{Visualizer: visualizer}} {
		if err := h.Apply(cfg, uc); err != nil {
			return err
		}
	}
	return nil
}

func mismatch(model, field, expect string) error {
	return fmt.Errorf("%w: config for %q has no %s; %s", ErrConfigMismatch, model, field, expect)
}

// joinRoot resolves rel under root; absolute paths are kept.
func joinRoot(root, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(root, rel)
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
