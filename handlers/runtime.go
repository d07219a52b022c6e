package handlers

import (
	"EzMMLab/fwconfig"
	"EzMMLab/logger"
	"EzMMLab/schema"

	"go.uber.org/zap"
)

const (
	DetVisualizer  = "DetLocalVisualizer"
	PoseVisualizer = "PoseLocalVisualizer"

	localBackend       = "LocalVisBackend"
	tensorboardBackend = "TensorboardVisBackend"
)

// RuntimeHandler sets run-wide options: work dir, epochs, optimizer, AMP,
// visualization backends and evaluator annotation files.
type RuntimeHandler struct {
	// Visualizer is the type used when the template defines none.
	Visualizer string
}

func (h RuntimeHandler) Apply(cfg fwconfig.Tree, uc schema.UserConfig) error {
	training := uc.Training

	var loadFrom any
	if uc.Model.LoadFrom != nil {
		loadFrom = *uc.Model.LoadFrom
	}
	for path, v := range map[string]any{
		"work_dir":  training.WorkDir,
		"log_level": training.LogLevel,
		"load_from": loadFrom,
	} {
		if err := cfg.Set(path, v); err != nil {
			return err
		}
	}
	if _, ok := cfg.Map("train_cfg"); ok {
		if err := cfg.Set("train_cfg.max_epochs", training.Epochs); err != nil {
			return err
		}
	}

	if err := h.optimizer(cfg, training); err != nil {
		return err
	}
	if training.EnableTensorboard {
		if err := h.tensorboard(cfg); err != nil {
			return err
		}
	}
	return h.evaluators(cfg, uc.Data)
}

func (h RuntimeHandler) optimizer(cfg fwconfig.Tree, training schema.TrainingSection) error {
	if _, ok := cfg.Map("optim_wrapper"); !ok {
		return nil
	}
	if training.AMP {
		if err := cfg.Set("optim_wrapper.type", "AmpOptimWrapper"); err != nil {
			return err
		}
		if err := cfg.Set("optim_wrapper.loss_scale", "dynamic"); err != nil {
			return err
		}
	} else {
		if err := cfg.Set("optim_wrapper.type", "OptimWrapper"); err != nil {
			return err
		}
		cfg.Delete("optim_wrapper.loss_scale")
	}
	if _, ok := cfg.Map("optim_wrapper.optimizer"); ok {
		if err := cfg.Set("optim_wrapper.optimizer.lr", training.LearningRate); err != nil {
			return err
		}
	}
	logger.Log().Debug("Optimizer configured", zap.Bool("amp", training.AMP), zap.Float64("lr", training.LearningRate))
	return nil
}

// tensorboard adds the tensorboard backend at most once.
func (h RuntimeHandler) tensorboard(cfg fwconfig.Tree) error {
	if _, ok := cfg.Map("visualizer"); !ok {
		vis := h.Visualizer
		if vis == "" {
			vis = DetVisualizer
		}
		if err := cfg.Set("visualizer", map[string]any{
			"type":         vis,
			"vis_backends": []any{map[string]any{"type": localBackend}},
		}); err != nil {
			return err
		}
	}
	backends, ok := cfg.List("visualizer.vis_backends")
	if !ok {
		backends = []any{map[string]any{"type": localBackend}}
	}
	for _, b := range backends {
		if m, ok := b.(map[string]any); ok && m["type"] == tensorboardBackend {
			return cfg.Set("visualizer.vis_backends", backends)
		}
	}
	backends = append(backends, map[string]any{"type": tensorboardBackend})
	return cfg.Set("visualizer.vis_backends", backends)
}

func (h RuntimeHandler) evaluators(cfg fwconfig.Tree, data schema.DataSection) error {
	testAnn, _ := data.TestPaths()
	for key, ann := range map[string]string{
		"val_evaluator":  joinRoot(data.Root, data.ValAnn),
		"test_evaluator": joinRoot(data.Root, testAnn),
	} {
		v, ok := cfg.Get(key)
		if !ok {
			continue
		}
		var metrics []any
		switch ev := v.(type) {
		case map[string]any:
			metrics = []any{ev}
		case []any:
			metrics = ev
		}
		// Metrics without an annotation file (e.g. DumpResults) are left alone.
		for _, entry := range metrics {
			if m, ok := entry.(map[string]any); ok {
				if _, has := m["ann_file"]; has {
					m["ann_file"] = ann
				}
			}
		}
	}
	return nil
}
