package handlers

import (
	"EzMMLab/fwconfig"
	"EzMMLab/logger"
	"EzMMLab/schema"

	"go.uber.org/zap"
)

// Detection sizes the RTMDet bbox head(s) to num_classes.
type Detection struct{}

func (Detection) ApplyOverrides(cfg fwconfig.Tree, uc schema.UserConfig) error {
	return common(cfg, uc, DetVisualizer)
}

func (Detection) ApplySpecifics(cfg fwconfig.Tree, uc schema.UserConfig) error {
	n := uc.Model.NumClasses
	head, ok := cfg.Get("model.bbox_head")
	if !ok {
		return mismatch(uc.Model.Name, "model.bbox_head", "a one-stage detector with a bbox head is expected")
	}
	logger.Log().Info("Overriding model.bbox_head.num_classes", zap.String("model", uc.Model.Name), zap.Int("num_classes", n))
	switch h := head.(type) {
	case map[string]any:
		h["num_classes"] = n
	case []any:
		for i, entry := range h {
			m, ok := entry.(map[string]any)
			if !ok {
				return mismatch(uc.Model.Name, "model.bbox_head mapping", "every entry of a bbox head list must be a mapping")
			}
			m["num_classes"] = n
			h[i] = m
		}
	default:
		return mismatch(uc.Model.Name, "model.bbox_head mapping", "bbox_head must be a mapping or a list of mappings")
	}
	return nil
}

// TopDownPose sets one heatmap/SimCC channel per keypoint.
type TopDownPose struct{}

func (TopDownPose) ApplyOverrides(cfg fwconfig.Tree, uc schema.UserConfig) error {
	return common(cfg, uc, PoseVisualizer)
}

func (TopDownPose) ApplySpecifics(cfg fwconfig.Tree, uc schema.UserConfig) error {
	if _, ok := cfg.Map("model.head"); !ok {
		return mismatch(uc.Model.Name, "model.head", "a top-down pose head is expected")
	}
	k := uc.Model.Keypoints()
	logger.Log().Info("Overriding model.head.out_channels", zap.String("model", uc.Model.Name), zap.Int("num_keypoints", k))
	return cfg.Set("model.head.out_channels", k)
}

// BottomUpPose configures RTMO-style heads: K keypoints, a single person class.
type BottomUpPose struct{}

func (BottomUpPose) ApplyOverrides(cfg fwconfig.Tree, uc schema.UserConfig) error {
	return common(cfg, uc, PoseVisualizer)
}

func (BottomUpPose) ApplySpecifics(cfg fwconfig.Tree, uc schema.UserConfig) error {
	if _, ok := cfg.Map("model.head"); !ok {
		return mismatch(uc.Model.Name, "model.head", "a bottom-up pose head is expected")
	}
	if _, ok := cfg.Map("model.head.head_module_cfg"); !ok {
		return mismatch(uc.Model.Name, "model.head.head_module_cfg", "a bottom-up pose head is expected")
	}
	k := uc.Model.Keypoints()
	logger.Log().Info("Overriding model.head.num_keypoints", zap.String("model", uc.Model.Name), zap.Int("num_keypoints", k))
	if err := cfg.Set("model.head.num_keypoints", k); err != nil {
		return err
	}
	return cfg.Set("model.head.head_module_cfg.num_classes", 1)
}
