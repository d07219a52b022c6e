package handlers

import (
	"EzMMLab/fwconfig"
	"EzMMLab/logger"
	"EzMMLab/schema"

	"go.uber.org/zap"
)

// DataloaderHandler points every dataloader slot at the user's dataset.
type DataloaderHandler struct{}

func (DataloaderHandler) Apply(cfg fwconfig.Tree, uc schema.UserConfig) error {
	data := uc.Data
	if err := cfg.Set("data_root", data.Root); err != nil {
		return err
	}

	testAnn, testImg := data.TestPaths()
	slots := []struct {
		key      string
		ann, img string
	}{
		{"train_dataloader", data.TrainAnn, data.TrainImg},
		{"val_dataloader", data.ValAnn, data.ValImg},
		{"test_dataloader", testAnn, testImg},
	}
	if !data.HasTestSplit() && cfg.Has("test_dataloader") {
		logger.Log().Debug("No test split configured, test_dataloader uses the validation split")
	}

	meta := metainfo(data)
	for _, slot := range slots {
		if _, ok := cfg.Map(slot.key); !ok {
			continue
		}
		values := map[string]any{
			slot.key + ".batch_size":          uc.Training.BatchSize,
			slot.key + ".num_workers":         uc.Training.NumWorkers,
			slot.key + ".dataset.data_root":   "",
			slot.key + ".dataset.ann_file":    joinRoot(data.Root, slot.ann),
			slot.key + ".dataset.data_prefix": map[string]any{"img": joinRoot(data.Root, slot.img)},
		}
		for path, v := range values {
			if err := cfg.Set(path, v); err != nil {
				return err
			}
		}
		if meta != nil {
			if err := cfg.Merge(slot.key+".dataset.metainfo", meta); err != nil {
				return err
			}
		}
	}
	if meta != nil {
		if err := cfg.Merge("metainfo", meta); err != nil {
			return err
		}
	}
	logger.Log().Info("Dataloaders configured",
		zap.String("data_root", data.Root),
		zap.Int("batch_size", uc.Training.BatchSize),
		zap.Int("classes", len(data.Classes)))
	return nil
}

// metainfo merges the dataset passthrough table with the class names.
func metainfo(data schema.DataSection) map[string]any {
	if len(data.Classes) == 0 && len(data.Metainfo) == 0 {
		return nil
	}
	meta := make(map[string]any, len(data.Metainfo)+1)
	for k, v := range data.Metainfo {
		meta[k] = v
	}
	if len(data.Classes) > 0 {
		meta["classes"] = stringList(data.Classes)
	}
	return meta
}
