package schema

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// SplitConfig paths are relative to the dataset's data_root.
type SplitConfig struct {
	AnnFile string `toml:"ann_file" validate:"required"`
	ImgDir  string `toml:"img_dir" validate:"required"`
}

// DatasetConfig describes a dataset on disk (dataset.toml). It is read once
// per training run and never written back.
type DatasetConfig struct {
	DataRoot  string         `toml:"data_root" validate:"required"`
	Train     SplitConfig    `toml:"train"`
	Val       SplitConfig    `toml:"val"`
	Test      *SplitConfig   `toml:"test,omitempty"`
	Classes   []string       `toml:"classes,omitempty" validate:"omitempty,dive,required"`
	Keypoints []string       `toml:"keypoints,omitempty" validate:"omitempty,dive,required"`
	Metainfo  map[string]any `toml:"metainfo,omitempty"`
}

func ParseDatasetConfig(data []byte) (DatasetConfig, error) {
	var cfg DatasetConfig
	if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
		return DatasetConfig{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := check(cfg); err != nil {
		return DatasetConfig{}, err
	}
	return cfg, nil
}

func LoadDatasetConfig(path string) (DatasetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DatasetConfig{}, fmt.Errorf("dataset config not found at %s: %w", path, err)
	}
	cfg, err := ParseDatasetConfig(data)
	if err != nil {
		return DatasetConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// DataSection converts the dataset layout into the user-config data section.
func (d DatasetConfig) DataSection() DataSection {
	sec := DataSection{
		Root:     d.DataRoot,
		TrainAnn: d.Train.AnnFile,
		TrainImg: d.Train.ImgDir,
		ValAnn:   d.Val.AnnFile,
		ValImg:   d.Val.ImgDir,
		Classes:  append([]string(nil), d.Classes...),
		Metainfo: d.Metainfo,
	}
	if d.Test != nil {
		ann, img := d.Test.AnnFile, d.Test.ImgDir
		sec.TestAnn, sec.TestImg = &ann, &img
	}
	if len(sec.Classes) == 0 {
		sec.Classes = nil
	}
	return sec
}
