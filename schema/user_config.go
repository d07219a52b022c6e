package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"EzMMLab/registry"

	"github.com/pelletier/go-toml/v2"
)

// UserConfigFileName is the reproducibility record written into every work dir.
const UserConfigFileName = "user_config.toml"

// Fallbacks used when a dataset names neither classes nor keypoints (COCO).
const (
	DefaultNumClasses   = 80
	DefaultNumKeypoints = 17
)

type ModelSection struct {
	Name         string  `toml:"name" validate:"required,modelname"`
	NumClasses   int     `toml:"num_classes" validate:"gt=0"`
	LoadFrom     *string `toml:"load_from,omitempty"`
	NumKeypoints *int    `toml:"num_keypoints,omitempty" validate:"omitempty,gt=0"`
}

// Keypoints returns num_keypoints or the COCO default.
func (m ModelSection) Keypoints() int {
	if m.NumKeypoints != nil {
		return *m.NumKeypoints
	}
	return DefaultNumKeypoints
}

// DataSection paths other than Root are relative to Root.
type DataSection struct {
	Root     string         `toml:"root" validate:"required"`
	TrainAnn string         `toml:"train_ann" validate:"required"`
	TrainImg string         `toml:"train_img" validate:"required"`
	ValAnn   string         `toml:"val_ann" validate:"required"`
	ValImg   string         `toml:"val_img" validate:"required"`
	TestAnn  *string        `toml:"test_ann,omitempty" validate:"required_with=TestImg"`
	TestImg  *string        `toml:"test_img,omitempty" validate:"required_with=TestAnn"`
	Classes  []string       `toml:"classes,omitempty" validate:"omitempty,dive,required"`
	Metainfo map[string]any `toml:"metainfo,omitempty"`
}

// HasTestSplit reports whether a distinct test split was configured.
func (d DataSection) HasTestSplit() bool {
	return d.TestAnn != nil && d.TestImg != nil
}

// TestPaths returns the test split, falling back to the validation split when
// no test split is configured.
func (d DataSection) TestPaths() (ann, img string) {
	if d.HasTestSplit() {
		return *d.TestAnn, *d.TestImg
	}
	return d.ValAnn, d.ValImg
}

type TrainingSection struct {
	Epochs            int     `toml:"epochs" validate:"gt=0"`
	BatchSize         int     `toml:"batch_size" validate:"gt=0"`
	NumWorkers        int     `toml:"num_workers" validate:"gte=0"`
	LearningRate      float64 `toml:"learning_rate" validate:"gt=0"`
	Device            string  `toml:"device" validate:"required"`
	WorkDir           string  `toml:"work_dir" validate:"required"`
	LogLevel          string  `toml:"log_level" validate:"oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	EnableTensorboard bool    `toml:"enable_tensorboard"`
	AMP               bool    `toml:"amp"`
}

// UserConfig is the validated user-facing configuration. Treat values as
// immutable: handlers only read from it.
type UserConfig struct {
	Model    ModelSection    `toml:"model"`
	Data     DataSection     `toml:"data"`
	Training TrainingSection `toml:"training"`
}

// DefaultModelSection has every field but num_classes filled in.
func DefaultModelSection() ModelSection {
	return ModelSection{Name: registry.RTMDetTiny}
}

func DefaultDataSection() DataSection {
	return DataSection{
		TrainAnn: "annotations/instances_train2017.json",
		TrainImg: "train2017/",
		ValAnn:   "annotations/instances_val2017.json",
		ValImg:   "val2017/",
	}
}

func DefaultTrainingSection() TrainingSection {
	return TrainingSection{
		Epochs:            100,
		BatchSize:         8,
		NumWorkers:        2,
		LearningRate:      0.001,
		Device:            "cuda",
		WorkDir:           "./runs/train",
		LogLevel:          "INFO",
		EnableTensorboard: true,
		AMP:               true,
	}
}

// NewUserConfig normalizes and validates the three sections. Nothing touches
// the file system before validation succeeds.
func NewUserConfig(model ModelSection, data DataSection, training TrainingSection) (UserConfig, error) {
	cfg := UserConfig{Model: model, Data: data, Training: training}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return UserConfig{}, err
	}
	return cfg, nil
}

// Normalize clears empty optional fields and derives num_classes from
// data.classes when the former was left out.
func (c *UserConfig) Normalize() {
	if len(c.Data.Classes) == 0 {
		c.Data.Classes = nil
	}
	if c.Model.NumClasses == 0 {
		c.Model.NumClasses = len(c.Data.Classes)
	}
	if len(c.Data.Metainfo) == 0 {
		c.Data.Metainfo = nil
	}
}

// Validate runs the struct constraints plus the classes/num_classes invariant.
func (c UserConfig) Validate() error {
	if err := check(c); err != nil {
		return err
	}
	if n := len(c.Data.Classes); n > 0 && n != c.Model.NumClasses {
		return fmt.Errorf("%w: model.num_classes (%d) does not match the %d names in data.classes",
			ErrValidation, c.Model.NumClasses, n)
	}
	return nil
}

// ParseUserConfig decodes TOML on top of the defaults and validates the result.
func ParseUserConfig(data []byte) (UserConfig, error) {
	cfg := UserConfig{
		Model:    DefaultModelSection(),
		Data:     DefaultDataSection(),
		Training: DefaultTrainingSection(),
	}
	if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
		return UserConfig{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return UserConfig{}, err
	}
	return cfg, nil
}

// LoadUserConfig reads and validates a user_config.toml file.
func LoadUserConfig(path string) (UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UserConfig{}, fmt.Errorf("reading user config: %w", err)
	}
	cfg, err := ParseUserConfig(data)
	if err != nil {
		return UserConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes the config; nil optional fields are left out.
func (c UserConfig) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// SaveUserConfig writes the config through a temp file and a rename, so a
// concurrent reader never sees a half-written record.
func SaveUserConfig(c UserConfig, path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encoding user config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
