package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func sampleConfig(t *testing.T) UserConfig {
	t.Helper()
	data := DefaultDataSection()
	data.Root = "tests/dummy_data/crayfish"
	data.TrainAnn = "annotations/train.json"
	data.TrainImg = "images/"
	data.ValAnn = "annotations/val.json"
	data.ValImg = "images/"
	data.Classes = []string{"crayfish", "scallop"}

	training := DefaultTrainingSection()
	training.Epochs = 2
	training.BatchSize = 4
	training.LearningRate = 0.0001
	training.Device = "cpu"
	training.WorkDir = "output_test"

	cfg, err := NewUserConfig(ModelSection{Name: "rtmdet_tiny", NumClasses: 2}, data, training)
	require.NoError(t, err)
	return cfg
}

func TestUserConfigRoundTrip(t *testing.T) {
	t.Run("nil optionals", func(t *testing.T) {
		cfg := sampleConfig(t)
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, SaveUserConfig(cfg, path))

		loaded, err := LoadUserConfig(path)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded)
	})

	t.Run("all optionals set", func(t *testing.T) {
		cfg := sampleConfig(t)
		cfg.Model.LoadFrom = strPtr("checkpoints/rtmdet_tiny.pth")
		cfg.Model.NumKeypoints = intPtr(17)
		cfg.Data.TestAnn = strPtr("annotations/test.json")
		cfg.Data.TestImg = strPtr("test/")
		cfg.Training.AMP = false
		cfg.Training.EnableTensorboard = false
		require.NoError(t, cfg.Validate())

		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, SaveUserConfig(cfg, path))
		loaded, err := LoadUserConfig(path)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded)
	})
}

func TestGeneratedTOMLContent(t *testing.T) {
	cfg := sampleConfig(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveUserConfig(cfg, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var data map[string]map[string]any
	require.NoError(t, toml.Unmarshal(raw, &data))

	require.Contains(t, data, "model")
	require.Contains(t, data, "data")
	require.Contains(t, data, "training")

	assert.Equal(t, "rtmdet_tiny", data["model"]["name"])
	assert.EqualValues(t, 2, data["model"]["num_classes"])
	assert.NotContains(t, data["model"], "load_from")
	assert.NotContains(t, data["model"], "num_keypoints")
	assert.NotContains(t, data["data"], "test_ann")

	assert.Equal(t, "tests/dummy_data/crayfish", data["data"]["root"])
	assert.Equal(t, []any{"crayfish", "scallop"}, data["data"]["classes"])
	assert.EqualValues(t, 2, data["training"]["epochs"])
	assert.Equal(t, "cpu", data["training"]["device"])
	assert.Equal(t, "output_test", data["training"]["work_dir"])
}

func TestParseUserConfigDefaults(t *testing.T) {
	cfg, err := ParseUserConfig([]byte(`
[model]
num_classes = 3

[data]
root = "data/coco"
`))
	require.NoError(t, err)
	assert.Equal(t, "rtmdet_tiny", cfg.Model.Name)
	assert.Equal(t, "annotations/instances_train2017.json", cfg.Data.TrainAnn)
	assert.Equal(t, DefaultTrainingSection(), cfg.Training)
	assert.Nil(t, cfg.Model.LoadFrom)
	assert.Nil(t, cfg.Data.Classes)
}

func TestParseUserConfigDerivesNumClasses(t *testing.T) {
	cfg, err := ParseUserConfig([]byte(`
[model]
name = "rtmdet_tiny"

[data]
root = "data/pets"
classes = ["cat", "dog"]
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Model.NumClasses)

	_, err = NewUserConfig(ModelSection{Name: "rtmdet_tiny"},
		DataSection{Root: "x", TrainAnn: "a", TrainImg: "b", ValAnn: "c", ValImg: "d", Classes: []string{"cat"}},
		DefaultTrainingSection())
	assert.NoError(t, err)
}

func TestUserConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing num_classes": `
[model]
name = "rtmdet_tiny"
[data]
root = "some/path"
[training]
epochs = 10
`,
		"wrong type": `
[model]
name = "rtmdet_tiny"
num_classes = "eighty"
[data]
root = "some/path"
`,
		"unknown model": `
[model]
name = "yolov8"
num_classes = 2
[data]
root = "some/path"
`,
		"non-positive epochs": `
[model]
num_classes = 2
[data]
root = "some/path"
[training]
epochs = 0
`,
		"negative workers": `
[model]
num_classes = 2
[data]
root = "some/path"
[training]
num_workers = -1
`,
		"half a test split": `
[model]
num_classes = 2
[data]
root = "some/path"
test_ann = "annotations/test.json"
`,
		"classes disagree with num_classes": `
[model]
num_classes = 3
[data]
root = "some/path"
classes = ["cat", "dog"]
`,
		"bad log level": `
[model]
num_classes = 2
[data]
root = "some/path"
[training]
log_level = "CHATTY"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseUserConfig([]byte(body))
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	t.Run("message names the field", func(t *testing.T) {
		_, err := NewUserConfig(ModelSection{Name: "rtmdet_tiny", NumClasses: 1}, DataSection{Root: "x", TrainAnn: "a", TrainImg: "b", ValAnn: "c", ValImg: "d"}, TrainingSection{Epochs: -1, BatchSize: 1, LearningRate: 1, Device: "cpu", WorkDir: "w", LogLevel: "INFO"})
		require.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "training.epochs")
	})
}

func TestDatasetConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_root = "data/coco_mini"
classes = ["cat", "dog"]

[train]
ann_file = "annotations/train.json"
img_dir = "images/train"

[val]
ann_file = "annotations/val.json"
img_dir = "images/val"

[test]
ann_file = "annotations/test.json"
img_dir = "images/test"
`), 0o644))

	ds, err := LoadDatasetConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "data/coco_mini", ds.DataRoot)
	require.NotNil(t, ds.Test)

	sec := ds.DataSection()
	assert.Equal(t, "annotations/train.json", sec.TrainAnn)
	assert.True(t, sec.HasTestSplit())
	ann, img := sec.TestPaths()
	assert.Equal(t, "annotations/test.json", ann)
	assert.Equal(t, "images/test", img)
	assert.Equal(t, []string{"cat", "dog"}, sec.Classes)

	_, err = LoadDatasetConfig(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = ParseDatasetConfig([]byte(`data_root = "x"`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTestPathsFallBackToValidation(t *testing.T) {
	sec := DefaultDataSection()
	assert.False(t, sec.HasTestSplit())
	ann, img := sec.TestPaths()
	assert.Equal(t, sec.ValAnn, ann)
	assert.Equal(t, sec.ValImg, img)
}

func TestNewInferenceResult(t *testing.T) {
	res := NewInferenceResult(RawDetection{Predictions: []RawDetectionInstances{{
		Labels: []int{0, 1, 2},
		Scores: []float64{0.9, 0.8},
		Bboxes: [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 9, 9, 9}},
	}}})
	require.Len(t, res.Predictions, 2)
	assert.Equal(t, DetectionPrediction{Label: 1, Score: 0.8, BBox: [4]float64{5, 6, 7, 8}}, res.Predictions[1])

	empty := NewInferenceResult(RawDetection{})
	assert.NotNil(t, empty.Predictions)
	assert.Empty(t, empty.Predictions)
}

func TestNewPoseInferenceResult(t *testing.T) {
	score := 0.95
	bboxScore := 0.5
	raw := RawPose{Predictions: [][]RawPoseInstance{
		{{
			Keypoints:      [][]float64{{100, 100}, {200, 200}},
			KeypointScores: []float64{0.9, 0.8},
			BBox:           []byte(`[[0, 0, 50, 50]]`),
			Score:          &score,
		}},
		{{
			Keypoints:      [][]float64{{10, 10, 1}},
			KeypointScores: []float64{1.0},
			BBox:           []byte(`[1, 2, 3, 4]`),
			BBoxScore:      &bboxScore,
		}, {
			Keypoints:      [][]float64{{10, 10}},
			KeypointScores: []float64{1.0},
		}},
	}}

	res := NewPoseInferenceResult(raw)
	require.Len(t, res.Predictions, 3)

	first := res.Predictions[0]
	assert.Equal(t, 0.95, first.Score)
	assert.Equal(t, [][2]float64{{100, 100}, {200, 200}}, first.Keypoints)
	assert.Equal(t, []float64{0.9, 0.8}, first.KeypointScores)
	require.NotNil(t, first.BBox)
	assert.Equal(t, [4]float64{0, 0, 50, 50}, *first.BBox)

	second := res.Predictions[1]
	assert.Equal(t, 0.5, second.Score)
	assert.Equal(t, [][2]float64{{10, 10}}, second.Keypoints)
	assert.Equal(t, [4]float64{1, 2, 3, 4}, *second.BBox)

	third := res.Predictions[2]
	assert.Nil(t, third.BBox)
	assert.Zero(t, third.Score)
}
