package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"EzMMLab/checkpoint"
	"EzMMLab/fwconfig"
	"EzMMLab/handlers"
	iface "EzMMLab/interface"
	"EzMMLab/logger"
	"EzMMLab/monitor"
	"EzMMLab/registry"
	"EzMMLab/schema"

	"go.uber.org/zap"
)

const IDLE = 0x4001
const CONFIG_LOADING = 0x4002
const OVERRIDES_APPLIED = 0x4003
const SPECIFICS_APPLIED = 0x4004
const DELEGATED = 0x4005
const FAILED = 0x4006

const (
	DefaultConfidence = 0.5
	DefaultBBoxThr    = 0.3
	DefaultKptThr     = 0.3
	DefaultDevice     = "cuda"
)

// ErrFamilyMismatch is returned when a detection call targets a pose model
// or the other way round.
var ErrFamilyMismatch = errors.New("operation does not match model family")

// Options wires the detector to its collaborators.
type Options struct {
	Loader      *registry.ConfigLoader
	Checkpoints *checkpoint.Resolver
	Runner      iface.Runner
	Inferencers iface.InferencerFactory
	// Templates evaluates .py framework configs; nil allows only yaml/json.
	Templates fwconfig.PythonLoader
}

type inferencerKey struct {
	weights string
	device  string
}

// Detector trains and runs one registry model. It is not safe for
// concurrent use.
type Detector struct {
	ModelName    string
	Entry        registry.Entry
	Checkpoint   string
	State        int
	ErrorMessage string

	opts        Options
	family      handlers.Family
	cfg         fwconfig.Tree
	inferencers map[inferencerKey]iface.Inferencer
}

// New looks the model up and resolves its checkpoint, downloading the
// pretrained weights when needed.
func New(ctx context.Context, model, checkpointPath string, opts Options) (*Detector, error) {
	entry, err := opts.Loader.Registry().Lookup(model)
	if err != nil {
		return nil, err
	}
	family, err := handlers.ForFamily(entry.Family)
	if err != nil {
		return nil, err
	}
	logger.Log().Info("Initializing detector", zap.String("model", model), zap.String("family", entry.Family.String()))
	ckpt, err := opts.Checkpoints.Ensure(ctx, model, checkpointPath)
	if err != nil {
		return nil, err
	}
	return &Detector{
		ModelName:   model,
		Entry:       entry,
		Checkpoint:  ckpt,
		State:       IDLE,
		opts:        opts,
		family:      family,
		inferencers: make(map[inferencerKey]iface.Inferencer),
	}, nil
}

// Config returns the framework config built by the last training call.
func (d *Detector) Config() fwconfig.Tree {
	return d.cfg
}

// Train builds a user config from a dataset description and the training
// options, then runs TrainFromConfig. num_classes follows the dataset's
// classes (80 when none are listed); pose models take num_keypoints from
// the keypoint names (17 when none are listed).
func (d *Detector) Train(ctx context.Context, datasetPath string, training schema.TrainingSection) error {
	logger.Log().Info("Loading dataset configuration", zap.String("path", datasetPath))
	ds, err := schema.LoadDatasetConfig(datasetPath)
	if err != nil {
		return d.fail("train", err)
	}

	model := schema.ModelSection{Name: d.ModelName, NumClasses: schema.DefaultNumClasses}
	if n := len(ds.Classes); n > 0 {
		model.NumClasses = n
	}
	if d.Entry.Family.IsPose() {
		k := schema.DefaultNumKeypoints
		if n := len(ds.Keypoints); n > 0 {
			k = n
		}
		model.NumKeypoints = &k
	}
	if fileExists(d.Checkpoint) {
		ckpt := d.Checkpoint
		model.LoadFrom = &ckpt
	} else {
		logger.Log().Warn("Checkpoint missing, training from scratch", zap.String("path", d.Checkpoint))
	}

	uc, err := schema.NewUserConfig(model, ds.DataSection(), training)
	if err != nil {
		return d.fail("train", err)
	}
	return d.TrainFromConfig(ctx, uc)
}

// TrainFromConfig records uc in the work dir, translates it into the
// framework config and hands that to the runner.
func (d *Detector) TrainFromConfig(ctx context.Context, uc schema.UserConfig) error {
	if uc.Model.Name != d.ModelName {
		return d.fail("train", fmt.Errorf("%w: user config names %q but detector was built for %q",
			schema.ErrValidation, uc.Model.Name, d.ModelName))
	}
	uc.Normalize()
	if err := uc.Validate(); err != nil {
		return d.fail("train", err)
	}
	d.State = CONFIG_LOADING
	d.ErrorMessage = ""

	workDir := uc.Training.WorkDir
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return d.fail("train", fmt.Errorf("creating work dir: %w", err))
	}
	ucPath := filepath.Join(workDir, schema.UserConfigFileName)
	if err := schema.SaveUserConfig(uc, ucPath); err != nil {
		return d.fail("train", err)
	}
	logger.Log().Info("User configuration saved", zap.String("path", ucPath))

	cfgPath, err := d.opts.Loader.ConfigPath(d.ModelName)
	if err != nil {
		return d.fail("train", err)
	}
	cfg, err := fwconfig.Load(ctx, cfgPath, d.opts.Templates)
	if err != nil {
		return d.fail("train", err)
	}
	d.cfg = cfg

	if err := d.family.ApplyOverrides(cfg, uc); err != nil {
		return d.fail("train", err)
	}
	d.State = OVERRIDES_APPLIED

	logger.Log().Info("Configuring architecture specifics", zap.String("family", d.Entry.Family.String()))
	if err := d.family.ApplySpecifics(cfg, uc); err != nil {
		return d.fail("train", err)
	}
	d.State = SPECIFICS_APPLIED

	resolved := filepath.Join(workDir, fwconfig.FileName)
	if err := cfg.Save(resolved); err != nil {
		return d.fail("train", err)
	}

	d.State = DELEGATED
	monitor.TrainingRunsTotal.WithLabelValues(d.ModelName).Inc()
	logger.Log().Info("Starting framework runner", zap.String("config", resolved))
	err = d.opts.Runner.Train(ctx, iface.RunSpec{
		Framework:  d.Entry.Family.Framework(),
		ConfigPath: resolved,
		WorkDir:    workDir,
	})
	if err != nil {
		return d.fail("train", err)
	}
	return nil
}

// PredictOptions are passed to the inferencer as given; a zero Confidence
// keeps every detection. Start from DefaultPredictOptions for the defaults.
type PredictOptions struct {
	Confidence float64
	Device     string
	OutDir     string
}

type PoseOptions struct {
	BBoxThr float64
	KptThr  float64
	Device  string
	OutDir  string
}

func DefaultPredictOptions() PredictOptions {
	return PredictOptions{Confidence: DefaultConfidence, Device: DefaultDevice}
}

func DefaultPoseOptions() PoseOptions {
	return PoseOptions{BBoxThr: DefaultBBoxThr, KptThr: DefaultKptThr, Device: DefaultDevice}
}

// Predict runs object detection on one image.
func (d *Detector) Predict(ctx context.Context, image string, opts PredictOptions) (schema.InferenceResult, error) {
	if d.Entry.Family != registry.Detection {
		return schema.InferenceResult{}, fmt.Errorf("%w: %s is a %s model, use pose prediction",
			ErrFamilyMismatch, d.ModelName, d.Entry.Family)
	}
	inf, err := d.inferencer(ctx, opts.Device)
	if err != nil {
		return schema.InferenceResult{}, d.fail("predict", err)
	}
	logger.Log().Info("Running inference",
		zap.String("image", image), zap.Float64("threshold", opts.Confidence))
	raw, err := inf.Detect(ctx, iface.DetectRequest{Image: image, OutDir: opts.OutDir, ScoreThr: opts.Confidence})
	if err != nil {
		return schema.InferenceResult{}, d.fail("predict", err)
	}
	monitor.PredictionsTotal.WithLabelValues(d.ModelName).Inc()
	return schema.NewInferenceResult(raw), nil
}

// PredictPose runs pose estimation on one image. Visualizations and raw
// predictions land in <out_dir>/visualizations and <out_dir>/predictions.
func (d *Detector) PredictPose(ctx context.Context, image string, opts PoseOptions) (schema.PoseInferenceResult, error) {
	if !d.Entry.Family.IsPose() {
		return schema.PoseInferenceResult{}, fmt.Errorf("%w: %s is a %s model, use detection prediction",
			ErrFamilyMismatch, d.ModelName, d.Entry.Family)
	}
	inf, err := d.inferencer(ctx, opts.Device)
	if err != nil {
		return schema.PoseInferenceResult{}, d.fail("predict", err)
	}
	logger.Log().Info("Running pose estimation", zap.String("image", image))
	raw, err := inf.Pose(ctx, iface.PoseRequest{Image: image, OutDir: opts.OutDir, BBoxThr: opts.BBoxThr, KptThr: opts.KptThr})
	if err != nil {
		return schema.PoseInferenceResult{}, d.fail("predict", err)
	}
	monitor.PredictionsTotal.WithLabelValues(d.ModelName).Inc()
	return schema.NewPoseInferenceResult(raw), nil
}

// inferencer builds the model once per (weights, device) and reuses it.
func (d *Detector) inferencer(ctx context.Context, device string) (iface.Inferencer, error) {
	if device == "" {
		device = DefaultDevice
	}
	key := inferencerKey{weights: d.Checkpoint, device: device}
	if inf, ok := d.inferencers[key]; ok {
		return inf, nil
	}
	cfgPath, err := d.opts.Loader.ConfigPath(d.ModelName)
	if err != nil {
		return nil, err
	}
	inf, err := d.opts.Inferencers.NewInferencer(ctx, iface.InferencerSpec{
		Family:     d.Entry.Family,
		ConfigPath: cfgPath,
		Weights:    d.Checkpoint,
		Device:     device,
	})
	if err != nil {
		return nil, err
	}
	d.inferencers[key] = inf
	return inf, nil
}

// Close releases every cached inferencer.
func (d *Detector) Close() error {
	var errs []error
	for key, inf := range d.inferencers {
		errs = append(errs, inf.Close())
		delete(d.inferencers, key)
	}
	d.State = IDLE
	return errors.Join(errs...)
}

func (d *Detector) fail(stage string, err error) error {
	d.State = FAILED
	d.ErrorMessage = err.Error()
	monitor.ErrorsTotal.WithLabelValues(stage).Inc()
	logger.Log().Error("Detector operation failed", zap.String("model", d.ModelName), zap.String("stage", stage), zap.Error(err))
	return err
}
