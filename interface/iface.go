package iface

import (
	"context"

	"EzMMLab/registry"
	"EzMMLab/schema"
)

// RunSpec points the runner at a resolved framework config on disk.
type RunSpec struct {
	Framework  registry.Framework
	ConfigPath string
	WorkDir    string
}

// Runner executes a training run to completion.
type Runner interface {
	Train(ctx context.Context, spec RunSpec) error
}

// InferencerSpec identifies one loaded model. Inferencers are cached per
// (Weights, Device).
type InferencerSpec struct {
	Family     registry.Family
	ConfigPath string
	Weights    string
	Device     string
}

type DetectRequest struct {
	Image    string
	OutDir   string
	ScoreThr float64
}

type PoseRequest struct {
	Image   string
	OutDir  string
	BBoxThr float64
	KptThr  float64
}

// Inferencer runs a loaded model. Only the method matching InferencerSpec's
// family is expected to succeed.
type Inferencer interface {
	Detect(ctx context.Context, req DetectRequest) (schema.RawDetection, error)
	Pose(ctx context.Context, req PoseRequest) (schema.RawPose, error)
	Close() error
}

type InferencerFactory interface {
	NewInferencer(ctx context.Context, spec InferencerSpec) (Inferencer, error)
}
