package cli

import (
	"encoding/json"

	"EzMMLab/engine"
	"EzMMLab/logger"
	"EzMMLab/schema"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type namedPrediction struct {
	schema.DetectionPrediction
	Name string `json:"name,omitempty"`
}

type predictOutput struct {
	Model       string `json:"model"`
	Image       string `json:"image"`
	OutDir      string `json:"out_dir,omitempty"`
	Predictions any    `json:"predictions"`
}

func newPredictCommand(app *App) *cobra.Command {
	var (
		checkpointPath string
		confidence     float64
		bboxThr        float64
		kptThr         float64
		outDir         string
		device         string
		namesPath      string
	)
	cmd := &cobra.Command{
		Use:               "predict MODEL_NAME IMAGE_PATH",
		Short:             "Run object detection or pose estimation on an image and print the results as JSON",
		Args:              requireArgs("MODEL_NAME", "IMAGE_PATH"),
		ValidArgsFunction: completeModels(app),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			model, image := args[0], args[1]
			var names []string
			if namesPath != "" {
				var err error
				if names, err = engine.ReadNames(namesPath); err != nil {
					return err
				}
			}

			d, err := app.detector(ctx, model, checkpointPath)
			if err != nil {
				return err
			}
			defer d.Close()

			out := predictOutput{Model: model, Image: image}
			if outDir != "" {
				out.OutDir = engine.UniqueDir(outDir)
			}
			if d.Entry.Family.IsPose() {
				res, err := d.PredictPose(ctx, image, engine.PoseOptions{
					BBoxThr: bboxThr, KptThr: kptThr, Device: device, OutDir: out.OutDir,
				})
				if err != nil {
					return err
				}
				out.Predictions = res.Predictions
			} else {
				res, err := d.Predict(ctx, image, engine.PredictOptions{
					Confidence: confidence, Device: device, OutDir: out.OutDir,
				})
				if err != nil {
					return err
				}
				out.Predictions = withNames(res, names)
			}
			if out.OutDir != "" {
				logger.Log().Info("Results saved", zap.String("out_dir", out.OutDir))
			}
			enc := json.NewEncoder(app.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&checkpointPath, "checkpoint-path", "", "Custom model checkpoint (.pth)")
	f.Float64Var(&confidence, "confidence", 0.3, "Confidence threshold for detections")
	f.Float64Var(&bboxThr, "bbox-thr", 0.3, "Bounding box score threshold (pose estimation)")
	f.Float64Var(&kptThr, "kpt-thr", 0.3, "Keypoint score threshold (pose estimation)")
	f.StringVar(&outDir, "out-dir", "runs/preds", "Directory to save visualization results; an existing one gets a _N suffix")
	f.StringVar(&device, "device", "cpu", "Computing device")
	f.StringVar(&namesPath, "names", "", "Class names file, one per line, used to label detections")
	return cmd
}

func withNames(res schema.InferenceResult, names []string) []namedPrediction {
	out := make([]namedPrediction, 0, len(res.Predictions))
	for _, p := range res.Predictions {
		np := namedPrediction{DetectionPrediction: p}
		if p.Label >= 0 && p.Label < len(names) {
			np.Name = names[p.Label]
		}
		out = append(out, np)
	}
	return out
}
