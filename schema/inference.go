package schema

import "encoding/json"

// DetectionPrediction is one detected object; BBox is [x1, y1, x2, y2].
type DetectionPrediction struct {
	Label int        `json:"label"`
	Score float64    `json:"score"`
	BBox  [4]float64 `json:"bbox"`
}

// InferenceResult holds every detection for a single image.
type InferenceResult struct {
	Predictions []DetectionPrediction `json:"predictions"`
}

// RawDetection mirrors the detection inferencer's output:
// {"predictions": [{"labels": [...], "scores": [...], "bboxes": [[...]]}]}.
type RawDetection struct {
	Predictions []RawDetectionInstances `json:"predictions"`
}

type RawDetectionInstances struct {
	Labels []int       `json:"labels"`
	Scores []float64   `json:"scores"`
	Bboxes [][]float64 `json:"bboxes"`
}

// NewInferenceResult flattens the first image of a raw detection result.
// Labels, scores and boxes are zipped; extra entries in a longer list are dropped.
func NewInferenceResult(raw RawDetection) InferenceResult {
	res := InferenceResult{Predictions: []DetectionPrediction{}}
	if len(raw.Predictions) == 0 {
		return res
	}
	first := raw.Predictions[0]
	n := min(len(first.Labels), len(first.Scores), len(first.Bboxes))
	for i := 0; i < n; i++ {
		p := DetectionPrediction{Label: first.Labels[i], Score: first.Scores[i]}
		copy(p.BBox[:], first.Bboxes[i])
		res.Predictions = append(res.Predictions, p)
	}
	return res
}

// PosePrediction is one pose instance. Keypoints are [x, y] pairs with a
// parallel score per keypoint.
type PosePrediction struct {
	Keypoints      [][2]float64 `json:"keypoints"`
	KeypointScores []float64    `json:"keypoint_scores"`
	BBox           *[4]float64  `json:"bbox,omitempty"`
	Score          float64      `json:"score"`
}

// PoseInferenceResult holds every pose instance for a single image.
type PoseInferenceResult struct {
	Predictions []PosePrediction `json:"predictions"`
}

// RawPose mirrors the pose inferencer's output, predictions grouped per batch.
type RawPose struct {
	Predictions [][]RawPoseInstance `json:"predictions"`
}

// RawPoseInstance keeps bbox undecoded: the framework emits either a flat box
// or a one-element list wrapping it.
type RawPoseInstance struct {
	Keypoints      [][]float64     `json:"keypoints"`
	KeypointScores []float64       `json:"keypoint_scores"`
	BBox           json.RawMessage `json:"bbox,omitempty"`
	Score          *float64        `json:"score,omitempty"`
	BBoxScore      *float64        `json:"bbox_score,omitempty"`
}

// NewPoseInferenceResult flattens every batch into one ordered list.
func NewPoseInferenceResult(raw RawPose) PoseInferenceResult {
	var instances []RawPoseInstance
	for _, batch := range raw.Predictions {
		instances = append(instances, batch...)
	}
	return PoseFromInstances(instances)
}

func PoseFromInstances(instances []RawPoseInstance) PoseInferenceResult {
	res := PoseInferenceResult{Predictions: []PosePrediction{}}
	for _, inst := range instances {
		p := PosePrediction{
			Keypoints:      make([][2]float64, 0, len(inst.Keypoints)),
			KeypointScores: append([]float64{}, inst.KeypointScores...),
			BBox:           decodeBBox(inst.BBox),
		}
		for _, kp := range inst.Keypoints {
			var xy [2]float64
			copy(xy[:], kp)
			p.Keypoints = append(p.Keypoints, xy)
		}
		switch {
		case inst.Score != nil:
			p.Score = *inst.Score
		case inst.BBoxScore != nil:
			p.Score = *inst.BBoxScore
		}
		res.Predictions = append(res.Predictions, p)
	}
	return res
}

func decodeBBox(raw json.RawMessage) *[4]float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var nested [][]float64
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			return nil
		}
		var b [4]float64
		copy(b[:], nested[0])
		return &b
	}
	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		var b [4]float64
		copy(b[:], flat)
		return &b
	}
	return nil
}
