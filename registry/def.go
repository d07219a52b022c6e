package registry

import "fmt"

// Family selects the head override and the inference front-end.
type Family int

const (
	Detection    Family = 0x3001
	TopDownPose  Family = 0x3002
	BottomUpPose Family = 0x3003
)

func (f Family) String() string {
	switch f {
	case Detection:
		return "detection"
	case TopDownPose:
		return "topdown-pose"
	case BottomUpPose:
		return "bottomup-pose"
	}
	return fmt.Sprintf("family(%#x)", int(f))
}

// IsPose reports whether the family predicts keypoints.
func (f Family) IsPose() bool {
	return f == TopDownPose || f == BottomUpPose
}

// Framework names the OpenMMLab project that owns a model's config tree.
type Framework string

const (
	MMDet  Framework = "mmdet"
	MMPose Framework = "mmpose"
)

// Framework returns the project a family belongs to.
func (f Family) Framework() Framework {
	if f.IsPose() {
		return MMPose
	}
	return MMDet
}

// Entry is one row of the model table. ConfigPath is relative to the
// framework's configs directory.
type Entry struct {
	Name       string
	Family     Family
	ConfigPath string
	WeightsURL string
}

const (
	RTMDetTiny = "rtmdet_tiny"
	RTMDetS    = "rtmdet_s"
	RTMDetM    = "rtmdet_m"
	RTMDetL    = "rtmdet_l"
	RTMDetX    = "rtmdet_x"

	RTMDetInsTiny = "rtmdet-ins_tiny"
	RTMDetInsS    = "rtmdet-ins_s"
	RTMDetInsM    = "rtmdet-ins_m"
	RTMDetInsL    = "rtmdet-ins_l"
	RTMDetInsX    = "rtmdet-ins_x"

	RTMPoseTiny = "rtmpose_tiny"
	RTMPoseS    = "rtmpose_s"
	RTMPoseM    = "rtmpose_m"
	RTMPoseL    = "rtmpose_l"

	RTMOS = "rtmo_s"
	RTMOM = "rtmo_m"
	RTMOL = "rtmo_l"
)

const (
	mmdetDownload  = "https://download.openmmlab.com/mmdetection/v3.0/rtmdet/"
	mmposeDownload = "https://download.openmmlab.com/mmpose/v1/projects/rtmposev1/"
)

// builtin keeps the table in a stable, family-grouped order.
var builtin = []Entry{
	// Bounding box detection
	{RTMDetTiny, Detection, "rtmdet/rtmdet_tiny_8xb32-300e_coco.py", mmdetDownload + "rtmdet_tiny_8xb32-300e_coco/rtmdet_tiny_8xb32-300e_coco_20220902_112414-78e30dcc.pth"},
	{RTMDetS, Detection, "rtmdet/rtmdet_s_8xb32-300e_coco.py", mmdetDownload + "rtmdet_s_8xb32-300e_coco/rtmdet_s_8xb32-300e_coco_20220905_161602-387a891e.pth"},
	{RTMDetM, Detection, "rtmdet/rtmdet_m_8xb32-300e_coco.py", mmdetDownload + "rtmdet_m_8xb32-300e_coco/rtmdet_m_8xb32-300e_coco_20220719_112220-229f527c.pth"},
	{RTMDetL, Detection, "rtmdet/rtmdet_l_8xb32-300e_coco.py", mmdetDownload + "rtmdet_l_8xb32-300e_coco/rtmdet_l_8xb32-300e_coco_20220719_112030-5a0be7c4.pth"},
	{RTMDetX, Detection, "rtmdet/rtmdet_x_8xb32-300e_coco.py", mmdetDownload + "rtmdet_x_8xb32-300e_coco/rtmdet_x_8xb32-300e_coco_20220715_230555-cc79b9ae.pth"},

	// Instance segmentation, still a one-stage bbox_head
	{RTMDetInsTiny, Detection, "rtmdet/rtmdet-ins_tiny_8xb32-300e_coco.py", mmdetDownload + "rtmdet-ins_tiny_8xb32-300e_coco/rtmdet-ins_tiny_8xb32-300e_coco_20221130_151727-ec670f7e.pth"},
	{RTMDetInsS, Detection, "rtmdet/rtmdet-ins_s_8xb32-300e_coco.py", mmdetDownload + "rtmdet-ins_s_8xb32-300e_coco/rtmdet-ins_s_8xb32-300e_coco_20221121_212604-fdc5d7ec.pth"},
	{RTMDetInsM, Detection, "rtmdet/rtmdet-ins_m_8xb32-300e_coco.py", mmdetDownload + "rtmdet-ins_m_8xb32-300e_coco/rtmdet-ins_m_8xb32-300e_coco_20221123_001039-6eba602e.pth"},
	{RTMDetInsL, Detection, "rtmdet/rtmdet-ins_l_8xb32-300e_coco.py", mmdetDownload + "rtmdet-ins_l_8xb32-300e_coco/rtmdet-ins_l_8xb32-300e_coco_20221124_103237-78d1d652.pth"},
	{RTMDetInsX, Detection, "rtmdet/rtmdet-ins_x_8xb16-300e_coco.py", mmdetDownload + "rtmdet-ins_x_8xb16-300e_coco/rtmdet-ins_x_8xb16-300e_coco_20221124_111313-33d4595b.pth"},

	// Top-down pose (RTMPose)
	{RTMPoseTiny, TopDownPose, "body_2d_keypoint/rtmpose/coco/rtmpose-t_8xb256-420e_coco-256x192.py", mmposeDownload + "rtmpose-tiny_simcc-coco_pt-aic-coco_420e-256x192-e613ba3f_20230127.pth"},
	{RTMPoseS, TopDownPose, "body_2d_keypoint/rtmpose/coco/rtmpose-s_8xb256-420e_coco-256x192.py", mmposeDownload + "rtmpose-s_simcc-coco_pt-aic-coco_420e-256x192-8edcf0d7_20230127.pth"},
	{RTMPoseM, TopDownPose, "body_2d_keypoint/rtmpose/coco/rtmpose-m_8xb256-420e_coco-256x192.py", mmposeDownload + "rtmpose-m_simcc-coco_pt-aic-coco_420e-256x192-d8dd5ca4_20230127.pth"},
	{RTMPoseL, TopDownPose, "body_2d_keypoint/rtmpose/coco/rtmpose-l_8xb256-420e_coco-256x192.py", mmposeDownload + "rtmpose-l_simcc-coco_pt-aic-coco_420e-256x192-1352a4d2_20230127.pth"},

	// Bottom-up pose (RTMO). No pinned weights: supply a checkpoint or drop
	// <name>.pth into the checkpoint directory.
	{RTMOS, BottomUpPose, "body_2d_keypoint/rtmo/coco/rtmo-s_8xb32-600e_coco-640x640.py", ""},
	{RTMOM, BottomUpPose, "body_2d_keypoint/rtmo/coco/rtmo-m_16xb16-600e_coco-640x640.py", ""},
	{RTMOL, BottomUpPose, "body_2d_keypoint/rtmo/coco/rtmo-l_16xb16-600e_coco-640x640.py", ""},
}
