package bridge

// Each script moves fd 1 onto stderr before importing the framework, so
// framework prints never reach the JSON channel kept on the original stdout.

const loadScript = `
import json, os, sys
out = os.fdopen(os.dup(1), "w")
os.dup2(2, 1)
from mmengine.config import Config
cfg = Config.fromfile(sys.argv[1])
json.dump(cfg.to_dict(), out, default=str)
out.write("\n")
out.flush()
`

const trainScript = `
import sys
from mmengine.config import Config
from mmengine.runner import Runner
if sys.argv[2] == "mmpose":
    from mmpose.utils import register_all_modules
else:
    from mmdet.utils import register_all_modules
register_all_modules()
cfg = Config.fromfile(sys.argv[1])
Runner.from_cfg(cfg).train()
`

const inferScript = `
import json, os, sys
out = os.fdopen(os.dup(1), "w")
os.dup2(2, 1)

def plain(o):
    if hasattr(o, "tolist"):
        return o.tolist()
    return str(o)

def reply(obj):
    out.write(json.dumps(obj, default=plain) + "\n")
    out.flush()

spec = json.loads(sys.argv[1])
try:
    if spec["family"] == "detection":
        from mmdet.apis import DetInferencer
        inferencer = DetInferencer(model=spec["config"], weights=spec["weights"], device=spec["device"])
    else:
        from mmpose.apis import MMPoseInferencer
        inferencer = MMPoseInferencer(pose2d=spec["config"], pose2d_weights=spec["weights"], device=spec["device"])
except Exception as e:
    reply({"ok": False, "error": "loading inferencer: %s" % e})
    sys.exit(1)
reply({"ok": True, "ready": True})

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    try:
        req = json.loads(line)
        if req["op"] == "detect":
            res = inferencer(req["image"], out_dir=req.get("out_dir") or "", pred_score_thr=req["pred_score_thr"])
            reply({"ok": True, "result": {"predictions": res["predictions"]}})
        else:
            kwargs = {"bbox_thr": req["bbox_thr"], "kpt_thr": req["kpt_thr"]}
            if req.get("out_dir"):
                kwargs["vis_out_dir"] = os.path.join(req["out_dir"], "visualizations")
                kwargs["pred_out_dir"] = os.path.join(req["out_dir"], "predictions")
            results = list(inferencer(req["image"], **kwargs))
            preds = results[0]["predictions"] if results else []
            reply({"ok": True, "result": {"predictions": preds}})
    except Exception as e:
        reply({"ok": False, "error": str(e)})
`
