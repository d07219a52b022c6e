package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	iface "EzMMLab/interface"
	"EzMMLab/logger"
	"EzMMLab/registry"
	"EzMMLab/schema"

	"go.uber.org/zap"
)

const closeGrace = 5 * time.Second

type workerSpec struct {
	Family  string `json:"family"`
	Config  string `json:"config"`
	Weights string `json:"weights"`
	Device  string `json:"device"`
}

type request struct {
	Op           string  `json:"op"`
	Image        string  `json:"image"`
	OutDir       string  `json:"out_dir,omitempty"`
	PredScoreThr float64 `json:"pred_score_thr"`
	BBoxThr      float64 `json:"bbox_thr"`
	KptThr       float64 `json:"kpt_thr"`
}

type response struct {
	OK     bool            `json:"ok"`
	Ready  bool            `json:"ready,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Worker is a long-lived Python process holding one loaded model. Requests
// are one JSON line in, one JSON line out, serialized by mu.
type Worker struct {
	spec iface.InferencerSpec

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	broken error
}

// NewInferencer starts a worker and waits until the model is loaded.
func (b *Bridge) NewInferencer(ctx context.Context, spec iface.InferencerSpec) (iface.Inferencer, error) {
	return b.StartWorker(ctx, spec)
}

func (b *Bridge) StartWorker(ctx context.Context, spec iface.InferencerSpec) (*Worker, error) {
	family := "detection"
	if spec.Family.IsPose() {
		family = "pose"
	}
	arg, err := json.Marshal(workerSpec{Family: family, Config: spec.ConfigPath, Weights: spec.Weights, Device: spec.Device})
	if err != nil {
		return nil, err
	}
	// The worker outlives ctx, so it is not bound to it.
	cmd := b.configure(exec.Command(b.opts.Python, b.argv(inferScript, string(arg))...))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting inferencer: %w", ErrPython, err)
	}
	w := &Worker{spec: spec, cmd: cmd, stdin: stdin, stdout: bufio.NewReaderSize(stdout, 1<<20)}

	logger.Log().Info("Initializing inferencer",
		zap.String("config", spec.ConfigPath),
		zap.String("weights", spec.Weights),
		zap.String("device", spec.Device),
		zap.Int("pid", cmd.Process.Pid))
	resp, err := w.read(ctx)
	if err == nil && !resp.Ready {
		err = fmt.Errorf("%w: inferencer did not report ready: %s", ErrPython, resp.Error)
	}
	if err != nil {
		w.kill()
		return nil, err
	}
	return w, nil
}

func (w *Worker) Spec() iface.InferencerSpec {
	return w.spec
}

func (w *Worker) Detect(ctx context.Context, req iface.DetectRequest) (schema.RawDetection, error) {
	var raw schema.RawDetection
	if w.spec.Family != registry.Detection {
		return raw, fmt.Errorf("%w: %s inferencer cannot run detection", ErrPython, w.spec.Family)
	}
	err := w.call(ctx, request{Op: "detect", Image: req.Image, OutDir: req.OutDir, PredScoreThr: req.ScoreThr}, &raw)
	return raw, err
}

func (w *Worker) Pose(ctx context.Context, req iface.PoseRequest) (schema.RawPose, error) {
	var raw schema.RawPose
	if !w.spec.Family.IsPose() {
		return raw, fmt.Errorf("%w: %s inferencer cannot run pose estimation", ErrPython, w.spec.Family)
	}
	err := w.call(ctx, request{Op: "pose", Image: req.Image, OutDir: req.OutDir, BBoxThr: req.BBoxThr, KptThr: req.KptThr}, &raw)
	return raw, err
}

func (w *Worker) call(ctx context.Context, req request, out any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return w.broken
	}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := w.stdin.Write(append(line, '\n')); err != nil {
		w.fail(fmt.Errorf("%w: writing request: %w", ErrPython, err))
		return w.broken
	}
	resp, err := w.read(ctx)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s", ErrPython, resp.Error)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%w: decoding result: %w", ErrPython, err)
	}
	return nil
}

// read waits for one response line. A cancelled ctx kills the worker, since
// the protocol cannot resynchronize mid-response.
func (w *Worker) read(ctx context.Context) (response, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := w.stdout.ReadBytes('\n')
		ch <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		w.fail(fmt.Errorf("%w: inferencer aborted: %w", ErrPython, ctx.Err()))
		w.kill()
		return response{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				w.fail(fmt.Errorf("%w: inferencer exited", ErrPython))
			} else {
				w.fail(fmt.Errorf("%w: reading response: %w", ErrPython, r.err))
			}
			return response{}, w.broken
		}
		var resp response
		if err := json.Unmarshal(r.line, &resp); err != nil {
			return response{}, fmt.Errorf("%w: malformed response: %w", ErrPython, err)
		}
		return resp, nil
	}
}

func (w *Worker) fail(err error) {
	if w.broken == nil {
		w.broken = err
	}
}

func (w *Worker) kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
}

// Close ends the worker, killing it if it does not exit after stdin closes.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if errors.Is(w.broken, errClosed) {
		return nil
	}
	_ = w.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(closeGrace):
		_ = w.cmd.Process.Kill()
		<-done
	}
	w.broken = errClosed
	return nil
}

var errClosed = fmt.Errorf("%w: inferencer closed", ErrPython)
