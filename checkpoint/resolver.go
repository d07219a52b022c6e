package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"EzMMLab/logger"
	"EzMMLab/monitor"
	"EzMMLab/registry"

	"github.com/cheggaaa/pb/v3"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrCheckpointNotFound is returned when an explicitly requested checkpoint
// is missing and the model has no download URL.
var ErrCheckpointNotFound = fmt.Errorf("checkpoint not found: %w", registry.ErrMissingArtifact)

const (
	DefaultDir     = "checkpoints"
	DefaultTimeout = 30 * time.Minute
	Extension      = ".pth"
)

const unknownSize pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{speed . }}`

type Options struct {
	// Dir holds downloaded and bare-filename checkpoints.
	Dir string
	// RedirectRelative resolves every relative explicit path under Dir,
	// not only bare filenames.
	RedirectRelative bool
	// Timeout bounds a single download.
	Timeout time.Duration
	// Progress receives the download bar; nil means stderr.
	Progress io.Writer
}

// Resolver maps model names to local weight files, downloading the
// registry's pretrained weights on first use.
type Resolver struct {
	reg      *registry.Registry
	opts     Options
	client   *resty.Client
	inflight singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context a shared download runs under. It is cancelled once
// every caller waiting on it has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New(reg *registry.Registry, opts Options) *Resolver {
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Progress == nil {
		opts.Progress = os.Stderr
	}
	return &Resolver{
		reg:     reg,
		opts:    opts,
		client:  resty.New().SetTimeout(opts.Timeout),
		flights: map[string]*flight{},
	}
}

// Dir returns the checkpoint directory.
func (r *Resolver) Dir() string {
	return r.opts.Dir
}

// Path computes where the checkpoint for model lives without touching disk.
func (r *Resolver) Path(model, explicit string) string {
	if explicit == "" {
		return filepath.Join(r.opts.Dir, model+Extension)
	}
	if filepath.Dir(explicit) == "." || (r.opts.RedirectRelative && !filepath.IsAbs(explicit)) {
		return filepath.Join(r.opts.Dir, explicit)
	}
	return explicit
}

// Ensure returns a local checkpoint path for model. An existing file is
// returned without network access; otherwise the registry URL is downloaded.
// Without a URL an explicit path is an error, while the default path is
// returned with a warning so the framework can fail later.
func (r *Resolver) Ensure(ctx context.Context, model, explicit string) (string, error) {
	path := r.Path(model, explicit)
	if fileExists(path) {
		return path, nil
	}
	url, ok := r.reg.WeightsURL(model)
	if !ok {
		if explicit != "" {
			logger.Log().Error("Checkpoint not found and no download URL",
				zap.String("model", model), zap.String("path", path))
			return "", fmt.Errorf("%w at %s; no download URL known for %q", ErrCheckpointNotFound, path, model)
		}
		logger.Log().Warn("No default checkpoint URL found for model", zap.String("model", model), zap.String("path", path))
		return path, nil
	}

	logger.Log().Info("Checkpoint not found, downloading", zap.String("model", model), zap.String("path", path))
	if err := r.fetch(ctx, url, path); err != nil {
		monitor.ErrorsTotal.WithLabelValues("download").Inc()
		return "", err
	}
	return path, nil
}

// fetch shares one download per path between concurrent callers. A caller
// that gives up returns at once; the download stops only when no caller is
// left waiting for it.
func (r *Resolver) fetch(ctx context.Context, url, path string) error {
	for {
		f := r.join(ctx, path)
		ch := r.inflight.DoChan(path, func() (any, error) {
			if fileExists(path) {
				return nil, nil
			}
			return nil, r.Download(f.ctx, url, path)
		})
		select {
		case res := <-ch:
			r.leave(path, f)
			// Joined a flight its own callers had abandoned.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			return res.Err
		case <-ctx.Done():
			r.leave(path, f)
			return ctx.Err()
		}
	}
}

func (r *Resolver) join(ctx context.Context, path string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[path]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		r.flights[path] = f
	}
	f.waiters++
	return f
}

func (r *Resolver) leave(path string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if r.flights[path] == f {
		delete(r.flights, path)
	}
}

// Download streams url into dest through a .part file renamed on success.
func (r *Resolver) Download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status())
	}

	part := dest + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	total := resp.RawResponse.ContentLength
	tmpl := pb.Full
	if total <= 0 {
		tmpl = unknownSize
	}
	bar := tmpl.New(0)
	bar.SetTotal(total)
	bar.Set(pb.Bytes, true)
	bar.SetWriter(r.opts.Progress)
	bar.Set("prefix", fmt.Sprintf("Downloading %s:", filepath.Base(dest)))
	bar.Start()

	n, copyErr := io.Copy(bar.NewProxyWriter(f), body)
	bar.Finish()
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(part)
		return fmt.Errorf("downloading %s: %w", url, copyErr)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return err
	}
	monitor.DownloadsTotal.Inc()
	monitor.DownloadBytes.Add(float64(n))
	logger.Log().Info("Successfully downloaded checkpoint", zap.String("path", dest), zap.Int64("bytes", n))
	return nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
