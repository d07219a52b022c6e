package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	iface "EzMMLab/interface"
	"EzMMLab/logger"

	"go.uber.org/zap"
)

// ErrPython marks a failed or misbehaving Python process.
var ErrPython = errors.New("python bridge failed")

const (
	DefaultPython = "python"
	waitDelay     = 5 * time.Second
)

type Options struct {
	// Python is the interpreter with mmengine, mmdet and mmpose installed.
	Python string
	// Env is appended to the current environment.
	Env []string
	// Stdout and Stderr receive the framework's own output; nil means the
	// process's streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Bridge drives the framework through a Python interpreter. It loads .py
// templates, runs training and starts inferencer workers.
type Bridge struct {
	opts Options
}

func New(opts Options) *Bridge {
	if opts.Python == "" {
		opts.Python = DefaultPython
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Bridge{opts: opts}
}

func (b *Bridge) argv(script string, args ...string) []string {
	return append([]string{"-u", "-c", script}, args...)
}

// command binds the process to ctx.
func (b *Bridge) command(ctx context.Context, script string, args ...string) *exec.Cmd {
	cmd := b.configure(exec.CommandContext(ctx, b.opts.Python, b.argv(script, args...)...))
	cmd.WaitDelay = waitDelay
	return cmd
}

func (b *Bridge) configure(cmd *exec.Cmd) *exec.Cmd {
	if len(b.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), b.opts.Env...)
	}
	cmd.Stderr = b.opts.Stderr
	return cmd
}

// LoadTemplate evaluates a Python config, resolving its _base_ chain.
func (b *Bridge) LoadTemplate(ctx context.Context, path string) (map[string]any, error) {
	cmd := b.command(ctx, loadScript, path)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, exitError("loading config "+path, err)
	}
	line, err := lastLine(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: loading config %s: %w", ErrPython, path, err)
	}
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding config %s: %w", ErrPython, path, err)
	}
	return m, nil
}

// Train blocks until the runner finishes. Cancelling ctx kills the process.
func (b *Bridge) Train(ctx context.Context, spec iface.RunSpec) error {
	cmd := b.command(ctx, trainScript, spec.ConfigPath, string(spec.Framework))
	cmd.Stdout = b.opts.Stdout
	logger.Log().Info("Starting framework runner",
		zap.String("python", b.opts.Python),
		zap.String("config", spec.ConfigPath),
		zap.String("framework", string(spec.Framework)))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("training cancelled: %w", ctx.Err())
		}
		return exitError("training", err)
	}
	return nil
}

func exitError(what string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exited with code %d", ErrPython, what, exitErr.ExitCode())
	}
	return fmt.Errorf("%w: %s: %w", ErrPython, what, err)
}

func lastLine(out []byte) ([]byte, error) {
	var last []byte
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, errors.New("no output")
	}
	return last, nil
}
