package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"EzMMLab/engine"
	"EzMMLab/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	IDLE = 0x1001
	BUSY = 0x1002
)

// Builder creates the detector for a model on its first request.
type Builder func(ctx context.Context, model string) (*engine.Detector, error)

// worker owns one lazily built detector. mu serializes every use of it.
type worker struct {
	id    string
	model string
	state atomic.Int32

	mu       sync.Mutex
	detector *engine.Detector
	served   int
}

type session struct {
	id          string
	worker      *worker
	lastActive  atomic.Int64
	conn        *websocket.Conn
	closeOnce   sync.Once
	cancelTimer chan struct{}
	cancelOnce  sync.Once
}

type WorkerInfo struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	State  string `json:"state"`
	Loaded bool   `json:"loaded"`
	Served int    `json:"served"`
}

func stateName(s int32) string {
	if s == BUSY {
		return "busy"
	}
	return "idle"
}

func (s *Server) worker(model string) *worker {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	w, ok := s.workers[model]
	if !ok {
		w = &worker{id: uuid.New().String(), model: model}
		w.state.Store(IDLE)
		s.workers[model] = w
	}
	return w
}

// run builds the worker's detector if needed and calls fn with it, holding
// the worker for the duration.
func (s *Server) run(ctx context.Context, w *worker, fn func(*engine.Detector) (any, error)) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detector == nil {
		logger.Log().Info("Creating worker", zap.String("id", w.id), zap.String("model", w.model))
		d, err := s.build(ctx, w.model)
		if err != nil {
			return nil, err
		}
		w.detector = d
	}
	w.state.Store(BUSY)
	defer w.state.Store(IDLE)
	out, err := fn(w.detector)
	if err == nil {
		w.served++
	}
	return out, err
}

func (s *Server) workerInfos() []WorkerInfo {
	s.seqMu.RLock()
	ws := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	s.seqMu.RUnlock()

	out := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		info := WorkerInfo{ID: w.id, Model: w.model, State: stateName(w.state.Load())}
		if w.mu.TryLock() {
			info.Loaded = w.detector != nil
			info.Served = w.served
			w.mu.Unlock()
		} else {
			info.Loaded = true
		}
		out = append(out, info)
	}
	return out
}

func (s *Server) closeWorkers() error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	var errs []error
	for model, w := range s.workers {
		w.mu.Lock()
		if w.detector != nil {
			errs = append(errs, w.detector.Close())
			w.detector = nil
		}
		w.mu.Unlock()
		delete(s.workers, model)
	}
	return errors.Join(errs...)
}

func (s *Server) openSession(w *worker, conn *websocket.Conn) *session {
	inst := &session{
		id:          uuid.New().String(),
		worker:      w,
		conn:        conn,
		cancelTimer: make(chan struct{}),
	}
	inst.touch()
	s.sessionMu.Lock()
	s.sessions[inst.id] = inst
	s.sessionMu.Unlock()
	return inst
}

func (inst *session) touch() {
	inst.lastActive.Store(time.Now().UnixNano())
}

func (s *Server) releaseSession(id, reason string) bool {
	s.sessionMu.Lock()
	inst, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.sessionMu.Unlock()
	if !ok {
		return false
	}
	inst.closeOnce.Do(func() {
		if inst.conn != nil {
			_ = inst.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(time.Second))
			_ = inst.conn.Close()
		}
	})
	inst.cancelOnce.Do(func() {
		close(inst.cancelTimer)
	})
	return true
}

func (s *Server) startIdleMonitor(inst *session) {
	go func() {
		ticker := time.NewTicker(max(s.idleTimeout/10, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-inst.cancelTimer:
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, inst.lastActive.Load())) > s.idleTimeout {
					logger.Log().Info("Session idle, releasing", zap.String("session", inst.id))
					s.releaseSession(inst.id, fmt.Sprintf("%s not active, released", s.idleTimeout))
					return
				}
			}
		}
	}()
}

// imageExts maps accepted image subtypes to the extension files are saved with.
var imageExts = map[string]string{
	"jpeg": ".jpg",
	"jpg":  ".jpg",
	"png":  ".png",
	"bmp":  ".bmp",
	"webp": ".webp",
	"tiff": ".tiff",
}

const defaultImageExt = ".jpg"

// uploadExt keeps a known image extension of an uploaded file name.
func uploadExt(name string) string {
	if ext, ok := imageExts[strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))]; ok {
		return ext
	}
	return defaultImageExt
}

// writeBase64Image stores a base64 image (optionally a data URL) in dir and
// returns the file path. The name is always a fresh uuid with a known image
// extension.
func writeBase64Image(dir, b64 string) (string, error) {
	ext := defaultImageExt
	if strings.HasPrefix(b64, "data:") {
		if i := strings.Index(b64, ","); i != -1 {
			header := b64[:i]
			b64 = b64[i+1:]
			if j := strings.Index(header, "image/"); j != -1 {
				sub := strings.TrimSuffix(header[j+len("image/"):], ";base64")
				if known, ok := imageExts[strings.ToLower(sub)]; ok {
					ext = known
				}
			}
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("decoded image is empty")
	}
	path := filepath.Join(dir, uuid.New().String()+ext)
	if filepath.Dir(path) != filepath.Clean(dir) {
		return "", fmt.Errorf("refusing to write image outside %s", dir)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
