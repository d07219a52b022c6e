package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"EzMMLab/engine"
	"EzMMLab/logger"
	"EzMMLab/monitor"
	"EzMMLab/registry"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout = 60 * time.Second
	readLimit          = 20 * 1024 * 1024
	shutdownTimeout    = 5 * time.Second
)

type Options struct {
	Registry *registry.Registry
	Build    Builder
	// IdleTimeout closes websocket sessions without traffic.
	IdleTimeout time.Duration
	// UploadDir receives uploaded images; empty means a private temp dir.
	UploadDir string
	// OutDir, when set, gets one visualization dir per request.
	OutDir string
	// Device is used when a request names none.
	Device string
}

// Server exposes registry models over HTTP and websocket.
type Server struct {
	reg         *registry.Registry
	build       Builder
	idleTimeout time.Duration
	uploadDir   string
	outDir      string
	device      string

	seqMu     sync.RWMutex
	workers   map[string]*worker
	sessionMu sync.RWMutex
	sessions  map[string]*session
	upgrader  websocket.Upgrader
}

func New(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Build == nil {
		return nil, errors.New("server needs a registry and a detector builder")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.UploadDir == "" {
		dir, err := os.MkdirTemp("", "ezmm-uploads-")
		if err != nil {
			return nil, fmt.Errorf("creating upload dir: %w", err)
		}
		opts.UploadDir = dir
	} else if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &Server{
		reg:         opts.Registry,
		build:       opts.Build,
		idleTimeout: opts.IdleTimeout,
		uploadDir:   opts.UploadDir,
		outDir:      opts.OutDir,
		device:      opts.Device,
		workers:     map[string]*worker{},
		sessions:    map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

type modelInfo struct {
	Name      string `json:"name"`
	Family    string `json:"family"`
	Framework string `json:"framework"`
	Weights   string `json:"weights,omitempty"`
}

// thresholds carries the per-request inference knobs.
type thresholds struct {
	confidence float64
	bboxThr    float64
	kptThr     float64
	device     string
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/models", func(c *gin.Context) {
		var out []modelInfo
		for _, e := range s.reg.Entries() {
			out = append(out, modelInfo{
				Name:      e.Name,
				Family:    e.Family.String(),
				Framework: string(e.Family.Framework()),
				Weights:   e.WeightsURL,
			})
		}
		c.JSON(http.StatusOK, gin.H{"data": out})
	})
	r.GET("/api/workers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.workerInfos()})
	})
	r.POST("/api/predict/:model", s.handlePredict)
	r.GET("/ws/:model", s.handleStream)
	return r
}

func (s *Server) handlePredict(c *gin.Context) {
	model := c.Param("model")
	if !s.reg.Contains(model) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown model %q", model)})
		return
	}
	th, err := parseThresholds(c.PostForm)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	requestID := uuid.New().String()
	image := filepath.Join(s.uploadDir, requestID+uploadExt(file.Filename))
	if err := c.SaveUploadedFile(file, image); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file: " + err.Error()})
		return
	}
	defer os.Remove(image)

	res, err := s.predict(c.Request.Context(), model, image, requestID, th)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "request_id": requestID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": requestID, "model": model, "data": res})
}

func (s *Server) handleStream(c *gin.Context) {
	model := c.Param("model")
	if !s.reg.Contains(model) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown model %q", model)})
		return
	}
	th, err := parseThresholds(c.Query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)
	inst := s.openSession(s.worker(model), conn)
	s.startIdleMonitor(inst)
	logger.Log().Info("Session opened", zap.String("session", inst.id), zap.String("model", model))

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			s.releaseSession(inst.id, "closed")
			logger.Log().Info("Connection closed", zap.String("session", inst.id), zap.Error(err))
			return
		}
		inst.touch()
		if mt != websocket.TextMessage {
			_ = conn.WriteJSON(gin.H{"error": "unsupported message type"})
			continue
		}
		requestID := uuid.New().String()
		image, err := writeBase64Image(s.uploadDir, string(msg))
		if err != nil {
			_ = conn.WriteJSON(gin.H{"request_id": requestID, "error": fmt.Sprintf("invalid image: %v", err)})
			continue
		}
		res, err := s.predict(c.Request.Context(), model, image, requestID, th)
		_ = os.Remove(image)
		inst.touch()
		if err != nil {
			_ = conn.WriteJSON(gin.H{"request_id": requestID, "error": err.Error()})
			continue
		}
		_ = conn.WriteJSON(gin.H{"request_id": requestID, "data": res})
	}
}

// predict detaches from the request context: cancelling a running
// inference would kill the shared worker process.
func (s *Server) predict(ctx context.Context, model, image, requestID string, th thresholds) (any, error) {
	ctx = context.WithoutCancel(ctx)
	if th.device == "" {
		th.device = s.device
	}
	outDir := ""
	if s.outDir != "" {
		outDir = filepath.Join(s.outDir, requestID)
	}
	return s.run(ctx, s.worker(model), func(d *engine.Detector) (any, error) {
		if d.Entry.Family.IsPose() {
			return d.PredictPose(ctx, image, engine.PoseOptions{
				BBoxThr: th.bboxThr, KptThr: th.kptThr, Device: th.device, OutDir: outDir,
			})
		}
		return d.Predict(ctx, image, engine.PredictOptions{
			Confidence: th.confidence, Device: th.device, OutDir: outDir,
		})
	})
}

func parseThresholds(get func(string) string) (thresholds, error) {
	th := thresholds{
		confidence: engine.DefaultConfidence,
		bboxThr:    engine.DefaultBBoxThr,
		kptThr:     engine.DefaultKptThr,
		device:     get("device"),
	}
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"threshold", &th.confidence},
		{"bbox_thr", &th.bboxThr},
		{"kpt_thr", &th.kptThr},
	} {
		raw := get(f.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(v >= 0 && v <= 1) {
			return th, fmt.Errorf("invalid %s %q: expected a number in [0, 1]", f.key, raw)
		}
		*f.dst = v
	}
	return th, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrMissingArtifact):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log().Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Run serves on addr until ctx is cancelled, then shuts down and closes
// every detector.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("API server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Log().Error("Error shutting down API server", zap.Error(serr))
		}
	}
	s.closeSessions()
	if cerr := s.closeWorkers(); cerr != nil {
		monitor.ErrorsTotal.WithLabelValues("serve").Inc()
		err = errors.Join(err, cerr)
	}
	return err
}

func (s *Server) closeSessions() {
	s.sessionMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionMu.RUnlock()
	for _, id := range ids {
		s.releaseSession(id, "server shutting down")
	}
}
