package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"EzMMLab/checkpoint"
	"EzMMLab/engine"
	iface "EzMMLab/interface"
	"EzMMLab/registry"
	"EzMMLab/schema"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockInferencer struct{}

func (mockInferencer) Detect(_ context.Context, req iface.DetectRequest) (schema.RawDetection, error) {
	return schema.RawDetection{Predictions: []schema.RawDetectionInstances{{
		Labels: []int{3},
		Scores: []float64{req.ScoreThr},
		Bboxes: [][]float64{{1, 2, 3, 4}},
	}}}, nil
}

func (mockInferencer) Pose(_ context.Context, req iface.PoseRequest) (schema.RawPose, error) {
	return schema.RawPose{Predictions: [][]schema.RawPoseInstance{{{
		Keypoints:      [][]float64{{5, 6}},
		KeypointScores: []float64{req.KptThr},
		BBoxScore:      &req.BBoxThr,
	}}}}, nil
}

func (mockInferencer) Close() error { return nil }

type mockFactory struct {
	mu    sync.Mutex
	specs []iface.InferencerSpec
}

func (m *mockFactory) NewInferencer(_ context.Context, spec iface.InferencerSpec) (iface.Inferencer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs = append(m.specs, spec)
	return mockInferencer{}, nil
}

func (m *mockFactory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.specs)
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestServer(t *testing.T, idle time.Duration) (*Server, *mockFactory) {
	t.Helper()
	dir := t.TempDir()
	mmdet := filepath.Join(dir, "mmdetection")
	mmpose := filepath.Join(dir, "mmpose")
	write(t, filepath.Join(mmdet, "configs", "rtmdet_tiny.yaml"), "model: {}\n")
	write(t, filepath.Join(mmpose, "configs", "rtmpose_tiny.yaml"), "model: {}\n")
	ckptDir := filepath.Join(dir, "checkpoints")
	write(t, filepath.Join(ckptDir, registry.RTMDetTiny+".pth"), "weights")
	write(t, filepath.Join(ckptDir, registry.RTMPoseTiny+".pth"), "weights")

	reg := registry.New(
		registry.Entry{Name: registry.RTMDetTiny, Family: registry.Detection, ConfigPath: "rtmdet_tiny.yaml"},
		registry.Entry{Name: registry.RTMPoseTiny, Family: registry.TopDownPose, ConfigPath: "rtmpose_tiny.yaml"},
		registry.Entry{Name: registry.RTMOS, Family: registry.BottomUpPose, ConfigPath: "rtmo_s.yaml"},
	)
	factory := &mockFactory{}
	opts := engine.Options{
		Loader:      registry.NewConfigLoader(reg, registry.Roots{registry.MMDet: mmdet, registry.MMPose: mmpose}),
		Checkpoints: checkpoint.New(reg, checkpoint.Options{Dir: ckptDir, Progress: io.Discard}),
		Inferencers: factory,
	}
	srv, err := New(Options{
		Registry:    reg,
		IdleTimeout: idle,
		UploadDir:   filepath.Join(dir, "uploads"),
		Device:      "cpu",
		Build: func(ctx context.Context, model string) (*engine.Detector, error) {
			return engine.New(ctx, model, "", opts)
		},
	})
	require.NoError(t, err)
	return srv, factory
}

func upload(t *testing.T, r http.Handler, model string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "frame.jpg")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not really a jpeg"))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/predict/"+model, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type detectionResponse struct {
	RequestID string                 `json:"request_id"`
	Model     string                 `json:"model"`
	Data      schema.InferenceResult `json:"data"`
	Error     string                 `json:"error"`
}

func TestPingAndModels(t *testing.T) {
	srv, _ := newTestServer(t, time.Second)
	r := srv.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var models struct {
		Data []modelInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
	require.Len(t, models.Data, 3)
	assert.Equal(t, registry.RTMDetTiny, models.Data[0].Name)
	assert.Equal(t, "detection", models.Data[0].Family)
	assert.Equal(t, "mmpose", models.Data[1].Framework)
}

func TestPredictDetection(t *testing.T) {
	srv, factory := newTestServer(t, time.Second)
	r := srv.Router()

	for i := 0; i < 2; i++ {
		rec := upload(t, r, registry.RTMDetTiny, map[string]string{"threshold": "0.4"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp detectionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.RequestID)
		require.Len(t, resp.Data.Predictions, 1)
		assert.Equal(t, 3, resp.Data.Predictions[0].Label)
		assert.InDelta(t, 0.4, resp.Data.Predictions[0].Score, 1e-9)
	}
	assert.Equal(t, 1, factory.count())
	assert.Equal(t, "cpu", factory.specs[0].Device)

	entries, err := os.ReadDir(srv.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workers", nil))
	var workers struct {
		Data []WorkerInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers.Data, 1)
	assert.Equal(t, registry.RTMDetTiny, workers.Data[0].Model)
	assert.Equal(t, "idle", workers.Data[0].State)
	assert.True(t, workers.Data[0].Loaded)
	assert.Equal(t, 2, workers.Data[0].Served)
}

func TestPredictThresholds(t *testing.T) {
	srv, _ := newTestServer(t, time.Second)
	r := srv.Router()

	t.Run("zero threshold reaches the inferencer", func(t *testing.T) {
		rec := upload(t, r, registry.RTMDetTiny, map[string]string{"threshold": "0"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp detectionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data.Predictions, 1)
		assert.Equal(t, 0.0, resp.Data.Predictions[0].Score)
	})
	t.Run("missing threshold uses the default", func(t *testing.T) {
		rec := upload(t, r, registry.RTMDetTiny, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp detectionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data.Predictions, 1)
		assert.Equal(t, engine.DefaultConfidence, resp.Data.Predictions[0].Score)
	})
	t.Run("NaN is rejected", func(t *testing.T) {
		rec := upload(t, r, registry.RTMDetTiny, map[string]string{"threshold": "NaN"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPredictPose(t *testing.T) {
	srv, _ := newTestServer(t, time.Second)
	rec := upload(t, srv.Router(), registry.RTMPoseTiny, map[string]string{"bbox_thr": "0.6", "kpt_thr": "0.2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data schema.PoseInferenceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Predictions, 1)
	p := resp.Data.Predictions[0]
	assert.Equal(t, [][2]float64{{5, 6}}, p.Keypoints)
	assert.InDelta(t, 0.2, p.KeypointScores[0], 1e-9)
	assert.InDelta(t, 0.6, p.Score, 1e-9)
}

func TestPredictErrors(t *testing.T) {
	srv, _ := newTestServer(t, time.Second)
	r := srv.Router()

	t.Run("unknown model", func(t *testing.T) {
		rec := upload(t, r, "yolov8", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("bad threshold", func(t *testing.T) {
		rec := upload(t, r, registry.RTMDetTiny, map[string]string{"threshold": "1.5"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "threshold")
	})
	t.Run("missing file", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/predict/"+registry.RTMDetTiny, strings.NewReader(""))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("missing config", func(t *testing.T) {
		// rtmo_s has neither a config file nor a checkpoint.
		rec := upload(t, r, registry.RTMOS, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	})
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(registry.ErrUnknownModel))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(checkpoint.ErrCheckpointNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestWriteBase64Image(t *testing.T) {
	dir := t.TempDir()
	payload := base64.StdEncoding.EncodeToString([]byte("png bytes"))

	p, err := writeBase64Image(dir, "data:image/png;base64,"+payload)
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(p))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(b))

	p, err = writeBase64Image(dir, payload)
	require.NoError(t, err)
	assert.Equal(t, ".jpg", filepath.Ext(p))

	p, err = writeBase64Image(dir, "data:image/JPEG;base64,"+payload)
	require.NoError(t, err)
	assert.Equal(t, ".jpg", filepath.Ext(p))

	_, err = writeBase64Image(dir, "%%%")
	assert.Error(t, err)
	_, err = writeBase64Image(dir, "")
	assert.Error(t, err)
}

func TestWriteBase64ImageStaysInDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a", "uploads")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	payload := base64.StdEncoding.EncodeToString([]byte("hello"))

	for _, header := range []string{
		"data:image/../../../escaped.txt;base64,",
		"data:image/png/../../x;base64,",
		`data:image/..\..\x;base64,`,
		"data:image/svg+xml;base64,",
	} {
		p, err := writeBase64Image(dir, header+payload)
		require.NoError(t, err, header)
		assert.Equal(t, dir, filepath.Dir(p), header)
		assert.Equal(t, ".jpg", filepath.Ext(p), header)
	}

	entries, err := os.ReadDir(filepath.Join(root, "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "uploads", entries[0].Name())
	_, err = os.Stat(filepath.Join(root, "escaped.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadExt(t *testing.T) {
	assert.Equal(t, ".png", uploadExt("frame.PNG"))
	assert.Equal(t, ".jpg", uploadExt("frame.jpeg"))
	assert.Equal(t, ".jpg", uploadExt("frame.exe"))
	assert.Equal(t, ".jpg", uploadExt("noext"))
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStream(t *testing.T) {
	srv, factory := newTestServer(t, 5*time.Second)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dial(t, ts, "/ws/"+registry.RTMDetTiny+"?threshold=0.7")
	img := base64.StdEncoding.EncodeToString([]byte("frame"))

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(img)))
		var resp detectionResponse
		require.NoError(t, conn.ReadJSON(&resp))
		assert.Empty(t, resp.Error)
		require.Len(t, resp.Data.Predictions, 1)
		assert.InDelta(t, 0.7, resp.Data.Predictions[0].Score, 1e-9)
	}
	assert.Equal(t, 1, factory.count())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("%%%")))
	var resp detectionResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Contains(t, resp.Error, "invalid image")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	resp = detectionResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "unsupported message type", resp.Error)
}

func TestStreamIdleTimeout(t *testing.T) {
	srv, _ := newTestServer(t, 100*time.Millisecond)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dial(t, ts, "/ws/"+registry.RTMDetTiny)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	assert.Eventually(t, func() bool {
		srv.sessionMu.RLock()
		defer srv.sessionMu.RUnlock()
		return len(srv.sessions) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStreamUnknownModel(t *testing.T) {
	srv, _ := newTestServer(t, time.Second)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/yolov8"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunShutdown(t *testing.T) {
	srv, _ := newTestServer(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
