package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"EzMMLab/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID process.Process

	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	PredictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ezmm_predictions_total",
		Help: "Total number of images run through an inferencer",
	}, []string{"model"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ezmm_errors_total",
		Help: "Total number of failed operations by stage",
	}, []string{"stage"})

	TrainingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ezmm_training_runs_total",
		Help: "Total number of training runs handed to the runner",
	}, []string{"model"})

	DownloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ezmm_checkpoint_downloads_total",
		Help: "Total number of checkpoint downloads completed",
	})

	DownloadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ezmm_checkpoint_download_bytes_total",
		Help: "Total bytes written by checkpoint downloads",
	})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, PredictionsTotal, ErrorsTotal, TrainingRunsTotal, DownloadsTotal, DownloadBytes)
}

// Handler serves every collector in text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func prom(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
	return srv
}

func CheckProcessInfo() {
	if MemInfo, err := PID.MemoryInfo(); err == nil {
		memUsage.Set(float64(MemInfo.RSS / 1024 / 1024))
	}
	if CPUPercent, err := PID.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(CPUPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon serves /metrics on port and samples process usage until ctx ends.
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	srv := prom(port)
	logger.Log().Info("Prometheus metrics listening", zap.Int("port", port))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
