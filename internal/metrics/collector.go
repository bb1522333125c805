// Package metrics exposes the worker's Prometheus surface: frame and batch
// throughput gauges plus a /metrics HTTP endpoint, independent of whatever
// the control channel reports to the coordinator.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simcache/vmworker/internal/ledger"
)

// Collector owns the worker's Prometheus registry and metric set.
type Collector struct {
	registry *prometheus.Registry

	bakedFrames      prometheus.Gauge
	compressedFrames prometheus.Gauge
	securedFrames    prometheus.Gauge
	compressionRatio prometheus.Gauge
	uploadSpeedBps   prometheus.Gauge
	bakingSpeedFPS   prometheus.Gauge
	currentBatchSize prometheus.Gauge
	queueDepth       *prometheus.GaugeVec
	batchFailures    prometheus.Counter
	reconnects       prometheus.Counter

	server *http.Server
}

const namespace = "vmworker"

// NewCollector builds and registers the metric set.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		bakedFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "baked_frames", Help: "Frames observed stable on disk.",
		}),
		compressedFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "compressed_frames", Help: "Frames folded into a compressed batch.",
		}),
		securedFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "secured_frames", Help: "Frames confirmed uploaded.",
		}),
		compressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "compression_ratio", Help: "Raw bytes per compressed byte, most recent batch.",
		}),
		uploadSpeedBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "upload_speed_bytes_per_second", Help: "Most recent batch upload throughput.",
		}),
		bakingSpeedFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "baking_speed_frames_per_second", Help: "Rolling frame-bake rate.",
		}),
		currentBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_batch_size", Help: "Adaptive target batch size in frames.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Pending items on an inter-stage queue.",
		}, []string{"stage"}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_failures_total", Help: "Batches that failed compression or upload.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_reconnects_total", Help: "Control channel reconnect attempts.",
		}),
	}

	registry.MustRegister(
		c.bakedFrames, c.compressedFrames, c.securedFrames,
		c.compressionRatio, c.uploadSpeedBps, c.bakingSpeedFPS, c.currentBatchSize,
		c.queueDepth, c.batchFailures, c.reconnects,
	)
	return c
}

// Update refreshes the throughput gauges from a ledger snapshot.
func (c *Collector) Update(s ledger.Snapshot) {
	c.bakedFrames.Set(float64(s.BakedFrames))
	c.compressedFrames.Set(float64(s.CompressedFrames))
	c.securedFrames.Set(float64(s.SecuredFrames))
	c.compressionRatio.Set(s.CompressionRatio)
	c.uploadSpeedBps.Set(s.UploadSpeedBps)
	c.bakingSpeedFPS.Set(s.BakingSpeedFps)
	c.currentBatchSize.Set(float64(s.CurrentBatchSize))
}

// SetQueueDepth records the current depth of a named inter-stage queue.
func (c *Collector) SetQueueDepth(stage string, depth int) {
	c.queueDepth.WithLabelValues(stage).Set(float64(depth))
}

// IncBatchFailure records a failed batch.
func (c *Collector) IncBatchFailure() { c.batchFailures.Inc() }

// IncReconnect records a control channel reconnect attempt.
func (c *Collector) IncReconnect() { c.reconnects.Inc() }

// Serve starts the /metrics HTTP endpoint and blocks until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- c.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
