package worker

import (
	"net/http"
	"time"

	"github.com/dunamismax/imgcompress/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	batchesTotal         *prometheus.CounterVec
	batchDuration        *prometheus.HistogramVec
	activeBatches        prometheus.Gauge
	imagesTotal          *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcompress_worker_batches_total",
			Help: "Total worker batches by source type and final status.",
		}, []string{"source_type", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgcompress_worker_batch_duration_seconds",
			Help:    "Wall time from batch start until every image settled.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"source_type", "status"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imgcompress_worker_active_batches",
			Help: "Current number of batches being processed by the worker.",
		}),
		imagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcompress_worker_images_total",
			Help: "Settled images by processing mode and outcome.",
		}, []string{"mode", "outcome"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgcompress_usage_pixels_processed_total",
			Help: "Total output pixels across succeeded images.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgcompress_usage_bytes_saved_total",
			Help: "Total bytes saved across succeeded images.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgcompress_usage_compute_time_ms_total",
			Help: "Total batch compute time in milliseconds.",
		}),
	}

	registry.MustRegister(
		m.batchesTotal,
		m.batchDuration,
		m.activeBatches,
		m.imagesTotal,
		m.pixelsProcessedTotal,
		m.bytesSavedTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) recordSummary(mode string, summary pipeline.Summary, computeDuration time.Duration) {
	m.imagesTotal.WithLabelValues(mode, "succeeded").Add(float64(summary.Succeeded))
	m.imagesTotal.WithLabelValues(mode, "ineffective").Add(float64(summary.Ineffective))
	m.imagesTotal.WithLabelValues(mode, "failed").Add(float64(summary.Failed))
	m.pixelsProcessedTotal.Add(float64(summary.PixelsProcessed))
	m.bytesSavedTotal.Add(float64(summary.BytesSaved))

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}
	m.computeTimeMSTotal.Add(float64(computeTimeMS))
}
