package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/imgcompress/internal/blob"
	"github.com/dunamismax/imgcompress/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	uploadsTotal      *prometheus.CounterVec
	imagesTotal       *prometheus.CounterVec
	bytesSavedTotal   prometheus.Counter
	activeBatches     prometheus.Gauge
}

func newMetrics(blobs *blob.Registry) *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcompress_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgcompress_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcompress_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route", "budget"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcompress_queue_batches_enqueued_total",
			Help: "Total batches enqueued to the processing queue.",
		}, []string{"queue"}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcompress_api_uploads_total",
			Help: "Uploaded files by admission result.",
		}, []string{"result"}),
		imagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcompress_api_images_total",
			Help: "Session images settled by processing mode and outcome.",
		}, []string{"mode", "outcome"}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgcompress_api_bytes_saved_total",
			Help: "Total bytes saved across succeeded session images.",
		}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imgcompress_api_active_batches",
			Help: "Session batches currently in flight.",
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.uploadsTotal,
		m.imagesTotal,
		m.bytesSavedTotal,
		m.activeBatches,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "imgcompress_api_blobs",
			Help: "Live in-memory blobs held for sessions.",
		}, func() float64 {
			count, _ := blobs.Stats()
			return float64(count)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "imgcompress_api_blob_bytes",
			Help: "Bytes held by live in-memory blobs.",
		}, func() float64 {
			_, size := blobs.Stats()
			return float64(size)
		}),
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) recordSummary(mode string, summary pipeline.Summary) {
	m.imagesTotal.WithLabelValues(mode, "succeeded").Add(float64(summary.Succeeded))
	m.imagesTotal.WithLabelValues(mode, "ineffective").Add(float64(summary.Ineffective))
	m.imagesTotal.WithLabelValues(mode, "failed").Add(float64(summary.Failed))
	m.bytesSavedTotal.Add(float64(summary.BytesSaved))
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := statusLabel(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

// routeLabel collapses ids out of the path to keep label cardinality bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && (parts[0] == "healthz" || parts[0] == "metrics"):
		return "/" + parts[0]
	case len(parts) < 2 || parts[0] != "v1":
		return "other"
	case len(parts) == 2 && (parts[1] == "sessions" || parts[1] == "batches" || parts[1] == "uploads"):
		return "/v1/" + parts[1]
	case parts[1] != "sessions" || len(parts) < 3:
		return "other"
	}

	label := "/v1/sessions/{id}"
	rest := parts[3:]
	switch {
	case len(rest) == 0:
		return label
	case len(rest) == 1 && (rest[0] == "images" || rest[0] == "process" || rest[0] == "reset"):
		return label + "/" + rest[0]
	case len(rest) == 2 && rest[0] == "images":
		return label + "/images/{imageID}"
	case len(rest) == 3 && rest[0] == "images" && (rest[2] == "original" || rest[2] == "download"):
		return label + "/images/{imageID}/" + rest[2]
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
