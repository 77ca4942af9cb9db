package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dunamismax/imgcompress/internal/blob"
	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dunamismax/imgcompress/internal/pipeline"
	"github.com/dunamismax/imgcompress/internal/queue"
	"github.com/dunamismax/imgcompress/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Server struct {
	logger                *zap.Logger
	sessions              store.SessionStore
	blobs                 *blob.Registry
	orchestrator          *pipeline.Orchestrator
	queueClient           queueEnqueuer
	storage               objectStorage
	presignTTL            time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	maxUploadBytes        int64
	maxFileBytes          int64
	softSizeLimit         int64
	siteName              string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
	runs                  sync.WaitGroup
}

type queueEnqueuer interface {
	EnqueueProcessBatch(ctx context.Context, payload queue.ProcessBatchPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedUploadURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectSize(ctx context.Context, objectKey string) (int64, error)
}

// Options carries the optional collaborators. A nil QueueClient disables
// /v1/batches and a nil Storage disables object-store sources.
type Options struct {
	Sessions              store.SessionStore
	Blobs                 *blob.Registry
	QueueClient           queueEnqueuer
	Storage               objectStorage
	PresignTTL            time.Duration
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	// MaxUploadBytes caps a whole multipart request; MaxFileBytes caps each
	// file in it. Files over MaxFileBytes are rejected individually.
	MaxUploadBytes        int64
	MaxFileBytes          int64
	SoftSizeLimit         int64
	SiteName              string
}

func NewServer(logger *zap.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Blobs == nil {
		return nil, errors.New("blob registry is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 64 << 20
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}

	processor, err := pipeline.NewBlobProcessor(opts.Blobs)
	if err != nil {
		return nil, fmt.Errorf("initialize blob processor: %w", err)
	}

	s := &Server{
		logger:                logger,
		sessions:              opts.Sessions,
		blobs:                 opts.Blobs,
		orchestrator:          pipeline.NewOrchestrator(processor, logger),
		queueClient:           opts.QueueClient,
		storage:               opts.Storage,
		presignTTL:            opts.PresignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		maxUploadBytes:        opts.MaxUploadBytes,
		maxFileBytes:          opts.MaxFileBytes,
		softSizeLimit:         opts.SoftSizeLimit,
		siteName:              opts.SiteName,
		metrics:               newMetrics(opts.Blobs),
		tracer:                otel.Tracer("imgcompress/api"),
		mux:                   http.NewServeMux(),
	}
	if s.rateLimitUserIDHeader == "" {
		s.rateLimitUserIDHeader = "X-User-ID"
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedUploadURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errObjectStorageUnavailable
}

func (unavailableObjectStorage) ObjectSize(_ context.Context, _ string) (int64, error) {
	return 0, errObjectStorageUnavailable
}

var errObjectStorageUnavailable = errors.New("object storage is unavailable")

// Handler applies tracing, then metrics, then rate limiting around the routes.
func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

// Wait blocks until every session batch started by this server has settled.
func (s *Server) Wait() {
	s.runs.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleResetSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/images", s.handleUploadImages)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}/images/{imageID}", s.handleRemoveImage)
	s.mux.HandleFunc("GET /v1/sessions/{id}/images/{imageID}/original", s.handleOriginal)
	s.mux.HandleFunc("GET /v1/sessions/{id}/images/{imageID}/download", s.handleDownload)
	s.mux.HandleFunc("POST /v1/sessions/{id}/process", s.handleProcess)

	s.mux.HandleFunc("POST /v1/uploads", s.handleCreateUpload)
	s.mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"encoder": pipeline.EncoderName(),
	})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrImageNotFound):
		writeError(w, http.StatusNotFound, "image not found")
	case errors.Is(err, store.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session is already processing")
	default:
		s.logger.Error("session store failure", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// failureHint is attached to records that produced no usable output.
func failureHint(rec domain.ImageRecord) string {
	switch rec.State {
	case domain.RecordFailed, domain.RecordIneffective:
		return domain.FailureHint
	default:
		return ""
	}
}
