package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/imgcompress/internal/config"
	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dunamismax/imgcompress/internal/pipeline"
	"github.com/dunamismax/imgcompress/internal/queue"
	"github.com/dunamismax/imgcompress/internal/storage"
	"github.com/dunamismax/imgcompress/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const downloadURLExpiry = 24 * time.Hour

type Server struct {
	logger        *zap.Logger
	server        *asynq.Server
	sem           chan struct{}
	orchestrators map[string]*pipeline.Orchestrator
	storage       *storage.Client
	webhookClient webhookSender
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint string, event webhook.Event, data any) error
}

// ImageReport is one record of a batch.completed webhook.
type ImageReport struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Source        string             `json:"source"`
	State         domain.RecordState `json:"state"`
	Output        string             `json:"output,omitempty"`
	DownloadURL   string             `json:"download_url,omitempty"`
	OriginalSize  int64              `json:"original_size"`
	ProcessedSize int64              `json:"processed_size"`
	Width         int                `json:"width,omitempty"`
	Height        int                `json:"height,omitempty"`
	Error         string             `json:"error,omitempty"`
}

type BatchReport struct {
	BatchID     string           `json:"batch_id"`
	Status      string           `json:"status"`
	SourceType  string           `json:"source_type"`
	Encoder     string           `json:"encoder"`
	RequestedAt time.Time        `json:"requested_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Summary     pipeline.Summary `json:"summary"`
	SummaryText string           `json:"summary_text"`
	Images      []ImageReport    `json:"images"`
}

// NewServer wires the asynq consumer. storageClient may be nil, in which case
// object-store batches are rejected without retry.
func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processingCfg config.ProcessingConfig,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, processingCfg.SiteName)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	orchestrators := map[string]*pipeline.Orchestrator{
		domain.SourceTypeLocalFile: pipeline.NewOrchestrator(localProcessor, logger),
	}
	if storageClient != nil {
		objectProcessor, err := pipeline.NewObjectStoreProcessor(storageClient, "outputs", processingCfg.SiteName)
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
		orchestrators[domain.SourceTypeObjectStore] = pipeline.NewOrchestrator(objectProcessor, logger)
	}

	var sender webhookSender
	if webhookClient != nil {
		sender = webhookClient
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		orchestrators: orchestrators,
		storage:       storageClient,
		webhookClient: sender,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("imgcompress/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessBatch, s.handleProcessBatch)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessBatch(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := domain.BatchStatusFailed

	payload, err := queue.ParseProcessBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.process_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("batch.id", payload.BatchID),
		attribute.String("batch.source_type", payload.SourceType),
		attribute.Int("batch.images", len(payload.Images)),
		attribute.String("batch.target_format", string(payload.Config.TargetFormat)),
	)
	defer span.End()
	defer func() {
		s.metrics.batchDuration.WithLabelValues(payload.SourceType, status).Observe(time.Since(startedAt).Seconds())
		s.metrics.batchesTotal.WithLabelValues(payload.SourceType, status).Inc()
	}()

	request := domain.CreateBatchRequest{
		SourceType: payload.SourceType,
		WebhookURL: payload.WebhookURL,
		Images:     payload.Images,
		Config:     payload.Config,
	}
	if err := request.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid batch")
		return fmt.Errorf("validate batch: %v: %w", err, asynq.SkipRetry)
	}

	orch, ok := s.orchestrators[strings.ToLower(strings.TrimSpace(payload.SourceType))]
	if !ok {
		span.SetStatus(codes.Error, "source unavailable")
		return fmt.Errorf("source type %s is not configured on this worker: %w", payload.SourceType, asynq.SkipRetry)
	}

	s.sem <- struct{}{}
	s.metrics.activeBatches.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeBatches.Dec()
	}()

	s.logger.Info("processing batch",
		zap.String("batch_id", payload.BatchID),
		zap.String("source_type", payload.SourceType),
		zap.Int("images", len(payload.Images)),
		zap.String("target_format", string(payload.Config.TargetFormat)),
	)

	records := buildRecords(payload)
	cfg := payload.Config.Normalized()
	summary := orch.Run(ctx, records, cfg, pipeline.RunOptions{BatchID: payload.BatchID})
	s.metrics.recordSummary(string(cfg.Mode), summary, summary.Duration)
	span.SetAttributes(
		attribute.Int("batch.succeeded", summary.Succeeded),
		attribute.Int("batch.ineffective", summary.Ineffective),
		attribute.Int("batch.failed", summary.Failed),
	)

	s.logger.Info(summary.String(), zap.String("batch_id", payload.BatchID))

	report := BatchReport{
		BatchID:     payload.BatchID,
		Status:      domain.BatchStatusCompleted,
		SourceType:  payload.SourceType,
		Encoder:     pipeline.EncoderName(),
		RequestedAt: payload.RequestedAt,
		CompletedAt: time.Now().UTC(),
		Summary:     summary,
		SummaryText: summary.String(),
		Images:      s.imageReports(ctx, payload.SourceType, records),
	}
	if err := s.dispatchWebhook(ctx, payload, webhook.EventBatchCompleted, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	status = domain.BatchStatusCompleted
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// buildRecords derives record ids from the batch id so a retried task writes
// to the same output keys.
func buildRecords(payload queue.ProcessBatchPayload) []*domain.ImageRecord {
	records := make([]*domain.ImageRecord, len(payload.Images))
	for i, img := range payload.Images {
		records[i] = domain.NewImageRecord(
			fmt.Sprintf("%s-%03d", payload.BatchID, i),
			img.DisplayName(),
			img.ObjectKey,
			img.Size,
		)
	}
	return records
}

func (s *Server) imageReports(ctx context.Context, sourceType string, records []*domain.ImageRecord) []ImageReport {
	reports := make([]ImageReport, len(records))
	for i, rec := range records {
		reports[i] = ImageReport{
			ID:            rec.ID,
			Name:          rec.Name,
			Source:        rec.Original,
			State:         rec.State,
			Output:        rec.Processed,
			OriginalSize:  rec.OriginalSize,
			ProcessedSize: rec.ProcessedSize,
			Width:         rec.Width,
			Height:        rec.Height,
			Error:         rec.Error,
		}
		if rec.Processed == "" || sourceType != domain.SourceTypeObjectStore || s.storage == nil {
			continue
		}
		downloadURL, err := s.storage.PresignedDownloadURL(ctx, rec.Processed, path.Base(rec.Processed), downloadURLExpiry)
		if err != nil {
			s.logger.Warn("presign download failed", zap.String("image_id", rec.ID), zap.Error(err))
			continue
		}
		reports[i].DownloadURL = downloadURL
	}
	return reports
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ProcessBatchPayload, event webhook.Event, body any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Warn("webhook delivery failed",
			zap.String("batch_id", payload.BatchID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
		if errors.Is(err, webhook.ErrRejected) {
			// Reprocessing the batch cannot change the receiver's answer.
			return fmt.Errorf("dispatch webhook: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}
