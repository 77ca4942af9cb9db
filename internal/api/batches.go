package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dunamismax/imgcompress/internal/id"
	"github.com/dunamismax/imgcompress/internal/queue"
	"github.com/dunamismax/imgcompress/internal/storage"
	"go.uber.org/zap"
)

type createUploadRequest struct {
	Name string `json:"name"`
}

// handleCreateUpload hands out a presigned PUT for one source image of a
// later object-store batch.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := path.Base(strings.ReplaceAll(strings.TrimSpace(req.Name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	objectKey := path.Join("uploads", id.New(), name)
	url, err := s.storage.PresignedUploadURL(r.Context(), objectKey, s.presignTTL)
	if err != nil {
		if errors.Is(err, errObjectStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("generate presigned url failed", zap.String("object_key", objectKey), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"object_key":        objectKey,
		"presigned_put_url": url,
		"expires_at":        time.Now().UTC().Add(s.presignTTL),
	})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeError(w, http.StatusServiceUnavailable, "batch queue is not configured")
		return
	}

	var req domain.CreateBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.SourceType = strings.ToLower(strings.TrimSpace(req.SourceType))
	req.Config = req.Config.Normalized()

	images, err := s.verifySources(r.Context(), req.SourceType, req.Images)
	if err != nil {
		if errors.Is(err, errObjectStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	payload := queue.ProcessBatchPayload{
		BatchID:     id.WithPrefix(id.PrefixBatch),
		SourceType:  req.SourceType,
		WebhookURL:  req.WebhookURL,
		Images:      images,
		Config:      req.Config,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueProcessBatch(r.Context(), payload)
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("batch_id", payload.BatchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	s.logger.Info("batch enqueued",
		zap.String("batch_id", payload.BatchID),
		zap.String("source_type", payload.SourceType),
		zap.Int("images", len(payload.Images)),
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":    payload.BatchID,
		"status":      domain.BatchStatusQueued,
		"images":      len(payload.Images),
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

// verifySources checks every source exists and fills in missing sizes.
func (s *Server) verifySources(ctx context.Context, sourceType string, images []domain.BatchImage) ([]domain.BatchImage, error) {
	out := make([]domain.BatchImage, len(images))
	for i, img := range images {
		img.ObjectKey = strings.TrimSpace(img.ObjectKey)

		var (
			size int64
			err  error
		)
		switch sourceType {
		case domain.SourceTypeLocalFile:
			var info os.FileInfo
			info, err = os.Stat(img.ObjectKey)
			if err == nil {
				size = info.Size()
			} else if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("source object is missing: %s", img.ObjectKey)
			}
		default:
			size, err = s.storage.ObjectSize(ctx, img.ObjectKey)
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, fmt.Errorf("source object is missing: %s", img.ObjectKey)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("source object check failed: %w", err)
		}

		if img.Size <= 0 {
			img.Size = size
		}
		out[i] = img
	}
	return out, nil
}
