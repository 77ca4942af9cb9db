package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dunamismax/imgcompress/internal/id"
	"github.com/dunamismax/imgcompress/internal/pipeline"
	"github.com/dunamismax/imgcompress/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const multipartMemory = 32 << 20

type recordView struct {
	domain.ImageRecord
	BytesSaved   int64  `json:"bytes_saved"`
	DownloadName string `json:"download_name,omitempty"`
	Hint         string `json:"hint,omitempty"`
}

type sessionView struct {
	store.Session
	Records     []recordView `json:"records"`
	Percent     float64      `json:"percent"`
	SummaryText string       `json:"summary_text,omitempty"`
}

func (s *Server) viewSession(sess store.Session) sessionView {
	view := sessionView{
		Session: sess,
		Records: make([]recordView, len(sess.Records)),
		Percent: sess.Progress.Percent(),
	}
	for i, rec := range sess.Records {
		view.Records[i] = s.viewRecord(sess, rec)
	}
	if sess.LastSummary != nil {
		view.SummaryText = sess.LastSummary.String()
	}
	return view
}

func (s *Server) viewRecord(sess store.Session, rec domain.ImageRecord) recordView {
	view := recordView{
		ImageRecord: rec,
		BytesSaved:  rec.BytesSaved(),
		Hint:        failureHint(rec),
	}
	if rec.Processed != "" && sess.Config != nil {
		view.DownloadName = domain.DownloadName(s.siteName, rec.Name, sess.Config.Normalized().TargetFormat)
	}
	return view
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.sessions.Create()
	s.logger.Info("session created", zap.String("session_id", sess.ID))
	writeJSON(w, http.StatusCreated, s.viewSession(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewSession(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.sessions.Reset(sessionID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewSession(sess))
}

type rejectedUpload struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type uploadResponse struct {
	Images   []domain.ImageRecord `json:"images"`
	Rejected []rejectedUpload     `json:"rejected,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
}

func (s *Server) handleUploadImages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.sessions.Get(sessionID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %s", humanize.IBytes(uint64(s.maxUploadBytes))))
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with files")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, `no files in form field "files"`)
		return
	}

	var (
		resp    uploadResponse
		records []*domain.ImageRecord
	)
	for _, header := range headers {
		if header.Size > s.maxFileBytes {
			resp.Rejected = append(resp.Rejected, rejectedUpload{
				Name:   header.Filename,
				Reason: fmt.Sprintf("file is %s, above the %s per-file limit",
					humanize.IBytes(uint64(header.Size)),
					humanize.IBytes(uint64(s.maxFileBytes)),
				),
			})
			s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		data, err := readUpload(header)
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedUpload{Name: header.Filename, Reason: err.Error()})
			continue
		}

		mime := mimetype.Detect(data)
		if _, ok := domain.FormatFromMIME(mime.String()); !ok {
			resp.Rejected = append(resp.Rejected, rejectedUpload{
				Name:   header.Filename,
				Reason: fmt.Sprintf("unsupported content type %s", mime.String()),
			})
			s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		if s.softSizeLimit > 0 && int64(len(data)) > s.softSizeLimit {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf(
				"%s is %s, above the recommended %s",
				header.Filename,
				humanize.IBytes(uint64(len(data))),
				humanize.IBytes(uint64(s.softSizeLimit)),
			))
		}

		ref := s.blobs.Put(data, mime.String())
		records = append(records, domain.NewImageRecord(id.WithPrefix(id.PrefixImage), header.Filename, ref, int64(len(data))))
		s.metrics.uploadsTotal.WithLabelValues("accepted").Inc()
	}

	if len(records) > 0 {
		if err := s.sessions.AddImages(sessionID, records...); err != nil {
			for _, rec := range records {
				s.blobs.Revoke(rec.Original)
			}
			s.writeStoreError(w, err)
			return
		}
	}

	resp.Images = make([]domain.ImageRecord, len(records))
	for i, rec := range records {
		resp.Images[i] = *rec
	}

	status := http.StatusCreated
	if len(records) == 0 {
		status = http.StatusUnsupportedMediaType
	}
	writeJSON(w, status, resp)
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty file")
	}
	return data, nil
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.RemoveImage(r.PathValue("id"), r.PathValue("imageID")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOriginal(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Image(r.PathValue("id"), r.PathValue("imageID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.serveBlob(w, rec.Original, "")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	imageID := r.PathValue("imageID")
	for _, rec := range sess.Records {
		if rec.ID != imageID {
			continue
		}
		if rec.Processed == "" || sess.Config == nil {
			writeError(w, http.StatusNotFound, "no processed output for this image")
			return
		}
		s.serveBlob(w, rec.Processed, s.viewRecord(sess, rec).DownloadName)
		return
	}
	writeError(w, http.StatusNotFound, "image not found")
}

func (s *Server) serveBlob(w http.ResponseWriter, ref, downloadName string) {
	b, err := s.blobs.Get(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, "image data is no longer available")
		return
	}

	w.Header().Set("Content-Type", b.MIME)
	w.Header().Set("Content-Length", strconv.FormatInt(b.Size(), 10))
	if downloadName != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Data)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	cfg := domain.DefaultProcessingConfig()
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg = cfg.Normalized()

	run, err := s.sessions.BeginRun(r.PathValue("id"), cfg)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.runs.Add(1)
	go s.runSession(run, cfg)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id":    run.SessionID,
		"status":        domain.BatchStatusProcessing,
		"total":         len(run.Records),
		"mode":          cfg.Mode,
		"target_format": cfg.TargetFormat,
	})
}

// runSession outlives the request that started it; stale results are
// dropped by the store.
func (s *Server) runSession(run store.Run, cfg domain.ProcessingConfig) {
	defer s.runs.Done()

	ctx, span := s.tracer.Start(context.Background(), "api.session_batch")
	span.SetAttributes(
		attribute.String("session.id", run.SessionID),
		attribute.Int("batch.images", len(run.Records)),
		attribute.String("batch.mode", string(cfg.Mode)),
	)
	defer span.End()

	s.metrics.activeBatches.Inc()
	defer s.metrics.activeBatches.Dec()

	summary := s.orchestrator.Run(ctx, run.Records, cfg, pipeline.RunOptions{
		BatchID: run.SessionID,
		OnRecord: func(_ int, rec domain.ImageRecord) {
			if err := s.sessions.CommitRecord(run, rec); err != nil {
				s.logger.Debug("discarded record result",
					zap.String("session_id", run.SessionID),
					zap.String("image_id", rec.ID),
					zap.Error(err),
				)
			}
		},
		OnProgress: func(p pipeline.Progress) {
			_ = s.sessions.UpdateProgress(run, p)
		},
		OnRecordProgress: func(index, percent int) {
			_ = s.sessions.UpdateRecordProgress(run, run.Records[index].ID, percent)
		},
	})
	s.metrics.recordSummary(string(cfg.Mode), summary)

	if err := s.sessions.FinishRun(run, summary); err != nil {
		span.SetStatus(codes.Error, "run superseded")
		s.logger.Info("session batch superseded",
			zap.String("session_id", run.SessionID),
			zap.Error(err),
		)
		return
	}
	span.SetStatus(codes.Ok, "processed")
}
