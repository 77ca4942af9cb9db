package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed) * 100 / float64(p.Total)
}

type RunOptions struct {
	BatchID string
	// OnProgress fires once per settled record, in completion order.
	OnProgress func(Progress)
	// OnRecord receives a snapshot of each record as it settles.
	OnRecord func(index int, record domain.ImageRecord)
	// OnRecordProgress relays the reduction step's progress for one record.
	OnRecordProgress func(index, percent int)
	// Release is handed any output left over from a previous run.
	Release func(ref string)
}

type Orchestrator struct {
	processor *Processor
	logger    *zap.Logger
}

func NewOrchestrator(processor *Processor, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{processor: processor, logger: logger}
}

// Run processes every record concurrently and mutates each one in place. It
// returns only after all records settle; a failing image never aborts the
// batch. Caller cancellation is ignored once the run has started, so a reset
// must discard late results itself.
func (o *Orchestrator) Run(ctx context.Context, records []*domain.ImageRecord, cfg domain.ProcessingConfig, opts RunOptions) Summary {
	startedAt := time.Now()
	ctx = context.WithoutCancel(ctx)
	cfg = cfg.Normalized()

	for _, record := range records {
		if released := record.Reset(); released != "" && opts.Release != nil {
			opts.Release(released)
		}
		record.MarkProcessing()
	}

	var (
		mu        sync.Mutex
		completed int
		group     errgroup.Group
	)
	total := len(records)

	for i, record := range records {
		group.Go(func() error {
			o.processRecord(ctx, i, record, cfg, opts)

			mu.Lock()
			defer mu.Unlock()
			completed++
			if opts.OnRecord != nil {
				opts.OnRecord(i, *record)
			}
			if opts.OnProgress != nil {
				opts.OnProgress(Progress{Completed: completed, Total: total})
			}
			return nil
		})
	}
	_ = group.Wait()

	summary := Summarize(records)
	summary.Duration = time.Since(startedAt)
	o.logger.Info("batch settled",
		zap.String("batch_id", opts.BatchID),
		zap.String("mode", string(cfg.Mode)),
		zap.String("target_format", string(cfg.TargetFormat)),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("ineffective", summary.Ineffective),
		zap.Int("failed", summary.Failed),
		zap.Int64("bytes_saved", summary.BytesSaved),
		zap.Duration("duration", summary.Duration),
	)
	return summary
}

func (o *Orchestrator) processRecord(ctx context.Context, index int, record *domain.ImageRecord, cfg domain.ProcessingConfig, opts RunOptions) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("image processing panicked",
				zap.String("batch_id", opts.BatchID),
				zap.String("image_id", record.ID),
				zap.Any("panic", r),
			)
			record.MarkFailed(fmt.Errorf("processing panicked: %v", r))
		}
	}()

	onProgress := func(percent int) {
		record.Progress = percent
		if opts.OnRecordProgress != nil {
			opts.OnRecordProgress(index, percent)
		}
	}

	out, err := o.processor.ProcessImage(ctx, *record, cfg, onProgress)
	if err != nil {
		o.logger.Warn("image processing failed",
			zap.String("batch_id", opts.BatchID),
			zap.String("image_id", record.ID),
			zap.String("name", record.Name),
			zap.Error(err),
		)
		record.MarkFailed(err)
		return
	}

	if cfg.Mode == domain.ModeCompress {
		if keep, _ := ApplyEffectivenessGuard(out.OriginalSize, out.Size()); !keep {
			o.logger.Debug("compression not effective",
				zap.String("image_id", record.ID),
				zap.Int64("original_size", out.OriginalSize),
				zap.Int64("processed_size", out.Size()),
			)
			record.MarkIneffective()
			return
		}
	}

	ref, err := o.processor.emit(ctx, opts.BatchID, *record, out.Encoded)
	if err != nil {
		o.logger.Warn("image output emit failed",
			zap.String("batch_id", opts.BatchID),
			zap.String("image_id", record.ID),
			zap.Error(err),
		)
		record.MarkFailed(err)
		return
	}

	record.OriginalSize = out.OriginalSize
	record.MarkSucceeded(ref, out.Size(), out.Width, out.Height)
}

type Summary struct {
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Ineffective     int           `json:"ineffective"`
	Failed          int           `json:"failed"`
	OriginalBytes   int64         `json:"original_bytes"`
	OutputBytes     int64         `json:"output_bytes"`
	BytesSaved      int64         `json:"bytes_saved"`
	PixelsProcessed int64         `json:"pixels_processed"`
	Duration        time.Duration `json:"duration_ns"`
}

func Summarize(records []*domain.ImageRecord) Summary {
	s := Summary{Total: len(records)}
	for _, r := range records {
		switch r.State {
		case domain.RecordSucceeded:
			s.Succeeded++
			s.OriginalBytes += r.OriginalSize
			s.OutputBytes += r.ProcessedSize
			s.BytesSaved += r.BytesSaved()
			s.PixelsProcessed += int64(r.Width) * int64(r.Height)
		case domain.RecordIneffective:
			s.Ineffective++
		case domain.RecordFailed:
			s.Failed++
		}
	}
	return s
}

func (s Summary) String() string {
	saved := "0 B"
	if s.BytesSaved > 0 {
		saved = humanize.IBytes(uint64(s.BytesSaved))
	}
	return fmt.Sprintf(
		"Batch: %d/%d succeeded, %d ineffective, %d failed | %s saved",
		s.Succeeded, s.Total, s.Ineffective, s.Failed, saved,
	)
}
