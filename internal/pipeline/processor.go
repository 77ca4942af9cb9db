package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/imgcompress/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher loads the bytes referenced by record.Original.
type Fetcher interface {
	Fetch(ctx context.Context, record domain.ImageRecord) ([]byte, error)
}

// Emitter stores a processed output and returns the reference recorded in
// record.Processed.
type Emitter interface {
	Emit(ctx context.Context, batchID string, record domain.ImageRecord, out Encoded) (string, error)
}

type ProcessedImage struct {
	Encoded
	OriginalSize int64
}

type Processor struct {
	fetcher   Fetcher
	reducer   Reducer
	converter Converter
	emitter   Emitter
	tracer    trace.Tracer
}

func NewProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}

	converter := newConverter()
	return &Processor{
		fetcher:   fetcher,
		reducer:   NewQualityReducer(converter),
		converter: converter,
		emitter:   emitter,
		tracer:    otel.Tracer("imgcompress/pipeline"),
	}, nil
}

func NewLocalProcessor(outputDir, siteName string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir, SiteName: siteName})
}

// ProcessImage runs fetch, size reduction and format conversion for one
// record. Convert mode skips the reduction step and uses the fixed convert
// quality. The returned error is always a per-image failure.
func (p *Processor) ProcessImage(ctx context.Context, record domain.ImageRecord, cfg domain.ProcessingConfig, onProgress func(int)) (ProcessedImage, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_image")
	span.SetAttributes(
		attribute.String("image.id", record.ID),
		attribute.String("image.target_format", string(cfg.TargetFormat)),
		attribute.String("image.mode", string(cfg.Mode)),
		attribute.Int64("image.original_size", record.OriginalSize),
	)
	defer span.End()

	out, err := p.processImage(ctx, record, cfg, onProgress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process image failed")
		return ProcessedImage{}, err
	}

	span.SetAttributes(attribute.Int64("image.processed_size", out.Size()))
	return out, nil
}

func (p *Processor) processImage(ctx context.Context, record domain.ImageRecord, cfg domain.ProcessingConfig, onProgress func(int)) (ProcessedImage, error) {
	source, err := p.fetcher.Fetch(ctx, record)
	if err != nil {
		return ProcessedImage{}, fmt.Errorf("fetch stage: %w", err)
	}

	originalSize := record.OriginalSize
	if originalSize <= 0 {
		originalSize = int64(len(source))
	}

	input := source
	quality := cfg.QualityFraction()
	if cfg.Mode == domain.ModeConvert {
		quality = cfg.ConvertQuality()
	} else {
		input, err = p.reducer.Reduce(ctx, source, ReduceOptions{
			MaxSizeMB:        cfg.EffectiveMaxSizeMB(),
			MaxWidthOrHeight: cfg.MaxWidthOrHeight(),
			InitialQuality:   quality,
			OnProgress:       onProgress,
		})
		if err != nil {
			return ProcessedImage{}, fmt.Errorf("reduce stage: %w", err)
		}
	}

	var resize ResizeRequest
	if cfg.ResizeEnabled() {
		resize = ResizeRequest{
			Width:      cfg.ResizeWidth,
			Height:     cfg.ResizeHeight,
			KeepAspect: cfg.MaintainAspectRatio,
		}
	}

	out, err := p.converter.Convert(ctx, input, ConvertRequest{
		Format:  cfg.TargetFormat,
		Quality: quality,
		Resize:  resize,
	})
	if err != nil {
		return ProcessedImage{}, fmt.Errorf("convert stage: %w", err)
	}

	return ProcessedImage{Encoded: out, OriginalSize: originalSize}, nil
}

func (p *Processor) emit(ctx context.Context, batchID string, record domain.ImageRecord, out Encoded) (string, error) {
	ref, err := p.emitter.Emit(ctx, batchID, record, out)
	if err != nil {
		return "", fmt.Errorf("emit stage: %w", err)
	}
	return ref, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, record domain.ImageRecord) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(record.Original)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", record.Original, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
	SiteName  string
}

func (e LocalFileEmitter) Emit(_ context.Context, batchID string, record domain.ImageRecord, out Encoded) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}

	dir := filepath.Join(e.OutputDir, sanitizePathToken(batchID), sanitizePathToken(record.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(dir, domain.DownloadName(e.SiteName, record.Name, out.Format))
	if err := os.WriteFile(fullPath, out.Data, 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return fullPath, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
