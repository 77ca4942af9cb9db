package pipeline

import (
	"context"
	"fmt"

	"github.com/dunamismax/imgcompress/internal/domain"
)

const (
	maxReduceIterations = 10
	reduceStep          = 0.95
	bytesPerMB          = 1024 * 1024
)

type ReduceOptions struct {
	MaxSizeMB        float64
	MaxWidthOrHeight int
	InitialQuality   float64
	// OnProgress receives a percentage in [0,100], never decreasing.
	OnProgress func(percent int)
}

// Reducer shrinks an image toward a byte ceiling while keeping its format family.
type Reducer interface {
	Reduce(ctx context.Context, input []byte, opts ReduceOptions) ([]byte, error)
}

// QualityReducer re-encodes the source at the initial quality and, while the
// result is above the ceiling or larger than the source, repeatedly lowers the
// quality and shrinks the surface by 5% per pass.
type QualityReducer struct {
	converter Converter
}

func NewQualityReducer(converter Converter) *QualityReducer {
	return &QualityReducer{converter: converter}
}

func (r *QualityReducer) Reduce(ctx context.Context, input []byte, opts ReduceOptions) ([]byte, error) {
	report := func(p int) {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}
	report(0)

	maxBytes := int64(opts.MaxSizeMB * bytesPerMB)
	if maxBytes <= 0 {
		maxBytes = int64(domain.DefaultMaxSizeMB * bytesPerMB)
	}
	quality := opts.InitialQuality
	if quality <= 0 || quality > 1 {
		quality = 1
	}
	format := r.workingFormat(input)
	sourceSize := int64(len(input))

	current, err := r.converter.Convert(ctx, input, ConvertRequest{
		Format:  format,
		Quality: quality,
		Resize:  ResizeRequest{MaxEdge: opts.MaxWidthOrHeight},
	})
	if err != nil {
		return nil, err
	}
	report(10)

	if sourceSize <= maxBytes && current.Size() <= sourceSize {
		report(100)
		return current.Data, nil
	}

	for i := 0; i < maxReduceIterations; i++ {
		overCeiling := current.Size() > maxBytes
		if !overCeiling && current.Size() <= sourceSize {
			break
		}
		if !overCeiling && !format.Lossy() {
			// Neither the surface nor the quality would change.
			break
		}

		width, height := current.Width, current.Height
		if overCeiling {
			width = atLeastOne(int(float64(width) * reduceStep))
			height = atLeastOne(int(float64(height) * reduceStep))
		}
		if format.Lossy() {
			quality *= reduceStep
		}

		next, err := r.converter.Convert(ctx, input, ConvertRequest{
			Format:  format,
			Quality: quality,
			Resize:  ResizeRequest{Width: width, Height: height},
		})
		if err != nil {
			return nil, fmt.Errorf("reduce pass %d: %w", i+1, err)
		}
		current = next
		report(10 + (90*(i+1))/(maxReduceIterations+1))
	}

	report(100)
	return current.Data, nil
}

// workingFormat keeps the source's own format where the encoder can produce
// it and falls back to PNG otherwise.
func (r *QualityReducer) workingFormat(input []byte) domain.Format {
	format, ok := sniffFormat(input)
	if !ok {
		return domain.FormatPNG
	}
	switch format {
	case domain.FormatJPEG, domain.FormatPNG, domain.FormatWebP:
		if r.converter.Supports(format) {
			return format
		}
	}
	return domain.FormatPNG
}
