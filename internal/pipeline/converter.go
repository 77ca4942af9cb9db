package pipeline

import (
	"context"
	"math"

	"github.com/dunamismax/imgcompress/internal/domain"
)

// defaultQuality mirrors the encoder default applied when a quality outside
// (0,1] is requested.
const defaultQuality = 0.92

type ConvertRequest struct {
	Format  domain.Format
	Quality float64
	Resize  ResizeRequest
}

type Encoded struct {
	Data   []byte
	Format domain.Format
	Width  int
	Height int
}

func (e Encoded) Size() int64 {
	return int64(len(e.Data))
}

func (e Encoded) MIME() string {
	return e.Format.MIME()
}

// Converter decodes input onto a private working surface sized by the resize
// request and encodes it into the requested format. Decode failures wrap
// domain.ErrDecode and encode failures wrap domain.ErrConversion.
type Converter interface {
	Convert(ctx context.Context, input []byte, req ConvertRequest) (Encoded, error)
	Supports(format domain.Format) bool
}

func qualityPercent(q float64) int {
	if q <= 0 || q > 1 || math.IsNaN(q) {
		q = defaultQuality
	}
	p := int(math.Round(q * 100))
	if p < 1 {
		p = 1
	}
	return p
}
