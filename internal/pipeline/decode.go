package pipeline

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func decodeImage(input []byte) (image.Image, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: empty input", domain.ErrDecode)
	}

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(input)); err == nil && surfaceTooLarge(cfg.Width, cfg.Height) {
		return nil, fmt.Errorf("%w: %dx%d source exceeds %d pixels", domain.ErrDecode, cfg.Width, cfg.Height, domain.MaxSurfacePixels)
	}

	img, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: source image has invalid dimensions", domain.ErrDecode)
	}
	return img, nil
}

// sniffFormat identifies input by content rather than by filename.
func sniffFormat(input []byte) (domain.Format, bool) {
	return domain.FormatFromMIME(mimetype.Detect(input).String())
}
