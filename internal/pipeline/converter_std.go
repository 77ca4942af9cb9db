package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/gen2brain/webp"
)

type stdlibConverter struct{}

func (stdlibConverter) Supports(format domain.Format) bool {
	switch format {
	case domain.FormatJPEG, domain.FormatPNG, domain.FormatWebP, domain.FormatGIF, domain.FormatBMP, domain.FormatTIFF:
		return true
	default:
		return false
	}
}

func (c stdlibConverter) Convert(ctx context.Context, input []byte, req ConvertRequest) (Encoded, error) {
	select {
	case <-ctx.Done():
		return Encoded{}, ctx.Err()
	default:
	}

	src, err := decodeImage(input)
	if err != nil {
		return Encoded{}, err
	}

	bounds := src.Bounds()
	width, height := req.Resize.Dimensions(bounds.Dx(), bounds.Dy())
	if surfaceTooLarge(width, height) {
		return Encoded{}, fmt.Errorf("%w: %dx%d surface exceeds %d pixels", domain.ErrConversion, width, height, domain.MaxSurfacePixels)
	}
	surface := drawSurface(src, width, height)

	data, err := encodeImage(surface, req.Format, req.Quality)
	if err != nil {
		return Encoded{}, err
	}

	return Encoded{
		Data:   data,
		Format: req.Format,
		Width:  width,
		Height: height,
	}, nil
}

// drawSurface renders src onto a fresh NRGBA surface of the requested size.
func drawSurface(src image.Image, width, height int) *image.NRGBA {
	bounds := src.Bounds()
	if width == bounds.Dx() && height == bounds.Dy() {
		return imaging.Clone(src)
	}
	return imaging.Resize(src, width, height, imaging.Lanczos)
}

func encodeImage(img image.Image, format domain.Format, quality float64) ([]byte, error) {
	var buf bytes.Buffer

	var err error
	switch format {
	case domain.FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(qualityPercent(quality)))
	case domain.FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression))
	case domain.FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF, imaging.GIFNumColors(256))
	case domain.FormatBMP:
		err = imaging.Encode(&buf, img, imaging.BMP)
	case domain.FormatTIFF:
		err = imaging.Encode(&buf, img, imaging.TIFF)
	case domain.FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: qualityPercent(quality), Method: webp.DefaultMethod})
	default:
		return nil, fmt.Errorf("%w: %s export is not supported by the pure-Go encoder", domain.ErrConversion, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", domain.ErrConversion, format, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: encode %s produced no data", domain.ErrConversion, format)
	}

	return buf.Bytes(), nil
}
