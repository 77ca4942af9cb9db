//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/imgcompress/internal/domain"
)

type govipsConverter struct{}

func (govipsConverter) Supports(format domain.Format) bool {
	switch format {
	case domain.FormatJPEG, domain.FormatPNG, domain.FormatWebP, domain.FormatGIF,
		domain.FormatTIFF, domain.FormatAVIF, domain.FormatHEIC:
		return true
	default:
		return false
	}
}

func (c govipsConverter) Convert(ctx context.Context, input []byte, req ConvertRequest) (Encoded, error) {
	select {
	case <-ctx.Done():
		return Encoded{}, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	defer img.Close()

	if err := img.AutoRotate(); err != nil {
		return Encoded{}, fmt.Errorf("%w: auto-rotate: %v", domain.ErrDecode, err)
	}

	if err := applyGovipsResize(img, req.Resize); err != nil {
		return Encoded{}, err
	}

	data, err := exportGovipsImage(img, req.Format, qualityPercent(req.Quality))
	if err != nil {
		return Encoded{}, err
	}

	return Encoded{
		Data:   data,
		Format: req.Format,
		Width:  img.Width(),
		Height: img.Height(),
	}, nil
}

func applyGovipsResize(img *vips.ImageRef, req ResizeRequest) error {
	srcW, srcH := img.Width(), img.Height()
	if srcW <= 0 || srcH <= 0 {
		return fmt.Errorf("%w: source image has invalid dimensions", domain.ErrDecode)
	}

	width, height := req.Dimensions(srcW, srcH)
	if surfaceTooLarge(width, height) {
		return fmt.Errorf("%w: %dx%d surface exceeds %d pixels", domain.ErrConversion, width, height, domain.MaxSurfacePixels)
	}
	if width == srcW && height == srcH {
		return nil
	}

	hScale := float64(width) / float64(srcW)
	vScale := float64(height) / float64(srcH)
	if err := img.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("%w: resize image: %v", domain.ErrConversion, err)
	}
	return nil
}

func exportGovipsImage(img *vips.ImageRef, format domain.Format, quality int) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = quality
		data, _, err = img.ExportJpeg(params)
	case domain.FormatPNG:
		data, _, err = img.ExportPng(vips.NewPngExportParams())
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = quality
		data, _, err = img.ExportWebp(params)
	case domain.FormatGIF:
		data, _, err = img.ExportGIF(vips.NewGifExportParams())
	case domain.FormatTIFF:
		data, _, err = img.ExportTiff(vips.NewTiffExportParams())
	case domain.FormatAVIF:
		params := vips.NewAvifExportParams()
		params.Quality = quality
		data, _, err = img.ExportAvif(params)
	case domain.FormatHEIC:
		params := vips.NewHeifExportParams()
		params.Quality = quality
		data, _, err = img.ExportHeif(params)
	default:
		return nil, fmt.Errorf("%w: %s export is not supported by libvips", domain.ErrConversion, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", domain.ErrConversion, format, err)
	}
	return data, nil
}
