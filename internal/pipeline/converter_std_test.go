//go:build !govips || !cgo

package pipeline

import (
	"context"
	"testing"

	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestStdlibConverterEncodesRequestedFormats(t *testing.T) {
	src := encodePNG(t, gradientImage(120, 80))
	conv := stdlibConverter{}

	for _, format := range []domain.Format{
		domain.FormatJPEG,
		domain.FormatPNG,
		domain.FormatWebP,
		domain.FormatGIF,
		domain.FormatBMP,
		domain.FormatTIFF,
	} {
		t.Run(string(format), func(t *testing.T) {
			out, err := conv.Convert(context.Background(), src, ConvertRequest{Format: format, Quality: 0.8})
			require.NoError(t, err)
			require.NotEmpty(t, out.Data)
			require.Equal(t, format, out.Format)
			require.Equal(t, 120, out.Width)
			require.Equal(t, 80, out.Height)

			sniffed, ok := sniffFormat(out.Data)
			require.True(t, ok)
			require.Equal(t, format, sniffed)
		})
	}
}

func TestStdlibConverterIsDeterministic(t *testing.T) {
	src := encodePNG(t, gradientImage(64, 64))
	req := ConvertRequest{Format: domain.FormatJPEG, Quality: 0.7}

	first, err := stdlibConverter{}.Convert(context.Background(), src, req)
	require.NoError(t, err)
	second, err := stdlibConverter{}.Convert(context.Background(), src, req)
	require.NoError(t, err)
	require.Equal(t, first.Data, second.Data)
}

func TestStdlibConverterResizes(t *testing.T) {
	src := encodePNG(t, gradientImage(800, 600))

	out, err := stdlibConverter{}.Convert(context.Background(), src, ConvertRequest{
		Format: domain.FormatPNG,
		Resize: ResizeRequest{Width: 400, KeepAspect: true},
	})
	require.NoError(t, err)
	require.Equal(t, 400, out.Width)
	require.Equal(t, 300, out.Height)

	bounds := decodedBounds(t, out.Data)
	require.Equal(t, 400, bounds.Dx())
	require.Equal(t, 300, bounds.Dy())
}

func TestStdlibConverterRejectsGarbage(t *testing.T) {
	_, err := stdlibConverter{}.Convert(context.Background(), []byte("not an image"), ConvertRequest{Format: domain.FormatPNG})
	require.ErrorIs(t, err, domain.ErrDecode)

	_, err = stdlibConverter{}.Convert(context.Background(), nil, ConvertRequest{Format: domain.FormatPNG})
	require.ErrorIs(t, err, domain.ErrDecode)
}

func TestStdlibConverterUnsupportedTarget(t *testing.T) {
	src := encodePNG(t, gradientImage(16, 16))

	require.False(t, stdlibConverter{}.Supports(domain.FormatAVIF))
	_, err := stdlibConverter{}.Convert(context.Background(), src, ConvertRequest{Format: domain.FormatAVIF})
	require.ErrorIs(t, err, domain.ErrConversion)
}

func TestQualityPercentDefaultsOutOfRange(t *testing.T) {
	require.Equal(t, 92, qualityPercent(0))
	require.Equal(t, 92, qualityPercent(1.5))
	require.Equal(t, 92, qualityPercent(-0.2))
	require.Equal(t, 60, qualityPercent(0.6))
	require.Equal(t, 100, qualityPercent(1))
}
