package domain

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatAVIF Format = "avif"
	FormatHEIC Format = "heic"
	FormatSVG  Format = "svg"
	FormatICO  Format = "ico"
	FormatEPS  Format = "eps"
	FormatPSD  Format = "psd"
)

// Formats lists every selectable target format. Whether a format can actually
// be produced depends on the encoder compiled into the binary.
var Formats = []Format{
	FormatJPEG,
	FormatWebP,
	FormatPNG,
	FormatGIF,
	FormatTIFF,
	FormatBMP,
	FormatAVIF,
	FormatHEIC,
	FormatSVG,
	FormatICO,
	FormatEPS,
	FormatPSD,
}

func ParseFormat(in string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(in))
	switch normalized {
	case "jpg":
		return FormatJPEG, nil
	case "tif":
		return FormatTIFF, nil
	case "heif":
		return FormatHEIC, nil
	}
	for _, f := range Formats {
		if string(f) == normalized {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, in)
}

func (f Format) MIME() string {
	switch f {
	case FormatSVG:
		return "image/svg+xml"
	case FormatICO:
		return "image/x-icon"
	case FormatEPS:
		return "application/postscript"
	case FormatPSD:
		return "image/vnd.adobe.photoshop"
	default:
		return "image/" + string(f)
	}
}

// Lossy reports whether the encoder honors a quality setting for f.
func (f Format) Lossy() bool {
	switch f {
	case FormatJPEG, FormatWebP, FormatAVIF, FormatHEIC:
		return true
	default:
		return false
	}
}

// FormatFromMIME maps a sniffed content type back onto the enumerated set.
func FormatFromMIME(mime string) (Format, bool) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return FormatJPEG, true
	case "image/png", "image/apng":
		return FormatPNG, true
	case "image/webp":
		return FormatWebP, true
	case "image/gif":
		return FormatGIF, true
	case "image/bmp", "image/x-ms-bmp":
		return FormatBMP, true
	case "image/tiff":
		return FormatTIFF, true
	case "image/avif":
		return FormatAVIF, true
	case "image/heic", "image/heif":
		return FormatHEIC, true
	case "image/vnd.microsoft.icon", "image/x-icon":
		return FormatICO, true
	}
	return "", false
}
