package domain

import "errors"

var (
	// ErrDecode marks source bytes that could not be loaded as an image.
	ErrDecode = errors.New("decode failed")
	// ErrConversion marks a failed encode into the requested target format.
	ErrConversion = errors.New("conversion to selected format failed")

	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// FailureHint is the inline guidance shown next to failed or ineffective records.
const FailureHint = "Try changing the format or quality for better results."
