package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Mode string

const (
	ModeCompress Mode = "compress"
	ModeConvert  Mode = "convert"
)

const (
	DefaultQualityPercent = 80
	DefaultMaxSizeMB      = 1.0

	// MaxResizeDimension bounds each requested output edge.
	MaxResizeDimension = 16384
	// MaxSurfacePixels bounds any decoded or resized working surface
	// (about 256 MiB as NRGBA).
	MaxSurfacePixels = 64 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ProcessingConfig is shared by every record of a batch run and is never
// mutated while the run is in flight.
type ProcessingConfig struct {
	Mode                Mode    `json:"mode,omitempty" validate:"omitempty,oneof=compress convert"`
	TargetFormat        Format  `json:"target_format" validate:"required"`
	QualityPercent      int     `json:"quality" validate:"min=1,max=100"`
	ResizeWidth         int     `json:"resize_width,omitempty" validate:"gte=0,lte=16384"`
	ResizeHeight        int     `json:"resize_height,omitempty" validate:"gte=0,lte=16384"`
	MaintainAspectRatio bool    `json:"maintain_aspect_ratio"`
	AdvancedSettings    bool    `json:"advanced_settings"`
	MaxSizeMB           float64 `json:"max_size_mb,omitempty" validate:"gte=0"`
}

func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		Mode:                ModeCompress,
		TargetFormat:        FormatJPEG,
		QualityPercent:      DefaultQualityPercent,
		MaintainAspectRatio: true,
		MaxSizeMB:           DefaultMaxSizeMB,
	}
}

func (c ProcessingConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid processing config: %w", err)
	}
	if _, err := ParseFormat(string(c.TargetFormat)); err != nil {
		return fmt.Errorf("invalid processing config: %w", err)
	}
	return nil
}

// Normalized returns a copy with the format canonicalized and unset optional
// fields filled from defaults. Callers are expected to Validate first.
func (c ProcessingConfig) Normalized() ProcessingConfig {
	if f, err := ParseFormat(string(c.TargetFormat)); err == nil {
		c.TargetFormat = f
	}
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = ModeCompress
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = DefaultMaxSizeMB
	}
	return c
}

func (c ProcessingConfig) QualityFraction() float64 {
	return float64(c.QualityPercent) / 100
}

// EffectiveMaxSizeMB is the ceiling handed to the reduction step. The custom
// ceiling only applies with advanced settings on.
func (c ProcessingConfig) EffectiveMaxSizeMB() float64 {
	if c.AdvancedSettings && c.MaxSizeMB > 0 {
		return c.MaxSizeMB
	}
	return DefaultMaxSizeMB
}

// MaxWidthOrHeight is zero when no edge ceiling applies.
func (c ProcessingConfig) MaxWidthOrHeight() int {
	if !c.AdvancedSettings {
		return 0
	}
	if c.ResizeWidth > c.ResizeHeight {
		return c.ResizeWidth
	}
	return c.ResizeHeight
}

func (c ProcessingConfig) ResizeEnabled() bool {
	return c.AdvancedSettings && (c.ResizeWidth > 0 || c.ResizeHeight > 0)
}

// ConvertQuality is the fixed encode quality used by convert mode.
func (c ProcessingConfig) ConvertQuality() float64 {
	if c.TargetFormat == FormatJPEG {
		return 0.6
	}
	return 0.8
}
