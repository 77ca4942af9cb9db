package pipeline

import (
	"math"

	"github.com/dunamismax/imgcompress/internal/domain"
)

// ResizeRequest describes the working surface. Width and Height are optional
// overrides; MaxEdge caps the longer side after the overrides are applied.
type ResizeRequest struct {
	Width      int
	Height     int
	KeepAspect bool
	MaxEdge    int
}

func (r ResizeRequest) Dimensions(srcW, srcH int) (int, int) {
	w, h := TargetDimensions(srcW, srcH, r.Width, r.Height, r.KeepAspect)
	return FitWithin(w, h, r.MaxEdge)
}

// TargetDimensions resolves the drawn size for a source image. With the aspect
// ratio locked a provided width wins and the height is derived from it;
// otherwise a provided height derives the width. Unlocked, each axis falls back
// to its source value. Derived values truncate toward zero.
func TargetDimensions(srcW, srcH, targetW, targetH int, keepAspect bool) (int, int) {
	if targetW <= 0 && targetH <= 0 {
		return srcW, srcH
	}
	if srcW <= 0 || srcH <= 0 {
		return srcW, srcH
	}

	if keepAspect {
		if targetW > 0 {
			return targetW, scaleEdge(targetW, srcH, srcW)
		}
		return scaleEdge(targetH, srcW, srcH), targetH
	}

	w, h := srcW, srcH
	if targetW > 0 {
		w = targetW
	}
	if targetH > 0 {
		h = targetH
	}
	return w, h
}

// FitWithin scales (w, h) down so neither side exceeds maxEdge. It never upscales.
func FitWithin(w, h, maxEdge int) (int, int) {
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return w, h
	}
	if w >= h {
		return maxEdge, scaleEdge(h, maxEdge, w)
	}
	return scaleEdge(w, maxEdge, h), maxEdge
}

// scaleEdge returns v*num/den truncated, computed in float64 so large inputs
// saturate at math.MaxInt32 instead of wrapping.
func scaleEdge(v, num, den int) int {
	scaled := math.Trunc(float64(v) * float64(num) / float64(den))
	if scaled >= math.MaxInt32 {
		return math.MaxInt32
	}
	return atLeastOne(int(scaled))
}

// surfaceTooLarge reports whether a w x h working surface exceeds the pixel cap.
func surfaceTooLarge(w, h int) bool {
	return float64(w)*float64(h) > domain.MaxSurfacePixels
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
