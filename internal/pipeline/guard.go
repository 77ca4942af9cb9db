package pipeline

import "github.com/dunamismax/imgcompress/internal/domain"

// ApplyEffectivenessGuard keeps a processed output only when it is strictly
// smaller than the original. Equal sizes count as not effective.
func ApplyEffectivenessGuard(originalSize, processedSize int64) (keep bool, size int64) {
	if processedSize >= originalSize {
		return false, domain.SizeNotEffective
	}
	return true, processedSize
}
