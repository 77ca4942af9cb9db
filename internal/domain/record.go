package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

type RecordState string

const (
	RecordUnprocessed RecordState = "unprocessed"
	RecordProcessing  RecordState = "processing"
	RecordSucceeded   RecordState = "succeeded"
	RecordIneffective RecordState = "ineffective"
	RecordFailed      RecordState = "failed"
)

// SizeNotEffective is stored in ProcessedSize when a record completed without
// a usable output, either because the guard rejected it or because it failed.
const SizeNotEffective int64 = -1

type ImageRecord struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Original      string      `json:"original"`
	Processed     string      `json:"processed,omitempty"`
	OriginalSize  int64       `json:"original_size"`
	ProcessedSize int64       `json:"processed_size"`
	Width         int         `json:"width,omitempty"`
	Height        int         `json:"height,omitempty"`
	State         RecordState `json:"state"`
	Progress      int         `json:"progress"`
	Error         string      `json:"error,omitempty"`
}

func NewImageRecord(id, name, original string, size int64) *ImageRecord {
	return &ImageRecord{
		ID:           id,
		Name:         name,
		Original:     original,
		OriginalSize: size,
		State:        RecordUnprocessed,
	}
}

// Validate checks that Processed is present exactly when ProcessedSize is positive.
func (r ImageRecord) Validate() error {
	hasOutput := strings.TrimSpace(r.Processed) != ""
	if hasOutput && r.ProcessedSize <= 0 {
		return fmt.Errorf("record %s: processed output present with size %d", r.ID, r.ProcessedSize)
	}
	if !hasOutput && r.ProcessedSize > 0 {
		return fmt.Errorf("record %s: size %d recorded without processed output", r.ID, r.ProcessedSize)
	}
	if r.ProcessedSize < SizeNotEffective {
		return fmt.Errorf("record %s: invalid processed size %d", r.ID, r.ProcessedSize)
	}
	return nil
}

func (r *ImageRecord) MarkProcessing() {
	r.State = RecordProcessing
	r.Progress = 0
	r.Error = ""
}

func (r *ImageRecord) MarkSucceeded(ref string, size int64, width, height int) {
	r.Processed = ref
	r.ProcessedSize = size
	r.Width = width
	r.Height = height
	r.State = RecordSucceeded
	r.Progress = 100
	r.Error = ""
}

func (r *ImageRecord) MarkIneffective() {
	r.Processed = ""
	r.ProcessedSize = SizeNotEffective
	r.State = RecordIneffective
	r.Progress = 100
	r.Error = ""
}

func (r *ImageRecord) MarkFailed(err error) {
	r.Processed = ""
	r.ProcessedSize = SizeNotEffective
	r.State = RecordFailed
	r.Progress = 100
	if err == nil {
		err = errors.New("processing failed")
	}
	r.Error = err.Error()
}

// Reset returns the record to the unprocessed state and hands back the
// previous output reference so the caller can release it.
func (r *ImageRecord) Reset() (released string) {
	released = r.Processed
	r.Processed = ""
	r.ProcessedSize = 0
	r.Width = 0
	r.Height = 0
	r.State = RecordUnprocessed
	r.Progress = 0
	r.Error = ""
	return released
}

// Settled reports whether processing has reached a terminal state.
func (r ImageRecord) Settled() bool {
	switch r.State {
	case RecordSucceeded, RecordIneffective, RecordFailed:
		return true
	default:
		return false
	}
}

func (r ImageRecord) BytesSaved() int64 {
	if r.ProcessedSize <= 0 || r.ProcessedSize >= r.OriginalSize {
		return 0
	}
	return r.OriginalSize - r.ProcessedSize
}

// DownloadName builds "<site>-<base>.<format>" where base is the uploaded
// filename up to its first dot, so "photo.v2.png" becomes "photo".
func DownloadName(siteName, originalName string, format Format) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(originalName), "\\", "/"))
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if base == "" || base == "/" {
		base = "image"
	}
	site := strings.TrimSpace(siteName)
	if site == "" {
		return fmt.Sprintf("%s.%s", base, format)
	}
	return fmt.Sprintf("%s-%s.%s", site, base, format)
}
