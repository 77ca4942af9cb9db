package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	BatchStatusQueued     = "queued"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeObjectStore = "object_store"
)

type CreateBatchRequest struct {
	SourceType string           `json:"source_type"`
	WebhookURL string           `json:"webhook_url,omitempty"`
	Images     []BatchImage     `json:"images"`
	Config     ProcessingConfig `json:"config"`
}

type BatchImage struct {
	Name      string `json:"name,omitempty"`
	ObjectKey string `json:"object_key"`
	Size      int64  `json:"size,omitempty"`
}

type Batch struct {
	ID          string
	Status      string
	SourceType  string
	WebhookURL  string
	Images      []BatchImage
	Config      ProcessingConfig
	RequestedAt time.Time
}

func (r CreateBatchRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeObjectStore {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if len(r.Images) == 0 {
		return errors.New("images must contain at least one entry")
	}
	for i, img := range r.Images {
		if strings.TrimSpace(img.ObjectKey) == "" {
			return fmt.Errorf("images[%d].object_key is required", i)
		}
	}
	return r.Config.Validate()
}

// DisplayName falls back to the last path segment of the object key.
func (b BatchImage) DisplayName() string {
	if name := strings.TrimSpace(b.Name); name != "" {
		return name
	}
	key := strings.TrimRight(b.ObjectKey, "/")
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}
