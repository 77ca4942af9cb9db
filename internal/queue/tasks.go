package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeProcessBatch = "batch:process"

type ProcessBatchPayload struct {
	BatchID     string                  `json:"batch_id"`
	SourceType  string                  `json:"source_type"`
	WebhookURL  string                  `json:"webhook_url,omitempty"`
	Images      []domain.BatchImage     `json:"images"`
	Config      domain.ProcessingConfig `json:"config"`
	RequestedAt time.Time               `json:"requested_at"`
}

func NewProcessBatchTask(payload ProcessBatchPayload) (*asynq.Task, error) {
	if len(payload.Images) == 0 {
		return nil, fmt.Errorf("batch %s has no images", payload.BatchID)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return asynq.NewTask(TypeProcessBatch, body), nil
}

func ParseProcessBatchPayload(task *asynq.Task) (ProcessBatchPayload, error) {
	var payload ProcessBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessBatchPayload{}, fmt.Errorf("unmarshal batch payload: %w", err)
	}
	return payload, nil
}
