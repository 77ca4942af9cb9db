package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/hibiken/asynq"
)

func testPayload() ProcessBatchPayload {
	cfg := domain.DefaultProcessingConfig()
	cfg.TargetFormat = domain.FormatWebP
	return ProcessBatchPayload{
		BatchID:    "bat-123",
		SourceType: domain.SourceTypeObjectStore,
		Images: []domain.BatchImage{
			{Name: "cat.png", ObjectKey: "uploads/bat-123/cat.png", Size: 2048},
			{ObjectKey: "uploads/bat-123/dog.jpg"},
		},
		Config:      cfg,
		RequestedAt: time.Now().UTC(),
	}
}

func TestProcessBatchTaskRoundTrip(t *testing.T) {
	payload := testPayload()

	task, err := NewProcessBatchTask(payload)
	if err != nil {
		t.Fatalf("NewProcessBatchTask returned error: %v", err)
	}
	if task.Type() != TypeProcessBatch {
		t.Fatalf("expected task type %q, got %q", TypeProcessBatch, task.Type())
	}

	parsed, err := ParseProcessBatchPayload(task)
	if err != nil {
		t.Fatalf("ParseProcessBatchPayload returned error: %v", err)
	}

	if parsed.BatchID != payload.BatchID {
		t.Fatalf("expected batch_id %q, got %q", payload.BatchID, parsed.BatchID)
	}
	if len(parsed.Images) != 2 {
		t.Fatalf("expected two images, got %d", len(parsed.Images))
	}
	if parsed.Config.TargetFormat != domain.FormatWebP {
		t.Fatalf("expected target format webp, got %q", parsed.Config.TargetFormat)
	}
	if parsed.Images[1].DisplayName() != "dog.jpg" {
		t.Fatalf("unexpected display name %q", parsed.Images[1].DisplayName())
	}
}

func TestNewProcessBatchTaskRejectsEmptyBatch(t *testing.T) {
	if _, err := NewProcessBatchTask(ProcessBatchPayload{BatchID: "empty"}); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestParseProcessBatchPayloadRejectsGarbage(t *testing.T) {
	if _, err := ParseProcessBatchPayload(asynq.NewTask(TypeProcessBatch, []byte("{"))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestClientEnqueuesOnConfiguredQueue(t *testing.T) {
	mr := miniredis.RunT(t)

	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()}, "images")
	t.Cleanup(func() { _ = client.Close() })

	info, err := client.EnqueueProcessBatch(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if info.Queue != "images" {
		t.Fatalf("expected queue images, got %q", info.Queue)
	}
	if info.ID != "bat-123" {
		t.Fatalf("expected task id bat-123, got %q", info.ID)
	}
	if info.Type != TypeProcessBatch {
		t.Fatalf("unexpected task type %q", info.Type)
	}
	if info.Timeout != batchTimeout(2) {
		t.Fatalf("expected timeout %v, got %v", batchTimeout(2), info.Timeout)
	}
}

func TestBatchTimeoutScalesWithImages(t *testing.T) {
	if got := batchTimeout(0); got != 12*time.Minute {
		t.Fatalf("empty batch timeout = %v", got)
	}
	if got := batchTimeout(1); got != 12*time.Minute {
		t.Fatalf("single image timeout = %v", got)
	}
	if got := batchTimeout(100); got != 210*time.Minute {
		t.Fatalf("100 image timeout = %v", got)
	}
}
