package store

import (
	"errors"
	"time"

	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dunamismax/imgcompress/internal/pipeline"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrImageNotFound   = errors.New("image not found")
	ErrSessionBusy     = errors.New("session is already processing")
	// ErrStaleRun is returned for results of a run that was superseded by a
	// reset, a delete, or removal of the record.
	ErrStaleRun = errors.New("run was superseded")
)

// Session is a point-in-time copy; mutating it does not touch the store.
type Session struct {
	ID          string                   `json:"id"`
	Records     []domain.ImageRecord     `json:"records"`
	Processing  bool                     `json:"processing"`
	Progress    pipeline.Progress        `json:"progress"`
	Config      *domain.ProcessingConfig `json:"config,omitempty"`
	LastSummary *pipeline.Summary        `json:"last_summary,omitempty"`
	Generation  uint64                   `json:"-"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// Run is handed to the batch that BeginRun admitted. Records are private
// copies owned by that batch.
type Run struct {
	SessionID  string
	Generation uint64
	Records    []*domain.ImageRecord
}

type SessionStore interface {
	Create() Session
	Get(id string) (Session, error)
	Delete(id string) error
	Reset(id string) error
	AddImages(id string, records ...*domain.ImageRecord) error
	RemoveImage(id, imageID string) error
	Image(id, imageID string) (domain.ImageRecord, error)

	BeginRun(id string, cfg domain.ProcessingConfig) (Run, error)
	UpdateRecordProgress(run Run, imageID string, percent int) error
	CommitRecord(run Run, record domain.ImageRecord) error
	UpdateProgress(run Run, progress pipeline.Progress) error
	FinishRun(run Run, summary pipeline.Summary) error
}
