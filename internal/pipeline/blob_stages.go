package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/imgcompress/internal/blob"
	"github.com/dunamismax/imgcompress/internal/domain"
)

type BlobFetcher struct {
	Registry *blob.Registry
}

func (f BlobFetcher) Fetch(_ context.Context, record domain.ImageRecord) ([]byte, error) {
	if f.Registry == nil {
		return nil, errors.New("blob registry is required")
	}
	b, err := f.Registry.Get(record.Original)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", record.Original, err)
	}
	return b.Data, nil
}

// BlobEmitter keeps outputs in memory; the returned ref must be revoked by
// whoever discards the record.
type BlobEmitter struct {
	Registry *blob.Registry
}

func (e BlobEmitter) Emit(_ context.Context, _ string, _ domain.ImageRecord, out Encoded) (string, error) {
	if e.Registry == nil {
		return "", errors.New("blob registry is required")
	}
	return e.Registry.Put(out.Data, out.MIME()), nil
}

func NewBlobProcessor(registry *blob.Registry) (*Processor, error) {
	if registry == nil {
		return nil, errors.New("blob registry is required")
	}
	return NewProcessor(BlobFetcher{Registry: registry}, BlobEmitter{Registry: registry})
}
