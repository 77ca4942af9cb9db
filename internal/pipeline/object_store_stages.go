package pipeline

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dunamismax/imgcompress/internal/storage"
)

type ObjectStoreFetcher struct {
	Storage *storage.Client
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, record domain.ImageRecord) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	return f.Storage.ReadObject(ctx, record.Original)
}

type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
	SiteName     string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, batchID string, record domain.ImageRecord, out Encoded) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}

	objectKey := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		sanitizePathToken(batchID),
		sanitizePathToken(record.ID),
		domain.DownloadName(e.SiteName, record.Name, out.Format),
	)

	if err := e.Storage.WriteObject(ctx, objectKey, out.Data, out.MIME()); err != nil {
		return "", err
	}
	return objectKey, nil
}

func NewObjectStoreProcessor(client *storage.Client, outputPrefix, siteName string) (*Processor, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	return NewProcessor(
		ObjectStoreFetcher{Storage: client},
		ObjectStoreEmitter{Storage: client, OutputPrefix: outputPrefix, SiteName: siteName},
	)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
