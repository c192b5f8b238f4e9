package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotConfigured is returned by handlers when no bucket has been configured.
var ErrNotConfigured = errors.New("object storage is not configured")

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// Service stores listing images and identity documents in remote object storage.
// Keys are relative to the configured key prefix.
type Service interface {
	UploadObject(ctx context.Context, key string, body io.Reader, contentType string) error
	PresignGetURL(ctx context.Context, key string, expires time.Duration) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) error
}
