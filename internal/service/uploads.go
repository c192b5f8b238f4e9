package service

import (
	"context"
	"fmt"
	"html"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"agrimarket/internal/domain"
	"agrimarket/internal/storage"
)

const (
	maxImageBytes    = 5 << 20
	maxDocumentBytes = 10 << 20
)

var documentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
}

// Upload is a file received from a multipart form.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ChainSyncer queues listings for publication on the marketplace contract.
type ChainSyncer interface {
	Enqueue(ctx context.Context, listingID int64) error
}

var textPolicy = bluemonday.StrictPolicy()

// sanitizeText strips markup from user supplied free text and stores the
// result as plain text. Unescaping can surface tags that were entity encoded,
// so stripping repeats until the text stops changing.
func sanitizeText(s string) string {
	for i := 0; i < 4; i++ {
		next := html.UnescapeString(textPolicy.Sanitize(s))
		if next == s {
			return strings.TrimSpace(next)
		}
		s = next
	}
	// still changing, keep the escaped form
	return strings.TrimSpace(textPolicy.Sanitize(s))
}

func storeUpload(ctx context.Context, store storage.Service, dir string, up Upload) (string, error) {
	if store == nil {
		return "", storage.ErrNotConfigured
	}
	ext := strings.ToLower(filepath.Ext(up.Filename))
	if len(ext) > 8 {
		ext = ""
	}
	key := fmt.Sprintf("%s/%s%s", dir, uuid.NewString(), ext)
	if err := store.UploadObject(ctx, key, io.LimitReader(up.Body, up.Size), up.ContentType); err != nil {
		return "", fmt.Errorf("upload %s: %w", dir, err)
	}
	return key, nil
}

func checkUpload(up Upload, maxBytes int64, allowed func(contentType string) bool) error {
	contentType := strings.ToLower(strings.TrimSpace(strings.Split(up.ContentType, ";")[0]))
	if up.Body == nil || up.Size <= 0 {
		return domain.Invalid("file is empty")
	}
	if up.Size > maxBytes {
		return domain.Invalid("file exceeds %d MiB", maxBytes>>20)
	}
	if !allowed(contentType) {
		return domain.Invalid("content type %q is not accepted", up.ContentType)
	}
	return nil
}
