// Package storage holds the blob and record stores documents live in.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/maneesh/labsign/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labsign-storage")

// ErrNotFound is returned for unknown document ids and missing blobs.
var ErrNotFound = errors.New("not found")

// BlobStore keeps binary content under store-assigned references.
type BlobStore interface {
	PutBlob(ctx context.Context, data []byte, contentType string) (string, error)
	GetBlob(ctx context.Context, ref string) ([]byte, error)
	// DeleteBlob succeeds when the blob is already gone.
	DeleteBlob(ctx context.Context, ref string) error
}

// DocumentStore keeps Document records keyed by id.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	// ListDocuments returns every document, newest first.
	ListDocuments(ctx context.Context) ([]*models.Document, error)
	UpdateDocument(ctx context.Context, doc *models.Document) error
	DeleteDocument(ctx context.Context, id string) error
}

func newBlobRef() string {
	return fmt.Sprintf("blobs/%s", uuid.New().String())
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
}
