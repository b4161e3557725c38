package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GCSBlobStore keeps blobs in a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
}

// NewGCSBlobStore uses application default credentials.
func NewGCSBlobStore(ctx context.Context, bucketName string) (*GCSBlobStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("gcs bucket name must be provided")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: client.Bucket(bucketName)}, nil
}

func (gs *GCSBlobStore) Close() error {
	return gs.client.Close()
}

// PutBlob writes a new object. The DoesNotExist precondition guarantees a
// reference is never reused for a second blob.
func (gs *GCSBlobStore) PutBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := newBlobRef()
	ctx, span := tracer.Start(ctx, "gcs.put_blob",
		trace.WithAttributes(
			attribute.String("blob_ref", ref),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	w := gs.bucket.Object(ref).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		span.RecordError(err)
		return "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return ref, nil
}

func (gs *GCSBlobStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "gcs.get_blob",
		trace.WithAttributes(attribute.String("blob_ref", ref)),
	)
	defer span.End()

	r, err := gs.bucket.Object(ref).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, notFound("blob", ref)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", ref, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read GCS object %s: %w", ref, err)
	}
	return data, nil
}

func (gs *GCSBlobStore) DeleteBlob(ctx context.Context, ref string) error {
	ctx, span := tracer.Start(ctx, "gcs.delete_blob",
		trace.WithAttributes(attribute.String("blob_ref", ref)),
	)
	defer span.End()

	err := gs.bucket.Object(ref).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		span.RecordError(err)
		return fmt.Errorf("failed to delete GCS object %s: %w", ref, err)
	}
	return nil
}
