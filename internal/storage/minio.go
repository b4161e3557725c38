package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MinioBlobStore keeps blobs in an S3-compatible bucket
type MinioBlobStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinioBlobStore connects to MinIO and creates the bucket if it does not exist
func NewMinioBlobStore(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioBlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		logrus.WithField("bucket", bucketName).Info("Creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioBlobStore{client: client, bucketName: bucketName}, nil
}

// PutBlob uploads data under a new object key and returns the key
func (ms *MinioBlobStore) PutBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := newBlobRef()
	ctx, span := tracer.Start(ctx, "minio.put_blob",
		trace.WithAttributes(
			attribute.String("blob_ref", ref),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := ms.client.PutObject(ctx, ms.bucketName, ref, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}
	return ref, nil
}

// GetBlob downloads a blob
func (ms *MinioBlobStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "minio.get_blob",
		trace.WithAttributes(attribute.String("blob_ref", ref)),
	)
	defer span.End()

	object, err := ms.client.GetObject(ctx, ms.bucketName, ref, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, ms.translate(ref, err)
	}
	defer object.Close()

	// GetObject is lazy; a missing key only surfaces on the first read.
	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		return nil, ms.translate(ref, err)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

// DeleteBlob removes a blob. Removing a missing key is not an error in S3.
func (ms *MinioBlobStore) DeleteBlob(ctx context.Context, ref string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_blob",
		trace.WithAttributes(attribute.String("blob_ref", ref)),
	)
	defer span.End()

	err := ms.client.RemoveObject(ctx, ms.bucketName, ref, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		span.RecordError(err)
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (ms *MinioBlobStore) translate(ref string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return notFound("blob", ref)
	}
	return fmt.Errorf("failed to read blob: %w", err)
}
