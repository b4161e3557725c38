package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/labsign/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CacheTTL is the time-to-live for cached document records (5 minutes)
	CacheTTL = 5 * time.Minute

	// TombstoneTTL is how long a deleted document stays marked in the cache.
	TombstoneTTL = CacheTTL

	cacheTombstone = "deleted"
)

// RedisClient wraps Redis operations with tracing
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func documentKey(id string) string {
	return fmt.Sprintf("document:%s", id)
}

// GetDocument returns the cached record, nil on a cache miss, or ErrNotFound
// when the document was deleted
func (rc *RedisClient) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "redis.get_document",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, documentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	if string(data) == cacheTombstone {
		span.SetAttributes(
			attribute.Bool("cache_hit", true),
			attribute.String("cache_status", "deleted"),
		)
		return nil, notFound("document", id)
	}

	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return &doc, nil
}

// SetDocument caches a record for CacheTTL unless the key already holds an
// entry or a deletion marker
func (rc *RedisClient) SetDocument(ctx context.Context, doc *models.Document) error {
	ctx, span := tracer.Start(ctx, "redis.set_document",
		trace.WithAttributes(
			attribute.String("document_id", doc.ID),
			attribute.String("status", string(doc.Status)),
		),
	)
	defer span.End()

	data, err := json.Marshal(doc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	stored, err := rc.client.SetNX(ctx, documentKey(doc.ID), data, CacheTTL).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	span.SetAttributes(attribute.Bool("stored", stored))
	return nil
}

// InvalidateDocument removes a cached record
func (rc *RedisClient) InvalidateDocument(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_document",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	if err := rc.client.Del(ctx, documentKey(id)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// MarkDeleted replaces any cached record with a deletion marker
func (rc *RedisClient) MarkDeleted(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.mark_deleted",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	if err := rc.client.Set(ctx, documentKey(id), cacheTombstone, TombstoneTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark document deleted: %w", err)
	}
	return nil
}
