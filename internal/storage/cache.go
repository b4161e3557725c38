package storage

import (
	"context"
	"errors"

	"github.com/maneesh/labsign/internal/models"
	"github.com/sirupsen/logrus"
)

// DocumentCache is the record cache placed in front of a DocumentStore.
// GetDocument returns nil, nil on a miss and ErrNotFound for a deleted record.
// SetDocument never replaces an existing entry or a deletion marker.
type DocumentCache interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	SetDocument(ctx context.Context, doc *models.Document) error
	InvalidateDocument(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error
}

// CachedDocumentStore reads through a DocumentCache and invalidates it on
// every write. Cache failures are logged and never fail the call.
type CachedDocumentStore struct {
	DocumentStore
	cache DocumentCache
}

func NewCachedDocumentStore(store DocumentStore, cache DocumentCache) *CachedDocumentStore {
	return &CachedDocumentStore{DocumentStore: store, cache: cache}
}

func (cs *CachedDocumentStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := cs.cache.GetDocument(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		logrus.WithField("document_id", id).WithError(err).Warn("Cache lookup failed")
	} else if doc != nil {
		return doc, nil
	}

	doc, err = cs.DocumentStore.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := cs.cache.SetDocument(ctx, doc); err != nil {
		logrus.WithField("document_id", id).WithError(err).Warn("Failed to update cache")
	}
	return doc, nil
}

// GetDocumentUncached reads the underlying store directly. A concurrent
// reader can put an old record back into the cache after a write; callers
// about to modify a record read it this way.
func (cs *CachedDocumentStore) GetDocumentUncached(ctx context.Context, id string) (*models.Document, error) {
	return cs.DocumentStore.GetDocument(ctx, id)
}

func (cs *CachedDocumentStore) UpdateDocument(ctx context.Context, doc *models.Document) error {
	err := cs.DocumentStore.UpdateDocument(ctx, doc)
	cs.invalidate(ctx, doc.ID)
	return err
}

// DeleteDocument leaves a deletion marker in the cache so a reader that
// loaded the record before the delete cannot cache it again.
func (cs *CachedDocumentStore) DeleteDocument(ctx context.Context, id string) error {
	err := cs.DocumentStore.DeleteDocument(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		cs.invalidate(ctx, id)
		return err
	}
	if merr := cs.cache.MarkDeleted(ctx, id); merr != nil {
		logrus.WithField("document_id", id).WithError(merr).Warn("Failed to mark cached document deleted")
		cs.invalidate(ctx, id)
	}
	return err
}

func (cs *CachedDocumentStore) invalidate(ctx context.Context, id string) {
	if err := cs.cache.InvalidateDocument(ctx, id); err != nil {
		logrus.WithField("document_id", id).WithError(err).Warn("Failed to invalidate cache")
	}
}
