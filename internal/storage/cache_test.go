package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/maneesh/labsign/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	hits        int
	failGets    bool
	invalidated []string
	deleted     map[string]bool
}

func newMapCache() *mapCache {
	return &mapCache{docs: make(map[string]*models.Document), deleted: make(map[string]bool)}
}

func (c *mapCache) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGets {
		return nil, errors.New("cache down")
	}
	if c.deleted[id] {
		return nil, notFound("document", id)
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, nil
	}
	c.hits++
	return doc.Clone(), nil
}

func (c *mapCache) SetDocument(ctx context.Context, doc *models.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[doc.ID]; ok || c.deleted[doc.ID] {
		return nil
	}
	c.docs[doc.ID] = doc.Clone()
	return nil
}

func (c *mapCache) InvalidateDocument(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

func (c *mapCache) MarkDeleted(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, id)
	c.deleted[id] = true
	return nil
}

// hookedStore runs afterGet once a read has loaded its record.
type hookedStore struct {
	*MemoryDocumentStore
	afterGet func()
}

func (s *hookedStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.MemoryDocumentStore.GetDocument(ctx, id)
	if s.afterGet != nil {
		hook := s.afterGet
		s.afterGet = nil
		hook()
	}
	return doc, err
}

func TestCachedDocumentStoreReadThrough(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	cs := NewCachedDocumentStore(NewMemoryDocumentStore(), cache)

	require.NoError(t, cs.CreateDocument(ctx, &models.Document{ID: "d1", Status: models.StatusDraft}))

	_, err := cs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, cache.hits)

	_, err = cs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	_, err = cs.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedDocumentStoreInvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	cs := NewCachedDocumentStore(NewMemoryDocumentStore(), cache)

	require.NoError(t, cs.CreateDocument(ctx, &models.Document{ID: "d1", Status: models.StatusDraft}))
	doc, err := cs.GetDocument(ctx, "d1")
	require.NoError(t, err)

	doc.Status = models.StatusPendingSignature
	require.NoError(t, cs.UpdateDocument(ctx, doc))

	got, err := cs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingSignature, got.Status)

	require.NoError(t, cs.DeleteDocument(ctx, "d1"))
	_, err = cs.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"d1"}, cache.invalidated)
	assert.True(t, cache.deleted["d1"])
}

func TestCachedDocumentStoreReaderRacingDelete(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	store := &hookedStore{MemoryDocumentStore: NewMemoryDocumentStore()}
	cs := NewCachedDocumentStore(store, cache)

	require.NoError(t, cs.CreateDocument(ctx, &models.Document{ID: "d1", Status: models.StatusDraft}))

	// The delete lands between the reader's store load and its cache fill.
	store.afterGet = func() {
		require.NoError(t, cs.DeleteDocument(ctx, "d1"))
	}
	doc, err := cs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.ID)

	_, err = cs.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotContains(t, cache.docs, "d1")
	assert.Zero(t, cache.hits)
}

func TestCachedDocumentStoreDeleteMissing(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	cs := NewCachedDocumentStore(NewMemoryDocumentStore(), cache)

	assert.ErrorIs(t, cs.DeleteDocument(ctx, "nope"), ErrNotFound)
	_, err := cs.GetDocument(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedDocumentStoreSurvivesCacheFailure(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	cache.failGets = true
	cs := NewCachedDocumentStore(NewMemoryDocumentStore(), cache)

	require.NoError(t, cs.CreateDocument(ctx, &models.Document{ID: "d1"}))
	doc, err := cs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.ID)
}
