package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maneesh/labsign/internal/models"
)

// MemoryBlobStore is a BlobStore backed by a map.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) PutBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := newBlobRef()
	m.mu.Lock()
	m.blobs[ref] = append([]byte(nil), data...)
	m.mu.Unlock()
	return ref, nil
}

func (m *MemoryBlobStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, notFound("blob", ref)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBlobStore) DeleteBlob(ctx context.Context, ref string) error {
	m.mu.Lock()
	delete(m.blobs, ref)
	m.mu.Unlock()
	return nil
}

// Has reports whether ref is stored.
func (m *MemoryBlobStore) Has(ref string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[ref]
	return ok
}

// Len returns the number of stored blobs.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// MemoryDocumentStore is a DocumentStore backed by a map. It stores copies,
// so callers never share a record with the store.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*models.Document
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]*models.Document)}
}

func (m *MemoryDocumentStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	m.docs[doc.ID] = doc.Clone()
	return nil
}

func (m *MemoryDocumentStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, notFound("document", id)
	}
	return doc.Clone(), nil
}

func (m *MemoryDocumentStore) ListDocuments(ctx context.Context) ([]*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Document, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryDocumentStore) UpdateDocument(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; !ok {
		return notFound("document", doc.ID)
	}
	m.docs[doc.ID] = doc.Clone()
	return nil
}

func (m *MemoryDocumentStore) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return notFound("document", id)
	}
	delete(m.docs, id)
	return nil
}
