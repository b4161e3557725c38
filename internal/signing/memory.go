package signing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

type memoryDocument struct {
	title       string
	pdf         []byte
	signers     []Signer
	status      RemoteStatus
	distributed bool
}

// MemoryBackend is an in-process Backend for local runs and tests. Documents
// stay PENDING after distribution until Advance moves them on; a completed
// document's artifact is the uploaded PDF.
type MemoryBackend struct {
	mu     sync.Mutex
	nextID int
	docs   map[string]*memoryDocument
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]*memoryDocument)}
}

func (m *MemoryBackend) CreateRemoteDocument(ctx context.Context, title string, pdf []byte, fileName string, signers []Signer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Op: "create", Temporary: true, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := strconv.Itoa(m.nextID)
	m.docs[id] = &memoryDocument{
		title:   title,
		pdf:     append([]byte(nil), pdf...),
		signers: append([]Signer(nil), signers...),
		status:  RemoteDraft,
	}
	return id, nil
}

func (m *MemoryBackend) Distribute(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "distribute", Temporary: true, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.lookup("distribute", externalID)
	if err != nil {
		return err
	}
	doc.distributed = true
	if doc.status == RemoteDraft {
		doc.status = RemotePending
	}
	return nil
}

func (m *MemoryBackend) GetRemoteStatus(ctx context.Context, externalID string) (RemoteStatus, error) {
	if err := ctx.Err(); err != nil {
		return RemoteUnknown, &Error{Op: "status", Temporary: true, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.lookup("status", externalID)
	if err != nil {
		return RemoteUnknown, err
	}
	return doc.status, nil
}

func (m *MemoryBackend) FetchCompletedArtifact(ctx context.Context, externalID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "download", Temporary: true, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.lookup("download", externalID)
	if err != nil {
		return nil, err
	}
	if doc.status != RemoteCompleted {
		return nil, fmt.Errorf("%w: remote status is %s", ErrNotReady, doc.status)
	}
	return append([]byte(nil), doc.pdf...), nil
}

// Advance sets the remote status of a distributed document.
func (m *MemoryBackend) Advance(externalID string, status RemoteStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.lookup("advance", externalID)
	if err != nil {
		return err
	}
	if !doc.distributed {
		return &Error{Op: "advance", Err: fmt.Errorf("document %s was not distributed", externalID)}
	}
	doc.status = status
	return nil
}

// Len returns the number of registered documents.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *MemoryBackend) lookup(op, externalID string) (*memoryDocument, error) {
	doc, ok := m.docs[externalID]
	if !ok {
		return nil, &Error{Op: op, StatusCode: 404, Err: fmt.Errorf("document %s not found", externalID)}
	}
	return doc, nil
}
