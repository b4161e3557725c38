package signing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocumenso serves the subset of the Documenso API the client uses.
type fakeDocumenso struct {
	mu           sync.Mutex
	server       *httptest.Server
	status       string
	uploadStatus int
	sendStatus   int
	uploaded     []byte
	created      createDocumentRequest
	sent         bool
	artifact     []byte
	authHeaders  []string
	requests     []string
}

func newFakeDocumenso(t *testing.T) *fakeDocumenso {
	f := &fakeDocumenso{status: "PENDING", uploadStatus: http.StatusOK, sendStatus: http.StatusOK, artifact: []byte("%PDF-signed")}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.created))
		json.NewEncoder(w).Encode(map[string]any{"documentId": 42, "uploadUrl": f.server.URL + "/upload/42"})
	})
	mux.HandleFunc("PUT /upload/42", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(f.uploadStatus)
	})
	mux.HandleFunc("POST /api/v1/documents/42/send", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sent = f.sendStatus == http.StatusOK
		w.WriteHeader(f.sendStatus)
	})
	mux.HandleFunc("GET /api/v1/documents/42", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"id": 42, "status": f.status})
	})
	mux.HandleFunc("GET /api/v1/documents/42/download", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"downloadUrl": f.server.URL + "/files/42.pdf"})
	})
	mux.HandleFunc("GET /files/42.pdf", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Write(f.artifact)
	})
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDocumenso) client(t *testing.T) *DocumensoClient {
	c, err := NewDocumensoClient(f.server.URL+"/api/v1", "api_test", WithHTTPClient(f.server.Client()))
	require.NoError(t, err)
	return c
}

func TestNewDocumensoClientRequiresKey(t *testing.T) {
	_, err := NewDocumensoClient("", "")
	assert.Error(t, err)
}

func TestCreateRemoteDocument(t *testing.T) {
	f := newFakeDocumenso(t)
	c := f.client(t)

	id, err := c.CreateRemoteDocument(context.Background(), "contract.pdf", []byte("%PDF-1.4"), "contract.pdf",
		[]Signer{{Name: "Ada", Email: "ada@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, []byte("%PDF-1.4"), f.uploaded)
	assert.Equal(t, "contract.pdf", f.created.Title)
	require.Len(t, f.created.Recipients, 1)
	assert.Equal(t, "SIGNER", f.created.Recipients[0].Role)
	assert.Equal(t, []string{"Bearer api_test"}, f.authHeaders)
}

func TestCreateRemoteDocumentFailsWhenUploadFails(t *testing.T) {
	f := newFakeDocumenso(t)
	f.uploadStatus = http.StatusForbidden
	c := f.client(t)

	id, err := c.CreateRemoteDocument(context.Background(), "t", []byte("x"), "t.pdf", []Signer{{Email: "a@b.com"}})
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrBackend)
	assert.False(t, IsTemporary(err))

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "upload", be.Op)
	assert.Equal(t, http.StatusForbidden, be.StatusCode)
}

func TestDistribute(t *testing.T) {
	f := newFakeDocumenso(t)
	c := f.client(t)

	require.NoError(t, c.Distribute(context.Background(), "42"))
	assert.True(t, f.sent)

	f.sendStatus = http.StatusServiceUnavailable
	err := c.Distribute(context.Background(), "42")
	assert.ErrorIs(t, err, ErrBackend)
	assert.True(t, IsTemporary(err))

	err = c.Distribute(context.Background(), "not-a-number")
	assert.ErrorIs(t, err, ErrBackend)
}

func TestGetRemoteStatus(t *testing.T) {
	tests := []struct {
		wire     string
		expected RemoteStatus
	}{
		{"DRAFT", RemoteDraft},
		{"PENDING", RemotePending},
		{"SIGNED", RemoteSigned},
		{"COMPLETED", RemoteCompleted},
		{"REJECTED", RemoteUnknown},
		{"", RemoteUnknown},
	}

	f := newFakeDocumenso(t)
	c := f.client(t)
	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			f.mu.Lock()
			f.status = tt.wire
			f.mu.Unlock()

			got, err := c.GetRemoteStatus(context.Background(), "42")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFetchCompletedArtifact(t *testing.T) {
	f := newFakeDocumenso(t)
	c := f.client(t)

	_, err := c.FetchCompletedArtifact(context.Background(), "42")
	assert.ErrorIs(t, err, ErrNotReady)

	f.mu.Lock()
	f.status = "COMPLETED"
	f.mu.Unlock()

	data, err := c.FetchCompletedArtifact(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-signed"), data)
}

func TestFetchCompletedArtifactRejectsMalformedID(t *testing.T) {
	f := newFakeDocumenso(t)
	f.status = "COMPLETED"
	c := f.client(t)

	for _, id := range []string{"42/../../admin", "42?x=1", "", "abc"} {
		data, err := c.FetchCompletedArtifact(context.Background(), id)
		assert.Nil(t, data, id)
		assert.ErrorIs(t, err, ErrBackend, id)

		var be *Error
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "download", be.Op)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.requests)
}

func TestParseRemoteStatusRoundTrip(t *testing.T) {
	for _, s := range []RemoteStatus{RemoteDraft, RemotePending, RemoteSigned, RemoteCompleted} {
		assert.Equal(t, s, ParseRemoteStatus(s.String()))
	}
	assert.Equal(t, RemoteCompleted, ParseRemoteStatus(" completed "))
	assert.Equal(t, "UNKNOWN", RemoteUnknown.String())
}

func TestMemoryBackend(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	id, err := m.CreateRemoteDocument(ctx, "t", []byte("pdf"), "t.pdf", nil)
	require.NoError(t, err)

	assert.Error(t, m.Advance(id, RemoteCompleted), "not distributed yet")
	require.NoError(t, m.Distribute(ctx, id))

	st, err := m.GetRemoteStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RemotePending, st)

	_, err = m.FetchCompletedArtifact(ctx, id)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, m.Advance(id, RemoteCompleted))
	data, err := m.FetchCompletedArtifact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf"), data)

	_, err = m.GetRemoteStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrBackend)
}
