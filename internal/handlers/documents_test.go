package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/maneesh/labsign/internal/lifecycle"
	"github.com/maneesh/labsign/internal/models"
	"github.com/maneesh/labsign/internal/pdfform"
	"github.com/maneesh/labsign/internal/pdfform/pdftest"
	"github.com/maneesh/labsign/internal/signing"
	"github.com/maneesh/labsign/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	backend *signing.MemoryBackend
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	backend := signing.NewMemoryBackend()
	ctrl := lifecycle.NewController(
		storage.NewMemoryDocumentStore(),
		storage.NewMemoryBlobStore(),
		pdfform.NewAnnotator(),
		backend,
	)
	srv := httptest.NewServer(NewRouter(NewDocumentHandler(ctrl, 1<<20)))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, backend: backend}
}

func uploadBody(t *testing.T, name, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) upload(t *testing.T) DocumentResponse {
	t.Helper()
	body, ct := uploadBody(t, "lease.pdf", "application/pdf", pdftest.Blank(pdftest.Letter))
	resp, err := s.Client().Post(s.URL+"/documents/upload", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var doc DocumentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

var fieldsBody = AddFieldsRequest{Fields: []models.SignatureField{
	{ID: "sig", X: 72, Y: 600, Width: 180, Height: 40, Page: 1, Kind: models.FieldSignature},
}}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadEndpoint(t *testing.T) {
	s := newTestServer(t)
	doc := s.upload(t)

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "lease.pdf", doc.OriginalName)
	assert.Equal(t, models.StatusDraft, doc.Status)
	assert.False(t, doc.HasSignedFile)
	assert.False(t, doc.HasAnnotatedFile)
	assert.Empty(t, doc.Fields)
}

func TestUploadEndpointRejections(t *testing.T) {
	s := newTestServer(t)

	body, ct := uploadBody(t, "photo.png", "image/png", []byte("not a pdf"))
	resp, err := s.Client().Post(s.URL+"/documents/upload", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp2, err := s.Client().Post(s.URL+"/documents/upload", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestSigningFlowEndpoints(t *testing.T) {
	s := newTestServer(t)
	doc := s.upload(t)
	base := "/documents/" + doc.ID

	resp := s.do(t, http.MethodPost, base+"/submit", SubmitRequest{SignerEmail: "a@x.io"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPut, base+"/signature-fields", fieldsBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[DocumentResponse](t, resp)
	assert.Equal(t, models.StatusPendingSignature, pending.Status)
	assert.True(t, pending.HasAnnotatedFile)

	resp = s.do(t, http.MethodGet, base+"/annotated", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename=annotated_lease.pdf`, resp.Header.Get("Content-Disposition"))

	resp = s.do(t, http.MethodGet, base+"/status", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPost, base+"/submit", SubmitRequest{SignerEmail: "a@x.io", SignerName: "Ann"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	submitted := decode[DocumentResponse](t, resp)
	require.NotEmpty(t, submitted.ExternalID)

	resp = s.do(t, http.MethodPut, base+"/signature-fields", fieldsBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodGet, base+"/signed", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, s.backend.Advance(submitted.ExternalID, signing.RemoteCompleted))
	resp = s.do(t, http.MethodGet, base+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := decode[DocumentResponse](t, resp)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.True(t, completed.HasSignedFile)

	resp = s.do(t, http.MethodGet, base+"/signed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=signed_lease.pdf`, resp.Header.Get("Content-Disposition"))
}

func TestReadEndpoints(t *testing.T) {
	s := newTestServer(t)
	first := s.upload(t)
	second := s.upload(t)

	resp := s.do(t, http.MethodGet, "/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]DocumentResponse](t, resp)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	resp = s.do(t, http.MethodGet, "/documents/"+first.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, decode[DocumentResponse](t, resp).ID)

	resp = s.do(t, http.MethodGet, "/documents/"+first.ID+"/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[lifecycle.PageInfo](t, resp)
	assert.Equal(t, 1, info.PageCount)
	assert.Equal(t, []pdfform.PageSize{pdftest.Letter}, info.Sizes)

	resp = s.do(t, http.MethodGet, "/documents/"+first.ID+"/view", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `inline; filename=lease.pdf`, resp.Header.Get("Content-Disposition"))

	resp = s.do(t, http.MethodGet, "/documents/"+first.ID+"/download", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename=lease.pdf`, resp.Header.Get("Content-Disposition"))

	resp = s.do(t, http.MethodGet, "/documents/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, decode[ErrorResponse](t, resp).Error)
}

func TestAddFieldsEndpointValidation(t *testing.T) {
	s := newTestServer(t)
	doc := s.upload(t)
	base := "/documents/" + doc.ID

	resp := s.do(t, http.MethodPut, base+"/signature-fields", AddFieldsRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	outOfRange := AddFieldsRequest{Fields: []models.SignatureField{
		{ID: "sig", X: 1, Y: 1, Width: 10, Height: 10, Page: 4, Kind: models.FieldSignature},
	}}
	resp = s.do(t, http.MethodPut, base+"/signature-fields", outOfRange)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, s.URL+base+"/signature-fields", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := s.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestDeleteEndpoint(t *testing.T) {
	s := newTestServer(t)
	doc := s.upload(t)

	resp := s.do(t, http.MethodDelete, "/documents/"+doc.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, "/documents/"+doc.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", lifecycle.ErrMissingInput), http.StatusBadRequest},
		{lifecycle.ErrValidation, http.StatusBadRequest},
		{fmt.Errorf("%w: %w", lifecycle.ErrValidation, pdfform.ErrAnnotation), http.StatusBadRequest},
		{lifecycle.ErrUnsupportedMediaType, http.StatusUnsupportedMediaType},
		{lifecycle.ErrNotFound, http.StatusNotFound},
		{lifecycle.ErrInvalidState, http.StatusConflict},
		{lifecycle.ErrNotAvailable, http.StatusConflict},
		{signing.ErrNotReady, http.StatusConflict},
		{fmt.Errorf("annotate: %w", pdfform.ErrAnnotation), http.StatusUnprocessableEntity},
		{&signing.Error{Op: "create", StatusCode: 500, Err: errors.New("boom")}, http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
