package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/labsign/internal/lifecycle"
	"github.com/maneesh/labsign/internal/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Documents is the set of lifecycle operations served over HTTP.
type Documents interface {
	Upload(ctx context.Context, in lifecycle.UploadRequest) (*models.Document, error)
	Get(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context) ([]*models.Document, error)
	PageInfo(ctx context.Context, id string) (*lifecycle.PageInfo, error)
	AddFields(ctx context.Context, id string, fields []models.SignatureField) (*models.Document, error)
	Submit(ctx context.Context, id string, req lifecycle.SubmitRequest) (*models.Document, error)
	Reconcile(ctx context.Context, id string) (*models.Document, error)
	File(ctx context.Context, id string, kind lifecycle.FileKind) (*lifecycle.File, error)
	Delete(ctx context.Context, id string) error
}

// DocumentHandler serves the /documents API.
type DocumentHandler struct {
	docs           Documents
	maxUploadBytes int64
}

// NewDocumentHandler creates a document handler accepting uploads up to
// maxUploadBytes.
func NewDocumentHandler(docs Documents, maxUploadBytes int64) *DocumentHandler {
	return &DocumentHandler{docs: docs, maxUploadBytes: maxUploadBytes}
}

// DocumentResponse is the client view of a document record. Blob references
// stay internal.
type DocumentResponse struct {
	ID               string                  `json:"id"`
	OriginalName     string                  `json:"originalName"`
	Status           models.Status           `json:"status"`
	FileSize         int64                   `json:"fileSize"`
	FileHash         string                  `json:"fileHash"`
	Fields           []models.SignatureField `json:"fields"`
	ExternalID       string                  `json:"externalId,omitempty"`
	HasAnnotatedFile bool                    `json:"hasAnnotatedFile"`
	HasSignedFile    bool                    `json:"hasSignedFile"`
	CreatedAt        time.Time               `json:"createdAt"`
	UpdatedAt        time.Time               `json:"updatedAt"`
}

func newDocumentResponse(doc *models.Document) DocumentResponse {
	fields := doc.Fields
	if fields == nil {
		fields = []models.SignatureField{}
	}
	return DocumentResponse{
		ID:               doc.ID,
		OriginalName:     doc.OriginalName,
		Status:           doc.Status,
		FileSize:         doc.FileSize,
		FileHash:         doc.FileHash,
		Fields:           fields,
		ExternalID:       doc.ExternalID,
		HasAnnotatedFile: doc.AnnotatedBlobRef != "",
		HasSignedFile:    doc.SignedBlobRef != "",
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}

// AddFieldsRequest is the body of PUT /documents/{id}/signature-fields.
type AddFieldsRequest struct {
	Fields []models.SignatureField `json:"fields"`
}

// SubmitRequest is the body of POST /documents/{id}/submit.
type SubmitRequest struct {
	SignerEmail string `json:"signerEmail"`
	SignerName  string `json:"signerName"`
}

// Register mounts every document route on r, each wrapped for tracing.
func (h *DocumentHandler) Register(r *mux.Router) {
	routes := []struct {
		method, path string
		fn           http.HandlerFunc
	}{
		{http.MethodPost, "/documents/upload", h.upload},
		{http.MethodGet, "/documents", h.list},
		{http.MethodGet, "/documents/{id}", h.get},
		{http.MethodGet, "/documents/{id}/info", h.info},
		{http.MethodGet, "/documents/{id}/download", h.file(lifecycle.FileOriginal, "attachment")},
		{http.MethodGet, "/documents/{id}/view", h.file(lifecycle.FileOriginal, "inline")},
		{http.MethodGet, "/documents/{id}/annotated", h.file(lifecycle.FileAnnotated, "attachment")},
		{http.MethodGet, "/documents/{id}/signed", h.file(lifecycle.FileSigned, "attachment")},
		{http.MethodPut, "/documents/{id}/signature-fields", h.addFields},
		{http.MethodPost, "/documents/{id}/submit", h.submit},
		{http.MethodGet, "/documents/{id}/status", h.status},
		{http.MethodDelete, "/documents/{id}", h.delete},
	}
	for _, rt := range routes {
		name := rt.method + " " + rt.path
		r.Handle(rt.path, otelhttp.NewHandler(rt.fn, name)).Methods(rt.method)
	}
}

// POST /documents/upload, multipart field "file".
func (h *DocumentHandler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", h.maxUploadBytes))
		case errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, "no file uploaded")
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart upload: %v", err))
		}
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	doc, err := h.docs.Upload(r.Context(), lifecycle.UploadRequest{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeLifecycleError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDocumentResponse(doc))
}

func (h *DocumentHandler) list(w http.ResponseWriter, r *http.Request) {
	docs, err := h.docs.List(r.Context())
	if err != nil {
		writeLifecycleError(r.Context(), w, err)
		return
	}
	out := make([]DocumentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, newDocumentResponse(doc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DocumentHandler) get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.Get(r.Context(), documentID(r))
	if err != nil {
		writeLifecycleError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(doc))
}

func (h *DocumentHandler) info(w http.ResponseWriter, r *http.Request) {
	info, err := h.docs.PageInfo(r.Context(), documentID(r))
	if err != nil {
		writeLifecycleError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *DocumentHandler) addFields(w http.ResponseWriter, r *http.Request) {
	var req AddFieldsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := h.docs.AddFields(r.Context(), documentID(r), req.Fields)
	if err != nil {
		writeLifecycleError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(doc))
}

func (h *DocumentHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := h.docs.Submit(r.Context(), documentID(r), lifecycle.SubmitRequest{
		SignerEmail: req.SignerEmail,
		SignerName:  req.SignerName,
	})
	if err != nil {
		writeLifecycleError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(doc))
}

// GET /documents/{id}/status reconciles with the signing backend first.
func (h *DocumentHandler) status(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.Reconcile(r.Context(), documentID(r))
	if err != nil {
		writeLifecycleError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(doc))
}

func (h *DocumentHandler) file(kind lifecycle.FileKind, disposition string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := h.docs.File(r.Context(), documentID(r), kind)
		if err != nil {
			writeLifecycleError(r.Context(), w, err)
			return
		}

		w.Header().Set("Content-Type", f.ContentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": f.Name}))
		w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(f.Data); err != nil {
			logrus.WithField("document_id", documentID(r)).WithError(err).Debug("Client went away during download")
		}
	}
}

func (h *DocumentHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.Delete(r.Context(), documentID(r)); err != nil {
		writeLifecycleError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func documentID(r *http.Request) string {
	id := mux.Vars(r)["id"]
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("document_id", id))
	return id
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}
