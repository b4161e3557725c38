// Package lifecycle owns the document status state machine and keeps it in
// step with the external signing workflow.
//
//	DRAFT ──add fields──▶ PENDING_SIGNATURE ──reconcile──▶ SIGNED ──reconcile──▶ COMPLETED
//
// Submission registers the document remotely but does not move the local
// status; only reconciliation against the remote status does.
package lifecycle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labsign/internal/models"
	"github.com/maneesh/labsign/internal/pdfform"
	"github.com/maneesh/labsign/internal/signing"
	"github.com/maneesh/labsign/internal/storage"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("labsign-lifecycle")

const (
	PDFContentType = "application/pdf"

	// DefaultSignerName is used when a submission carries no display name.
	DefaultSignerName = "Signer"

	// DefaultBackendTimeout bounds each call to the signing backend.
	DefaultBackendTimeout = 30 * time.Second

	signedPrefix    = "signed_"
	annotatedPrefix = "annotated_"
)

// Annotator turns a PDF and a field list into an annotated PDF.
type Annotator interface {
	Annotate(src []byte, fields []models.SignatureField) ([]byte, error)
	Inspect(src []byte) ([]pdfform.PageSize, error)
}

// Controller runs every lifecycle operation on documents.
type Controller struct {
	docs           storage.DocumentStore
	blobs          storage.BlobStore
	annotator      Annotator
	backend        signing.Backend
	locks          Locker
	reconciles     singleflight.Group
	backendTimeout time.Duration
	now            func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLocker replaces the in-process per-document lock.
func WithLocker(l Locker) Option {
	return func(c *Controller) { c.locks = l }
}

// WithBackendTimeout bounds each signing backend call.
func WithBackendTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.backendTimeout = d
		}
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(docs storage.DocumentStore, blobs storage.BlobStore, annotator Annotator, backend signing.Backend, opts ...Option) *Controller {
	c := &Controller{
		docs:           docs,
		blobs:          blobs,
		annotator:      annotator,
		backend:        backend,
		locks:          NewKeyedMutex(),
		backendTimeout: DefaultBackendTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadRequest is a raw PDF as received from a client.
type UploadRequest struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Upload stores a new PDF and creates its Document in DRAFT.
func (c *Controller) Upload(ctx context.Context, in UploadRequest) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.upload",
		trace.WithAttributes(
			attribute.String("file_name", in.FileName),
			attribute.Int("size_bytes", len(in.Data)),
		),
	)
	defer span.End()

	if len(in.Data) == 0 {
		return nil, fail(span, fmt.Errorf("%w: no file uploaded", ErrMissingInput))
	}
	if !isPDF(in.ContentType, in.Data) {
		return nil, fail(span, fmt.Errorf("%w: only PDF files are allowed, got %q", ErrUnsupportedMediaType, in.ContentType))
	}

	name := path.Base(strings.ReplaceAll(in.FileName, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "document.pdf"
	}

	ref, err := c.blobs.PutBlob(ctx, in.Data, PDFContentType)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to store upload: %w", err))
	}

	sum := sha256.Sum256(in.Data)
	now := c.now().UTC()
	doc := &models.Document{
		ID:            uuid.New().String(),
		Status:        models.StatusDraft,
		OriginalName:  name,
		StoredBlobRef: ref,
		FileSize:      int64(len(in.Data)),
		FileHash:      hex.EncodeToString(sum[:]),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.docs.CreateDocument(ctx, doc); err != nil {
		c.discardBlob(ctx, doc.ID, ref)
		return nil, fail(span, fmt.Errorf("failed to create document record: %w", err))
	}

	span.SetAttributes(attribute.String("document_id", doc.ID))
	logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"file_name":   name,
		"file_size":   doc.FileSize,
	}).Info("Document uploaded")
	return doc, nil
}

// Get returns the current record of a document.
func (c *Controller) Get(ctx context.Context, id string) (*models.Document, error) {
	return c.load(ctx, id)
}

// List returns every document, newest first.
func (c *Controller) List(ctx context.Context) ([]*models.Document, error) {
	docs, err := c.docs.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// PageInfo describes the pages of a document's original PDF.
type PageInfo struct {
	PageCount int                `json:"pageCount"`
	Sizes     []pdfform.PageSize `json:"size"`
}

func (c *Controller) PageInfo(ctx context.Context, id string) (*PageInfo, error) {
	doc, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := c.readBlob(ctx, doc.StoredBlobRef)
	if err != nil {
		return nil, err
	}
	pages, err := c.annotator.Inspect(src)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", id, err)
	}
	return &PageInfo{PageCount: len(pages), Sizes: pages}, nil
}

// AddFields annotates the original PDF with fields, replacing any earlier
// field list, and moves the document to PENDING_SIGNATURE.
func (c *Controller) AddFields(ctx context.Context, id string, fields []models.SignatureField) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.add_fields",
		trace.WithAttributes(
			attribute.String("document_id", id),
			attribute.Int("field_count", len(fields)),
		),
	)
	defer span.End()

	if err := validateFields(fields); err != nil {
		return nil, fail(span, err)
	}

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	defer unlock()

	doc, err := c.loadForUpdate(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	if doc.Submitted() {
		return nil, fail(span, fmt.Errorf("%w: fields are frozen once the document is submitted", ErrInvalidState))
	}
	if doc.Status != models.StatusDraft && doc.Status != models.StatusPendingSignature {
		return nil, fail(span, fmt.Errorf("%w: cannot add fields in status %s", ErrInvalidState, doc.Status))
	}

	src, err := c.readBlob(ctx, doc.StoredBlobRef)
	if err != nil {
		return nil, fail(span, err)
	}
	annotated, err := c.annotator.Annotate(src, fields)
	if errors.Is(err, pdfform.ErrInvalidFieldPage) {
		return nil, fail(span, fmt.Errorf("%w: %w", ErrValidation, err))
	} else if err != nil {
		return nil, fail(span, fmt.Errorf("failed to annotate %s: %w", id, err))
	}

	ref, err := c.blobs.PutBlob(ctx, annotated, PDFContentType)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to store annotated pdf: %w", err))
	}

	previous := doc.AnnotatedBlobRef
	doc.Fields = append([]models.SignatureField(nil), fields...)
	doc.AnnotatedBlobRef = ref
	doc.Status = models.StatusPendingSignature
	doc.UpdatedAt = c.now().UTC()
	if err := c.docs.UpdateDocument(ctx, doc); err != nil {
		c.discardBlob(ctx, id, ref)
		return nil, fail(span, c.storeError(id, err))
	}
	if previous != "" {
		c.discardBlob(ctx, id, previous)
	}

	logrus.WithFields(logrus.Fields{
		"document_id": id,
		"field_count": len(fields),
	}).Info("Signature fields added")
	return doc, nil
}

// SubmitRequest names the signer a document is sent to.
type SubmitRequest struct {
	SignerEmail string
	SignerName  string
}

// Submit registers the document with the signing backend and distributes it.
// The local status stays PENDING_SIGNATURE; the external id is recorded only
// when both remote calls succeed.
func (c *Controller) Submit(ctx context.Context, id string, req SubmitRequest) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.submit",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	email := strings.TrimSpace(req.SignerEmail)
	if email == "" {
		return nil, fail(span, fmt.Errorf("%w: signer email is required", ErrValidation))
	}
	name := strings.TrimSpace(req.SignerName)
	if name == "" {
		name = DefaultSignerName
	}

	// Held across both remote calls: two submissions of the same document
	// must not both register remotely.
	unlock, err := c.lock(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	defer unlock()

	doc, err := c.loadForUpdate(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	if doc.Status != models.StatusPendingSignature {
		return nil, fail(span, fmt.Errorf("%w: document must be in %s status, is %s", ErrInvalidState, models.StatusPendingSignature, doc.Status))
	}
	if len(doc.Fields) == 0 {
		return nil, fail(span, fmt.Errorf("%w: document has no signature fields", ErrInvalidState))
	}
	if doc.Submitted() {
		return nil, fail(span, fmt.Errorf("%w: already submitted as %s", ErrInvalidState, doc.ExternalID))
	}

	pdf, err := c.readBlob(ctx, doc.StoredBlobRef)
	if err != nil {
		return nil, fail(span, err)
	}

	signers := []signing.Signer{{Name: name, Email: email, Role: "SIGNER"}}
	bctx, cancel := c.backendContext(ctx)
	externalID, err := c.backend.CreateRemoteDocument(bctx, doc.OriginalName, pdf, doc.OriginalName, signers)
	cancel()
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to create remote document: %w", backendError("create", err)))
	}
	span.SetAttributes(attribute.String("external_id", externalID))

	bctx, cancel = c.backendContext(ctx)
	err = c.backend.Distribute(bctx, externalID)
	cancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"document_id": id,
			"external_id": externalID,
		}).WithError(err).Warn("Distribution failed; remote document left unused")
		return nil, fail(span, fmt.Errorf("failed to send document for signature: %w", backendError("distribute", err)))
	}

	doc.ExternalID = externalID
	doc.UpdatedAt = c.now().UTC()
	if err := c.docs.UpdateDocument(ctx, doc); err != nil {
		logrus.WithFields(logrus.Fields{
			"document_id": id,
			"external_id": externalID,
		}).WithError(err).Error("Document distributed but record update failed")
		return nil, fail(span, c.storeError(id, err))
	}

	logrus.WithFields(logrus.Fields{
		"document_id": id,
		"external_id": externalID,
	}).Info("Document submitted for signature")
	return doc, nil
}

// Reconcile pulls the remote status and folds it into the local record. On
// completion it also retrieves the signed artifact; a failed retrieval does
// not hold back the COMPLETED status and is retried on the next call.
//
// Concurrent calls for the same id share one remote round trip.
func (c *Controller) Reconcile(ctx context.Context, id string) (*models.Document, error) {
	v, err, _ := c.reconciles.Do(id, func() (any, error) {
		return c.reconcile(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Document).Clone(), nil
}

func (c *Controller) reconcile(ctx context.Context, id string) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.reconcile",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	snapshot, err := c.load(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	if !snapshot.Submitted() {
		return nil, fail(span, fmt.Errorf("%w: document has not been submitted for signature", ErrInvalidState))
	}

	bctx, cancel := c.backendContext(ctx)
	remote, err := c.backend.GetRemoteStatus(bctx, snapshot.ExternalID)
	cancel()
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to get remote status: %w", backendError("status", err)))
	}
	target, known := localStatus(remote)
	span.SetAttributes(attribute.String("remote_status", remote.String()))

	log := logrus.WithFields(logrus.Fields{
		"document_id":   id,
		"external_id":   snapshot.ExternalID,
		"remote_status": remote.String(),
	})
	if !known {
		log.Warn("Unmapped remote status; local status unchanged")
	}

	// Fetched outside the lock; the commit below decides whether it is kept.
	var artifactRef string
	if known && target == models.StatusCompleted && snapshot.SignedBlobRef == "" {
		artifactRef = c.fetchArtifact(ctx, snapshot)
	}

	unlock, err := c.lock(ctx, id)
	if err != nil {
		c.discardBlob(ctx, id, artifactRef)
		return nil, fail(span, err)
	}
	defer unlock()

	doc, err := c.loadForUpdate(ctx, id)
	if err != nil {
		c.discardBlob(ctx, id, artifactRef)
		return nil, fail(span, err)
	}
	if doc.ExternalID != snapshot.ExternalID {
		c.discardBlob(ctx, id, artifactRef)
		return nil, fail(span, fmt.Errorf("%w: external id changed during reconciliation", ErrInvalidState))
	}

	changed := false
	if known && doc.Status != target {
		log.WithField("from", doc.Status).WithField("to", target).Info("Document status changed")
		doc.Status = target
		changed = true
	}
	attached := ""
	if artifactRef != "" && doc.SignedBlobRef == "" && doc.Status == models.StatusCompleted {
		doc.SignedBlobRef = artifactRef
		attached = artifactRef
		changed = true
	}
	if artifactRef != "" && attached == "" {
		c.discardBlob(ctx, id, artifactRef)
	}

	if changed {
		doc.UpdatedAt = c.now().UTC()
		if err := c.docs.UpdateDocument(ctx, doc); err != nil {
			c.discardBlob(ctx, id, attached)
			return nil, fail(span, c.storeError(id, err))
		}
	}
	if attached != "" {
		log.WithField("blob_ref", attached).Info("Signed artifact attached")
	}
	return doc, nil
}

// fetchArtifact downloads and stores the signed PDF. Failures are logged and
// reported as an empty reference.
func (c *Controller) fetchArtifact(ctx context.Context, doc *models.Document) string {
	log := logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"external_id": doc.ExternalID,
	})

	bctx, cancel := c.backendContext(ctx)
	data, err := c.backend.FetchCompletedArtifact(bctx, doc.ExternalID)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Failed to download signed document; will retry on next status check")
		return ""
	}
	ref, err := c.blobs.PutBlob(ctx, data, PDFContentType)
	if err != nil {
		log.WithError(err).Warn("Failed to store signed document; will retry on next status check")
		return ""
	}
	return ref
}

// FileKind selects which of a document's files to retrieve.
type FileKind int

const (
	FileOriginal FileKind = iota
	FileAnnotated
	FileSigned
)

// File is binary content ready to be served.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// File returns one of the document's PDFs. The signed file is named
// signed_<original> and the annotated one annotated_<original>.
func (c *Controller) File(ctx context.Context, id string, kind FileKind) (*File, error) {
	doc, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	var ref, name string
	switch kind {
	case FileOriginal:
		ref, name = doc.StoredBlobRef, doc.OriginalName
	case FileAnnotated:
		if doc.AnnotatedBlobRef == "" {
			return nil, fmt.Errorf("%w: no signature fields have been added", ErrNotAvailable)
		}
		ref, name = doc.AnnotatedBlobRef, annotatedPrefix+doc.OriginalName
	case FileSigned:
		if doc.SignedBlobRef == "" {
			if doc.Status == models.StatusCompleted {
				return nil, fmt.Errorf("%w: signed document not retrieved yet, check the status again", ErrNotAvailable)
			}
			return nil, fmt.Errorf("%w: signed document not available in status %s", ErrNotAvailable, doc.Status)
		}
		ref, name = doc.SignedBlobRef, signedPrefix+doc.OriginalName
	default:
		return nil, fmt.Errorf("%w: unknown file kind %d", ErrValidation, kind)
	}

	data, err := c.readBlob(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &File{Name: name, ContentType: PDFContentType, Data: data}, nil
}

// Delete removes the document's blobs and then its record. Blob removal is
// best effort; failures are logged and never keep the record alive.
func (c *Controller) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "lifecycle.delete",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return fail(span, err)
	}
	defer unlock()

	doc, err := c.loadForUpdate(ctx, id)
	if err != nil {
		return fail(span, err)
	}

	for _, ref := range []string{doc.StoredBlobRef, doc.AnnotatedBlobRef, doc.SignedBlobRef} {
		c.discardBlob(ctx, id, ref)
	}

	if err := c.docs.DeleteDocument(ctx, id); err != nil {
		return fail(span, c.storeError(id, err))
	}
	logrus.WithField("document_id", id).Info("Document deleted")
	return nil
}

func (c *Controller) load(ctx context.Context, id string) (*models.Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrMissingInput)
	}
	doc, err := c.docs.GetDocument(ctx, id)
	if err != nil {
		return nil, c.storeError(id, err)
	}
	return doc, nil
}

// uncachedReader is implemented by caching stores. Every read-modify-write
// loads through it so a stale cache entry never becomes the base of a write.
type uncachedReader interface {
	GetDocumentUncached(ctx context.Context, id string) (*models.Document, error)
}

// loadForUpdate reads a record that is about to be modified. Callers hold
// the document lock.
func (c *Controller) loadForUpdate(ctx context.Context, id string) (*models.Document, error) {
	ur, ok := c.docs.(uncachedReader)
	if !ok {
		return c.load(ctx, id)
	}
	doc, err := ur.GetDocumentUncached(ctx, id)
	if err != nil {
		return nil, c.storeError(id, err)
	}
	return doc, nil
}

func (c *Controller) readBlob(ctx context.Context, ref string) ([]byte, error) {
	data, err := c.blobs.GetBlob(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: document file missing from store: %w", ErrNotFound, err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read document file: %w", err)
	}
	return data, nil
}

// discardBlob removes a blob that no record references any more.
func (c *Controller) discardBlob(ctx context.Context, id, ref string) {
	if ref == "" {
		return
	}
	if err := c.blobs.DeleteBlob(context.WithoutCancel(ctx), ref); err != nil {
		logrus.WithFields(logrus.Fields{
			"document_id": id,
			"blob_ref":    ref,
		}).WithError(err).Error("Failed to remove blob; manual cleanup required")
	}
}

func (c *Controller) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock document %s: %w", id, err)
	}
	return unlock, nil
}

func (c *Controller) backendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.backendTimeout)
}

func (c *Controller) storeError(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("document store: %w", err)
}

// localStatus maps a remote status onto the local state machine. The second
// result is false when the remote status has no local counterpart.
func localStatus(s signing.RemoteStatus) (models.Status, bool) {
	switch s {
	case signing.RemoteDraft:
		return models.StatusDraft, true
	case signing.RemotePending:
		return models.StatusPendingSignature, true
	case signing.RemoteSigned:
		return models.StatusSigned, true
	case signing.RemoteCompleted:
		return models.StatusCompleted, true
	case signing.RemoteUnknown:
		return "", false
	}
	return "", false
}

// backendError makes sure a failure reaching the controller from the backend
// (a bare context deadline, say) is classified as a backend error.
func backendError(op string, err error) error {
	if errors.Is(err, signing.ErrBackend) || errors.Is(err, signing.ErrNotReady) {
		return err
	}
	return &signing.Error{Op: op, Temporary: true, Err: err}
}

func validateFields(fields []models.SignatureField) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: at least one field is required", ErrValidation)
	}
	for i, f := range fields {
		switch {
		case strings.TrimSpace(f.ID) == "":
			return fmt.Errorf("%w: field %d has no id", ErrValidation, i)
		case !f.Kind.Valid():
			return fmt.Errorf("%w: field %q has unknown kind %q", ErrValidation, f.ID, f.Kind)
		case f.Page < 1:
			return fmt.Errorf("%w: field %q page must be 1 or greater", ErrValidation, f.ID)
		case f.Width <= 0 || f.Height <= 0:
			return fmt.Errorf("%w: field %q needs a positive width and height", ErrValidation, f.ID)
		case f.X < 0 || f.Y < 0:
			return fmt.Errorf("%w: field %q position must not be negative", ErrValidation, f.ID)
		}
	}
	return nil
}

// isPDF accepts a declared PDF media type, or sniffs the header when the
// client declared nothing more specific than a generic binary type.
func isPDF(contentType string, data []byte) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(ct, "pdf") {
		return true
	}
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		return bytes.HasPrefix(data, []byte("%PDF-"))
	}
	return false
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
