package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/maneesh/labsign/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreDocument is the stored shape of a Document.
type firestoreDocument struct {
	Status           string                  `firestore:"status"`
	OriginalName     string                  `firestore:"originalName"`
	StoredBlobRef    string                  `firestore:"storedBlobRef"`
	AnnotatedBlobRef string                  `firestore:"annotatedBlobRef,omitempty"`
	FileSize         int64                   `firestore:"fileSize"`
	FileHash         string                  `firestore:"fileHash"`
	Fields           []models.SignatureField `firestore:"fields"`
	ExternalID       string                  `firestore:"externalId,omitempty"`
	SignedBlobRef    string                  `firestore:"signedBlobRef,omitempty"`
	CreatedAt        time.Time               `firestore:"createdAt"`
	UpdatedAt        time.Time               `firestore:"updatedAt"`
}

// FirestoreDocumentStore keeps document records in a Firestore collection,
// one Firestore document per record, keyed by the document id.
type FirestoreDocumentStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreDocumentStore(ctx context.Context, projectID, collection string) (*FirestoreDocumentStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return &FirestoreDocumentStore{client: client, collection: collection}, nil
}

func (fs *FirestoreDocumentStore) Close() error {
	return fs.client.Close()
}

func (fs *FirestoreDocumentStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	ctx, span := tracer.Start(ctx, "firestore.create_document",
		trace.WithAttributes(attribute.String("document_id", doc.ID)),
	)
	defer span.End()

	if _, err := fs.client.Collection(fs.collection).Doc(doc.ID).Create(ctx, toFirestore(doc)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (fs *FirestoreDocumentStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "firestore.get_document",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	snap, err := fs.client.Collection(fs.collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, notFound("document", id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return fromSnapshot(snap)
}

func (fs *FirestoreDocumentStore) ListDocuments(ctx context.Context) ([]*models.Document, error) {
	ctx, span := tracer.Start(ctx, "firestore.list_documents")
	defer span.End()

	iter := fs.client.Collection(fs.collection).OrderBy("createdAt", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var docs []*models.Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		doc, err := fromSnapshot(snap)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		docs = append(docs, doc)
	}
	span.SetAttributes(attribute.Int("document_count", len(docs)))
	return docs, nil
}

// UpdateDocument replaces the record. The read inside the transaction keeps
// a concurrently deleted document from being resurrected.
func (fs *FirestoreDocumentStore) UpdateDocument(ctx context.Context, doc *models.Document) error {
	ctx, span := tracer.Start(ctx, "firestore.update_document",
		trace.WithAttributes(
			attribute.String("document_id", doc.ID),
			attribute.String("status", string(doc.Status)),
		),
	)
	defer span.End()

	ref := fs.client.Collection(fs.collection).Doc(doc.ID)
	err := fs.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Set(ref, toFirestore(doc))
	})
	if status.Code(err) == codes.NotFound {
		return notFound("document", doc.ID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

func (fs *FirestoreDocumentStore) DeleteDocument(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "firestore.delete_document",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	_, err := fs.client.Collection(fs.collection).Doc(id).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return notFound("document", id)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func toFirestore(doc *models.Document) firestoreDocument {
	return firestoreDocument{
		Status:           string(doc.Status),
		OriginalName:     doc.OriginalName,
		StoredBlobRef:    doc.StoredBlobRef,
		AnnotatedBlobRef: doc.AnnotatedBlobRef,
		FileSize:         doc.FileSize,
		FileHash:         doc.FileHash,
		Fields:           doc.Fields,
		ExternalID:       doc.ExternalID,
		SignedBlobRef:    doc.SignedBlobRef,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (*models.Document, error) {
	var fd firestoreDocument
	if err := snap.DataTo(&fd); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
	}
	return &models.Document{
		ID:               snap.Ref.ID,
		Status:           models.Status(fd.Status),
		OriginalName:     fd.OriginalName,
		StoredBlobRef:    fd.StoredBlobRef,
		AnnotatedBlobRef: fd.AnnotatedBlobRef,
		FileSize:         fd.FileSize,
		FileHash:         fd.FileHash,
		Fields:           fd.Fields,
		ExternalID:       fd.ExternalID,
		SignedBlobRef:    fd.SignedBlobRef,
		CreatedAt:        fd.CreatedAt,
		UpdatedAt:        fd.UpdatedAt,
	}, nil
}
