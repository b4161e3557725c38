package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/labsign/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const documentsSchema = `CREATE TABLE IF NOT EXISTS documents (
	id                 VARCHAR(36)  NOT NULL PRIMARY KEY,
	status             VARCHAR(32)  NOT NULL,
	original_name      VARCHAR(512) NOT NULL,
	stored_blob_ref    VARCHAR(255) NOT NULL,
	annotated_blob_ref VARCHAR(255) NULL,
	file_size          BIGINT       NOT NULL,
	file_hash          CHAR(64)     NOT NULL,
	fields             JSON         NULL,
	external_id        VARCHAR(64)  NULL,
	signed_blob_ref    VARCHAR(255) NULL,
	created_at         DATETIME(6)  NOT NULL,
	updated_at         DATETIME(6)  NOT NULL,
	INDEX idx_documents_created_at (created_at)
)`

const documentColumns = `id, status, original_name, stored_blob_ref, annotated_blob_ref, file_size, file_hash,
	fields, external_id, signed_blob_ref, created_at, updated_at`

// TiDBDocumentStore keeps document records in TiDB (or any MySQL-compatible database)
type TiDBDocumentStore struct {
	db *sql.DB
}

// NewTiDBDocumentStore opens the database and makes sure the documents table exists
func NewTiDBDocumentStore(ctx context.Context, dsn string) (*TiDBDocumentStore, error) {
	dsn, err := foundRowsDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if _, err := db.ExecContext(ctx, documentsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}

	return &TiDBDocumentStore{db: db}, nil
}

// foundRowsDSN forces clientFoundRows on, which requireRow depends on.
func foundRowsDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database DSN: %w", err)
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// Close closes the database connection
func (ts *TiDBDocumentStore) Close() error {
	return ts.db.Close()
}

// CreateDocument inserts a document record
func (ts *TiDBDocumentStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	ctx, span := tracer.Start(ctx, "tidb.create_document",
		trace.WithAttributes(
			attribute.String("document_id", doc.ID),
			attribute.String("original_name", doc.OriginalName),
			attribute.Int64("file_size", doc.FileSize),
		),
	)
	defer span.End()

	fields, err := encodeFields(doc.Fields)
	if err != nil {
		span.RecordError(err)
		return err
	}

	query := `INSERT INTO documents (` + documentColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = ts.db.ExecContext(ctx, query,
		doc.ID, string(doc.Status), doc.OriginalName, doc.StoredBlobRef, nullable(doc.AnnotatedBlobRef),
		doc.FileSize, doc.FileHash, fields, nullable(doc.ExternalID), nullable(doc.SignedBlobRef),
		doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by id
func (ts *TiDBDocumentStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_document",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = ?`
	doc, err := scanDocument(ts.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, notFound("document", id)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query document: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return doc, nil
}

// ListDocuments returns all documents, newest first
func (ts *TiDBDocumentStore) ListDocuments(ctx context.Context) ([]*models.Document, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_documents")
	defer span.End()

	query := `SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC`
	rows, err := ts.db.QueryContext(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	span.SetAttributes(attribute.Int("document_count", len(docs)))
	return docs, nil
}

// UpdateDocument overwrites the mutable columns of a document
func (ts *TiDBDocumentStore) UpdateDocument(ctx context.Context, doc *models.Document) error {
	ctx, span := tracer.Start(ctx, "tidb.update_document",
		trace.WithAttributes(
			attribute.String("document_id", doc.ID),
			attribute.String("status", string(doc.Status)),
		),
	)
	defer span.End()

	fields, err := encodeFields(doc.Fields)
	if err != nil {
		span.RecordError(err)
		return err
	}

	query := `UPDATE documents
			  SET status = ?, annotated_blob_ref = ?, fields = ?, external_id = ?, signed_blob_ref = ?, updated_at = ?
			  WHERE id = ?`
	res, err := ts.db.ExecContext(ctx, query,
		string(doc.Status), nullable(doc.AnnotatedBlobRef), fields, nullable(doc.ExternalID),
		nullable(doc.SignedBlobRef), doc.UpdatedAt, doc.ID,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update document: %w", err)
	}
	return ts.requireRow(res, doc.ID)
}

// DeleteDocument removes a document record
func (ts *TiDBDocumentStore) DeleteDocument(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_document",
		trace.WithAttributes(attribute.String("document_id", id)),
	)
	defer span.End()

	res, err := ts.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return ts.requireRow(res, id)
}

// requireRow turns a zero-row write into ErrNotFound. The connection uses
// clientFoundRows, so an UPDATE writing identical values still reports the
// matched row.
func (ts *TiDBDocumentStore) requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound("document", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc       models.Document
		status    string
		annotated sql.NullString
		fields    []byte
		external  sql.NullString
		signed    sql.NullString
	)
	err := row.Scan(
		&doc.ID,
		&status,
		&doc.OriginalName,
		&doc.StoredBlobRef,
		&annotated,
		&doc.FileSize,
		&doc.FileHash,
		&fields,
		&external,
		&signed,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Status = models.Status(status)
	doc.AnnotatedBlobRef = annotated.String
	doc.ExternalID = external.String
	doc.SignedBlobRef = signed.String
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &doc.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s: %w", doc.ID, err)
		}
	}
	return &doc, nil
}

func encodeFields(fields []models.SignatureField) (any, error) {
	if fields == nil {
		return nil, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(data), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
