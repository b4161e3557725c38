package models

import "time"

// Status is the local lifecycle state of a Document.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusPendingSignature Status = "pending_signature"
	StatusSigned           Status = "signed"
	StatusCompleted        Status = "completed"
)

// FieldKind selects the form widget placed for a SignatureField.
type FieldKind string

const (
	FieldSignature FieldKind = "signature"
	FieldText      FieldKind = "text"
	FieldCheckbox  FieldKind = "checkbox"
)

// Valid reports whether k is one of the known field kinds.
func (k FieldKind) Valid() bool {
	switch k {
	case FieldSignature, FieldText, FieldCheckbox:
		return true
	}
	return false
}

// SignatureField places one widget on a page. X and Y are measured in points
// from the top-left corner of the page; Page is 1-based.
type SignatureField struct {
	ID     string    `json:"id" firestore:"id"`
	X      float64   `json:"x" firestore:"x"`
	Y      float64   `json:"y" firestore:"y"`
	Width  float64   `json:"width" firestore:"width"`
	Height float64   `json:"height" firestore:"height"`
	Page   int       `json:"page" firestore:"page"`
	Kind   FieldKind `json:"kind" firestore:"kind"`
	Label  string    `json:"label,omitempty" firestore:"label,omitempty"`
}

// Document is the record tracking one PDF through its signing lifecycle
type Document struct {
	ID               string           `json:"id"`
	Status           Status           `json:"status"`
	OriginalName     string           `json:"originalName"`
	StoredBlobRef    string           `json:"storedBlobRef"`
	AnnotatedBlobRef string           `json:"annotatedBlobRef,omitempty"`
	FileSize         int64            `json:"fileSize"`
	FileHash         string           `json:"fileHash"`
	Fields           []SignatureField `json:"fields,omitempty"`
	ExternalID       string           `json:"externalId,omitempty"`
	SignedBlobRef    string           `json:"signedBlobRef,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Submitted reports whether the document has been registered with the
// signing backend. Fields are frozen from then on.
func (d *Document) Submitted() bool {
	return d.ExternalID != ""
}

// Clone returns a deep copy so callers can mutate without aliasing a stored value.
func (d *Document) Clone() *Document {
	c := *d
	if d.Fields != nil {
		c.Fields = append([]SignatureField(nil), d.Fields...)
	}
	return &c
}
