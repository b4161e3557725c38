// Package pdfform places form widgets on PDF pages.
//
// Field descriptors arrive in UI space (origin top-left, y grows downward).
// PDF user space has its origin at the bottom-left of the page, so the mapper
// flips the vertical axis per page before any widget is written.
package pdfform

import (
	"errors"
	"fmt"

	"github.com/maneesh/labsign/internal/models"
)

var (
	// ErrInvalidFieldPage is returned when a field targets a page the document does not have.
	ErrInvalidFieldPage = errors.New("invalid field page")
	// ErrAnnotation is returned when a PDF cannot be annotated.
	ErrAnnotation = errors.New("annotation failed")
)

// PageSize is the width and height of a page in points.
type PageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is a rectangle in PDF user space, anchored at its lower-left corner.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Bounds returns the rectangle as llx, lly, urx, ury.
func (r Rect) Bounds() (float64, float64, float64, float64) {
	return r.X, r.Y, r.X + r.Width, r.Y + r.Height
}

// ToPDFSpace converts a UI-space field to PDF user space. Only the page
// height takes part in the conversion; x and the extent pass through.
func ToPDFSpace(f models.SignatureField, pageWidth, pageHeight float64) Rect {
	return Rect{
		X:      f.X,
		Y:      pageHeight - f.Y - f.Height,
		Width:  f.Width,
		Height: f.Height,
	}
}

// MapField resolves the field's 1-based page against pages and converts it.
func MapField(f models.SignatureField, pages []PageSize) (Rect, error) {
	if f.Page < 1 || f.Page > len(pages) {
		return Rect{}, fmt.Errorf("%w: field %q targets page %d of %d", ErrInvalidFieldPage, f.ID, f.Page, len(pages))
	}
	p := pages[f.Page-1]
	return ToPDFSpace(f, p.Width, p.Height), nil
}
