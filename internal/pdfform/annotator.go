package pdfform

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"unicode/utf16"

	"github.com/maneesh/labsign/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// SignaturePlaceholder is the text pre-filled into signature widgets. It only
// marks where a signature goes; no signature is created here.
const SignaturePlaceholder = "[SIGNATURE FIELD]"

const (
	defaultAppearance = "/Helv 0 Tf 0 g"
	widgetPrintFlag   = 4
)

// Annotator embeds interactive form widgets into PDF documents.
type Annotator struct {
	conf *model.Configuration
}

// NewAnnotator returns an Annotator that reads PDFs in relaxed validation mode.
func NewAnnotator() *Annotator {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Annotator{conf: conf}
}

// Annotate returns a copy of src with one widget per field, in the order given.
// Duplicate field ids are kept; each produces its own widget. If any field
// fails nothing is returned.
func (a *Annotator) Annotate(src []byte, fields []models.SignatureField) ([]byte, error) {
	ctx, err := a.readContext(src)
	if err != nil {
		return nil, err
	}

	pages, err := pageSizes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnnotation, err)
	}

	var widgets types.Array
	for _, f := range fields {
		rect, err := MapField(f, pages)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAnnotation, err)
		}
		ref, err := addWidget(ctx, f, rect)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrAnnotation, f.ID, err)
		}
		widgets = append(widgets, *ref)
	}

	if err := registerFields(ctx, widgets); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnnotation, err)
	}

	var out bytes.Buffer
	if err := api.WriteContext(ctx, &out); err != nil {
		return nil, fmt.Errorf("%w: write pdf: %v", ErrAnnotation, err)
	}
	return out.Bytes(), nil
}

// Inspect returns the size of every page of a PDF.
func (a *Annotator) Inspect(src []byte) ([]PageSize, error) {
	ctx, err := a.readContext(src)
	if err != nil {
		return nil, err
	}
	pages, err := pageSizes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnnotation, err)
	}
	return pages, nil
}

// readContext parses a private copy of src so the caller's slice is never touched.
func (a *Annotator) readContext(src []byte) (*model.Context, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty pdf", ErrAnnotation)
	}
	buf := append([]byte(nil), src...)
	ctx, err := api.ReadContext(bytes.NewReader(buf), a.conf)
	if err != nil {
		return nil, fmt.Errorf("%w: read pdf: %v", ErrAnnotation, err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("%w: page count: %v", ErrAnnotation, err)
	}
	return ctx, nil
}

// pageSizes reports each page's MediaBox as stored, ignoring /Rotate. Widget
// rectangles are written in unrotated user space, so the mapping has to use
// the same frame.
func pageSizes(ctx *model.Context) ([]PageSize, error) {
	bounds, err := ctx.PageBoundaries(nil)
	if err != nil {
		return nil, fmt.Errorf("page boundaries: %w", err)
	}
	pages := make([]PageSize, len(bounds))
	for i, pb := range bounds {
		box := pb.MediaBox()
		if box == nil {
			return nil, fmt.Errorf("page %d has no media box", i+1)
		}
		pages[i] = PageSize{Width: box.Width(), Height: box.Height()}
	}
	return pages, nil
}

func addWidget(ctx *model.Context, f models.SignatureField, rect Rect) (*types.IndirectRef, error) {
	pageDict, pageRef, _, err := ctx.PageDict(f.Page, false)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", f.Page, err)
	}
	if pageDict == nil || pageRef == nil {
		return nil, fmt.Errorf("page %d not found", f.Page)
	}

	ref, err := ctx.IndRefForNewObject(widgetDict(f, rect, *pageRef))
	if err != nil {
		return nil, fmt.Errorf("allocate widget: %w", err)
	}

	var annots types.Array
	if obj, found := pageDict.Find("Annots"); found {
		existing, err := ctx.DereferenceArray(obj)
		if err != nil {
			return nil, fmt.Errorf("page %d annotations: %w", f.Page, err)
		}
		annots = append(annots, existing...)
	}
	annots = append(annots, *ref)
	pageDict.Update("Annots", annots)

	return ref, nil
}

func widgetDict(f models.SignatureField, rect Rect, pageRef types.IndirectRef) types.Dict {
	llx, lly, urx, ury := rect.Bounds()
	d := types.Dict(map[string]types.Object{
		"Type":    types.Name("Annot"),
		"Subtype": types.Name("Widget"),
		"T":       textString(f.ID),
		"Rect":    types.NewNumberArray(llx, lly, urx, ury),
		"P":       pageRef,
		"F":       types.Integer(widgetPrintFlag),
	})

	switch f.Kind {
	case models.FieldCheckbox:
		d["FT"] = types.Name("Btn")
		d["V"] = types.Name("Off")
		d["AS"] = types.Name("Off")
		d["MK"] = types.Dict(map[string]types.Object{
			"BC": types.NewNumberArray(0, 0, 0),
			"CA": textString("4"),
		})
		d["DA"] = textString("/ZaDb 0 Tf 0 g")
	case models.FieldText:
		d["FT"] = types.Name("Tx")
		d["DA"] = textString(defaultAppearance)
		if f.Label != "" {
			d["V"] = textString(f.Label)
		}
	default:
		d["FT"] = types.Name("Tx")
		d["DA"] = textString(defaultAppearance)
		d["V"] = textString(SignaturePlaceholder)
		d["MK"] = types.Dict(map[string]types.Object{
			"BC": types.NewNumberArray(0, 0, 0),
		})
	}
	return d
}

// registerFields appends the new widgets to the catalog's AcroForm, creating
// the form dictionary when the document has none.
func registerFields(ctx *model.Context, widgets types.Array) error {
	if len(widgets) == 0 {
		return nil
	}
	catalog, err := ctx.Catalog()
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	var form types.Dict
	if obj, found := catalog.Find("AcroForm"); found {
		form, err = ctx.DereferenceDict(obj)
		if err != nil {
			return fmt.Errorf("acroform: %w", err)
		}
	}
	if form == nil {
		form = types.NewDict()
		catalog.Update("AcroForm", form)
	}

	var fields types.Array
	if obj, found := form.Find("Fields"); found {
		existing, err := ctx.DereferenceArray(obj)
		if err != nil {
			return fmt.Errorf("acroform fields: %w", err)
		}
		fields = append(fields, existing...)
	}
	fields = append(fields, widgets...)
	form.Update("Fields", fields)
	form.Update("NeedAppearances", types.Boolean(true))

	if _, found := form.Find("DA"); !found {
		form.Update("DA", textString(defaultAppearance))
	}
	if _, found := form.Find("DR"); !found {
		form.Update("DR", defaultResources())
	}
	return nil
}

func defaultResources() types.Dict {
	font := func(base string) types.Dict {
		d := types.Dict(map[string]types.Object{
			"Type":     types.Name("Font"),
			"Subtype":  types.Name("Type1"),
			"BaseFont": types.Name(base),
		})
		if base == "Helvetica" {
			d["Encoding"] = types.Name("WinAnsiEncoding")
		}
		return d
	}
	return types.Dict(map[string]types.Object{
		"Font": types.Dict(map[string]types.Object{
			"Helv": font("Helvetica"),
			"ZaDb": font("ZapfDingbats"),
		}),
	})
}

// textString encodes s as a PDF hex string; non-ASCII text is written as
// UTF-16BE with a byte order mark.
func textString(s string) types.HexLiteral {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return types.HexLiteral(hex.EncodeToString([]byte(s)))
	}
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2, 2+2*len(units))
	b[0], b[1] = 0xFE, 0xFF
	for _, u := range units {
		b = append(b, byte(u>>8), byte(u))
	}
	return types.HexLiteral(hex.EncodeToString(b))
}
