package pdfform_test

import (
	"bytes"
	"testing"

	"github.com/maneesh/labsign/internal/models"
	"github.com/maneesh/labsign/internal/pdfform"
	"github.com/maneesh/labsign/internal/pdfform/pdftest"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readContext(t *testing.T, pdf []byte) *model.Context {
	t.Helper()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadContext(bytes.NewReader(pdf), conf)
	require.NoError(t, err)
	require.NoError(t, ctx.EnsurePageCount())
	return ctx
}

func number(t *testing.T, o types.Object) float64 {
	t.Helper()
	switch v := o.(type) {
	case types.Integer:
		return float64(v)
	case types.Float:
		return float64(v)
	}
	t.Fatalf("not a number: %T", o)
	return 0
}

func name(t *testing.T, d types.Dict, key string) string {
	t.Helper()
	n, ok := d[key].(types.Name)
	require.True(t, ok, "%s is not a name", key)
	return string(n)
}

// formWidgets returns the widget dictionaries registered in the AcroForm.
func formWidgets(t *testing.T, ctx *model.Context) []types.Dict {
	t.Helper()
	catalog, err := ctx.Catalog()
	require.NoError(t, err)
	obj, found := catalog.Find("AcroForm")
	require.True(t, found, "AcroForm missing")
	form, err := ctx.DereferenceDict(obj)
	require.NoError(t, err)
	arr, err := ctx.DereferenceArray(form["Fields"])
	require.NoError(t, err)

	var out []types.Dict
	for _, o := range arr {
		d, err := ctx.DereferenceDict(o)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func TestAnnotatePlacesWidgets(t *testing.T) {
	src := pdftest.Blank(pdftest.Letter, pdftest.A4)
	original := append([]byte(nil), src...)

	fields := []models.SignatureField{
		{ID: "sig", X: 100, Y: 100, Width: 200, Height: 50, Page: 1, Kind: models.FieldSignature},
		{ID: "name", X: 50, Y: 700, Width: 150, Height: 20, Page: 2, Kind: models.FieldText, Label: "Full name"},
		{ID: "agree", X: 50, Y: 760, Width: 12, Height: 12, Page: 2, Kind: models.FieldCheckbox},
	}

	out, err := pdfform.NewAnnotator().Annotate(src, fields)
	require.NoError(t, err)
	assert.Equal(t, original, src, "source must not be mutated")
	assert.NotEqual(t, src, out)

	ctx := readContext(t, out)
	widgets := formWidgets(t, ctx)
	require.Len(t, widgets, 3)

	sig := widgets[0]
	assert.Equal(t, "Widget", name(t, sig, "Subtype"))
	assert.Equal(t, "Tx", name(t, sig, "FT"))
	rect := sig.ArrayEntry("Rect")
	require.Len(t, rect, 4)
	assert.InDelta(t, 100, number(t, rect[0]), 0.01)
	assert.InDelta(t, 642, number(t, rect[1]), 0.01)
	assert.InDelta(t, 300, number(t, rect[2]), 0.01)
	assert.InDelta(t, 692, number(t, rect[3]), 0.01)

	text := widgets[1]
	assert.Equal(t, "Tx", name(t, text, "FT"))
	textRect := text.ArrayEntry("Rect")
	assert.InDelta(t, 842-700-20, number(t, textRect[1]), 0.01)

	agree := widgets[2]
	assert.Equal(t, "Btn", name(t, agree, "FT"))
	assert.Equal(t, "Off", name(t, agree, "AS"))

	for page := 1; page <= 2; page++ {
		d, _, _, err := ctx.PageDict(page, false)
		require.NoError(t, err)
		annots, err := ctx.DereferenceArray(d["Annots"])
		require.NoError(t, err)
		assert.NotEmpty(t, annots, "page %d", page)
	}
}

func TestAnnotateKeepsDuplicateIDs(t *testing.T) {
	fields := []models.SignatureField{
		{ID: "dup", X: 10, Y: 10, Width: 50, Height: 20, Page: 1, Kind: models.FieldSignature},
		{ID: "dup", X: 10, Y: 40, Width: 50, Height: 20, Page: 1, Kind: models.FieldSignature},
	}
	out, err := pdfform.NewAnnotator().Annotate(pdftest.Blank(), fields)
	require.NoError(t, err)
	assert.Len(t, formWidgets(t, readContext(t, out)), 2)
}

func TestAnnotateFailures(t *testing.T) {
	a := pdfform.NewAnnotator()

	t.Run("not_a_pdf", func(t *testing.T) {
		_, err := a.Annotate([]byte("hello world"), []models.SignatureField{{ID: "x", Width: 1, Height: 1, Page: 1}})
		assert.ErrorIs(t, err, pdfform.ErrAnnotation)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := a.Annotate(nil, nil)
		assert.ErrorIs(t, err, pdfform.ErrAnnotation)
	})

	t.Run("page_out_of_range", func(t *testing.T) {
		fields := []models.SignatureField{
			{ID: "ok", X: 1, Y: 1, Width: 10, Height: 10, Page: 1, Kind: models.FieldText},
			{ID: "bad", X: 1, Y: 1, Width: 10, Height: 10, Page: 3, Kind: models.FieldText},
		}
		out, err := a.Annotate(pdftest.Blank(pdftest.Letter, pdftest.Letter), fields)
		assert.Nil(t, out)
		assert.ErrorIs(t, err, pdfform.ErrAnnotation)
		assert.ErrorIs(t, err, pdfform.ErrInvalidFieldPage)
	})
}

func TestInspect(t *testing.T) {
	pages, err := pdfform.NewAnnotator().Inspect(pdftest.Blank(pdftest.Letter, pdftest.A4))
	require.NoError(t, err)
	assert.Equal(t, []pdfform.PageSize{pdftest.Letter, pdftest.A4}, pages)
}

func TestAnnotateRotatedPageUsesMediaBox(t *testing.T) {
	src := pdftest.Rotated(90, pdftest.Letter)
	a := pdfform.NewAnnotator()

	pages, err := a.Inspect(src)
	require.NoError(t, err)
	assert.Equal(t, []pdfform.PageSize{pdftest.Letter}, pages)

	fields := []models.SignatureField{
		{ID: "sig", X: 100, Y: 100, Width: 200, Height: 50, Page: 1, Kind: models.FieldSignature},
	}
	out, err := a.Annotate(src, fields)
	require.NoError(t, err)

	widgets := formWidgets(t, readContext(t, out))
	require.Len(t, widgets, 1)
	rect := widgets[0].ArrayEntry("Rect")
	require.Len(t, rect, 4)
	assert.InDelta(t, 100, number(t, rect[0]), 0.01)
	assert.InDelta(t, 642, number(t, rect[1]), 0.01)
	assert.InDelta(t, 300, number(t, rect[2]), 0.01)
	assert.InDelta(t, 692, number(t, rect[3]), 0.01)
}
