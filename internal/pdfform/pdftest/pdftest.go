// Package pdftest builds small, well-formed PDF documents for tests.
package pdftest

import (
	"bytes"
	"fmt"

	"github.com/maneesh/labsign/internal/pdfform"
)

// Letter is a US Letter page in points.
var Letter = pdfform.PageSize{Width: 612, Height: 792}

// A4 is an ISO A4 page in points.
var A4 = pdfform.PageSize{Width: 595, Height: 842}

// Blank returns a PDF with one empty page per size given.
func Blank(pages ...pdfform.PageSize) []byte {
	return build("", pages)
}

// Rotated is like Blank but sets /Rotate on every page. The MediaBox keeps the
// sizes given, as a scanner or printer driver would write them.
func Rotated(degrees int, pages ...pdfform.PageSize) []byte {
	return build(fmt.Sprintf(" /Rotate %d", degrees), pages)
}

func build(pageExtra string, pages []pdfform.PageSize) []byte {
	if len(pages) == 0 {
		pages = []pdfform.PageSize{Letter}
	}

	var objects []string
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")

	kids := new(bytes.Buffer)
	for i := range pages {
		if i > 0 {
			kids.WriteByte(' ')
		}
		fmt.Fprintf(kids, "%d 0 R", i+3)
	}
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids.String(), len(pages)))

	for _, p := range pages {
		objects = append(objects, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %g %g]%s /Resources << >> >>", p.Width, p.Height, pageExtra))
	}

	buf := new(bytes.Buffer)
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}

	xref := buf.Len()
	fmt.Fprintf(buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}
