// Package document writes paginated card sheets into a multi-page PDF.
package document

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"

	"idcard/internal/compositor"
	"idcard/internal/layout"
)

const ContentTypePDF = "application/pdf"

// Document is the assembled artifact. A document with zero pages carries no
// bytes.
type Document struct {
	Pages int
	Cards int
	data  []byte
}

// Empty reports whether nothing was placed.
func (d *Document) Empty() bool { return d == nil || d.Pages == 0 }

// Bytes 返回 PDF 内容；空文档返回 nil。
func (d *Document) Bytes() []byte {
	if d == nil {
		return nil
	}
	return d.data
}

func (d *Document) Size() int64 { return int64(len(d.Bytes())) }

func (d *Document) ContentType() string { return ContentTypePDF }

// WriteTo implements io.WriterTo.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(d.Bytes())
	return int64(n), err
}

// Options 控制 PDF 元数据。CreatedAt 固定后，相同输入产生相同字节。
type Options struct {
	Title     string
	CreatedAt time.Time
}

// Assemble emits one PDF page per layout page and places every card at its
// cell with the card's physical size.
func Assemble(pages []layout.Page[compositor.RenderedCard], l layout.Layout, opts Options) (*Document, error) {
	doc := &Document{Pages: len(pages)}
	if len(pages) == 0 {
		return doc, nil
	}

	orientation := "P"
	if l.Landscape() {
		orientation = "L"
	}
	short, long := l.PageWidth, l.PageHeight
	if short > long {
		short, long = long, short
	}

	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: orientation,
		UnitStr:        "mm",
		Size:           fpdf.SizeType{Wd: short, Ht: long},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCatalogSort(true)
	pdf.SetCreator("idcard", true)
	if opts.Title != "" {
		pdf.SetTitle(opts.Title, true)
	}
	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0).UTC()
	}
	pdf.SetCreationDate(createdAt)
	pdf.SetModificationDate(createdAt)

	for _, page := range pages {
		pdf.AddPage()
		for _, p := range page.Placements {
			if err := placeCard(pdf, p, l); err != nil {
				return nil, err
			}
			doc.Cards++
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	doc.data = buf.Bytes()
	return doc, nil
}

func placeCard(pdf *fpdf.Fpdf, p layout.Placement[compositor.RenderedCard], l layout.Layout) error {
	card := p.Item
	if len(card.Image) == 0 {
		return fmt.Errorf("card %s (#%d) has no image", card.EmployeeID, p.Index)
	}
	imageType, err := imageTypeFor(card.ContentType)
	if err != nil {
		return fmt.Errorf("card %s: %w", card.EmployeeID, err)
	}

	name := fmt.Sprintf("card-%d", p.Index)
	options := fpdf.ImageOptions{ImageType: imageType}
	pdf.RegisterImageOptionsReader(name, options, bytes.NewReader(card.Image))
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("register image for card %s: %w", card.EmployeeID, err)
	}

	w, h := card.WidthMM, card.HeightMM
	if w <= 0 || h <= 0 {
		w, h = l.CardWidth, l.CardHeight
	}
	pdf.ImageOptions(name, p.X, p.Y, w, h, false, options, 0, "")
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("place card %s: %w", card.EmployeeID, err)
	}
	return nil
}

func imageTypeFor(contentType string) (string, error) {
	switch contentType {
	case "", "image/jpeg", "image/jpg":
		return "JPG", nil
	case "image/png":
		return "PNG", nil
	default:
		return "", fmt.Errorf("unsupported card image type %q", contentType)
	}
}
