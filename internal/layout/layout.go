// Package layout computes the page grid for a batch and distributes cards
// over it in input order.
package layout

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"idcard/internal/cardtemplate"
)

// ErrInvalidPageGeometry 表示在给定纸张与边距下一张卡片都放不下。
var ErrInvalidPageGeometry = errors.New("invalid page geometry")

// DefaultRows 是每页的固定行数，为页眉页脚留出空间。
const DefaultRows = 4

// PaperSize 以毫米表示的纸张尺寸（纵向）。
type PaperSize struct {
	Name   string
	Width  float64
	Height float64
}

var (
	A4     = PaperSize{Name: "A4", Width: 210, Height: 297}
	Letter = PaperSize{Name: "Letter", Width: 215.9, Height: 279.4} // 8.5" x 11"
)

// PaperByName 不区分大小写地查找纸张，空名返回 A4。
func PaperByName(name string) (PaperSize, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "a4":
		return A4, nil
	case "letter":
		return Letter, nil
	default:
		return PaperSize{}, fmt.Errorf("%w: unknown paper %q", ErrInvalidPageGeometry, name)
	}
}

// PageOrientation decides how the sheet itself is turned.
type PageOrientation string

const (
	PagePortrait  PageOrientation = "portrait"
	PageLandscape PageOrientation = "landscape"
	// PageMatch 让纸张方向跟随模板方向。
	PageMatch PageOrientation = "match"
)

// PageSpec is everything Compute needs to derive the grid.
type PageSpec struct {
	Paper           PaperSize
	PageOrientation PageOrientation
	CardOrientation cardtemplate.Orientation
	MarginMM        float64
	SpacingMM       float64
	// Rows 为 0 时按页面高度推导。
	Rows int
}

// DefaultPageSpec returns the A4 portrait sheet with 10 mm margins and 5 mm
// spacing used when nothing is configured.
func DefaultPageSpec(card cardtemplate.Orientation) PageSpec {
	return PageSpec{
		Paper:           A4,
		PageOrientation: PagePortrait,
		CardOrientation: card,
		MarginMM:        10,
		SpacingMM:       5,
		Rows:            DefaultRows,
	}
}

// Layout is the grid derived once per batch. All lengths are millimetres.
type Layout struct {
	PageWidth    float64 `json:"page_width_mm"`
	PageHeight   float64 `json:"page_height_mm"`
	CardWidth    float64 `json:"card_width_mm"`
	CardHeight   float64 `json:"card_height_mm"`
	Margin       float64 `json:"margin_mm"`
	Spacing      float64 `json:"spacing_mm"`
	Columns      int     `json:"columns"`
	Rows         int     `json:"rows"`
	CardsPerPage int     `json:"cards_per_page"`
	// RowsClamped 为 true 表示配置的行数超出了纸张高度，已被截断。
	RowsClamped bool `json:"rows_clamped"`
}

// Landscape reports whether the sheet is wider than tall.
func (l Layout) Landscape() bool { return l.PageWidth > l.PageHeight }

// PageCount 返回放下 n 张卡片所需的页数。
func (l Layout) PageCount(n int) int {
	if n <= 0 || l.CardsPerPage <= 0 {
		return 0
	}
	return (n + l.CardsPerPage - 1) / l.CardsPerPage
}

// Compute derives the grid for spec. It fails with ErrInvalidPageGeometry
// when not even one card fits across or down the printable area.
func Compute(spec PageSpec) (Layout, error) {
	if !spec.CardOrientation.Valid() {
		return Layout{}, fmt.Errorf("%w: card orientation %q", ErrInvalidPageGeometry, spec.CardOrientation)
	}
	if spec.Paper.Width <= 0 || spec.Paper.Height <= 0 {
		return Layout{}, fmt.Errorf("%w: paper %q has no area", ErrInvalidPageGeometry, spec.Paper.Name)
	}
	if spec.MarginMM < 0 || spec.SpacingMM < 0 || spec.Rows < 0 {
		return Layout{}, fmt.Errorf("%w: margin, spacing and rows must not be negative", ErrInvalidPageGeometry)
	}
	for _, v := range []float64{spec.MarginMM, spec.SpacingMM} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Layout{}, fmt.Errorf("%w: margin and spacing must be finite", ErrInvalidPageGeometry)
		}
	}

	pageW, pageH := spec.Paper.Width, spec.Paper.Height
	switch spec.PageOrientation {
	case "", PagePortrait:
	case PageLandscape:
		pageW, pageH = pageH, pageW
	case PageMatch:
		if spec.CardOrientation == cardtemplate.Landscape {
			pageW, pageH = pageH, pageW
		}
	default:
		return Layout{}, fmt.Errorf("%w: page orientation %q", ErrInvalidPageGeometry, spec.PageOrientation)
	}

	cardW, cardH := cardtemplate.CardSizeMM(spec.CardOrientation)
	columns := fit(pageW, spec.MarginMM, spec.SpacingMM, cardW)
	if columns < 1 {
		return Layout{}, fmt.Errorf("%w: %.2fmm card does not fit a %.2fmm page with %.2fmm margins",
			ErrInvalidPageGeometry, cardW, pageW, spec.MarginMM)
	}
	maxRows := fit(pageH, spec.MarginMM, spec.SpacingMM, cardH)
	if maxRows < 1 {
		return Layout{}, fmt.Errorf("%w: %.2fmm card does not fit a %.2fmm page height with %.2fmm margins",
			ErrInvalidPageGeometry, cardH, pageH, spec.MarginMM)
	}

	rows, clamped := spec.Rows, false
	switch {
	case rows == 0:
		rows = maxRows
	case rows > maxRows:
		rows, clamped = maxRows, true
	}

	return Layout{
		PageWidth:    pageW,
		PageHeight:   pageH,
		CardWidth:    cardW,
		CardHeight:   cardH,
		Margin:       spec.MarginMM,
		Spacing:      spec.SpacingMM,
		Columns:      columns,
		Rows:         rows,
		CardsPerPage: columns * rows,
		RowsClamped:  clamped,
	}, nil
}

// fit = floor((extent - 2m + s) / (card + s))，加一个极小量抵消浮点误差。
func fit(extent, margin, spacing, card float64) int {
	n := (extent - 2*margin + spacing) / (card + spacing)
	if n < 0 {
		return 0
	}
	return int(math.Floor(n + 1e-9))
}
