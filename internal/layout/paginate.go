package layout

// Placement is one filled cell on a page.
type Placement[T any] struct {
	Item   T
	Index  int // 在整批输入中的序号
	Column int
	Row    int
	X      float64
	Y      float64
}

// Page is one sheet of placements in cell order.
type Page[T any] struct {
	Number     int
	Placements []Placement[T]
}

// Position returns the top-left corner of cell (col, row) in millimetres.
func (l Layout) Position(col, row int) (x, y float64) {
	x = l.Margin + float64(col)*(l.CardWidth+l.Spacing)
	y = l.Margin + float64(row)*(l.CardHeight+l.Spacing)
	return x, y
}

// Paginate distributes items over pages strictly in input order: item i goes
// to page i/k, cell i%k. The input slice is not modified. Zero items yields
// zero pages.
func Paginate[T any](items []T, l Layout) []Page[T] {
	pageCount := l.PageCount(len(items))
	if pageCount == 0 {
		return nil
	}

	pages := make([]Page[T], 0, pageCount)
	for i, item := range items {
		pageIndex, cell := i/l.CardsPerPage, i%l.CardsPerPage
		if cell == 0 {
			remaining := len(items) - i
			pages = append(pages, Page[T]{
				Number:     pageIndex + 1,
				Placements: make([]Placement[T], 0, min(remaining, l.CardsPerPage)),
			})
		}
		col, row := cell%l.Columns, cell/l.Columns
		x, y := l.Position(col, row)
		page := &pages[pageIndex]
		page.Placements = append(page.Placements, Placement[T]{
			Item:   item,
			Index:  i,
			Column: col,
			Row:    row,
			X:      x,
			Y:      y,
		})
	}
	return pages
}
