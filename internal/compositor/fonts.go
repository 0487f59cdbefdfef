package compositor

import (
	"fmt"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

type fontStyle struct {
	bold   bool
	italic bool
}

var (
	fontsOnce sync.Once
	fontsErr  error
	fonts     map[fontStyle]*opentype.Font
)

// loadFonts 解析内置 Go 字体，只做一次；字体族名在栅格后端中忽略。
func loadFonts() (map[fontStyle]*opentype.Font, error) {
	fontsOnce.Do(func() {
		sources := map[fontStyle][]byte{
			{}:                         goregular.TTF,
			{bold: true}:               gobold.TTF,
			{italic: true}:             goitalic.TTF,
			{bold: true, italic: true}: gobolditalic.TTF,
		}
		parsed := make(map[fontStyle]*opentype.Font, len(sources))
		for style, ttf := range sources {
			f, err := opentype.Parse(ttf)
			if err != nil {
				fontsErr = fmt.Errorf("parse builtin font: %w", err)
				return
			}
			parsed[style] = f
		}
		fonts = parsed
	})
	return fonts, fontsErr
}

// newFace 每次返回新的 face，opentype.Face 不能并发使用。
func newFace(bold, italic bool, sizePx float64) (font.Face, error) {
	all, err := loadFonts()
	if err != nil {
		return nil, err
	}
	if sizePx < 1 {
		sizePx = 1
	}
	// DPI 72 时 Size 以像素计。
	return opentype.NewFace(all[fontStyle{bold: bold, italic: italic}], &opentype.FaceOptions{
		Size:    sizePx,
		DPI:     72,
		Hinting: font.HintingNone,
	})
}
