package compositor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
)

// RasterBackend draws cards in-process with imaging and the builtin Go
// fonts. Output depends only on the bound card and dpi.
type RasterBackend struct {
	quality int
}

func NewRasterBackend(jpegQuality int) *RasterBackend {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = DefaultJPEGQuality
	}
	return &RasterBackend{quality: jpegQuality}
}

func (b *RasterBackend) Name() string { return "raster" }

func (b *RasterBackend) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := loadFonts(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceExhaustion, err)
	}
	return &rasterSession{quality: b.quality}, nil
}

type rasterSession struct {
	quality int
}

func (s *rasterSession) Close() error { return nil }

func (s *rasterSession) Render(ctx context.Context, card *binder.Card, dpi int) (RenderedCard, error) {
	img, err := Rasterize(ctx, card, dpi)
	if err != nil {
		return RenderedCard{}, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(s.quality)); err != nil {
		return RenderedCard{}, renderFailuref("encode jpeg: %v", err)
	}
	return newRenderedCard(card, dpi, buf.Bytes()), nil
}

// Rasterize 按图层顺序绘制整张卡面，返回未编码的画布。
func Rasterize(ctx context.Context, card *binder.Card, dpi int) (*image.NRGBA, error) {
	if err := checkDPI(dpi); err != nil {
		return nil, err
	}
	w, h := cardtemplate.PixelSize(card.Orientation, dpi)
	canvas := imaging.New(w, h, color.White)

	if card.Background != nil {
		bg, err := decodeAsset(card.Background)
		if err != nil {
			return nil, renderFailuref("decode background: %v", err)
		}
		canvas = imaging.Paste(canvas, imaging.Fill(bg, w, h, imaging.Center, imaging.Lanczos), image.Pt(0, 0))
	}

	scale := designScale(dpi)
	limit := maxElementFactor * max(w, h)
	for _, layer := range card.Layers {
		if err := ctx.Err(); err != nil {
			return nil, renderFailuref("card %s: %v", card.EmployeeID, err)
		}
		f := layer.Element.Base()
		if !f.Visible || f.Opacity <= 0 {
			continue
		}
		if !withinBounds(f, scale, limit) {
			return nil, renderFailuref("element %s: %.0fx%.0f exceeds the %dpx drawing limit", f.ID, f.Width*scale, f.Height*scale, limit)
		}
		ew, eh := roundPx(f.Width*scale), roundPx(f.Height*scale)
		if ew <= 0 || eh <= 0 {
			continue
		}

		var (
			el  *image.NRGBA
			err error
		)
		switch e := layer.Element.(type) {
		case cardtemplate.TextElement:
			el, err = drawText(e, ew, eh, scale)
		case cardtemplate.ImageElement:
			el, err = drawImage(e, layer.Image, ew, eh, scale)
		case cardtemplate.RectElement:
			el = drawRect(e, ew, eh, scale)
		default:
			err = fmt.Errorf("unsupported element %T", layer.Element)
		}
		if err != nil {
			return nil, renderFailuref("element %s: %v", f.ID, err)
		}
		canvas = placeElement(canvas, el, f, scale)
	}
	return canvas, nil
}

// maxElementFactor 是单个元素（缩放后）相对画布长边的最大倍数。
const maxElementFactor = 4

func withinBounds(f cardtemplate.Frame, scale float64, limit int) bool {
	l := float64(limit)
	for _, v := range []float64{f.Width * scale, f.Height * scale, f.Width * scale * f.ScaleX, f.Height * scale * f.ScaleY, f.X * scale, f.Y * scale} {
		if math.IsNaN(v) || math.Abs(v) > l {
			return false
		}
	}
	return true
}

// placeElement 以元素左上角为原点依次缩放、旋转，再按不透明度叠加。
func placeElement(canvas, el *image.NRGBA, f cardtemplate.Frame, scale float64) *image.NRGBA {
	if f.ScaleX != 1 || f.ScaleY != 1 {
		sw, sh := roundPx(f.Width*scale*f.ScaleX), roundPx(f.Height*scale*f.ScaleY)
		if sw <= 0 || sh <= 0 {
			return canvas
		}
		el = imaging.Resize(el, sw, sh, imaging.Lanczos)
	}

	x, y := f.X*scale, f.Y*scale
	if f.Rotation == 0 {
		return imaging.Overlay(canvas, el, image.Pt(roundPx(x), roundPx(y)), f.Opacity)
	}

	ew, eh := float64(el.Bounds().Dx()), float64(el.Bounds().Dy())
	rotated := imaging.Rotate(el, -f.Rotation, color.Transparent)

	// 屏幕坐标系下顺时针旋转元素中心点。
	theta := f.Rotation * math.Pi / 180
	cx, cy := ew/2, eh/2
	centerX := x + cx*math.Cos(theta) - cy*math.Sin(theta)
	centerY := y + cx*math.Sin(theta) + cy*math.Cos(theta)

	rw, rh := float64(rotated.Bounds().Dx()), float64(rotated.Bounds().Dy())
	pos := image.Pt(roundPx(centerX-rw/2), roundPx(centerY-rh/2))
	return imaging.Overlay(canvas, rotated, pos, f.Opacity)
}

func drawRect(e cardtemplate.RectElement, w, h int, scale float64) *image.NRGBA {
	el := imaging.New(w, h, color.Transparent)
	fill, hasFill := parseColor(e.FillColor)
	stroke, hasStroke := parseColor(e.StrokeColor)
	sw := e.StrokeWidth * scale
	hasStroke = hasStroke && sw > 0
	radius := e.CornerRadius * scale

	fw, fh := float64(w), float64(h)
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			x, y := float64(px)+0.5, float64(py)+0.5
			if !insideRoundedRect(x, y, 0, 0, fw, fh, radius) {
				continue
			}
			inner := insideRoundedRect(x, y, sw, sw, fw-sw, fh-sw, math.Max(radius-sw, 0))
			switch {
			case hasStroke && !inner:
				el.SetNRGBA(px, py, stroke)
			case hasFill:
				el.SetNRGBA(px, py, fill)
			}
		}
	}
	return el
}

func drawImage(e cardtemplate.ImageElement, asset *binder.Asset, w, h int, scale float64) (*image.NRGBA, error) {
	if asset == nil {
		return nil, fmt.Errorf("image layer has no bound asset")
	}
	src, err := decodeAsset(asset)
	if err != nil {
		return nil, err
	}
	el := imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos)
	if e.CornerRadius > 0 {
		clipRounded(el, e.CornerRadius*scale)
	}
	return el, nil
}

func drawText(e cardtemplate.TextElement, w, h int, scale float64) (*image.NRGBA, error) {
	el := imaging.New(w, h, color.Transparent)
	if strings.TrimSpace(e.Content) == "" {
		return el, nil
	}
	fg, ok := parseColor(e.Color)
	if !ok {
		fg = color.NRGBA{A: 0xff}
	}
	size := e.FontSize * scale
	face, err := newFace(e.Bold, e.Italic, size)
	if err != nil {
		return nil, err
	}
	defer face.Close()

	d := &font.Drawer{Dst: el, Src: image.NewUniform(fg), Face: face}
	lines := wrapText(d, e.Content, fixed.I(w))

	metrics := face.Metrics()
	lineHeight := size * 1.2
	blockHeight := lineHeight * float64(len(lines))
	top := 0.0
	switch e.VerticalAlign {
	case cardtemplate.AlignMiddle:
		top = (float64(h) - blockHeight) / 2
	case cardtemplate.AlignBottom:
		top = float64(h) - blockHeight
	}
	// 行内上下留白与浏览器 line-height 的排布一致。
	leading := (lineHeight - fixedToFloat(metrics.Ascent+metrics.Descent)) / 2

	for i, line := range lines {
		advance := fixedToFloat(d.MeasureString(line))
		x := 0.0
		switch e.HorizontalAlign {
		case cardtemplate.AlignCenter:
			x = (float64(w) - advance) / 2
		case cardtemplate.AlignRight:
			x = float64(w) - advance
		}
		baseline := top + float64(i)*lineHeight + leading + fixedToFloat(metrics.Ascent)
		d.Dot = fixed.Point26_6{X: floatToFixed(x), Y: floatToFixed(baseline)}
		d.DrawString(line)
	}
	return el, nil
}

// wrapText 按显式换行拆分，再按单词折行；超宽单词独占一行并被裁剪。
func wrapText(d *font.Drawer, content string, width fixed.Int26_6) []string {
	var lines []string
	for _, para := range strings.Split(content, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			candidate := current + " " + word
			if d.MeasureString(candidate) <= width {
				current = candidate
				continue
			}
			lines = append(lines, current)
			current = word
		}
		lines = append(lines, current)
	}
	return lines
}

func decodeAsset(asset *binder.Asset) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(asset.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", asset.ContentType, err)
	}
	return img, nil
}

func clipRounded(img *image.NRGBA, radius float64) {
	b := img.Bounds()
	fw, fh := float64(b.Dx()), float64(b.Dy())
	for py := b.Min.Y; py < b.Max.Y; py++ {
		for px := b.Min.X; px < b.Max.X; px++ {
			x, y := float64(px-b.Min.X)+0.5, float64(py-b.Min.Y)+0.5
			if !insideRoundedRect(x, y, 0, 0, fw, fh, radius) {
				img.SetNRGBA(px, py, color.NRGBA{})
			}
		}
	}
}

func insideRoundedRect(x, y, minX, minY, maxX, maxY, r float64) bool {
	if x < minX || y < minY || x > maxX || y > maxY {
		return false
	}
	r = math.Min(r, math.Min(maxX-minX, maxY-minY)/2)
	if r <= 0 {
		return true
	}
	cx := math.Min(math.Max(x, minX+r), maxX-r)
	cy := math.Min(math.Max(y, minY+r), maxY-r)
	dx, dy := x-cx, y-cy
	return dx*dx+dy*dy <= r*r
}

func roundPx(v float64) int { return int(math.Round(v)) }

func fixedToFloat(v fixed.Int26_6) float64 { return float64(v) / 64 }

func floatToFixed(v float64) fixed.Int26_6 { return fixed.Int26_6(math.Round(v * 64)) }
