package cardtemplate

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidTemplate 表示模板结构不合法，整批任务在渲染前即失败。
var ErrInvalidTemplate = errors.New("invalid template")

// maxExtentFactor 限制坐标与尺寸不超过设计画布长边的若干倍；
// 超出的值只会让光栅化分配巨量内存，没有可见效果。
const maxExtentFactor = 4

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTemplate, fmt.Sprintf(format, args...))
}

// Validate runs the structural checks performed once when a template is
// loaded from storage. It has no side effects.
func (t Template) Validate() error {
	if t.Name == "" {
		return invalidf("template_name is required")
	}
	if t.Orientation == "" {
		return invalidf("orientation is required")
	}
	if !t.Orientation.Valid() {
		return invalidf("unknown orientation %q", t.Orientation)
	}
	if t.Elements == nil {
		return invalidf("layout_config.elements is missing")
	}
	limit := extentLimit(t.Orientation)
	if t.Canvas != nil {
		if err := checkCanvas(*t.Canvas, t.Orientation, limit); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(t.Elements))
	for i, el := range t.Elements {
		if el == nil {
			return invalidf("element #%d is empty", i)
		}
		f := el.Base()
		if f.ID == "" {
			return invalidf("element #%d has no id", i)
		}
		if _, dup := seen[f.ID]; dup {
			return invalidf("duplicate element id %q", f.ID)
		}
		seen[f.ID] = struct{}{}

		if err := checkFrame(f, limit); err != nil {
			return err
		}
		if err := checkVariant(el, limit); err != nil {
			return err
		}
	}
	return nil
}

func extentLimit(o Orientation) float64 {
	d := DesignSize(o)
	return maxExtentFactor * math.Max(d.Width, d.Height)
}

func checkCanvas(c Size, o Orientation, limit float64) error {
	if !finite(c.Width, c.Height) || c.Width <= 0 || c.Height <= 0 {
		return invalidf("canvas size must be positive")
	}
	if c.Width > limit || c.Height > limit {
		return invalidf("canvas %.0fx%.0f exceeds %.0f", c.Width, c.Height, limit)
	}
	switch o {
	case Landscape:
		if c.Width < c.Height {
			return invalidf("canvas %.0fx%.0f is portrait but template is landscape", c.Width, c.Height)
		}
	case Portrait:
		if c.Width > c.Height {
			return invalidf("canvas %.0fx%.0f is landscape but template is portrait", c.Width, c.Height)
		}
	}
	return nil
}

func checkFrame(f Frame, limit float64) error {
	if !finite(f.X, f.Y, f.Width, f.Height, f.Rotation, f.ScaleX, f.ScaleY, f.Opacity) {
		return invalidf("element %q has non-finite geometry", f.ID)
	}
	if f.Width < 0 || f.Height < 0 {
		return invalidf("element %q has negative dimensions %.2fx%.2f", f.ID, f.Width, f.Height)
	}
	if f.ScaleX < 0 || f.ScaleY < 0 {
		return invalidf("element %q has negative scale", f.ID)
	}
	if f.Opacity < 0 || f.Opacity > 1 {
		return invalidf("element %q opacity %.2f outside [0,1]", f.ID, f.Opacity)
	}
	if math.Abs(f.X) > limit || math.Abs(f.Y) > limit ||
		f.Width*f.ScaleX > limit || f.Height*f.ScaleY > limit {
		return invalidf("element %q extends far beyond the card canvas (limit %.0f)", f.ID, limit)
	}
	return nil
}

func checkVariant(el Element, limit float64) error {
	switch e := el.(type) {
	case TextElement:
		if !finite(e.FontSize) || e.FontSize <= 0 || e.FontSize > limit {
			return invalidf("text element %q has invalid font size", e.ID)
		}
		switch e.HorizontalAlign {
		case AlignLeft, AlignCenter, AlignRight:
		default:
			return invalidf("text element %q has unknown align %q", e.ID, e.HorizontalAlign)
		}
		switch e.VerticalAlign {
		case AlignTop, AlignMiddle, AlignBottom:
		default:
			return invalidf("text element %q has unknown vertical align %q", e.ID, e.VerticalAlign)
		}
	case ImageElement:
		if !e.Role.valid() {
			return invalidf("image element %q has unknown role %q", e.ID, e.Role)
		}
		if !finite(e.CornerRadius) || e.CornerRadius < 0 || e.CornerRadius > limit {
			return invalidf("image element %q has invalid corner radius", e.ID)
		}
	case RectElement:
		if !finite(e.StrokeWidth, e.CornerRadius) || e.StrokeWidth < 0 || e.CornerRadius < 0 ||
			e.StrokeWidth > limit || e.CornerRadius > limit {
			return invalidf("rect element %q has invalid stroke or corner radius", e.ID)
		}
	default:
		return invalidf("element %q has unsupported variant %T", el.Base().ID, el)
	}
	return nil
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
