package cardtemplate

// Orientation 描述卡面方向。
type Orientation string

const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
)

// Valid reports whether o is one of the known orientations.
func (o Orientation) Valid() bool {
	return o == Portrait || o == Landscape
}

// Template 是编辑器产出的一份卡面模板快照。
// Elements 的顺序即绘制顺序，后面的元素覆盖前面的元素。
type Template struct {
	ID                    uint
	Name                  string
	Orientation           Orientation
	LogoSource            string
	FrontBackgroundSource string
	BackBackgroundSource  string
	Elements              []Element

	// Canvas 为编辑器声明的画布尺寸（可选），仅用于方向一致性校验。
	Canvas *Size
}

// Size is a width/height pair in design-space pixels.
type Size struct {
	Width  float64
	Height float64
}

// Frame 是所有元素共有的几何与可见性字段，坐标位于设计空间。
type Frame struct {
	ID       string
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Rotation float64
	ScaleX   float64
	ScaleY   float64
	Visible  bool
	Opacity  float64
}

// Element is the closed set of template primitives. Only TextElement,
// ImageElement and RectElement implement it.
type Element interface {
	Base() Frame
	sealed()
}

type HorizontalAlign string

const (
	AlignLeft   HorizontalAlign = "left"
	AlignCenter HorizontalAlign = "center"
	AlignRight  HorizontalAlign = "right"
)

type VerticalAlign string

const (
	AlignTop    VerticalAlign = "top"
	AlignMiddle VerticalAlign = "middle"
	AlignBottom VerticalAlign = "bottom"
)

// TextElement 为文本元素，Content 中可以包含 {full_name} 等占位符。
type TextElement struct {
	Frame
	Content         string
	FontSize        float64
	FontFamily      string
	Color           string
	HorizontalAlign HorizontalAlign
	VerticalAlign   VerticalAlign
	Bold            bool
	Italic          bool
}

// ImageRole 决定图片元素的数据来源。
type ImageRole string

const (
	RoleEmployeePhoto ImageRole = "employeePhoto"
	RoleQRCode        ImageRole = "qrCode"
	RoleLogo          ImageRole = "logo"
	RoleStaticURL     ImageRole = "staticUrl"
)

func (r ImageRole) valid() bool {
	switch r {
	case RoleEmployeePhoto, RoleQRCode, RoleLogo, RoleStaticURL:
		return true
	}
	return false
}

// ImageElement 为图片元素。Source 仅对 logo/staticUrl 有意义。
type ImageElement struct {
	Frame
	Role         ImageRole
	Source       string
	CornerRadius float64
}

// RectElement 为矩形元素。
type RectElement struct {
	Frame
	FillColor    string
	StrokeColor  string
	StrokeWidth  float64
	CornerRadius float64
}

func (e TextElement) Base() Frame  { return e.Frame }
func (e ImageElement) Base() Frame { return e.Frame }
func (e RectElement) Base() Frame  { return e.Frame }

func (TextElement) sealed()  {}
func (ImageElement) sealed() {}
func (RectElement) sealed()  {}

// Lookup 按 id 查找元素。
func (t Template) Lookup(id string) (Element, bool) {
	for _, el := range t.Elements {
		if el.Base().ID == id {
			return el, true
		}
	}
	return nil, false
}

// WithElement returns a new snapshot in which the element with the same id is
// replaced by el, or el is appended when no such element exists. The receiver
// is left untouched.
func (t Template) WithElement(el Element) Template {
	next := t
	next.Elements = make([]Element, 0, len(t.Elements)+1)
	replaced := false
	for _, cur := range t.Elements {
		if !replaced && cur.Base().ID == el.Base().ID {
			next.Elements = append(next.Elements, el)
			replaced = true
			continue
		}
		next.Elements = append(next.Elements, cur)
	}
	if !replaced {
		next.Elements = append(next.Elements, el)
	}
	return next
}

// WithoutElement returns a new snapshot without the element identified by id.
func (t Template) WithoutElement(id string) Template {
	next := t
	next.Elements = make([]Element, 0, len(t.Elements))
	for _, cur := range t.Elements {
		if cur.Base().ID == id {
			continue
		}
		next.Elements = append(next.Elements, cur)
	}
	return next
}
