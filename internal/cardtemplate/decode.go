package cardtemplate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record 是模板在存储与编辑器之间传输的 JSON 结构。
type Record struct {
	ID                 uint          `json:"id"`
	TemplateName       string        `json:"template_name"`
	Orientation        string        `json:"orientation"`
	LogoURL            string        `json:"logo_url,omitempty"`
	BackgroundFrontURL string        `json:"background_front_url,omitempty"`
	BackgroundBackURL  string        `json:"background_back_url,omitempty"`
	LayoutConfig       *LayoutConfig `json:"layout_config"`
}

// LayoutConfig 是 layout_config 列（JSONB）的内容。
type LayoutConfig struct {
	Canvas   *canvasRecord   `json:"canvas,omitempty"`
	Elements []elementRecord `json:"elements"`
}

type canvasRecord struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// elementRecord 是编辑器输出的扁平元素结构，字段名沿用 Konva 的命名。
type elementRecord struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Width    float64  `json:"width"`
	Height   float64  `json:"height"`
	Rotation float64  `json:"rotation,omitempty"`
	ScaleX   *float64 `json:"scaleX,omitempty"`
	ScaleY   *float64 `json:"scaleY,omitempty"`
	Visible  *bool    `json:"visible,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"`

	Text          *string `json:"text,omitempty"`
	Content       *string `json:"content,omitempty"`
	FontSize      float64 `json:"fontSize,omitempty"`
	FontFamily    string  `json:"fontFamily,omitempty"`
	Color         string  `json:"color,omitempty"`
	Align         string  `json:"align,omitempty"`
	VerticalAlign string  `json:"verticalAlign,omitempty"`
	FontStyle     string  `json:"fontStyle,omitempty"`

	Role string `json:"role,omitempty"`
	Src  string `json:"src,omitempty"`

	Fill         string  `json:"fill,omitempty"`
	Stroke       string  `json:"stroke,omitempty"`
	StrokeWidth  float64 `json:"strokeWidth,omitempty"`
	CornerRadius float64 `json:"cornerRadius,omitempty"`
}

const (
	typeText  = "Text"
	typeImage = "Image"
	typeRect  = "Rect"

	defaultFontSize   = 12
	defaultFontFamily = "Arial"
	defaultTextColor  = "#000000"
)

// Decode 解析模板记录并执行结构校验。
func Decode(raw []byte) (Template, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Template{}, fmt.Errorf("%w: decode record: %v", ErrInvalidTemplate, err)
	}
	return FromRecord(rec)
}

// DecodeLayout builds a template from the separate columns a database row
// keeps: the scalar fields plus the raw layout_config JSON.
func DecodeLayout(rec Record, layoutJSON []byte) (Template, error) {
	if len(layoutJSON) > 0 && string(layoutJSON) != "null" {
		var cfg LayoutConfig
		if err := json.Unmarshal(layoutJSON, &cfg); err != nil {
			return Template{}, fmt.Errorf("%w: decode layout_config: %v", ErrInvalidTemplate, err)
		}
		rec.LayoutConfig = &cfg
	}
	return FromRecord(rec)
}

// FromRecord converts and validates a decoded record.
func FromRecord(rec Record) (Template, error) {
	t := Template{
		ID:                    rec.ID,
		Name:                  strings.TrimSpace(rec.TemplateName),
		Orientation:           Orientation(strings.ToLower(strings.TrimSpace(rec.Orientation))),
		LogoSource:            strings.TrimSpace(rec.LogoURL),
		FrontBackgroundSource: strings.TrimSpace(rec.BackgroundFrontURL),
		BackBackgroundSource:  strings.TrimSpace(rec.BackgroundBackURL),
	}

	if rec.LayoutConfig != nil {
		if rec.LayoutConfig.Canvas != nil {
			t.Canvas = &Size{Width: rec.LayoutConfig.Canvas.Width, Height: rec.LayoutConfig.Canvas.Height}
		}
		if rec.LayoutConfig.Elements != nil {
			t.Elements = make([]Element, 0, len(rec.LayoutConfig.Elements))
			for i, er := range rec.LayoutConfig.Elements {
				el, err := er.element()
				if err != nil {
					return Template{}, fmt.Errorf("%w: element #%d: %v", ErrInvalidTemplate, i, err)
				}
				t.Elements = append(t.Elements, el)
			}
		}
	}

	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

func (r elementRecord) frame() Frame {
	f := Frame{
		ID:       strings.TrimSpace(r.ID),
		X:        r.X,
		Y:        r.Y,
		Width:    r.Width,
		Height:   r.Height,
		Rotation: r.Rotation,
		ScaleX:   1,
		ScaleY:   1,
		Visible:  true,
		Opacity:  1,
	}
	if r.ScaleX != nil {
		f.ScaleX = *r.ScaleX
	}
	if r.ScaleY != nil {
		f.ScaleY = *r.ScaleY
	}
	if r.Visible != nil {
		f.Visible = *r.Visible
	}
	if r.Opacity != nil {
		f.Opacity = *r.Opacity
	}
	return f
}

func (r elementRecord) element() (Element, error) {
	switch r.Type {
	case typeText:
		el := TextElement{
			Frame:           r.frame(),
			FontSize:        r.FontSize,
			FontFamily:      strings.TrimSpace(r.FontFamily),
			Color:           firstNonEmpty(r.Color, r.Fill),
			HorizontalAlign: HorizontalAlign(strings.ToLower(r.Align)),
			VerticalAlign:   VerticalAlign(strings.ToLower(r.VerticalAlign)),
		}
		switch {
		case r.Text != nil:
			el.Content = *r.Text
		case r.Content != nil:
			el.Content = *r.Content
		}
		style := strings.ToLower(r.FontStyle)
		el.Bold = strings.Contains(style, "bold")
		el.Italic = strings.Contains(style, "italic")
		if el.FontSize == 0 {
			el.FontSize = defaultFontSize
		}
		if el.FontFamily == "" {
			el.FontFamily = defaultFontFamily
		}
		if el.Color == "" {
			el.Color = defaultTextColor
		}
		if el.HorizontalAlign == "" {
			el.HorizontalAlign = AlignLeft
		}
		if el.VerticalAlign == "" {
			el.VerticalAlign = AlignTop
		}
		return el, nil
	case typeImage:
		return ImageElement{
			Frame:        r.frame(),
			Role:         ImageRole(strings.TrimSpace(r.Role)),
			Source:       strings.TrimSpace(r.Src),
			CornerRadius: r.CornerRadius,
		}, nil
	case typeRect:
		return RectElement{
			Frame:        r.frame(),
			FillColor:    strings.TrimSpace(r.Fill),
			StrokeColor:  strings.TrimSpace(r.Stroke),
			StrokeWidth:  r.StrokeWidth,
			CornerRadius: r.CornerRadius,
		}, nil
	case "":
		return nil, fmt.Errorf("element %q has no type", r.ID)
	default:
		return nil, fmt.Errorf("element %q has unknown type %q", r.ID, r.Type)
	}
}

// ToRecord converts a template back to its storage shape.
func (t Template) ToRecord() Record {
	rec := Record{
		ID:                 t.ID,
		TemplateName:       t.Name,
		Orientation:        string(t.Orientation),
		LogoURL:            t.LogoSource,
		BackgroundFrontURL: t.FrontBackgroundSource,
		BackgroundBackURL:  t.BackBackgroundSource,
		LayoutConfig:       &LayoutConfig{Elements: make([]elementRecord, 0, len(t.Elements))},
	}
	if t.Canvas != nil {
		rec.LayoutConfig.Canvas = &canvasRecord{Width: t.Canvas.Width, Height: t.Canvas.Height}
	}
	for _, el := range t.Elements {
		rec.LayoutConfig.Elements = append(rec.LayoutConfig.Elements, toElementRecord(el))
	}
	return rec
}

// Encode 将模板编码为记录 JSON。
func Encode(t Template) ([]byte, error) {
	return json.Marshal(t.ToRecord())
}

// EncodeLayout encodes only the layout_config part of the record.
func EncodeLayout(t Template) ([]byte, error) {
	return json.Marshal(t.ToRecord().LayoutConfig)
}

func toElementRecord(el Element) elementRecord {
	f := el.Base()
	scaleX, scaleY, opacity, visible := f.ScaleX, f.ScaleY, f.Opacity, f.Visible
	r := elementRecord{
		ID:       f.ID,
		X:        f.X,
		Y:        f.Y,
		Width:    f.Width,
		Height:   f.Height,
		Rotation: f.Rotation,
		ScaleX:   &scaleX,
		ScaleY:   &scaleY,
		Visible:  &visible,
		Opacity:  &opacity,
	}
	switch e := el.(type) {
	case TextElement:
		content := e.Content
		r.Type = typeText
		r.Text = &content
		r.FontSize = e.FontSize
		r.FontFamily = e.FontFamily
		r.Fill = e.Color
		r.Align = string(e.HorizontalAlign)
		r.VerticalAlign = string(e.VerticalAlign)
		r.FontStyle = fontStyle(e.Bold, e.Italic)
	case ImageElement:
		r.Type = typeImage
		r.Role = string(e.Role)
		r.Src = e.Source
		r.CornerRadius = e.CornerRadius
	case RectElement:
		r.Type = typeRect
		r.Fill = e.FillColor
		r.Stroke = e.StrokeColor
		r.StrokeWidth = e.StrokeWidth
		r.CornerRadius = e.CornerRadius
	}
	return r
}

func fontStyle(bold, italic bool) string {
	switch {
	case bold && italic:
		return "bold italic"
	case bold:
		return "bold"
	case italic:
		return "italic"
	default:
		return "normal"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
