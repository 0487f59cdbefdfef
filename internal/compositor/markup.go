package compositor

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
)

// cardTemplateString 是卡面渲染用的 HTML 模板。
// 画布尺寸与截图视口完全一致；元素以左上角为变换原点，与编辑器保持一致。
const cardTemplateString = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        html, body {
            margin: 0;
            padding: 0;
            background: #ffffff;
        }
        #card {
            position: relative;
            overflow: hidden;
            width: {{.Width}}px;
            height: {{.Height}}px;
            background: #ffffff;
        }
        #card > .bg {
            position: absolute;
            left: 0;
            top: 0;
            width: 100%;
            height: 100%;
            object-fit: cover;
        }
        .el {
            position: absolute;
            box-sizing: border-box;
            overflow: hidden;
            transform-origin: 0 0;
        }
        .el > img {
            display: block;
            width: 100%;
            height: 100%;
            object-fit: cover;
        }
        .el.txt {
            display: flex;
            white-space: pre-wrap;
            word-break: break-word;
            line-height: 1.2;
        }
        .el.txt > div {
            width: 100%;
        }
    </style>
</head>
<body>
    <div id="card">
        {{- if .Background}}
        <img class="bg" src="{{.Background | safeURL}}" />
        {{- end}}
        {{- range .Nodes}}
        {{- if eq .Kind "text"}}
        <div class="el txt" data-id="{{.ID}}" style="{{.Style | safeCSS}}"><div style="{{.InnerStyle | safeCSS}}">{{.Text}}</div></div>
        {{- else if eq .Kind "image"}}
        <div class="el" data-id="{{.ID}}" style="{{.Style | safeCSS}}"><img src="{{.Src | safeURL}}" /></div>
        {{- else}}
        <div class="el" data-id="{{.ID}}" style="{{.Style | safeCSS}}"></div>
        {{- end}}
        {{- end}}
    </div>
</body>
</html>
`

var cardTemplate = template.Must(template.New("card").Funcs(template.FuncMap{
	"safeCSS": func(s string) template.CSS { return template.CSS(s) },
	"safeURL": func(s string) template.URL { return template.URL(s) },
}).Parse(cardTemplateString))

type markupDoc struct {
	Width      int
	Height     int
	Background string
	Nodes      []markupNode
}

type markupNode struct {
	ID         string
	Kind       string
	Style      string
	InnerStyle string
	Text       string
	Src        string
}

// Markup builds the intermediate HTML document for a bound card, sized to the
// exact pixel canvas for dpi.
func Markup(card *binder.Card, dpi int) (string, error) {
	if err := checkDPI(dpi); err != nil {
		return "", err
	}
	w, h := cardtemplate.PixelSize(card.Orientation, dpi)
	doc := markupDoc{Width: w, Height: h, Nodes: make([]markupNode, 0, len(card.Layers))}
	if card.Background != nil {
		doc.Background = card.Background.DataURI()
	}

	scale := designScale(dpi)
	for _, layer := range card.Layers {
		node, err := markupFor(layer, scale)
		if err != nil {
			return "", err
		}
		doc.Nodes = append(doc.Nodes, node)
	}

	var buf bytes.Buffer
	if err := cardTemplate.Execute(&buf, doc); err != nil {
		return "", fmt.Errorf("execute card template: %w", err)
	}
	return buf.String(), nil
}

func markupFor(layer binder.Layer, scale float64) (markupNode, error) {
	f := layer.Element.Base()
	node := markupNode{ID: f.ID, Style: frameStyle(f, scale)}

	switch e := layer.Element.(type) {
	case cardtemplate.TextElement:
		node.Kind = "text"
		node.Text = e.Content
		node.Style += textStyle(e, scale)
		node.InnerStyle = "text-align:" + string(e.HorizontalAlign) + ";"
	case cardtemplate.ImageElement:
		if layer.Image == nil {
			return markupNode{}, fmt.Errorf("image layer %q has no bound asset", f.ID)
		}
		node.Kind = "image"
		node.Src = layer.Image.DataURI()
		if e.CornerRadius > 0 {
			node.Style += fmt.Sprintf("border-radius:%.2fpx;", e.CornerRadius*scale)
		}
	case cardtemplate.RectElement:
		node.Kind = "rect"
		node.Style += rectStyle(e, scale)
	default:
		return markupNode{}, fmt.Errorf("unsupported element %T", layer.Element)
	}
	return node, nil
}

func frameStyle(f cardtemplate.Frame, scale float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "left:%.2fpx;top:%.2fpx;width:%.2fpx;height:%.2fpx;",
		f.X*scale, f.Y*scale, f.Width*scale, f.Height*scale)
	fmt.Fprintf(&b, "opacity:%.3f;", f.Opacity)
	if f.Rotation != 0 || f.ScaleX != 1 || f.ScaleY != 1 {
		fmt.Fprintf(&b, "transform:rotate(%.3fdeg) scale(%.4f,%.4f);", f.Rotation, f.ScaleX, f.ScaleY)
	}
	if !f.Visible {
		b.WriteString("visibility:hidden;")
	}
	return b.String()
}

func textStyle(e cardtemplate.TextElement, scale float64) string {
	c, ok := parseColor(e.Color)
	if !ok {
		c, _ = parseColor("black")
	}
	weight, style := "normal", "normal"
	if e.Bold {
		weight = "bold"
	}
	if e.Italic {
		style = "italic"
	}
	return fmt.Sprintf("font-size:%.2fpx;font-family:'%s',sans-serif;color:%s;font-weight:%s;font-style:%s;align-items:%s;",
		e.FontSize*scale, safeFontFamily(e.FontFamily), cssColor(c), weight, style, flexAlign(e.VerticalAlign))
}

func rectStyle(e cardtemplate.RectElement, scale float64) string {
	var b strings.Builder
	if c, ok := parseColor(e.FillColor); ok {
		fmt.Fprintf(&b, "background-color:%s;", cssColor(c))
	}
	if c, ok := parseColor(e.StrokeColor); ok && e.StrokeWidth > 0 {
		fmt.Fprintf(&b, "border:%.2fpx solid %s;", e.StrokeWidth*scale, cssColor(c))
	}
	if e.CornerRadius > 0 {
		fmt.Fprintf(&b, "border-radius:%.2fpx;", e.CornerRadius*scale)
	}
	return b.String()
}

func flexAlign(v cardtemplate.VerticalAlign) string {
	switch v {
	case cardtemplate.AlignMiddle:
		return "center"
	case cardtemplate.AlignBottom:
		return "flex-end"
	default:
		return "flex-start"
	}
}

// safeFontFamily 仅保留字母、数字、空格、连字符与下划线，避免注入样式。
func safeFontFamily(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "Arial"
	}
	return b.String()
}
