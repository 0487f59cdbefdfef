package binder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"idcard/internal/cardtemplate"
)

// Card is a template bound to one employee: every text placeholder resolved
// and every image resolved to bytes. It is built fresh per (template,
// employee) pair and must not be modified afterwards.
type Card struct {
	EmployeeID  string
	TemplateID  uint
	Orientation cardtemplate.Orientation
	// Background 为 nil 时合成器绘制纯白底。
	Background *Asset
	Layers     []Layer
	Warnings   []AssetWarning
}

// Layer 是绑定后的一个元素；Image 仅在 ImageElement 上非空。
type Layer struct {
	Element cardtemplate.Element
	Image   *Asset
}

// AssetWarning records one recovered asset failure.
type AssetWarning struct {
	EmployeeID string `json:"employee_id"`
	ElementID  string `json:"element_id,omitempty"`
	Source     string `json:"source,omitempty"`
	Reason     string `json:"reason"`
}

// Options 配置 Binder。
type Options struct {
	QRBaseURL string
	QRSize    int
	Now       func() time.Time
	Logger    *slog.Logger
}

// Binder resolves templates against employee records.
type Binder struct {
	fetcher   Fetcher
	shared    Fetcher
	qrBaseURL string
	qrSize    int
	now       func() time.Time
	logger    *slog.Logger
}

// New 创建 Binder。fetcher 用于员工照片，模板级资源在 ForBatch 之后按批次缓存。
func New(fetcher Fetcher, opts Options) *Binder {
	checked := checkedFetcher{next: fetcher}
	b := &Binder{
		fetcher:   checked,
		shared:    checked,
		qrBaseURL: strings.TrimSpace(opts.QRBaseURL),
		qrSize:    opts.QRSize,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// ForBatch returns a binder sharing this one's settings whose template-level
// assets are fetched at most once for the lifetime of the returned value.
func (b *Binder) ForBatch() *Binder {
	next := *b
	next.shared = newMemoFetcher(b.fetcher)
	return &next
}

// Bind 将模板与员工绑定。资源失败只会降级（占位图或省略元素）并记录告警；
// 仅当 ctx 被取消时返回错误。
func (b *Binder) Bind(ctx context.Context, tmpl cardtemplate.Template, emp Employee) (*Card, error) {
	now := b.now()
	card := &Card{
		EmployeeID:  emp.ID,
		TemplateID:  tmpl.ID,
		Orientation: tmpl.Orientation,
		Layers:      make([]Layer, 0, len(tmpl.Elements)),
	}

	jobs := make([]fetchJob, 0, len(tmpl.Elements)+1)
	jobIndex := make(map[fetchJob]int)
	enqueue := func(job fetchJob) {
		if job.source == "" {
			return
		}
		if _, ok := jobIndex[job]; ok {
			return
		}
		jobIndex[job] = len(jobs)
		jobs = append(jobs, job)
	}

	enqueue(fetchJob{source: tmpl.FrontBackgroundSource, shared: true})
	for _, el := range tmpl.Elements {
		img, ok := el.(cardtemplate.ImageElement)
		if !ok {
			continue
		}
		if job, ok := imageJob(tmpl, img, emp); ok {
			enqueue(job)
		}
	}

	results := fetchAll(ctx, b.fetcher, b.shared, jobs)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bind employee %s: %w", emp.ID, err)
	}
	lookup := func(job fetchJob) fetchResult {
		return results[jobIndex[job]]
	}

	if src := tmpl.FrontBackgroundSource; src != "" {
		res := lookup(fetchJob{source: src, shared: true})
		if res.err != nil {
			card.warn(b.logger, "", src, fmt.Sprintf("background unavailable, painting white: %v", res.err))
		} else {
			asset := res.asset
			card.Background = &asset
		}
	}

	for _, el := range tmpl.Elements {
		switch e := el.(type) {
		case cardtemplate.TextElement:
			e.Content = Substitute(e.Content, emp, now)
			card.Layers = append(card.Layers, Layer{Element: e})
		case cardtemplate.RectElement:
			card.Layers = append(card.Layers, Layer{Element: e})
		case cardtemplate.ImageElement:
			asset, ok := b.resolveImage(card, tmpl, e, emp, lookup)
			if !ok {
				continue
			}
			card.Layers = append(card.Layers, Layer{Element: e, Image: &asset})
		default:
			return nil, fmt.Errorf("bind employee %s: unsupported element %T", emp.ID, el)
		}
	}

	return card, nil
}

func imageJob(tmpl cardtemplate.Template, img cardtemplate.ImageElement, emp Employee) (fetchJob, bool) {
	switch img.Role {
	case cardtemplate.RoleEmployeePhoto:
		src := strings.TrimSpace(emp.PhotoSource)
		return fetchJob{source: src}, src != ""
	case cardtemplate.RoleLogo:
		src := firstSource(img.Source, tmpl.LogoSource)
		return fetchJob{source: src, shared: true}, src != ""
	case cardtemplate.RoleStaticURL:
		return fetchJob{source: img.Source, shared: true}, img.Source != ""
	default:
		return fetchJob{}, false
	}
}

func (b *Binder) resolveImage(
	card *Card,
	tmpl cardtemplate.Template,
	img cardtemplate.ImageElement,
	emp Employee,
	lookup func(fetchJob) fetchResult,
) (Asset, bool) {
	switch img.Role {
	case cardtemplate.RoleEmployeePhoto:
		job, ok := imageJob(tmpl, img, emp)
		if !ok {
			card.warn(b.logger, img.ID, "", "employee has no photo, using placeholder")
			return MissingPhoto(), true
		}
		res := lookup(job)
		if res.err != nil {
			card.warn(b.logger, img.ID, job.source, fmt.Sprintf("photo unavailable, using placeholder: %v", res.err))
			return MissingPhoto(), true
		}
		return res.asset, true

	case cardtemplate.RoleQRCode:
		token := strings.TrimSpace(emp.BadgeToken)
		if token == "" {
			card.warn(b.logger, img.ID, "", "employee has no badge token, qr code omitted")
			return Asset{}, false
		}
		asset, err := encodeQR(QRPayload(b.qrBaseURL, token), b.qrSize)
		if err != nil {
			card.warn(b.logger, img.ID, "", err.Error())
			return Asset{}, false
		}
		return asset, true

	case cardtemplate.RoleLogo, cardtemplate.RoleStaticURL:
		job, ok := imageJob(tmpl, img, emp)
		if !ok {
			card.warn(b.logger, img.ID, "", fmt.Sprintf("%s image has no source, element omitted", img.Role))
			return Asset{}, false
		}
		res := lookup(job)
		if res.err != nil {
			card.warn(b.logger, img.ID, job.source, fmt.Sprintf("%s image unavailable, element omitted: %v", img.Role, res.err))
			return Asset{}, false
		}
		return res.asset, true

	default:
		card.warn(b.logger, img.ID, "", fmt.Sprintf("unknown image role %q, element omitted", img.Role))
		return Asset{}, false
	}
}

func (c *Card) warn(logger *slog.Logger, elementID, source, reason string) {
	w := AssetWarning{
		EmployeeID: c.EmployeeID,
		ElementID:  elementID,
		Source:     source,
		Reason:     reason,
	}
	c.Warnings = append(c.Warnings, w)
	logger.Warn("card asset degraded",
		slog.String("employee_id", w.EmployeeID),
		slog.String("element_id", w.ElementID),
		slog.String("source", w.Source),
		slog.String("reason", w.Reason),
	)
}

func firstSource(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
