// Package batch drives one template over an ordered employee list: bind,
// render with bounded parallelism, paginate in input order and assemble.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
	"idcard/internal/compositor"
	"idcard/internal/document"
	"idcard/internal/layout"
	"idcard/internal/metrics"
)

const (
	DefaultConcurrency   = 3
	DefaultRenderTimeout = 30 * time.Second
	// renderAttempts 含首次渲染，失败后只重试一次。
	renderAttempts = 2
)

// Config 是一次批量渲染的参数，PageSpec 中的卡片方向由模板决定。
type Config struct {
	DPI           int
	Concurrency   int
	RenderTimeout time.Duration
	Page          layout.PageSpec
}

// Request is one batch: a template and the employees in print order.
type Request struct {
	Template  cardtemplate.Template
	Employees []binder.Employee
	Title     string
	// OnProgress 在每张卡片完成（成功或失败）后调用，调用是串行的。
	OnProgress func(done, total int)
}

// Failure names one card that could not be produced.
type Failure struct {
	EmployeeID string `json:"employee_id"`
	Reason     string `json:"reason"`
	// Index 是该卡片在 Request.Employees 中的位置，同一员工重复出现时据此区分。
	Index int `json:"-"`
}

// Result is the outcome of a batch. Placed lists employee ids in print order.
type Result struct {
	Document *document.Document
	Layout   layout.Layout
	Rendered int
	Placed   []string
	Failures []Failure
	Warnings []binder.AssetWarning
}

// Runner owns the pipeline configuration; it is safe to reuse across batches.
type Runner struct {
	backend compositor.Backend
	binder  *binder.Binder
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewRunner(backend compositor.Backend, b *binder.Binder, cfg Config, logger *slog.Logger) *Runner {
	if cfg.DPI <= 0 {
		cfg.DPI = compositor.DefaultDPI
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	if cfg.Page.Paper.Width == 0 {
		cfg.Page = layout.DefaultPageSpec(cardtemplate.Landscape)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{backend: backend, binder: b, cfg: cfg, logger: logger, now: time.Now}
}

// Layout computes the page grid a template would get without rendering.
func (r *Runner) Layout(orientation cardtemplate.Orientation) (layout.Layout, error) {
	spec := r.cfg.Page
	spec.CardOrientation = orientation
	return layout.Compute(spec)
}

type slot struct {
	card     *compositor.RenderedCard
	failure  string
	warnings []binder.AssetWarning
}

// Run executes the batch. Structural problems (invalid template, page
// geometry, unavailable rendering surface) fail the whole batch before any
// card is rendered; single-card failures are reported in Result.Failures.
// The rendering session is released on every return path.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	tmpl := req.Template
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	grid, err := r.Layout(tmpl.Orientation)
	if err != nil {
		return nil, err
	}

	total := len(req.Employees)
	logger := r.logger.With(
		slog.Uint64("template_id", uint64(tmpl.ID)),
		slog.String("backend", r.backend.Name()),
		slog.Int("cards", total),
	)
	startedAt := r.now()

	result := &Result{Layout: grid}
	if total == 0 {
		result.Document = &document.Document{}
		return result, nil
	}

	session, err := r.backend.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire %s backend: %w", r.backend.Name(), err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("release rendering session failed", slog.Any("error", cerr))
		}
	}()

	slots := make([]slot, total)
	b := r.binder.ForBatch()

	var (
		progressMu sync.Mutex
		done       int
	)
	reportProgress := func() {
		progressMu.Lock()
		defer progressMu.Unlock()
		done++
		if req.OnProgress != nil {
			req.OnProgress(done, total)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range req.Employees {
		if gctx.Err() != nil {
			break
		}
		i := i
		emp := req.Employees[i]
		g.Go(func() error {
			card, warnings, err := r.renderOne(gctx, session, b, tmpl, emp, logger)
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			slots[i].warnings = warnings
			if err != nil {
				slots[i].failure = err.Error()
				logger.Warn("card failed", slog.String("employee_id", emp.ID), slog.Any("error", err))
			} else {
				slots[i].card = &card
			}
			reportProgress()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch aborted: %w", err)
	}

	rendered := make([]compositor.RenderedCard, 0, total)
	for i, s := range slots {
		result.Warnings = append(result.Warnings, s.warnings...)
		if s.card == nil {
			result.Failures = append(result.Failures, Failure{EmployeeID: req.Employees[i].ID, Reason: s.failure, Index: i})
			continue
		}
		rendered = append(rendered, *s.card)
		result.Placed = append(result.Placed, s.card.EmployeeID)
	}
	result.Rendered = len(rendered)

	pages := layout.Paginate(rendered, grid)
	doc, err := document.Assemble(pages, grid, document.Options{Title: req.Title, CreatedAt: startedAt})
	if err != nil {
		return nil, fmt.Errorf("assemble document: %w", err)
	}
	result.Document = doc

	logger.Info("batch rendered",
		slog.Int("rendered", result.Rendered),
		slog.Int("failed", len(result.Failures)),
		slog.Int("warnings", len(result.Warnings)),
		slog.Int("pages", doc.Pages),
		slog.Duration("elapsed", r.now().Sub(startedAt)),
	)
	return result, nil
}

// renderOne 绑定并渲染一张卡片；渲染失败或超时时用新的上下文重试一次。
// panic 同样记为该卡片的失败，不重试。
func (r *Runner) renderOne(
	ctx context.Context,
	session compositor.Session,
	b *binder.Binder,
	tmpl cardtemplate.Template,
	emp binder.Employee,
	logger *slog.Logger,
) (rendered compositor.RenderedCard, warnings []binder.AssetWarning, err error) {
	start := time.Now()
	backend := r.backend.Name()
	// 单张卡片的 panic 不能带走整个 worker，转换成该卡片的渲染失败。
	defer func() {
		if p := recover(); p != nil {
			logger.Error("card render panicked",
				slog.String("employee_id", emp.ID),
				slog.Any("panic", p),
			)
			metrics.ObserveCardRender(backend, metrics.RenderResultFailed, time.Since(start))
			rendered, err = compositor.RenderedCard{}, fmt.Errorf("%w: panic: %v", compositor.ErrRenderFailure, p)
		}
	}()

	card, err := b.Bind(ctx, tmpl, emp)
	if err != nil {
		metrics.ObserveCardRender(backend, metrics.RenderResultFailed, time.Since(start))
		return compositor.RenderedCard{}, nil, err
	}

	for attempt := 1; attempt <= renderAttempts; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, r.cfg.RenderTimeout)
		rendered, err = session.Render(rctx, card, r.cfg.DPI)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil || !retryable(err) || attempt == renderAttempts {
			break
		}
		metrics.IncRenderRetry(backend)
		logger.Warn("card render failed, retrying",
			slog.String("employee_id", emp.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
	if err != nil {
		metrics.ObserveCardRender(backend, metrics.RenderResultFailed, time.Since(start))
		return compositor.RenderedCard{}, card.Warnings, err
	}

	metrics.ObserveCardRender(backend, metrics.RenderResultOK, time.Since(start))
	return rendered, card.Warnings, nil
}

func retryable(err error) bool {
	return errors.Is(err, compositor.ErrRenderFailure) || errors.Is(err, context.DeadlineExceeded)
}
