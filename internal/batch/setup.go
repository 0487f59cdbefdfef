package batch

import (
	"fmt"
	"log/slog"
	"strings"

	"idcard/internal/cardtemplate"
	"idcard/internal/compositor"
	"idcard/internal/config"
	"idcard/internal/layout"
)

// ConfigFrom 将应用配置转换为批量渲染参数。
func ConfigFrom(cfg config.Config) (Config, error) {
	paper, err := layout.PaperByName(cfg.Pagination.Paper)
	if err != nil {
		return Config{}, err
	}
	page := layout.DefaultPageSpec(cardtemplate.Landscape)
	page.Paper = paper
	page.PageOrientation = layout.PageOrientation(strings.ToLower(cfg.Pagination.PageOrientation))
	page.Rows = cfg.Pagination.Rows
	page.MarginMM = cfg.Pagination.MarginMM
	page.SpacingMM = cfg.Pagination.SpacingMM

	return Config{
		DPI:           cfg.Render.DPI,
		Concurrency:   cfg.Render.Concurrency,
		RenderTimeout: cfg.Render.Timeout,
		Page:          page,
	}, nil
}

// NewBackend 按 render.backend 选择合成后端。
func NewBackend(rc config.RenderConfig, logger *slog.Logger) (compositor.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(rc.Backend)) {
	case "", "browser":
		return compositor.NewBrowserBackend(compositor.BrowserOptions{
			Bin:         rc.ChromiumBin,
			JPEGQuality: rc.JPEGQuality,
			Logger:      logger,
		}), nil
	case "raster":
		return compositor.NewRasterBackend(rc.JPEGQuality), nil
	default:
		return nil, fmt.Errorf("unknown render backend %q", rc.Backend)
	}
}
