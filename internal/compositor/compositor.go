// Package compositor rasterises bound cards into fixed-size JPEG images.
//
// Two backends share one contract: BrowserBackend renders generated markup
// in headless Chromium, RasterBackend draws the same layers directly.
package compositor

import (
	"context"
	"errors"
	"fmt"

	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
)

const (
	DefaultDPI         = 300
	DefaultJPEGQuality = 90
)

var (
	// ErrRenderFailure 表示单张卡片渲染失败（超时、页面崩溃等），可对该卡片重试。
	ErrRenderFailure = errors.New("render failure")
	// ErrResourceExhaustion 表示渲染表面无法启动，整批失败。
	ErrResourceExhaustion = errors.New("rendering surface unavailable")
)

// RenderedCard is the raster output for one employee.
type RenderedCard struct {
	EmployeeID  string
	Image       []byte
	ContentType string
	PixelWidth  int
	PixelHeight int
	WidthMM     float64
	HeightMM    float64
}

// Backend acquires a rendering session for one batch.
type Backend interface {
	Name() string
	Acquire(ctx context.Context) (Session, error)
}

// Session renders cards until closed. Render is safe for concurrent use.
type Session interface {
	Render(ctx context.Context, card *binder.Card, dpi int) (RenderedCard, error)
	Close() error
}

func newRenderedCard(card *binder.Card, dpi int, image []byte) RenderedCard {
	w, h := cardtemplate.PixelSize(card.Orientation, dpi)
	wmm, hmm := cardtemplate.CardSizeMM(card.Orientation)
	return RenderedCard{
		EmployeeID:  card.EmployeeID,
		Image:       image,
		ContentType: "image/jpeg",
		PixelWidth:  w,
		PixelHeight: h,
		WidthMM:     wmm,
		HeightMM:    hmm,
	}
}

func renderFailuref(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRenderFailure, fmt.Sprintf(format, args...))
}

func checkDPI(dpi int) error {
	if dpi <= 0 || dpi > 1200 {
		return fmt.Errorf("dpi %d out of range (1-1200)", dpi)
	}
	return nil
}

// designScale maps design-space pixels onto the target canvas.
func designScale(dpi int) float64 {
	return float64(dpi) / cardtemplate.DesignDPI
}
