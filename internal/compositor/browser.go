package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
)

// BrowserOptions 配置无头浏览器后端。
type BrowserOptions struct {
	// Bin 为 Chromium 可执行文件路径，为空时自动查找。
	Bin            string
	JPEGQuality    int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// BrowserBackend renders cards by screenshotting generated markup in
// headless Chromium. One browser is launched per batch; every card gets its
// own short-lived page.
type BrowserBackend struct {
	opts BrowserOptions
}

func NewBrowserBackend(opts BrowserOptions) *BrowserBackend {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 90 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &BrowserBackend{opts: opts}
}

func (b *BrowserBackend) Name() string { return "browser" }

// Acquire 启动 Chromium 并建立连接；任一步失败都会回收已获取的资源。
func (b *BrowserBackend) Acquire(ctx context.Context) (_ Session, err error) {
	launch := launcher.New().
		Headless(true).
		NoSandbox(true)
	defer func() {
		if err != nil {
			launch.Cleanup()
		}
	}()

	if b.opts.Bin != "" {
		launch = launch.Bin(b.opts.Bin)
	} else if path, ok := launcher.LookPath(); ok {
		launch = launch.Bin(path)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	browserURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch chromium: %v", ErrResourceExhaustion, err)
	}

	browser := rod.New().ControlURL(browserURL).Context(ctx).Timeout(b.opts.ConnectTimeout)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect browser: %v", ErrResourceExhaustion, err)
	}
	browser = browser.CancelTimeout().Context(context.Background())

	b.opts.Logger.Info("rendering surface acquired", slog.String("control_url", browserURL))
	return &browserSession{
		launch:  launch,
		browser: browser,
		quality: b.opts.JPEGQuality,
		logger:  b.opts.Logger,
	}, nil
}

type browserSession struct {
	launch  *launcher.Launcher
	browser *rod.Browser
	quality int
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Render 为单张卡片打开一个新标签页，渲染完成后立即关闭以控制内存。
func (s *browserSession) Render(ctx context.Context, card *binder.Card, dpi int) (RenderedCard, error) {
	markup, err := Markup(card, dpi)
	if err != nil {
		return RenderedCard{}, err
	}
	w, h := cardtemplate.PixelSize(card.Orientation, dpi)

	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return RenderedCard{}, renderFailuref("create page: %v", err)
	}
	defer closePage(page)

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             w,
		Height:            h,
		DeviceScaleFactor: 1,
	}); err != nil {
		return RenderedCard{}, renderFailuref("set viewport: %v", err)
	}

	if err := page.SetDocumentContent(markup); err != nil {
		return RenderedCard{}, renderFailuref("set document content: %v", err)
	}
	if err := page.WaitLoad(); err != nil {
		return RenderedCard{}, renderFailuref("wait load: %v", err)
	}

	// 等待所有 data URI 图片解码与字体就绪，避免截到半成品。
	if _, err := page.Eval(`() => Promise.all(
	  Array.from(document.images).map(img => img.decode ? img.decode().catch(() => null) : null)
	).then(() => (document.fonts && document.fonts.ready) ? document.fonts.ready.then(() => true) : true)`); err != nil {
		return RenderedCard{}, renderFailuref("wait images: %v", err)
	}

	quality := s.quality
	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
		Clip: &proto.PageViewport{
			X:      0,
			Y:      0,
			Width:  float64(w),
			Height: float64(h),
			Scale:  1,
		},
	})
	if err != nil {
		return RenderedCard{}, renderFailuref("capture screenshot: %v", err)
	}

	return newRenderedCard(card, dpi, data), nil
}

// Close 关闭浏览器并清理启动器（用户目录、子进程），可重复调用。
func (s *browserSession) Close() error {
	s.closeOnce.Do(func() {
		if err := s.browser.Close(); err != nil {
			s.closeErr = fmt.Errorf("close browser: %w", err)
		}
		s.launch.Cleanup()
		s.logger.Info("rendering surface released")
	})
	return s.closeErr
}

// closePage 使用独立的上下文关闭页面，渲染上下文已取消时也能回收标签页。
func closePage(page *rod.Page) {
	p := page.Context(context.Background()).Timeout(5 * time.Second)
	_ = p.Close()
	p.CancelTimeout()
}
