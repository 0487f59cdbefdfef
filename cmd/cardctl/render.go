package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"idcard/internal/batch"
	"idcard/internal/binder"
	"idcard/internal/config"
)

var (
	renderTemplatePath string
	renderRosterPath   string
	renderOutPath      string
	renderAssetsDir    string
	renderTitle        string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a card batch to a PDF file",
	Long: `Render every employee of a YAML roster with one template and write the
paginated PDF. Image sources that are not URLs or data URIs are resolved
relative to --assets.`,
	RunE: runRender,
}

func init() {
	f := renderCmd.Flags()
	f.StringVarP(&renderTemplatePath, "template", "t", "", "template JSON file (required)")
	f.StringVarP(&renderRosterPath, "roster", "r", "", "roster YAML file (required)")
	f.StringVarP(&renderOutPath, "out", "o", "cards.pdf", "output PDF path")
	f.StringVar(&renderAssetsDir, "assets", ".", "directory used to resolve object keys")
	f.StringVar(&renderTitle, "title", "", "PDF title (defaults to the template name)")

	f.StringVar(&settings.Render.Backend, "backend", "raster", "render backend (raster, browser)")
	f.IntVar(&settings.Render.DPI, "dpi", settings.Render.DPI, "output resolution")
	f.IntVar(&settings.Render.Concurrency, "concurrency", settings.Render.Concurrency, "cards rendered in parallel")
	f.DurationVar(&settings.Render.Timeout, "timeout", settings.Render.Timeout, "per-card render timeout")
	f.IntVar(&settings.Render.JPEGQuality, "jpeg-quality", settings.Render.JPEGQuality, "JPEG quality of card images")
	f.StringVar(&settings.Render.ChromiumBin, "chromium-bin", settings.Render.ChromiumBin, "Chromium binary for the browser backend")
	f.StringVar(&settings.QR.BaseURL, "qr-base-url", settings.QR.BaseURL, "verification URL encoded in QR codes")
	addPageFlags(renderCmd)

	renderCmd.MarkFlagRequired("template")
	renderCmd.MarkFlagRequired("roster")
}

func runRender(cmd *cobra.Command, args []string) error {
	if err := config.ValidateRendering(settings); err != nil {
		return err
	}
	tmpl, err := loadTemplateFile(renderTemplatePath)
	if err != nil {
		return err
	}
	employees, err := loadRoster(renderRosterPath)
	if err != nil {
		return err
	}

	logger := newLogger()
	batchCfg, err := batch.ConfigFrom(settings)
	if err != nil {
		return err
	}
	backend, err := batch.NewBackend(settings.Render, logger)
	if err != nil {
		return err
	}
	cardBinder := binder.New(binder.NewSourceFetcher(dirObjects{root: renderAssetsDir}), binder.Options{
		QRBaseURL: settings.QR.BaseURL,
		QRSize:    settings.QR.Size,
		Logger:    logger,
	})
	runner := batch.NewRunner(backend, cardBinder, batchCfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	title := renderTitle
	if title == "" {
		title = tmpl.Name
	}
	out := cmd.OutOrStdout()
	start := time.Now()
	res, err := runner.Run(ctx, batch.Request{
		Template:  tmpl,
		Employees: employees,
		Title:     title,
		OnProgress: func(done, total int) {
			if verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r%d/%d", done, total)
			}
		},
	})
	if verbose {
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err != nil {
		return err
	}

	for _, f := range res.Failures {
		fmt.Fprintf(out, "FAILED  %s: %s\n", f.EmployeeID, f.Reason)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "WARN    %s %s: %s\n", w.EmployeeID, w.ElementID, w.Reason)
	}
	if res.Document.Empty() {
		return errors.New("no card could be rendered")
	}

	if dir := filepath.Dir(renderOutPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(renderOutPath, res.Document.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", renderOutPath, err)
	}

	fmt.Fprintf(out, "%s: %d cards on %d pages (%dx%d per page, %s backend, %s)\n",
		renderOutPath,
		res.Rendered,
		res.Document.Pages,
		res.Layout.Columns,
		res.Layout.Rows,
		strings.ToLower(backend.Name()),
		time.Since(start).Round(time.Millisecond),
	)
	return nil
}
