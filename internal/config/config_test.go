package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MINIO_ACCESS_KEY_ID", "minio")
	t.Setenv("MINIO_SECRET_ACCESS_KEY", "minio-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Port != 8080 || cfg.API.DownloadURLTTL != 15*time.Minute {
		t.Fatalf("unexpected api config %+v", cfg.API)
	}
	if cfg.Render.Backend != "browser" || cfg.Render.DPI != 300 || cfg.Render.Concurrency != 3 ||
		cfg.Render.Timeout != 30*time.Second || cfg.Render.JPEGQuality != 90 {
		t.Fatalf("unexpected render config %+v", cfg.Render)
	}
	if cfg.Pagination.Paper != "A4" || cfg.Pagination.Rows != 4 || cfg.Pagination.MarginMM != 10 || cfg.Pagination.SpacingMM != 5 {
		t.Fatalf("unexpected pagination config %+v", cfg.Pagination)
	}
	if cfg.Redis.Addr() != "localhost:6379" {
		t.Fatalf("redis addr = %s", cfg.Redis.Addr())
	}
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RENDER_BACKEND", "raster")
	t.Setenv("RENDER_TIMEOUT", "45s")
	t.Setenv("PAGINATION_PAGE_ORIENTATION", "match")
	t.Setenv("PAGINATION_MARGIN_MM", "7.5")
	t.Setenv("CLAMD_ADDR", "tcp://clamav:3310")
	t.Setenv("QR_BASE_URL", "https://badge.example.org/scan")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Render.Backend != "raster" || cfg.Render.Timeout != 45*time.Second {
		t.Fatalf("render = %+v", cfg.Render)
	}
	if cfg.Pagination.PageOrientation != "match" || cfg.Pagination.MarginMM != 7.5 {
		t.Fatalf("pagination = %+v", cfg.Pagination)
	}
	if cfg.Clamd.Addr != "tcp://clamav:3310" || cfg.QR.BaseURL != "https://badge.example.org/scan" {
		t.Fatalf("clamd=%q qr=%q", cfg.Clamd.Addr, cfg.QR.BaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		env, value, want string
	}{
		{"RENDER_BACKEND", "gpu", "render backend"},
		{"RENDER_DPI", "0", "dpi"},
		{"RENDER_JPEG_QUALITY", "101", "jpeg quality"},
		{"PAGINATION_PAGE_ORIENTATION", "diagonal", "page orientation"},
		{"PAGINATION_ROWS", "-1", "rows"},
		{"API_PORT", "0", "api port"},
	}
	for _, tc := range cases {
		t.Run(tc.env, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.env, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRequiresMinIOCredentials(t *testing.T) {
	t.Setenv("MINIO_ACCESS_KEY_ID", "")
	t.Setenv("MINIO_SECRET_ACCESS_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without minio credentials")
	}
}

func TestDefaultsPassRenderingValidation(t *testing.T) {
	if err := ValidateRendering(Defaults()); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
