package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	Render     RenderConfig     `mapstructure:"render"`
	Pagination PaginationConfig `mapstructure:"pagination"`
	QR         QRConfig         `mapstructure:"qr"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Clamd      ClamdConfig      `mapstructure:"clamd"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port int `mapstructure:"port"`
	// BatchRateLimit 为每个客户端 IP 每分钟允许提交的批次数，0 表示不限制。
	BatchRateLimit int `mapstructure:"batch_rate_limit"`
	// DownloadURLTTL 为下载链接有效期。
	DownloadURLTTL time.Duration `mapstructure:"download_url_ttl"`
	// AllowedOrigins 为 WebSocket 允许的 Origin（逗号分隔），空表示仅同源。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains connection options for PostgreSQL.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr 返回 host:port。
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	PublicEndpoint   string `mapstructure:"public_endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	Region           string `mapstructure:"region"`
	BucketLookup     string `mapstructure:"bucket_lookup"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// RenderConfig 控制卡片合成。
type RenderConfig struct {
	// Backend 为 browser 或 raster。
	Backend     string        `mapstructure:"backend"`
	DPI         int           `mapstructure:"dpi"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	JPEGQuality int           `mapstructure:"jpeg_quality"`
	ChromiumBin string        `mapstructure:"chromium_bin"`
}

// PaginationConfig describes the printed sheet.
type PaginationConfig struct {
	Paper           string  `mapstructure:"paper"`
	PageOrientation string  `mapstructure:"page_orientation"`
	Rows            int     `mapstructure:"rows"`
	MarginMM        float64 `mapstructure:"margin_mm"`
	SpacingMM       float64 `mapstructure:"spacing_mm"`
}

// QRConfig 二维码内容的扫描地址。
type QRConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Size    int    `mapstructure:"size"`
}

// WorkerConfig 控制 asynq worker。
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxRetry    int `mapstructure:"max_retry"`
}

// ClamdConfig 病毒扫描服务地址，为空时跳过扫描。
type ClamdConfig struct {
	Addr string `mapstructure:"addr"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.batch_rate_limit", 10)
	v.SetDefault("api.download_url_ttl", 15*time.Minute)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "idcard")
	v.SetDefault("database.user", "idcard")
	v.SetDefault("database.password", "idcard")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "idcards")
	v.SetDefault("minio.region", "us-east-1")
	v.SetDefault("minio.bucket_lookup", "auto")
	v.SetDefault("minio.auto_create_bucket", true)
	v.SetDefault("render.backend", "browser")
	v.SetDefault("render.dpi", 300)
	v.SetDefault("render.concurrency", 3)
	v.SetDefault("render.timeout", 30*time.Second)
	v.SetDefault("render.jpeg_quality", 90)
	v.SetDefault("pagination.paper", "A4")
	v.SetDefault("pagination.page_orientation", "portrait")
	v.SetDefault("pagination.rows", 4)
	v.SetDefault("pagination.margin_mm", 10.0)
	v.SetDefault("pagination.spacing_mm", 5.0)
	v.SetDefault("qr.base_url", "https://scan.example.com/verify")
	v.SetDefault("qr.size", 512)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_retry", 3)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                    "API_PORT",
		"api.batch_rate_limit":        "API_BATCH_RATE_LIMIT",
		"api.download_url_ttl":        "API_DOWNLOAD_URL_TTL",
		"api.allowed_origins":         "API_ALLOWED_ORIGINS",
		"database.host":               "DATABASE_HOST",
		"database.port":               "DATABASE_PORT",
		"database.name":               "POSTGRES_DB",
		"database.user":               "POSTGRES_USER",
		"database.password":           "POSTGRES_PASSWORD",
		"database.sslmode":            "DATABASE_SSLMODE",
		"redis.host":                  "REDIS_HOST",
		"redis.port":                  "REDIS_PORT",
		"minio.endpoint":              "MINIO_ENDPOINT",
		"minio.public_endpoint":       "MINIO_PUBLIC_ENDPOINT",
		"minio.access_key_id":         "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":     "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":               "MINIO_USE_SSL",
		"minio.bucket":                "MINIO_BUCKET",
		"minio.region":                "MINIO_REGION",
		"minio.bucket_lookup":         "MINIO_BUCKET_LOOKUP",
		"minio.auto_create_bucket":    "MINIO_AUTO_CREATE_BUCKET",
		"render.backend":              "RENDER_BACKEND",
		"render.dpi":                  "RENDER_DPI",
		"render.concurrency":          "RENDER_CONCURRENCY",
		"render.timeout":              "RENDER_TIMEOUT",
		"render.jpeg_quality":         "RENDER_JPEG_QUALITY",
		"render.chromium_bin":         "CHROMIUM_BIN",
		"pagination.paper":            "PAGINATION_PAPER",
		"pagination.page_orientation": "PAGINATION_PAGE_ORIENTATION",
		"pagination.rows":             "PAGINATION_ROWS",
		"pagination.margin_mm":        "PAGINATION_MARGIN_MM",
		"pagination.spacing_mm":       "PAGINATION_SPACING_MM",
		"qr.base_url":                 "QR_BASE_URL",
		"qr.size":                     "QR_SIZE",
		"worker.concurrency":          "WORKER_CONCURRENCY",
		"worker.max_retry":            "WORKER_MAX_RETRY",
		"clamd.addr":                  "CLAMD_ADDR",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.API.BatchRateLimit < 0 {
		return errors.New("api batch rate limit must not be negative")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Database.SSLMode == "" {
		return errors.New("database sslmode is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.MinIO.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if cfg.MinIO.PublicEndpoint == "" {
		return errors.New("minio public endpoint is required")
	}
	if cfg.MinIO.AccessKeyID == "" {
		return errors.New("minio access key id is required")
	}
	if cfg.MinIO.SecretAccessKey == "" {
		return errors.New("minio secret access key is required")
	}
	if cfg.MinIO.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	return ValidateRendering(cfg)
}

// ValidateRendering 校验渲染与分页配置，CLI 也会单独调用。
func ValidateRendering(cfg Config) error {
	switch strings.ToLower(cfg.Render.Backend) {
	case "browser", "raster":
	default:
		return fmt.Errorf("render backend must be browser or raster, got %q", cfg.Render.Backend)
	}
	if cfg.Render.DPI <= 0 || cfg.Render.DPI > 1200 {
		return errors.New("render dpi must be within 1-1200")
	}
	if cfg.Render.Concurrency <= 0 {
		return errors.New("render concurrency must be positive")
	}
	if cfg.Render.Timeout <= 0 {
		return errors.New("render timeout must be positive")
	}
	if cfg.Render.JPEGQuality <= 0 || cfg.Render.JPEGQuality > 100 {
		return errors.New("render jpeg quality must be within 1-100")
	}
	switch strings.ToLower(cfg.Pagination.PageOrientation) {
	case "portrait", "landscape", "match":
	default:
		return fmt.Errorf("pagination page orientation must be portrait, landscape or match, got %q", cfg.Pagination.PageOrientation)
	}
	if cfg.Pagination.Rows < 0 {
		return errors.New("pagination rows must not be negative")
	}
	if cfg.Pagination.MarginMM < 0 || cfg.Pagination.SpacingMM < 0 {
		return errors.New("pagination margin and spacing must not be negative")
	}
	if cfg.QR.BaseURL == "" {
		return errors.New("qr base url is required")
	}
	return nil
}

// Defaults returns the built-in settings without reading the environment.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// 默认值均为基本类型，解码不会失败。
	_ = v.Unmarshal(&cfg)
	return cfg
}
