package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"idcard/internal/binder"
	"idcard/internal/compositor"
	"idcard/internal/database"
	"idcard/internal/tasks"
)

const (
	previewDPI        = 150
	previewPresignTTL = 7 * 24 * time.Hour
)

// previewEmployee 用于填充模板预览中的占位符。
var previewEmployee = binder.Employee{
	ID:           "preview",
	EmployeeCode: "EMP-0001",
	FullName:     "Jane Doe",
	Department:   "Engineering",
	Position:     "Software Engineer",
	EmployeeType: "Full-time",
	BadgeToken:   "preview-token",
}

// TemplatePreviewHandler 负责模板缩略图生成任务。
type TemplatePreviewHandler struct {
	db      *gorm.DB
	storage ObjectStore
	backend compositor.Backend
	binder  *binder.Binder
	logger  *slog.Logger
}

func NewTemplatePreviewHandler(
	db *gorm.DB,
	storage ObjectStore,
	backend compositor.Backend,
	b *binder.Binder,
	logger *slog.Logger,
) *TemplatePreviewHandler {
	return &TemplatePreviewHandler{
		db:      db,
		storage: storage,
		backend: backend,
		binder:  b,
		logger:  logger,
	}
}

// PreviewObjectKey 返回模板预览图的对象路径。
func PreviewObjectKey(templateID uint) string {
	return fmt.Sprintf("thumbnails/template/%d/preview.jpg", templateID)
}

func (h *TemplatePreviewHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := h.logger

	var payload tasks.TemplatePreviewPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal template preview payload failed", slog.Any("error", err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	log = log.With(
		slog.Int("template_id", int(payload.TemplateID)),
		slog.String("correlation_id", payload.CorrelationID),
	)
	log.Info("Starting template preview generation task...")

	var row database.CardTemplate
	if err := h.db.WithContext(ctx).First(&row, payload.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("template not found, skipping task")
			return nil
		}
		log.Error("query template failed", slog.Any("error", err))
		return err
	}

	tmpl, err := row.Template()
	if err != nil {
		log.Warn("template snapshot invalid, skipping preview", slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	card, err := h.binder.Bind(ctx, tmpl, previewEmployee)
	if err != nil {
		log.Error("bind preview card failed", slog.Any("error", err))
		return err
	}

	session, err := h.backend.Acquire(ctx)
	if err != nil {
		log.Error("acquire rendering session failed", slog.Any("error", err))
		return err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Warn("release rendering session failed", slog.Any("error", cerr))
		}
	}()

	rendered, err := session.Render(ctx, card, previewDPI)
	if err != nil {
		log.Error("render template preview failed", slog.Any("error", err))
		return err
	}

	objectName := PreviewObjectKey(row.ID)
	if _, err := h.storage.UploadFile(ctx, objectName, bytes.NewReader(rendered.Image), int64(len(rendered.Image)), rendered.ContentType); err != nil {
		log.Error("upload template preview failed", slog.Any("error", err))
		return err
	}

	url, err := h.storage.GeneratePresignedURL(ctx, objectName, previewPresignTTL)
	if err != nil {
		log.Error("generate template preview url failed", slog.Any("error", err))
		return err
	}

	if err := h.db.WithContext(ctx).
		Model(&row).
		Updates(map[string]any{
			"preview_image_url":  url,
			"preview_object_key": objectName,
		}).Error; err != nil {
		log.Error("update template preview url failed", slog.Any("error", err))
		return err
	}

	log.Info("Template preview generation completed.", slog.Int("warnings", len(card.Warnings)))
	return nil
}
