package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"idcard/internal/batch"
	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
	"idcard/internal/database"
	"idcard/internal/errcode"
	"idcard/internal/layout"
	"idcard/internal/tasks"
)

const reasonEmployeeNotFound = "employee not found"

// ObjectStore 是 worker 用到的对象存储子集，由 storage.Client 实现。
type ObjectStore interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (*minio.UploadInfo, error)
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// CardBatchHandler 负责消费批量制卡任务。
type CardBatchHandler struct {
	db        *gorm.DB
	storage   ObjectStore
	publisher Publisher
	runner    *batch.Runner
	logger    *slog.Logger
}

// NewCardBatchHandler 创建任务处理器。
func NewCardBatchHandler(
	db *gorm.DB,
	storage ObjectStore,
	publisher Publisher,
	runner *batch.Runner,
	logger *slog.Logger,
) *CardBatchHandler {
	return &CardBatchHandler{
		db:        db,
		storage:   storage,
		publisher: publisher,
		runner:    runner,
		logger:    logger,
	}
}

// BatchObjectPrefix 返回批次产物在 Bucket 中的前缀。
func BatchObjectPrefix(batchID uint) string {
	return fmt.Sprintf("card-batches/%d/", batchID)
}

// ProcessTask 实现 asynq.Handler。
func (h *CardBatchHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	log := h.logger

	var payload tasks.CardBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal task payload failed", slog.Any("error", err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	log = log.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Uint64("batch_id", uint64(payload.BatchID)),
	)
	log.Info("Starting card batch task...")

	var record database.CardBatch
	if err := h.db.WithContext(ctx).First(&record, payload.BatchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("batch not found, skipping task")
			return nil
		}
		log.Error("query batch failed", slog.Any("error", err))
		return err
	}
	if record.Status == database.BatchStatusCompleted {
		log.Info("batch already completed, skipping task")
		return nil
	}

	defer func() {
		if retErr == nil {
			return
		}
		if !errors.Is(retErr, asynq.SkipRetry) && !isFinalAsynqAttempt(ctx) {
			return
		}

		code := errcode.SystemError
		if errors.Is(retErr, cardtemplate.ErrInvalidTemplate) || errors.Is(retErr, layout.ErrInvalidPageGeometry) {
			code = errcode.InvalidTemplate
		}
		message := strings.TrimSpace(retErr.Error())
		if err := h.markFailed(context.WithoutCancel(ctx), &record, message); err != nil {
			log.Error("mark batch failed", slog.Any("error", err))
		}
		notify := BatchNotifyMessage{
			Status:        NotifyError,
			BatchID:       record.ID,
			CorrelationID: payload.CorrelationID,
			ErrorCode:     code,
			ErrorMessage:  message,
		}
		if err := publishBatchNotify(context.WithoutCancel(ctx), h.publisher, notify); err != nil {
			log.Error("publish batch error notification failed", slog.Any("error", err))
		}
	}()

	if err := h.db.WithContext(ctx).Model(&record).Update("status", database.BatchStatusProcessing).Error; err != nil {
		log.Error("mark batch processing failed", slog.Any("error", err))
		return err
	}

	var templateRow database.CardTemplate
	if err := h.db.WithContext(ctx).First(&templateRow, record.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("template %d not found: %w", record.TemplateID, asynq.SkipRetry)
		}
		log.Error("query template failed", slog.Any("error", err))
		return err
	}
	tmpl, err := templateRow.Template()
	if err != nil {
		log.Warn("template snapshot invalid", slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	ids, err := record.RequestedEmployeeIDs()
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	employees, missing, err := h.loadEmployees(ctx, ids)
	if err != nil {
		log.Error("query employees failed", slog.Any("error", err))
		return err
	}
	if len(missing) > 0 {
		log.Warn("batch references unknown employees", slog.Any("employee_ids", missing))
	}

	total := len(employees)
	res, err := h.runner.Run(ctx, batch.Request{
		Template:  tmpl,
		Employees: employees,
		Title:     fmt.Sprintf("%s - batch %d", tmpl.Name, record.ID),
		OnProgress: func(done, total int) {
			notify := BatchNotifyMessage{
				Status:        NotifyProgress,
				BatchID:       record.ID,
				CorrelationID: payload.CorrelationID,
				Done:          done,
				Total:         total,
			}
			if err := publishBatchNotify(ctx, h.publisher, notify); err != nil {
				log.Warn("publish progress failed", slog.Any("error", err))
			}
		},
	})
	if err != nil {
		if errors.Is(err, cardtemplate.ErrInvalidTemplate) || errors.Is(err, layout.ErrInvalidPageGeometry) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Error("render batch failed", slog.Any("error", err))
		return err
	}

	failures := orderFailures(ids, missing, res.Failures)
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}

	if res.Document.Empty() {
		msg := "no card could be rendered"
		now := time.Now()
		if err := h.db.WithContext(ctx).Model(&record).Updates(map[string]any{
			"status":         database.BatchStatusFailed,
			"rendered_count": 0,
			"page_count":     0,
			"warnings_count": len(res.Warnings),
			"failures":       datatypes.JSON(failuresJSON),
			"error_message":  msg,
			"completed_at":   &now,
		}).Error; err != nil {
			log.Error("update batch failed", slog.Any("error", err))
			return err
		}
		notify := BatchNotifyMessage{
			Status:        NotifyError,
			BatchID:       record.ID,
			CorrelationID: payload.CorrelationID,
			Done:          total,
			Total:         len(ids),
			Failures:      failures,
			ErrorCode:     errcode.PartialFailure,
			ErrorMessage:  msg,
		}
		if err := publishBatchNotify(ctx, h.publisher, notify); err != nil {
			log.Error("publish redis notification failed", slog.Any("error", err))
		}
		log.Warn("batch produced no cards", slog.Int("failed", len(failures)))
		return nil
	}

	prefix := BatchObjectPrefix(record.ID)
	if err := h.storage.DeletePrefix(ctx, prefix); err != nil {
		log.Warn("cleanup previous batch artifacts failed", slog.Any("error", err))
	}
	objectName := fmt.Sprintf("%s%s.pdf", prefix, uuid.NewString())
	data := res.Document.Bytes()
	if _, err := h.storage.UploadFile(ctx, objectName, bytes.NewReader(data), int64(len(data)), res.Document.ContentType()); err != nil {
		log.Error("upload batch pdf to minio failed", slog.Any("error", err))
		return err
	}

	now := time.Now()
	update := map[string]any{
		"status":         database.BatchStatusCompleted,
		"rendered_count": res.Rendered,
		"page_count":     res.Document.Pages,
		"warnings_count": len(res.Warnings),
		"failures":       datatypes.JSON(failuresJSON),
		"object_key":     objectName,
		"error_message":  "",
		"completed_at":   &now,
	}
	if err := h.db.WithContext(ctx).Model(&record).Updates(update).Error; err != nil {
		log.Error("update batch failed", slog.Any("error", err))
		return err
	}

	notify := BatchNotifyMessage{
		Status:        NotifyCompleted,
		BatchID:       record.ID,
		CorrelationID: payload.CorrelationID,
		Done:          total,
		Total:         len(ids),
		RenderedCount: res.Rendered,
		PageCount:     res.Document.Pages,
		WarningsCount: len(res.Warnings),
		Failures:      failures,
		ErrorCode:     errcode.OK,
	}
	switch {
	case len(failures) > 0:
		notify.ErrorCode = errcode.PartialFailure
		notify.ErrorMessage = fmt.Sprintf("%d 张卡片未能生成，已跳过", len(failures))
	case len(res.Warnings) > 0:
		notify.ErrorCode = errcode.ResourceMissing
		notify.ErrorMessage = "部分图片资源缺失/无效，已使用占位图或省略"
	}
	// 记录已提交为 completed，通知失败不能让重试或 markFailed 改写它。
	if err := publishBatchNotify(ctx, h.publisher, notify); err != nil {
		log.Error("publish redis notification failed", slog.Any("error", err))
	}

	log.Info("Card batch task completed successfully.",
		slog.Int("rendered", res.Rendered),
		slog.Int("failed", len(failures)),
		slog.String("object_key", objectName),
	)
	return nil
}

// loadEmployees 按请求顺序返回员工；找不到的 id 单独返回。
func (h *CardBatchHandler) loadEmployees(ctx context.Context, ids []string) ([]binder.Employee, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	var rows []database.Employee
	if err := h.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	byID := make(map[string]database.Employee, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	employees := make([]binder.Employee, 0, len(ids))
	var missing []string
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		employees = append(employees, row.ToBinder())
	}
	return employees, missing, nil
}

// orderFailures 合并未找到的员工与渲染失败，按提交顺序排列。
// 渲染失败按 Index（在已找到员工中的位置）对应，重复提交的员工各自保留。
func orderFailures(ids, missing []string, renderFailures []batch.Failure) []batch.Failure {
	notFound := make(map[string]struct{}, len(missing))
	for _, id := range missing {
		notFound[id] = struct{}{}
	}
	byIndex := make(map[int]batch.Failure, len(renderFailures))
	for _, f := range renderFailures {
		byIndex[f.Index] = f
	}

	failures := make([]batch.Failure, 0, len(missing)+len(renderFailures))
	pos := 0
	for i, id := range ids {
		if _, ok := notFound[id]; ok {
			failures = append(failures, batch.Failure{EmployeeID: id, Reason: reasonEmployeeNotFound, Index: i})
			continue
		}
		if f, ok := byIndex[pos]; ok {
			failures = append(failures, batch.Failure{EmployeeID: id, Reason: f.Reason, Index: i})
		}
		pos++
	}
	return failures
}

func (h *CardBatchHandler) markFailed(ctx context.Context, record *database.CardBatch, message string) error {
	now := time.Now()
	return h.db.WithContext(ctx).Model(record).Updates(map[string]any{
		"status":        database.BatchStatusFailed,
		"error_message": message,
		"completed_at":  &now,
	}).Error
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}
