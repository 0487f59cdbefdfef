package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"idcard/internal/api/middleware"
	"idcard/internal/batch"
	"idcard/internal/database"
	"idcard/internal/errcode"
	"idcard/internal/tasks"
)

const maxEmployeesPerBatch = 5000

// PresignStore 是 API 用到的对象存储子集，由 storage.Client 实现。
type PresignStore interface {
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error)
	GeneratePresignedURLWithParams(ctx context.Context, objectKey string, duration time.Duration, params map[string]string) (string, error)
}

// CardBatchOptions 配置批次提交。
type CardBatchOptions struct {
	// RateLimit 为每个客户端 IP 每分钟允许提交的批次数，0 表示不限制。
	RateLimit      int
	DownloadURLTTL time.Duration
	MaxRetry       int
}

// CardBatchHandler 负责批次提交、状态查询与下载链接。
type CardBatchHandler struct {
	db      *gorm.DB
	queue   TaskEnqueuer
	storage PresignStore
	limiter redisRateCounter
	opts    CardBatchOptions
	now     func() time.Time
}

func NewCardBatchHandler(
	db *gorm.DB,
	queue TaskEnqueuer,
	storage PresignStore,
	limiter redisRateCounter,
	opts CardBatchOptions,
) *CardBatchHandler {
	if opts.DownloadURLTTL <= 0 {
		opts.DownloadURLTTL = 15 * time.Minute
	}
	return &CardBatchHandler{
		db:      db,
		queue:   queue,
		storage: storage,
		limiter: limiter,
		opts:    opts,
		now:     time.Now,
	}
}

type createCardBatchRequest struct {
	TemplateID  uint     `json:"template_id" binding:"required"`
	EmployeeIDs []string `json:"employee_ids"`
}

type cardBatchResponse struct {
	ID            uint            `json:"id"`
	TemplateID    uint            `json:"template_id"`
	Status        string          `json:"status"`
	Requested     int             `json:"requested"`
	RenderedCount int             `json:"rendered_count"`
	PageCount     int             `json:"page_count"`
	WarningsCount int             `json:"warnings_count"`
	Failures      []batch.Failure `json:"failures"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func newCardBatchResponse(b database.CardBatch) (cardBatchResponse, error) {
	ids, err := b.RequestedEmployeeIDs()
	if err != nil {
		return cardBatchResponse{}, err
	}
	failures, err := b.FailureList()
	if err != nil {
		return cardBatchResponse{}, err
	}
	return cardBatchResponse{
		ID:            b.ID,
		TemplateID:    b.TemplateID,
		Status:        b.Status,
		Requested:     len(ids),
		RenderedCount: b.RenderedCount,
		PageCount:     b.PageCount,
		WarningsCount: b.WarningsCount,
		Failures:      failures,
		ErrorMessage:  b.ErrorMessage,
		CreatedAt:     b.CreatedAt,
		CompletedAt:   b.CompletedAt,
	}, nil
}

// POST /v1/card-batches
// 校验模板后创建批次并入队，立即返回 202。
func (h *CardBatchHandler) CreateBatch(c *gin.Context) {
	log := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	var req createCardBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	ids := make([]string, 0, len(req.EmployeeIDs))
	for _, id := range req.EmployeeIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		BadRequest(c, "employee_ids must not be empty")
		return
	}
	if len(ids) > maxEmployeesPerBatch {
		BadRequest(c, "too many employees in one batch")
		return
	}

	if !h.allow(c, log) {
		TooManyRequests(c, "batch rate limit exceeded")
		return
	}

	var tmplRow database.CardTemplate
	if err := h.db.WithContext(ctx).First(&tmplRow, req.TemplateID).Error; err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			NotFound(c, "template not found")
		default:
			Internal(c, "failed to query template")
		}
		return
	}
	if _, err := tmplRow.Template(); err != nil {
		ErrorWithCode(c, http.StatusUnprocessableEntity, errcode.InvalidTemplate, err.Error())
		return
	}

	correlationID := middleware.GetCorrelationID(c)
	record, err := database.NewCardBatch(tmplRow.ID, ids, correlationID)
	if err != nil {
		Internal(c, "failed to build batch")
		return
	}
	if err := h.db.WithContext(ctx).Create(record).Error; err != nil {
		Internal(c, "failed to create batch")
		return
	}

	task, err := tasks.NewCardBatchTask(record.ID, correlationID)
	if err != nil {
		Internal(c, "failed to create task")
		return
	}
	opts := []asynq.Option{}
	if h.opts.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(h.opts.MaxRetry))
	}
	info, err := h.queue.EnqueueContext(ctx, task, opts...)
	if err != nil {
		log.Error("enqueue card batch failed", slog.Uint64("batch_id", uint64(record.ID)), slog.Any("error", err))
		_ = h.db.WithContext(ctx).Model(record).Updates(map[string]any{
			"status":        database.BatchStatusFailed,
			"error_message": "enqueue failed",
		}).Error
		Internal(c, "failed to enqueue card batch")
		return
	}

	log.Info("card batch accepted",
		slog.Uint64("batch_id", uint64(record.ID)),
		slog.Int("employees", len(ids)),
		slog.String("task_id", info.ID),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"message":  "card batch accepted",
		"batch_id": record.ID,
		"task_id":  info.ID,
		"status":   record.Status,
	})
}

// allow 检查客户端 IP 的提交频率；Redis 不可用时放行。
func (h *CardBatchHandler) allow(c *gin.Context, log *slog.Logger) bool {
	if h.opts.RateLimit <= 0 || h.limiter == nil {
		return true
	}
	key := batchRateKey(c.ClientIP(), h.now())
	count, err := incrWithTTL(c.Request.Context(), h.limiter, key, batchRateWindow)
	if err != nil {
		log.Warn("batch rate limit check failed", slog.Any("error", err))
		return true
	}
	return count <= int64(h.opts.RateLimit)
}

// GET /v1/card-batches/:id
func (h *CardBatchHandler) GetBatch(c *gin.Context) {
	record, ok := h.loadBatch(c)
	if !ok {
		return
	}
	resp, err := newCardBatchResponse(*record)
	if err != nil {
		Internal(c, "failed to decode batch")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GET /v1/card-batches/:id/download-link
func (h *CardBatchHandler) GetDownloadLink(c *gin.Context) {
	record, ok := h.loadBatch(c)
	if !ok {
		return
	}
	if record.Status != database.BatchStatusCompleted || record.ObjectKey == "" {
		Conflict(c, "pdf not ready")
		return
	}

	// 浏览器下载时使用可读的文件名，而不是对象 key 中的 uuid。
	signedURL, err := h.storage.GeneratePresignedURLWithParams(c.Request.Context(), record.ObjectKey, h.opts.DownloadURLTTL, map[string]string{
		"response-content-disposition": fmt.Sprintf(`attachment; filename="card-batch-%d.pdf"`, record.ID),
	})
	if err != nil {
		Internal(c, "failed to generate download link")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":        signedURL,
		"expires_in": int(h.opts.DownloadURLTTL.Seconds()),
	})
}

func (h *CardBatchHandler) loadBatch(c *gin.Context) (*database.CardBatch, bool) {
	return loadBatch(c, h.db)
}

func loadBatch(c *gin.Context, db *gorm.DB) (*database.CardBatch, bool) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		BadRequest(c, "invalid batch id")
		return nil, false
	}
	var record database.CardBatch
	if err := db.WithContext(c.Request.Context()).First(&record, id).Error; err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			NotFound(c, "batch not found")
		default:
			Internal(c, "failed to query batch")
		}
		return nil, false
	}
	return &record, true
}
