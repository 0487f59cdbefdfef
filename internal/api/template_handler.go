package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"idcard/internal/api/middleware"
	"idcard/internal/cardtemplate"
	"idcard/internal/database"
	"idcard/internal/errcode"
	"idcard/internal/tasks"
)

var errInvalidID = errors.New("invalid id")

// TaskEnqueuer 是 *asynq.Client 的入队子集。
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TemplateHandler 负责卡片模板相关的 API。
type TemplateHandler struct {
	db    *gorm.DB
	queue TaskEnqueuer
}

func NewTemplateHandler(db *gorm.DB, queue TaskEnqueuer) *TemplateHandler {
	return &TemplateHandler{db: db, queue: queue}
}

type templateListItem struct {
	ID              uint      `json:"id"`
	TemplateName    string    `json:"template_name"`
	Orientation     string    `json:"orientation"`
	PreviewImageURL string    `json:"preview_image_url,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type templateResponse struct {
	ID                 uint           `json:"id"`
	TemplateName       string         `json:"template_name"`
	Orientation        string         `json:"orientation"`
	LogoURL            string         `json:"logo_url,omitempty"`
	BackgroundFrontURL string         `json:"background_front_url,omitempty"`
	BackgroundBackURL  string         `json:"background_back_url,omitempty"`
	LayoutConfig       datatypes.JSON `json:"layout_config"`
	PreviewImageURL    string         `json:"preview_image_url,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func newTemplateResponse(t database.CardTemplate) templateResponse {
	return templateResponse{
		ID:                 t.ID,
		TemplateName:       t.Name,
		Orientation:        t.Orientation,
		LogoURL:            t.LogoURL,
		BackgroundFrontURL: t.BackgroundFrontURL,
		BackgroundBackURL:  t.BackgroundBackURL,
		LayoutConfig:       t.LayoutConfig,
		PreviewImageURL:    t.PreviewImageURL,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

// bindTemplate 解析请求体并做结构校验；失败时已写出响应。
func bindTemplate(c *gin.Context) (cardtemplate.Template, bool) {
	var rec cardtemplate.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		BadRequest(c, err.Error())
		return cardtemplate.Template{}, false
	}
	rec.ID = 0
	tmpl, err := cardtemplate.FromRecord(rec)
	if err != nil {
		if errors.Is(err, cardtemplate.ErrInvalidTemplate) {
			ErrorWithCode(c, http.StatusUnprocessableEntity, errcode.InvalidTemplate, err.Error())
			return cardtemplate.Template{}, false
		}
		BadRequest(c, err.Error())
		return cardtemplate.Template{}, false
	}
	return tmpl, true
}

// POST /v1/templates
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	tmpl, ok := bindTemplate(c)
	if !ok {
		return
	}

	var model database.CardTemplate
	if err := model.ApplyTemplate(tmpl); err != nil {
		Internal(c, "failed to encode template")
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&model).Error; err != nil {
		Internal(c, "failed to create template")
		return
	}

	h.enqueuePreview(c, model.ID)
	c.JSON(http.StatusCreated, newTemplateResponse(model))
}

// GET /v1/templates
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	var templates []database.CardTemplate
	if err := h.db.WithContext(c.Request.Context()).
		Omit("layout_config").
		Order("updated_at DESC").
		Find(&templates).Error; err != nil {
		Internal(c, "failed to list templates")
		return
	}

	items := make([]templateListItem, 0, len(templates))
	for _, t := range templates {
		items = append(items, templateListItem{
			ID:              t.ID,
			TemplateName:    t.Name,
			Orientation:     t.Orientation,
			PreviewImageURL: t.PreviewImageURL,
			UpdatedAt:       t.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, items)
}

// GET /v1/templates/:id
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	model, ok := h.loadTemplate(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newTemplateResponse(*model))
}

// PUT /v1/templates/:id
// 整体替换模板快照；已提交的批次在 worker 端读取最新快照。
func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	model, ok := h.loadTemplate(c)
	if !ok {
		return
	}
	tmpl, ok := bindTemplate(c)
	if !ok {
		return
	}
	tmpl.ID = model.ID

	if err := model.ApplyTemplate(tmpl); err != nil {
		Internal(c, "failed to encode template")
		return
	}
	model.PreviewImageURL = ""
	model.PreviewObjectKey = ""
	if err := h.db.WithContext(c.Request.Context()).Save(model).Error; err != nil {
		Internal(c, "failed to update template")
		return
	}

	h.enqueuePreview(c, model.ID)
	c.JSON(http.StatusOK, newTemplateResponse(*model))
}

func (h *TemplateHandler) loadTemplate(c *gin.Context) (*database.CardTemplate, bool) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		BadRequest(c, "invalid template id")
		return nil, false
	}

	var model database.CardTemplate
	if err := h.db.WithContext(c.Request.Context()).First(&model, id).Error; err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			NotFound(c, "template not found")
		default:
			Internal(c, "failed to query template")
		}
		return nil, false
	}
	return &model, true
}

// enqueuePreview 失败只记录日志，不影响模板保存。
func (h *TemplateHandler) enqueuePreview(c *gin.Context, templateID uint) {
	log := middleware.LoggerFromContext(c)
	task, err := tasks.NewTemplatePreviewTask(templateID, middleware.GetCorrelationID(c))
	if err != nil {
		log.Error("create template preview task failed", slog.Any("error", err))
		return
	}
	if _, err := h.queue.EnqueueContext(c.Request.Context(), task, asynq.MaxRetry(3)); err != nil {
		log.Error("enqueue template preview failed", slog.Uint64("template_id", uint64(templateID)), slog.Any("error", err))
	}
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errInvalidID
	}
	return uint(id), nil
}
