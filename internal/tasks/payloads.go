package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeCardBatch       = "card:batch"
	TypeTemplatePreview = "template:preview"
)

// CardBatchPayload 描述批量制卡任务所需的最小信息，其余数据由 worker 从数据库读取。
type CardBatchPayload struct {
	BatchID       uint   `json:"batch_id"`
	CorrelationID string `json:"correlation_id"`
}

// TemplatePreviewPayload 描述模板缩略图任务。
type TemplatePreviewPayload struct {
	TemplateID    uint   `json:"template_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewCardBatchTask 构造一个新的批量制卡任务。
func NewCardBatchTask(batchID uint, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(CardBatchPayload{
		BatchID:       batchID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCardBatch, payload), nil
}

// NewTemplatePreviewTask 构造模板缩略图任务。
func NewTemplatePreviewTask(templateID uint, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(TemplatePreviewPayload{
		TemplateID:    templateID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTemplatePreview, payload), nil
}
