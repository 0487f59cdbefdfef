package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"idcard/internal/batch"
)

// 通知状态。
const (
	NotifyProgress  = "progress"
	NotifyCompleted = "completed"
	NotifyError     = "error"
)

// BatchNotifyMessage 是通过 Redis Pub/Sub 转发给前端的批次进度消息。
// 注意：这里的字段名与前端解析保持一致。
type BatchNotifyMessage struct {
	Status        string          `json:"status"`
	BatchID       uint            `json:"batch_id"`
	CorrelationID string          `json:"correlation_id"`
	Done          int             `json:"done"`
	Total         int             `json:"total"`
	RenderedCount int             `json:"rendered_count,omitempty"`
	PageCount     int             `json:"page_count,omitempty"`
	WarningsCount int             `json:"warnings_count,omitempty"`
	Failures      []batch.Failure `json:"failures,omitempty"`
	ErrorCode     int             `json:"error_code"`
	ErrorMessage  string          `json:"error_message"`
}

// Publisher 是 *redis.Client 的发布子集。
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// BatchChannel 返回批次进度所在的 Redis 频道。
func BatchChannel(batchID uint) string {
	return fmt.Sprintf("batch_notify:%d", batchID)
}

func publishBatchNotify(ctx context.Context, p Publisher, notify BatchNotifyMessage) error {
	data, err := json.Marshal(notify)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := BatchChannel(notify.BatchID)
	if err := p.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}
