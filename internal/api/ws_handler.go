package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"idcard/internal/database"
	"idcard/internal/errcode"
	"idcard/internal/worker"
)

// WsHandler 将批次进度从 Redis Pub/Sub 转发到 WebSocket。
type WsHandler struct {
	db             *gorm.DB
	redisClient    *redis.Client
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
}

// NewWsHandler 构造 WebSocket 处理器。
func NewWsHandler(db *gorm.DB, redisClient *redis.Client, logger *slog.Logger, allowedOrigins []string) *WsHandler {
	h := &WsHandler{
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(h.allowedOrigins) == 0 {
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// HandleConnection 校验批次后升级连接，并转发 batch_notify:<id> 上的消息。
// 批次进入终态后发送最终消息并关闭连接。
func (h *WsHandler) HandleConnection(c *gin.Context) {
	record, ok := loadBatch(c, h.db)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade websocket failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log := h.logger.With(
		slog.String("client_ip", c.ClientIP()),
		slog.Uint64("batch_id", uint64(record.ID)),
	)

	channel := worker.BatchChannel(record.ID)
	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error("subscribe redis channel failed", slog.Any("error", err))
		writeClose(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	log.Info("subscribed to redis channel", slog.String("channel", channel))

	// 订阅后再读一次状态，避免错过订阅前已经发布的终态消息。
	if err := h.db.WithContext(ctx).First(record, record.ID).Error; err != nil {
		log.Error("reload batch failed", slog.Any("error", err))
		writeClose(conn, websocket.CloseInternalServerErr, "reload failed")
		return
	}
	if snapshot, terminal := terminalMessage(*record); terminal {
		if err := writeJSON(conn, snapshot); err != nil {
			log.Info("write snapshot failed", slog.Any("error", err))
			return
		}
		writeClose(conn, websocket.CloseNormalClosure, "batch finished")
		return
	}

	errCh := make(chan error, 2)
	go h.readLoop(ctx, conn, errCh, cancel)
	go h.forwardLoop(ctx, conn, pubsub, errCh, cancel, log)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Info("websocket connection closed", slog.Any("error", err))
		} else {
			log.Info("websocket connection closed")
		}
	}
}

// readLoop 只用于检测客户端断开，客户端消息被忽略。
func (h *WsHandler) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			errCh <- fmt.Errorf("read message: %w", err)
			cancel()
			return
		}
	}
}

func (h *WsHandler) forwardLoop(
	ctx context.Context,
	conn *websocket.Conn,
	pubsub *redis.PubSub,
	errCh chan<- error,
	cancel context.CancelFunc,
	log *slog.Logger,
) {
	ch := pubsub.Channel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				errCh <- fmt.Errorf("pubsub channel closed")
				cancel()
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				errCh <- fmt.Errorf("write message: %w", err)
				cancel()
				return
			}
			if isFinalNotify(msg.Payload) {
				log.Info("batch finished, closing websocket")
				writeClose(conn, websocket.CloseNormalClosure, "batch finished")
				errCh <- nil
				cancel()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				errCh <- fmt.Errorf("write ping: %w", err)
				cancel()
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func isFinalNotify(payload string) bool {
	var msg struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return false
	}
	return msg.Status == worker.NotifyCompleted || msg.Status == worker.NotifyError
}

// terminalMessage 根据已结束批次的行内容构造最终通知。
func terminalMessage(b database.CardBatch) (worker.BatchNotifyMessage, bool) {
	msg := worker.BatchNotifyMessage{
		BatchID:       b.ID,
		CorrelationID: b.CorrelationID,
		RenderedCount: b.RenderedCount,
		PageCount:     b.PageCount,
		WarningsCount: b.WarningsCount,
	}
	failures, err := b.FailureList()
	if err == nil {
		msg.Failures = failures
	}
	if ids, err := b.RequestedEmployeeIDs(); err == nil {
		msg.Total = len(ids)
		msg.Done = len(ids)
	}

	switch b.Status {
	case database.BatchStatusCompleted:
		msg.Status = worker.NotifyCompleted
		switch {
		case len(msg.Failures) > 0:
			msg.ErrorCode = errcode.PartialFailure
		case b.WarningsCount > 0:
			msg.ErrorCode = errcode.ResourceMissing
		default:
			msg.ErrorCode = errcode.OK
		}
		return msg, true
	case database.BatchStatusFailed:
		msg.Status = worker.NotifyError
		msg.ErrorCode = errcode.SystemError
		if len(msg.Failures) > 0 {
			msg.ErrorCode = errcode.PartialFailure
		}
		msg.ErrorMessage = b.ErrorMessage
		return msg, true
	default:
		return msg, false
	}
}
