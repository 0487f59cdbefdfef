package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"idcard/internal/config"
)

// Dependencies 汇总路由所需的外部组件。
type Dependencies struct {
	DB      *gorm.DB
	Queue   TaskEnqueuer
	Redis   *redis.Client
	Storage AssetStore
	Logger  *slog.Logger
	Config  *config.Config
}

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	cfg := deps.Config

	templateHandler := NewTemplateHandler(deps.DB, deps.Queue)
	batchHandler := NewCardBatchHandler(deps.DB, deps.Queue, deps.Storage, deps.Redis, CardBatchOptions{
		RateLimit:      cfg.API.BatchRateLimit,
		DownloadURLTTL: cfg.API.DownloadURLTTL,
		MaxRetry:       cfg.Worker.MaxRetry,
	})
	wsHandler := NewWsHandler(deps.DB, deps.Redis, deps.Logger, cfg.API.AllowedOrigins)
	assetHandler := NewAssetHandler(deps.Storage, deps.Logger, cfg.Clamd.Addr)

	v1 := router.Group("/v1")
	{
		templateGroup := v1.Group("/templates")
		{
			templateGroup.POST("", templateHandler.CreateTemplate)
			templateGroup.GET("", templateHandler.ListTemplates)
			templateGroup.GET("/:id", templateHandler.GetTemplate)
			templateGroup.PUT("/:id", templateHandler.UpdateTemplate)
		}

		batchGroup := v1.Group("/card-batches")
		{
			batchGroup.POST("", batchHandler.CreateBatch)
			batchGroup.GET("/:id", batchHandler.GetBatch)
			batchGroup.GET("/:id/download-link", batchHandler.GetDownloadLink)
			batchGroup.GET("/:id/ws", wsHandler.HandleConnection)
		}

		assetGroup := v1.Group("/assets")
		{
			assetGroup.GET("", assetHandler.ListAssets)
			assetGroup.POST("/upload", assetHandler.UploadAsset)
			assetGroup.GET("/view", assetHandler.GetAssetURL)
		}
	}
}
