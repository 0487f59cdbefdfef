package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"idcard/internal/batch"
	"idcard/internal/binder"
	"idcard/internal/config"
	"idcard/internal/database"
	"idcard/internal/metrics"
	"idcard/internal/storage"
	"idcard/internal/tasks"
	"idcard/internal/worker"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	log.Println("database connection ready for worker")

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	log.Printf("storage client ready, bucket=%s", cfg.MinIO.Bucket)

	redisAddr := cfg.Redis.Addr()
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	batchCfg, err := batch.ConfigFrom(*cfg)
	if err != nil {
		log.Fatalf("pagination config: %v", err)
	}
	backend, err := batch.NewBackend(cfg.Render, logger)
	if err != nil {
		log.Fatalf("render backend: %v", err)
	}
	cardBinder := binder.New(binder.NewSourceFetcher(storageClient), binder.Options{
		QRBaseURL: cfg.QR.BaseURL,
		QRSize:    cfg.QR.Size,
		Logger:    logger,
	})
	runner := batch.NewRunner(backend, cardBinder, batchCfg, logger)

	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      newAsynqLogger(logger),
	})

	batchHandler := worker.NewCardBatchHandler(db, storageClient, redisClient, runner, logger)
	previewHandler := worker.NewTemplatePreviewHandler(db, storageClient, backend, cardBinder, logger)

	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypeCardBatch, batchHandler)
	mux.Handle(tasks.TypeTemplatePreview, previewHandler)

	logger.Info("worker service started",
		slog.String("redis_addr", redisAddr),
		slog.String("render_backend", backend.Name()),
		slog.Int("render_dpi", batchCfg.DPI),
	)
	if err := server.Run(mux); err != nil {
		logger.Error("worker server stopped", slog.Any("error", err))
	}
}
