package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/infra"
	"server/internal/lock"
	"server/internal/queue"
	"server/internal/storage"
	"server/internal/swap"
	"server/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)
	if err := jobs.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to provision schema")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to connect lock store")
	}
	defer redisClient.Close()
	locks := lock.NewManager(redisClient, cfg.LockTTL)

	amqpConn, err := infra.NewAMQPConnection(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to connect broker")
	}
	defer amqpConn.Close()

	consumer := queue.NewConsumer(amqpConn, queue.Topology{
		Queue:              cfg.QueueName,
		DeadLetterExchange: "dlx_" + cfg.QueueName,
		DeadLetterQueue:    cfg.DeadLetterQueue,
		MessageTTLMillis:   cfg.MessageTTL.Milliseconds(),
	})

	results, err := storage.NewFileStore(cfg.ResultsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure results store")
	}

	var primary storage.Uploader
	if cfg.StorageUploadURL != "" {
		primary = storage.NewHTTPUploader(cfg.StorageUploadURL, cfg.UploadMaxAttempts)
	} else {
		logger.Warn().Str("dir", results.BasePath()).Msg("worker: no external storage configured, results served locally")
	}
	uploads := storage.NewStore(primary, results, cfg.PublicBaseURL, logger)

	engine := swap.NewCommandEngine(cfg.SwapCommand)
	api := worker.NewAPIClient(cfg.APIBaseURL)

	w := worker.New(jobs, locks, engine, uploads, api, cfg.WorkDir, logger)
	if err := w.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
