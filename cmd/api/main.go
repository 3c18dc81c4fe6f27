package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/lock"
	"server/internal/queue"
	"server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to connect database")
	}
	defer dbpool.Close()

	jobs := repo.NewJobRepository(dbpool)
	if err := jobs.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("api: failed to provision schema")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to connect lock store")
	}
	defer redisClient.Close()
	locks := lock.NewManager(redisClient, cfg.LockTTL)

	amqpConn, err := infra.NewAMQPConnection(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to connect broker")
	}
	defer amqpConn.Close()

	dispatcher, err := queue.NewDispatcher(amqpConn, queue.Topology{
		Queue:              cfg.QueueName,
		DeadLetterExchange: "dlx_" + cfg.QueueName,
		DeadLetterQueue:    cfg.DeadLetterQueue,
		MessageTTLMillis:   cfg.MessageTTL.Milliseconds(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure dispatcher")
	}
	defer dispatcher.Close()

	results, err := storage.NewFileStore(cfg.ResultsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure results store")
	}

	app := handlers.NewApp(logger, jobs, locks, dispatcher, results, cfg.WorkDir)
	router := httpapi.NewRouter(app, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
