// Package main runs the asynq worker that delivers notifications and the
// scheduler that triggers purge sweeps.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/logging"
	"github.com/dharsanguruparan/ihacdn/internal/notify"
	"github.com/dharsanguruparan/ihacdn/internal/purge"
	"github.com/dharsanguruparan/ihacdn/internal/queue"
	"github.com/dharsanguruparan/ihacdn/internal/retention"
	"github.com/dharsanguruparan/ihacdn/internal/storage"
	"github.com/dharsanguruparan/ihacdn/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := os.Getenv("IHACDN_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	store, err := storage.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer store.Close()

	opt, err := queue.RedisOpt(cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue redis options")
	}

	sweeper := purge.New(store, cfg.Prefix(), retention.FromConfig(cfg), logger)
	processor := worker.NewProcessor(notify.New(cfg, logger), sweeper, logger)

	var scheduler *asynq.Scheduler
	if cfg.Retention.Enable {
		scheduler = asynq.NewScheduler(opt, nil)
		id, err := queue.RegisterPurge(scheduler, cfg.Retention.Schedule)
		if err != nil {
			logger.Fatal().Err(err).Msg("schedule purge")
		}
		if err := scheduler.Start(); err != nil {
			logger.Fatal().Err(err).Msg("start scheduler")
		}
		logger.Info().Str("entry", id).Str("schedule", cfg.Retention.Schedule).Msg("purge scheduled")
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Queue.Workers,
	})

	go func() {
		<-ctx.Done()
		if scheduler != nil {
			scheduler.Shutdown()
		}
		server.Shutdown()
	}()

	if err := server.Run(processor.Handler()); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}
