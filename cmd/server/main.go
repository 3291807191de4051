// Package main runs the ihacdn HTTP server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/ihacdn/internal/auth"
	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/ident"
	"github.com/dharsanguruparan/ihacdn/internal/ingest"
	"github.com/dharsanguruparan/ihacdn/internal/logging"
	"github.com/dharsanguruparan/ihacdn/internal/notify"
	"github.com/dharsanguruparan/ihacdn/internal/processing"
	"github.com/dharsanguruparan/ihacdn/internal/purge"
	"github.com/dharsanguruparan/ihacdn/internal/queue"
	"github.com/dharsanguruparan/ihacdn/internal/reader"
	"github.com/dharsanguruparan/ihacdn/internal/render"
	"github.com/dharsanguruparan/ihacdn/internal/retention"
	"github.com/dharsanguruparan/ihacdn/internal/server"
	"github.com/dharsanguruparan/ihacdn/internal/storage"
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("create upload directories")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer store.Close()

	renderer, err := render.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("parse templates")
	}
	verifier := auth.NewVerifier(cfg.AdminPassword, config.DefaultAdminPassword)
	if !verifier.Enabled() {
		logger.Warn().Msg("admin password unset or default, admin uploads disabled")
	}

	var (
		dispatcher notify.Dispatcher
		// drain flushes pending notifications after the listener stops.
		drain = func() {}
	)
	notifier := notify.New(cfg, logger)
	switch {
	case !notifier.Enabled():
	case cfg.Queue.Enable:
		opt, err := queue.RedisOpt(cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("queue redis options")
		}
		client := asynq.NewClient(opt)
		defer client.Close()
		d := queue.NewDispatcher(client, logger)
		dispatcher, drain = d, d.Wait
	default:
		pool := processing.New(notifier, cfg.Queue.Workers, logger)
		dispatcher, drain = pool, pool.Wait
	}

	// Without a worker process the server runs the purge schedule itself.
	if cfg.Retention.Enable && !cfg.Queue.Enable {
		sweeper := purge.New(store, cfg.Prefix(), retention.FromConfig(cfg), logger)
		if _, err := purge.Schedule(ctx, sweeper, cfg.Retention.Schedule); err != nil {
			logger.Fatal().Err(err).Msg("schedule purge")
		}
	}

	srv := server.New(
		cfg,
		ingest.New(cfg, store, ident.New(store, cfg.Prefix()), logger),
		reader.New(store, cfg.Prefix(), renderer, logger),
		renderer,
		verifier,
		dispatcher,
		logger,
	)
	err = srv.Serve(ctx)
	stop()
	drain()
	if err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("IHACDN_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
