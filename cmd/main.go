package main

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"chatsync/internal/app/registry"
	"chatsync/internal/app/server"
	"chatsync/internal/app/worker"
	"chatsync/internal/config"
	"chatsync/internal/core/services"
	"chatsync/internal/platform/logger"
	"chatsync/internal/platform/telemetry"
	"chatsync/internal/plugins/postgres"
	redisPlugin "chatsync/internal/plugins/redis"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Config
	cfg := config.Load()

	// Logger
	log := logger.NewLogger(*cfg)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(2)
	}
	log.Info("starting application")

	otelShutdown, err := telemetry.InitTelemetry(ctx, *cfg)
	if err != nil {
		log.Error("failed to initialize telemetry", "err", err)
		otelShutdown = func(context.Context) error { return nil }
	}

	// Infra
	var pdb *sql.DB
	if pdb, err = postgres.New(ctx, *cfg.Postgres); err != nil {
		log.Error("postgres connection failed", "err", err)
		os.Exit(1)
	}
	log.Info("postgres connected")
	var rdb *redis.Client
	if rdb, err = redisPlugin.NewRedisClient(ctx, *cfg.Redis, cfg.Worker.Consumer); err != nil {
		log.Error("redis connection failed", "url", cfg.Redis.URL, "err", err)
		os.Exit(1)
	}
	log.Info("redis connected")

	// Adapters
	msgRepo := postgres.NewMessageRepo(pdb)
	oracle := postgres.NewMembershipOracle(pdb)
	txManager := postgres.NewTxManager(pdb)
	msgQueue := redisPlugin.NewRedisMessageQueue(log, rdb)
	mirror := redisPlugin.NewRedisPresenceMirror(rdb, cfg.Redis.PresenceKey)

	// Core services
	tokenSvc := services.NewTokenService(log, cfg.Auth.SecretToken, cfg.Auth.Issuer)
	guard := services.NewAccessGuard(log, oracle, cfg.Realtime.OracleTimeout)
	msgSvc := services.NewMessageService(log, msgQueue, cfg.Worker.MessageStream, msgRepo, txManager,
		cfg.History.DefaultPageSize, cfg.History.MaxPageSize)

	hub := registry.NewRegistry(log, guard, mirror, registry.Options{
		TypingExpiry:    cfg.Realtime.TypingExpiry,
		SweepInterval:   cfg.Realtime.SweepInterval,
		VoiceCapacity:   cfg.Realtime.VoiceCapacity,
		VoiceSingleRoom: cfg.Realtime.VoiceSingleRoom,
	})
	hub.Start()

	wrkr := worker.NewMessageEventWorker(log, msgQueue, hub,
		cfg.Worker.MessageStream, cfg.Worker.MessageGroup, cfg.Worker.Consumer)
	if err := wrkr.Run(ctx); err != nil {
		log.Error("message worker failed to start", "err", err)
		os.Exit(1)
	}

	// Server
	srv := server.NewServer(log, *cfg, tokenSvc, guard, msgSvc, hub, map[string]server.HealthCheck{
		"postgres": postgres.HealthCheck(pdb, cfg.Postgres.PingTimeout),
		"redis":    redisPlugin.HealthCheck(rdb, cfg.Redis.PingTimeout),
	},
		server.WithGauge("stream_backlog", func(ctx context.Context) (int64, error) {
			return msgQueue.Pending(ctx, cfg.Worker.MessageStream, cfg.Worker.MessageGroup)
		}),
		server.WithGauge("mirror_online", func(ctx context.Context) (int64, error) {
			online, err := mirror.Online(ctx)
			return int64(len(online)), err
		}),
	)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("server stopped unexpectedly", "err", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Service.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"realtime": func(ctx context.Context) error {
				log.Info("graceful shutdown initiated")
				// stop intake first, then the stream consumer, then live sessions
				httpErr := srv.Shutdown(ctx)
				cancel()
				hubErr := hub.Stop(ctx)
				return errors.Join(httpErr, hubErr, rdb.Close(), pdb.Close())
			},
			"telemetry": func(ctx context.Context) error {
				log.Info("flushing telemetry")
				return otelShutdown(ctx)
			},
		},
	)
	exitCode := <-wait
	log.Info("application exited", "code", exitCode)
	os.Exit(exitCode)
}
