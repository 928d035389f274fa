package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "sparkstep/configs"
	"sparkstep/pkg/coordination/etcd"
	"sparkstep/pkg/logger"
	tracing "sparkstep/pkg/observability"
	"sparkstep/pkg/scheduler"
	"sparkstep/pkg/storage/postgres"
	"sparkstep/pkg/storage/redis"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  "sparkstep-scheduler",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("sparkstep-scheduler")
	tcfg.Endpoint = cfg.TracingEndpoint
	tcfg.Enabled = cfg.TracingEnabled
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	queue, err := redis.NewRedisQueue(redisAddr)
	if err != nil {
		log.Fatal("failed to initialize redis queue", zap.Error(err))
	}
	defer queue.Close()

	etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.ElectionTTL)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer etcdCoord.Close()

	opts := []scheduler.Option{scheduler.WithElector(etcdCoord)}
	if cfg.DatabaseURL != "" {
		store, err := postgres.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to initialize step store", zap.Error(err))
		}
		defer store.Close()
		opts = append(opts, scheduler.WithStore(store))
	}

	core, err := scheduler.NewCore(cfg.Schedules, queue, opts...)
	if err != nil {
		log.Fatal("invalid schedules", zap.Error(err))
	}
	log.Info("scheduler starting",
		zap.String("candidate", core.ID),
		zap.Int("schedules", len(cfg.Schedules)),
	)

	if err := core.Run(ctx); err != nil {
		log.Error("scheduler stopped with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
