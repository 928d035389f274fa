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
	"sparkstep/pkg/api"
	"sparkstep/pkg/auth"
	"sparkstep/pkg/collector"
	"sparkstep/pkg/coordination/etcd"
	"sparkstep/pkg/logger"
	tracing "sparkstep/pkg/observability"
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
		Service:  "sparkstep-api",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("sparkstep-api")
	tcfg.Endpoint = cfg.TracingEndpoint
	tcfg.Enabled = cfg.TracingEnabled
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}

	etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.ElectionTTL)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer etcdCoord.Close()
	log.Info("etcd connected", zap.Strings("endpoints", cfg.EtcdEndpoints))

	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	queue, err := redis.NewRedisQueue(redisAddr)
	if err != nil {
		log.Fatal("failed to initialize redis queue", zap.Error(err))
	}
	defer queue.Close()
	log.Info("redis connected", zap.String("addr", redisAddr))

	apiCfg := api.Config{
		Port:        cfg.APIPort,
		ServiceName: "sparkstep-api",
		Queue:       queue,
		Coordinator: etcdCoord,
		Logger:      logger.WithComponent("api"),
	}

	if cfg.DatabaseURL != "" {
		store, err := postgres.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to initialize step store", zap.Error(err))
		}
		defer store.Close()
		apiCfg.Store = store
		log.Info("postgres connected, step history enabled")

		coll := collector.New(queue, store, etcdCoord, collector.WithReapInterval(cfg.ReapInterval))
		go coll.Start(ctx)
	}

	if cfg.Auth.Enabled() {
		if cfg.Auth.JWTSecret != "" {
			jwtCfg := auth.DefaultJWTConfig()
			jwtCfg.SecretKey = cfg.Auth.JWTSecret
			jwtCfg.Issuer = cfg.Auth.JWTIssuer
			svc, err := auth.NewJWTService(jwtCfg)
			if err != nil {
				log.Fatal("failed to init jwt", zap.Error(err))
			}
			apiCfg.Auth.JWTService = svc
		}
		if cfg.Auth.APIKeys {
			apiCfg.Auth.APIKeyStore = auth.NewRedisAPIKeyStore(queue.Client())
		}
		log.Info("authentication enabled",
			zap.Bool("jwt", apiCfg.Auth.JWTService != nil),
			zap.Bool("api_keys", apiCfg.Auth.APIKeyStore != nil),
		)
	} else {
		log.Warn("authentication disabled, set AUTH_JWT_SECRET or AUTH_API_KEYS to enable")
	}

	server := api.NewServer(apiCfg)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
