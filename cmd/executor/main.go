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
	"sparkstep/pkg/executor"
	"sparkstep/pkg/logger"
	tracing "sparkstep/pkg/observability"
	"sparkstep/pkg/storage"
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
		Service:  "sparkstep-executor",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("sparkstep-executor")
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

	etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.ElectionTTL)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer etcdCoord.Close()

	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	queue, err := redis.NewRedisQueue(redisAddr)
	if err != nil {
		log.Fatal("failed to initialize redis queue", zap.Error(err))
	}
	defer queue.Close()

	log.Info("spark environment",
		zap.String("spark_home", cfg.Spark.SparkHome),
		zap.String("job_jar", cfg.Spark.JobJarPath),
		zap.Strings("resource_path", cfg.Spark.ResourcePath),
	)

	var opts []executor.Option
	switch cfg.Output.Backend {
	case "":
	case "local":
		store, err := storage.NewLocalOutputStore(cfg.Output.Dir)
		if err != nil {
			log.Fatal("failed to initialize output store", zap.Error(err))
		}
		opts = append(opts, executor.WithOutputStore(store, cfg.Output.InlineLimit))
		log.Info("archiving step output locally", zap.String("dir", cfg.Output.Dir))
	case "s3":
		store, err := storage.NewS3OutputStore(ctx, storage.S3OutputStoreConfig{
			Bucket:          cfg.Output.Bucket,
			Prefix:          cfg.Output.Prefix,
			Region:          cfg.Output.Region,
			Endpoint:        cfg.Output.Endpoint,
			AccessKeyID:     cfg.Output.AccessKeyID,
			SecretAccessKey: cfg.Output.SecretAccessKey,
		})
		if err != nil {
			log.Fatal("failed to initialize output store", zap.Error(err))
		}
		opts = append(opts, executor.WithOutputStore(store, cfg.Output.InlineLimit))
		log.Info("archiving step output to s3", zap.String("bucket", cfg.Output.Bucket))
	default:
		log.Fatal("unknown OUTPUT_STORE", zap.String("value", cfg.Output.Backend))
	}

	exec := executor.NewExecutor(cfg, etcdCoord, queue, opts...)
	exec.Start(ctx)
}
