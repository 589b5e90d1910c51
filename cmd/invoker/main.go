// Command invoker runs the Judging Pipeline's worker pool as a standalone
// process: it subscribes to a Kafka task topic, judges each JudgeRequest
// inside the Linux sandbox engine, and republishes outcomes, live-status
// updates and judge logs to a Kafka sink topic. Wiring mirrors
// cmd/judge-service/main.go: load YAML config, init the logger, construct
// the object-storage/cache/queue clients, build the domain components, run
// until a shutdown signal, then drain in-flight requests before exiting.
// Shutdown itself follows go-zero's proc.AddShutdownListener convention
// (the same hook rest.MustNewServer registers internally) instead of a
// bare signal.NotifyContext, since this process has no go-zero rest/rpc
// server of its own to register it for.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	invcache "github.com/jjs-dev/invoker/internal/cache"
	commoncache "github.com/jjs-dev/invoker/internal/common/cache"
	"github.com/jjs-dev/invoker/internal/common/mq"
	"github.com/jjs-dev/invoker/internal/external"
	"github.com/jjs-dev/invoker/internal/pipeline"
	"github.com/jjs-dev/invoker/internal/problemasset"
	"github.com/jjs-dev/invoker/internal/sandbox/engine"
	"github.com/jjs-dev/invoker/internal/toolchain"
	"github.com/jjs-dev/invoker/internal/worker"
	"github.com/jjs-dev/invoker/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeromicro/go-zero/core/proc"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/invoker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	var minioClient *minio.Client
	if appCfg.MinIO.Endpoint != "" {
		minioClient, err = minio.New(appCfg.MinIO.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(appCfg.MinIO.AccessKey, appCfg.MinIO.SecretKey, ""),
			Secure: appCfg.MinIO.UseSSL,
		})
		if err != nil {
			logger.Error(ctx, "init minio client failed", zap.Error(err))
			os.Exit(1)
		}
	}

	var lock invcache.DistributedLock
	if appCfg.Redis.Addr != "" {
		redisCfg := commoncache.DefaultRedisConfig()
		redisCfg.Addr = appCfg.Redis.Addr
		redisCfg.Password = appCfg.Redis.Password
		redisCfg.DB = appCfg.Redis.DB
		lockCache, err := commoncache.NewRedisCacheWithConfig(redisCfg)
		if err != nil {
			logger.Error(ctx, "init redis lock failed", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			_ = lockCache.Close()
		}()
		lock = lockCache
	}

	toolchains := buildToolchainLoader(appCfg, minioClient, lock)
	problems := buildProblemAssetLoader(appCfg, minioClient, lock)
	profiles := buildProfileResolver(appCfg.Profiles)

	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(), profiles)
	if err != nil {
		logger.Error(ctx, "init sandbox engine failed", zap.Error(err))
		os.Exit(1)
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(ctx, "init kafka failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	sink := external.NewKafkaSink(mqClient, appCfg.Kafka.SinkTopic)

	pipe := pipeline.Pipeline{
		Engine:     eng,
		Toolchains: toolchains,
		Problems:   problems,
		Profiles:   profiles,
		Config: pipeline.Config{
			InvokerID:      appCfg.Pipeline.InvokerID,
			WorkspaceRoot:  appCfg.Pipeline.WorkspaceRoot,
			ExposeHostDirs: appCfg.Pipeline.ExposeHostDirs,
			HostToolchains: appCfg.Pipeline.HostToolchains,
			HostEnv:        os.Environ(),
		},
	}

	gated := external.NewRevisionGate(pipe, sink)
	pool := worker.New(gated, appCfg.Worker.Concurrency, appCfg.Worker.AcquireWait)

	subscribeOpts := &mq.SubscribeOptions{
		ConsumerGroup: appCfg.Kafka.GroupID,
		Concurrency:   appCfg.Kafka.Concurrency,
		MaxRetries:    appCfg.Kafka.MaxRetries,
	}
	subscribeOpts.SetDefaults()

	source := external.NewKafkaTaskSource(mqClient, appCfg.Kafka.TaskTopic, subscribeOpts, defaultTaskSourceBuf)
	if err := source.Start(ctx); err != nil {
		logger.Error(ctx, "start task source failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		_ = source.Close()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	proc.AddShutdownListener(func() {
		logger.Info(ctx, "shutdown signal received, draining in-flight requests")
		cancel()
	})

	logger.Info(runCtx, "invoker started", zap.String("invoker_id", appCfg.Pipeline.InvokerID), zap.Int("concurrency", appCfg.Worker.Concurrency))
	pool.Run(runCtx, source)

	if !pool.Shutdown(defaultShutdownTimeout) {
		logger.Warn(ctx, "shutdown deadline exceeded, exiting with requests still in flight")
	}
}

// buildToolchainLoader returns a HostLoader in host_toolchains mode (spec
// §9: "skip per-image toolchain fetch and use host dirs directly" -- the
// manifest is still read, just from cfg.Cache.ToolchainRoot instead of a
// fetched-and-extracted image), or the cache-backed MinIO loader otherwise.
func buildToolchainLoader(cfg *AppConfig, client *minio.Client, lock invcache.DistributedLock) pipeline.ToolchainLoader {
	if cfg.Pipeline.HostToolchains {
		return toolchain.NewHostLoader(cfg.Cache.ToolchainRoot)
	}
	source := &toolchain.MinioSource{Client: client, Bucket: cfg.MinIO.ToolchainBucket}
	return toolchain.New(source, cfg.Cache.ToolchainRoot, cfg.Cache.TTL, lock)
}

func buildProblemAssetLoader(cfg *AppConfig, client *minio.Client, lock invcache.DistributedLock) pipeline.ProblemLoader {
	source := &problemasset.MinioSource{Client: client, Bucket: cfg.MinIO.ProblemBucket}
	return problemasset.New(source, cfg.Cache.ProblemRoot, cfg.Cache.TTL, lock)
}
