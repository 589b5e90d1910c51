package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jjs-dev/invoker/internal/common/mq"
	"github.com/jjs-dev/invoker/internal/sandbox/engine"
	"github.com/jjs-dev/invoker/internal/sandbox/security"
	"github.com/jjs-dev/invoker/pkg/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultAcquireWait     = 2 * time.Second
	defaultCacheTTL        = 30 * time.Minute
	defaultTaskSourceBuf   = 64
)

// KafkaConfig holds broker and topic settings for both the task source and
// the result sink, mirroring cmd/judge-service's KafkaConfig.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`

	TaskTopic   string `yaml:"taskTopic"`
	SinkTopic   string `yaml:"sinkTopic"`
	GroupID     string `yaml:"consumerGroup"`
	Concurrency int    `yaml:"concurrency"`
	MaxRetries  int    `yaml:"maxRetries"`
}

// MinIOConfig holds object-storage settings shared by the toolchain and
// problem asset loaders.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"accessKey"`
	SecretKey       string `yaml:"secretKey"`
	UseSSL          bool   `yaml:"useSSL"`
	ToolchainBucket string `yaml:"toolchainBucket"`
	ProblemBucket   string `yaml:"problemBucket"`
}

// RedisConfig holds the settings for the optional cross-process cache lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig holds local disk-cache settings shared by both loaders.
type CacheConfig struct {
	ToolchainRoot string        `yaml:"toolchainRoot"`
	ProblemRoot   string        `yaml:"problemRoot"`
	TTL           time.Duration `yaml:"ttl"`
}

// SandboxConfig holds the Linux sandbox engine's tunables, mirroring
// cmd/judge-service's SandboxConfig.
type SandboxConfig struct {
	CgroupRoot           string `yaml:"cgroupRoot"`
	SeccompDir           string `yaml:"seccompDir"`
	HelperPath           string `yaml:"helperPath"`
	StdoutStderrMaxBytes int64  `yaml:"stdoutStderrMaxBytes"`
	EnableSeccomp        bool   `yaml:"enableSeccomp"`
	EnableCgroup         bool   `yaml:"enableCgroup"`
	EnableNamespaces     bool   `yaml:"enableNamespaces"`
}

// IsolationProfileConfig is one entry of the static profile table keyed by
// toolchain/task-profile ref.
type IsolationProfileConfig struct {
	Ref            string `yaml:"ref"`
	Name           string `yaml:"name"`
	RootFS         string `yaml:"rootFS"`
	SeccompProfile string `yaml:"seccompProfile"`
	DisableNetwork bool   `yaml:"disableNetwork"`
}

// PipelineConfig holds the invoker-level settings spec §6/§9 describe.
type PipelineConfig struct {
	InvokerID      string   `yaml:"invokerID"`
	WorkspaceRoot  string   `yaml:"workspaceRoot"`
	ExposeHostDirs []string `yaml:"exposeHostDirs"`
	HostToolchains bool     `yaml:"hostToolchains"`
}

// WorkerConfig holds the worker pool's concurrency and back-pressure
// settings.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	AcquireWait time.Duration `yaml:"acquireWait"`
}

// AppConfig is the invoker process's full configuration, loaded from YAML
// the way cmd/judge-service loads AppConfig.
type AppConfig struct {
	Logger    logger.Config            `yaml:"logger"`
	Kafka     KafkaConfig              `yaml:"kafka"`
	MinIO     MinIOConfig              `yaml:"minio"`
	Redis     RedisConfig              `yaml:"redis"`
	Cache     CacheConfig              `yaml:"cache"`
	Sandbox   SandboxConfig            `yaml:"sandbox"`
	Profiles  []IsolationProfileConfig `yaml:"profiles"`
	Pipeline  PipelineConfig           `yaml:"pipeline"`
	Worker    WorkerConfig             `yaml:"worker"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Kafka.TaskTopic == "" {
		return nil, fmt.Errorf("kafka taskTopic is required")
	}
	if cfg.Kafka.SinkTopic == "" {
		return nil, fmt.Errorf("kafka sinkTopic is required")
	}
	if cfg.Kafka.Concurrency <= 0 {
		cfg.Kafka.Concurrency = 1
	}

	// host_toolchains and image-fetch mode are mutually exclusive (spec §9):
	// host mode needs no MinIO bucket configuration at all.
	if cfg.Pipeline.HostToolchains && cfg.MinIO.ToolchainBucket != "" {
		return nil, fmt.Errorf("pipeline.hostToolchains and minio.toolchainBucket are mutually exclusive")
	}
	if !cfg.Pipeline.HostToolchains {
		if cfg.MinIO.Endpoint == "" {
			return nil, fmt.Errorf("minio endpoint is required unless pipeline.hostToolchains is set")
		}
		if cfg.MinIO.ToolchainBucket == "" {
			return nil, fmt.Errorf("minio toolchainBucket is required unless pipeline.hostToolchains is set")
		}
	}
	if cfg.MinIO.ProblemBucket == "" {
		return nil, fmt.Errorf("minio problemBucket is required")
	}

	if cfg.Pipeline.WorkspaceRoot == "" {
		return nil, fmt.Errorf("pipeline.workspaceRoot is required")
	}
	if cfg.Pipeline.InvokerID == "" {
		return nil, fmt.Errorf("pipeline.invokerID is required")
	}

	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = defaultCacheTTL
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.AcquireWait <= 0 {
		cfg.Worker.AcquireWait = defaultAcquireWait
	}

	return &cfg, nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		CgroupRoot:           s.CgroupRoot,
		SeccompDir:           s.SeccompDir,
		HelperPath:           s.HelperPath,
		StdoutStderrMaxBytes: s.StdoutStderrMaxBytes,
		EnableSeccomp:        s.EnableSeccomp,
		EnableCgroup:         s.EnableCgroup,
		EnableNamespaces:     s.EnableNamespaces,
	}
}

func buildProfileResolver(entries []IsolationProfileConfig) *security.StaticResolver {
	profiles := make(map[string]security.IsolationProfile, len(entries))
	var def security.IsolationProfile
	for _, e := range entries {
		p := security.IsolationProfile{
			Name:           e.Name,
			RootFS:         e.RootFS,
			SeccompProfile: e.SeccompProfile,
			DisableNetwork: e.DisableNetwork,
		}
		profiles[e.Ref] = p
		if e.Ref == "default" {
			def = p
		}
	}
	return security.NewStaticResolver(profiles, def)
}
