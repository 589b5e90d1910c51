package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/kafka-go"
)

func writeConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "invoker.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

const minimalValidConfig = `
kafka:
  brokers: ["localhost:9092"]
  taskTopic: tasks
  sinkTopic: results
minio:
  endpoint: localhost:9000
  toolchainBucket: toolchains
  problemBucket: problems
pipeline:
  invokerID: invoker-1
  workspaceRoot: /var/lib/invoker/workspace
`

func TestLoadAppConfigAcceptsAMinimalValidConfig(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, minimalValidConfig))
	if err != nil {
		t.Fatalf("expected a minimal valid config to load, got %v", err)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Fatalf("expected a default worker concurrency of 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.AcquireWait != defaultAcquireWait {
		t.Fatalf("expected the default acquire wait, got %v", cfg.Worker.AcquireWait)
	}
	if cfg.Cache.TTL != defaultCacheTTL {
		t.Fatalf("expected the default cache TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Kafka.Concurrency != 1 {
		t.Fatalf("expected the default kafka concurrency of 1, got %d", cfg.Kafka.Concurrency)
	}
}

func TestLoadAppConfigRejectsMissingKafkaBrokers(t *testing.T) {
	_, err := loadAppConfig(writeConfig(t, `
kafka:
  taskTopic: tasks
  sinkTopic: results
minio:
  endpoint: localhost:9000
  toolchainBucket: toolchains
  problemBucket: problems
pipeline:
  invokerID: invoker-1
  workspaceRoot: /var/lib/invoker/workspace
`))
	if err == nil {
		t.Fatal("expected an error when kafka.brokers is empty")
	}
}

func TestLoadAppConfigRejectsHostToolchainsWithToolchainBucket(t *testing.T) {
	_, err := loadAppConfig(writeConfig(t, `
kafka:
  brokers: ["localhost:9092"]
  taskTopic: tasks
  sinkTopic: results
minio:
  toolchainBucket: toolchains
  problemBucket: problems
pipeline:
  invokerID: invoker-1
  workspaceRoot: /var/lib/invoker/workspace
  hostToolchains: true
`))
	if err == nil {
		t.Fatal("expected an error when hostToolchains and minio.toolchainBucket are both set")
	}
}

func TestLoadAppConfigAllowsHostToolchainsWithoutMinIOEndpoint(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, `
kafka:
  brokers: ["localhost:9092"]
  taskTopic: tasks
  sinkTopic: results
minio:
  problemBucket: problems
pipeline:
  invokerID: invoker-1
  workspaceRoot: /var/lib/invoker/workspace
  hostToolchains: true
`))
	if err != nil {
		t.Fatalf("expected host-toolchain mode to skip the minio endpoint requirement, got %v", err)
	}
	if !cfg.Pipeline.HostToolchains {
		t.Fatal("expected HostToolchains to be true")
	}
}

func TestLoadAppConfigRejectsMissingWorkspaceRoot(t *testing.T) {
	_, err := loadAppConfig(writeConfig(t, `
kafka:
  brokers: ["localhost:9092"]
  taskTopic: tasks
  sinkTopic: results
minio:
  endpoint: localhost:9000
  toolchainBucket: toolchains
  problemBucket: problems
pipeline:
  invokerID: invoker-1
`))
	if err == nil {
		t.Fatal("expected an error when pipeline.workspaceRoot is missing")
	}
}

func TestKafkaConfigToMQConfigMapsCompressionCodecs(t *testing.T) {
	cases := map[string]kafka.Compression{
		"gzip":    kafka.Gzip,
		"snappy":  kafka.Snappy,
		"lz4":     kafka.Lz4,
		"zstd":    kafka.Zstd,
		"":        kafka.Compression(0),
		"bogus":   kafka.Compression(0),
		"GZIP":    kafka.Gzip,
	}
	for raw, want := range cases {
		k := KafkaConfig{Brokers: []string{"b"}, Compression: raw}
		got := k.toMQConfig().Compression
		if got != want {
			t.Fatalf("compression %q: expected %v, got %v", raw, want, got)
		}
	}
}

func TestBuildProfileResolverUsesTheRefDefaultEntry(t *testing.T) {
	r := buildProfileResolver([]IsolationProfileConfig{
		{Ref: "gcc-12", Name: "gcc-12-profile", SeccompProfile: "compile.json"},
		{Ref: "default", Name: "default-profile", SeccompProfile: "default.json"},
	})

	p, err := r.Resolve("unconfigured-ref")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if p.Name != "default-profile" {
		t.Fatalf("expected the ref=default entry to back the fallback profile, got %+v", p)
	}

	p, err = r.Resolve("gcc-12")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if p.Name != "gcc-12-profile" {
		t.Fatalf("expected the specific profile for gcc-12, got %+v", p)
	}
}
