package config_test

import (
	"strings"
	"testing"

	"github.com/memoryplane/memoryplane/internal/config"
)

const minimalValidYAML = `
blob:
  bucket: memoryplane-test
index:
  dimension: 1536
metadata:
  dsn: postgres://localhost/memoryplane_test
`

func TestLoadFromReader_Minimal(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(minimalValidYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want default %q", cfg.Server.LogLevel, "info")
	}
	if cfg.Embedding.BatchSize != 20 {
		t.Fatalf("Embedding.BatchSize = %d, want default 20", cfg.Embedding.BatchSize)
	}
	if cfg.Index.SnapshotThreshold != 200 {
		t.Fatalf("Index.SnapshotThreshold = %d, want default 200", cfg.Index.SnapshotThreshold)
	}
	if cfg.Retrieval.DefaultK != 10 {
		t.Fatalf("Retrieval.DefaultK = %d, want default 10", cfg.Retrieval.DefaultK)
	}
	if cfg.Retrieval.ModeWeights["vector"] != 0.6 {
		t.Fatalf("Retrieval.ModeWeights[vector] = %v, want 0.6", cfg.Retrieval.ModeWeights["vector"])
	}
}

func TestLoadFromReader_MissingBucket(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`index: {dimension: 1536}`))
	if err == nil {
		t.Fatal("expected error for missing blob.bucket")
	}
	if !strings.Contains(err.Error(), "blob.bucket") {
		t.Fatalf("error = %v, want mention of blob.bucket", err)
	}
}

func TestLoadFromReader_MissingDimension(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`blob: {bucket: b}`))
	if err == nil {
		t.Fatal("expected error for missing index.dimension")
	}
	if !strings.Contains(err.Error(), "index.dimension") {
		t.Fatalf("error = %v, want mention of index.dimension", err)
	}
}

func TestLoadFromReader_InvalidLogLevel(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: bananas
blob:
  bucket: b
index:
  dimension: 1536
metadata:
  dsn: postgres://localhost/db
`))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
blob:
  bucket: b
  not_a_real_field: true
index:
  dimension: 1536
`))
	if err == nil {
		t.Fatal("expected error for unknown field under strict decoding")
	}
}

func TestLoadFromReader_SealServers(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(`
blob:
  bucket: b
index:
  dimension: 1536
metadata:
  dsn: postgres://localhost/db
seal:
  quorum: 2
  servers:
    - {id: s1, url: https://s1, weight: 1}
    - {id: s2, url: https://s2, weight: 1}
    - {id: s3, url: https://s3, weight: 1}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Seal.Quorum != 2 {
		t.Fatalf("Seal.Quorum = %d, want 2", cfg.Seal.Quorum)
	}
	if len(cfg.Seal.Servers) != 3 {
		t.Fatalf("len(Seal.Servers) = %d, want 3", len(cfg.Seal.Servers))
	}
}

func TestLoadFromReader_SealServersDuplicateID(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
blob:
  bucket: b
index:
  dimension: 1536
metadata:
  dsn: postgres://localhost/db
seal:
  servers:
    - {id: s1, url: https://s1, weight: 1}
    - {id: s1, url: https://s2, weight: 1}
`))
	if err == nil {
		t.Fatal("expected error for duplicate seal server id")
	}
}

func TestLoadFromReader_SealQuorumExceedsWeight(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
blob:
  bucket: b
index:
  dimension: 1536
metadata:
  dsn: postgres://localhost/db
seal:
  quorum: 5
  servers:
    - {id: s1, url: https://s1, weight: 1}
`))
	if err == nil {
		t.Fatal("expected error for quorum exceeding total weight")
	}
}

func TestLoadFromReader_UnknownProviderNameWarnsNotFails(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(`
blob:
  bucket: b
index:
  dimension: 1536
metadata:
  dsn: postgres://localhost/db
providers:
  llm:
    name: some-custom-provider
`))
	if err != nil {
		t.Fatalf("unexpected error for unrecognised (but valid) provider name: %v", err)
	}
	if cfg.Providers.LLM.Name != "some-custom-provider" {
		t.Fatalf("Providers.LLM.Name = %q, want preserved", cfg.Providers.LLM.Name)
	}
}
