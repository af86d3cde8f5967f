package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anyllm"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with the defaults named in spec §6.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 20
	}
	if cfg.Embedding.BatchAge == 0 {
		cfg.Embedding.BatchAge = 5 * time.Second
	}
	if cfg.Embedding.RPM == 0 {
		cfg.Embedding.RPM = 1500
	}
	if cfg.Embedding.CacheEntries == 0 {
		cfg.Embedding.CacheEntries = 10_000
	}

	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 50
	}
	if cfg.Index.BatchAge == 0 {
		cfg.Index.BatchAge = 3 * time.Second
	}
	if cfg.Index.SnapshotThreshold == 0 {
		cfg.Index.SnapshotThreshold = 200
	}
	if cfg.Index.SnapshotIdle == 0 {
		cfg.Index.SnapshotIdle = 60 * time.Second
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = 16
	}
	if cfg.Index.EFConstruction == 0 {
		cfg.Index.EFConstruction = 200
	}
	if cfg.Index.EFSearchDefault == 0 {
		cfg.Index.EFSearchDefault = 50
	}
	if cfg.Index.EvictIdle == 0 {
		cfg.Index.EvictIdle = 10 * time.Minute
	}

	if cfg.Cache.L1Entries == 0 {
		cfg.Cache.L1Entries = 4096
	}
	if cfg.Cache.L2Bytes == 0 {
		cfg.Cache.L2Bytes = 256 << 20
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = time.Hour
	}

	if cfg.Seal.SessionTTL == 0 {
		cfg.Seal.SessionTTL = 60 * time.Minute
	}
	if cfg.Seal.Quorum == 0 && len(cfg.Seal.Servers) > 0 {
		cfg.Seal.Quorum = len(cfg.Seal.Servers)/2 + 1
	}

	if cfg.Batch.MaxPending == 0 {
		cfg.Batch.MaxPending = 1000
	}
	if cfg.Batch.EnqueueTimeout == 0 {
		cfg.Batch.EnqueueTimeout = 5 * time.Second
	}

	if cfg.Graph.CheckpointEvery == 0 {
		cfg.Graph.CheckpointEvery = 50
	}
	if cfg.Graph.IdleFlush == 0 {
		cfg.Graph.IdleFlush = 30 * time.Second
	}
	if cfg.Graph.MaxHops == 0 {
		cfg.Graph.MaxHops = 2
	}
	if cfg.Graph.NodeVisitBudget == 0 {
		cfg.Graph.NodeVisitBudget = 500
	}

	if cfg.Retrieval.DefaultK == 0 {
		cfg.Retrieval.DefaultK = 10
	}
	if cfg.Retrieval.Threshold == 0 {
		cfg.Retrieval.Threshold = 0.6
	}
	if cfg.Retrieval.PermissionCacheTTL == 0 {
		cfg.Retrieval.PermissionCacheTTL = 30 * time.Second
	}
	if cfg.Retrieval.ModeWeights == nil {
		cfg.Retrieval.ModeWeights = map[string]float64{
			"vector": 0.6, "keyword": 0.2, "graph": 0.1, "temporal": 0.1,
		}
	}

	if cfg.Ingest.DedupWindow == 0 {
		cfg.Ingest.DedupWindow = 10 * time.Minute
	}
	if cfg.Ingest.EmbedTimeout == 0 {
		cfg.Ingest.EmbedTimeout = 10 * time.Second
	}
	if cfg.Ingest.BlobTimeout == 0 {
		cfg.Ingest.BlobTimeout = 30 * time.Second
	}
	if cfg.Ingest.KeyServerTimeout == 0 {
		cfg.Ingest.KeyServerTimeout = 15 * time.Second
	}
	if cfg.Ingest.LLMTimeout == 0 {
		cfg.Ingest.LLMTimeout = 30 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; classification and graph extraction will be unavailable")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; ingestion will not be able to produce vector_refs")
	}
	if cfg.Index.Dimension <= 0 {
		errs = append(errs, errors.New("index.dimension must be > 0 and must match the configured embeddings model"))
	}

	if cfg.Blob.Bucket == "" {
		errs = append(errs, errors.New("blob.bucket is required"))
	}

	if cfg.Metadata.DSN == "" {
		errs = append(errs, errors.New("metadata.dsn is required"))
	}

	if len(cfg.Seal.Servers) > 0 {
		var totalWeight int
		seen := make(map[string]bool, len(cfg.Seal.Servers))
		for i, s := range cfg.Seal.Servers {
			prefix := fmt.Sprintf("seal.servers[%d]", i)
			if s.ID == "" {
				errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			} else if seen[s.ID] {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate", prefix, s.ID))
			}
			seen[s.ID] = true
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required", prefix))
			}
			if s.Weight <= 0 {
				errs = append(errs, fmt.Errorf("%s.weight must be > 0", prefix))
			}
			totalWeight += s.Weight
		}
		if cfg.Seal.Quorum > totalWeight {
			errs = append(errs, fmt.Errorf("seal.quorum (%d) exceeds total configured server weight (%d)", cfg.Seal.Quorum, totalWeight))
		}
	}

	for mode, w := range cfg.Retrieval.ModeWeights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("retrieval.mode_weights[%s] must be >= 0", mode))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
