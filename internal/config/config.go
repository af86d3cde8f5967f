// Package config provides the configuration schema, loader, and provider
// registry for the memoryplane core.
package config

import "time"

// Config is the root configuration structure for memoryplane.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Blob      BlobConfig      `yaml:"blob"`
	Cache     CacheConfig     `yaml:"cache"`
	Seal      SealConfig      `yaml:"seal"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Batch     BatchConfig     `yaml:"batch"`
	Graph     GraphConfig     `yaml:"graph"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Metadata  MetadataConfig  `yaml:"metadata"`
}

// MetadataConfig configures the tabular metadata store (pkg/metadata).
type MetadataConfig struct {
	// DSN is a standard libpq connection string or URL for PostgreSQL.
	DSN string `yaml:"dsn"`

	// MigrateOnStart runs Store.Migrate during Core startup. Disable in
	// production in favour of an explicit migration step.
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// ServerConfig holds network and logging settings for the memoryplane daemon.
type ServerConfig struct {
	// ListenAddr is the TCP address the control-surface server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated slog level name.
type LogLevel string

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// ProvidersConfig declares which provider implementation backs each
// model-backed collaborator. Each field selects a named provider registered
// in the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anyllm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// BlobConfig configures the content-addressed blob store adapter (C1).
type BlobConfig struct {
	// Bucket is the S3 bucket (or S3-compatible store) backing the blob store.
	Bucket string `yaml:"bucket"`

	// Region is the AWS region (or a placeholder for S3-compatible endpoints).
	Region string `yaml:"region"`

	// Endpoint overrides the default AWS endpoint, for LocalStack/MinIO-style
	// S3-compatible stores. Empty means use the AWS default resolver.
	Endpoint string `yaml:"endpoint"`

	// ForcePathStyle selects path-style addressing (required by most
	// S3-compatible stores that are not AWS itself).
	ForcePathStyle bool `yaml:"force_path_style"`

	// RequestTimeout bounds every individual put/get/head/delete/list call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries bounds the exponential-backoff retry budget for transient
	// failures before surfacing StorageUnavailable.
	MaxRetries int `yaml:"max_retries"`

	// RetentionEpoch is the coarse-grained lifetime applied to new blobs'
	// retention_epoch_end tag.
	RetentionEpoch time.Duration `yaml:"retention_epoch"`
}

// CacheConfig configures the three-tier content cache (C2).
type CacheConfig struct {
	// L1Entries bounds the in-process LRU tier by entry count.
	L1Entries int `yaml:"l1_entries"`

	// L2Bytes bounds the shared hot-set tier by approximate cost (bytes).
	L2Bytes int64 `yaml:"l2_bytes"`

	// TTL bounds advisory cache-entry lifetime in both tiers.
	TTL time.Duration `yaml:"ttl_ms"`
}

// SealConfig configures the identity-based encryption envelope (C3).
type SealConfig struct {
	// SessionTTL bounds how long a SessionKey remains valid once created.
	SessionTTL time.Duration `yaml:"session_ttl_min"`

	// Servers lists the configured key-share holders.
	Servers []KeyServerConfig `yaml:"servers"`

	// Quorum is the weighted threshold T required to reconstitute a
	// decryption key from key-share responses.
	Quorum int `yaml:"quorum"`

	// VerifyServers enables server-side signature verification of shares
	// before aggregation.
	VerifyServers bool `yaml:"verify_servers"`
}

// KeyServerConfig describes a single configured key-share holder.
type KeyServerConfig struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
	Mode   string `yaml:"mode"`
}

// EmbeddingConfig configures the embedding service (C4).
type EmbeddingConfig struct {
	// Model is recorded into every Memory's embedding_model field.
	Model string `yaml:"model"`

	// BatchSize and BatchAge are the batcher's size/time triggers for this kind.
	BatchSize int           `yaml:"batch_size"`
	BatchAge  time.Duration `yaml:"batch_age_ms"`

	// RPM is the token-bucket requests-per-minute cap.
	RPM int `yaml:"rpm"`

	// CacheEntries bounds the memoisation LRU.
	CacheEntries int `yaml:"cache_entries"`
}

// IndexConfig configures the per-user vector index manager (C6).
type IndexConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	BatchAge          time.Duration `yaml:"batch_age_ms"`
	SnapshotThreshold int           `yaml:"snapshot_threshold"`
	SnapshotIdle      time.Duration `yaml:"snapshot_idle_ms"`
	Dimension         int           `yaml:"dimension"`
	M                 int           `yaml:"m"`
	EFConstruction    int           `yaml:"ef_construction"`
	EFSearchDefault   int           `yaml:"ef_search_default"`
	// EvictIdle is the idle duration after which a warm index is evicted to Cold.
	EvictIdle time.Duration `yaml:"evict_idle_ms"`
}

// BatchConfig configures the generic size+time batch scheduler (C5).
type BatchConfig struct {
	// MaxPending is the global per-kind soft cap that triggers eager flush.
	MaxPending int `yaml:"max_pending"`

	// EnqueueTimeout bounds how long Enqueue blocks under back-pressure
	// before failing with Backpressure.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// GraphConfig configures the knowledge graph manager (C7).
type GraphConfig struct {
	// CheckpointEvery flushes the graph to blob storage after this many mutations.
	CheckpointEvery int `yaml:"checkpoint_every"`

	// IdleFlush flushes the graph after this much time with no new mutations.
	IdleFlush time.Duration `yaml:"idle_flush_ms"`

	// MaxHops bounds neighbours() BFS depth by default.
	MaxHops int `yaml:"max_hops"`

	// NodeVisitBudget bounds the total nodes visited per neighbours() call.
	NodeVisitBudget int `yaml:"node_visit_budget"`
}

// RetrievalConfig configures the hybrid retrieval engine (C10).
type RetrievalConfig struct {
	DefaultK  int     `yaml:"default_k"`
	Threshold float64 `yaml:"threshold"`

	// ModeWeights weights each search mode's contribution in hybrid mode.
	ModeWeights map[string]float64 `yaml:"mode_weights"`

	// PermissionCacheTTL bounds how long allows() decisions are cached (C11).
	PermissionCacheTTL time.Duration `yaml:"permission_cache_ttl_ms"`
}

// IngestConfig configures the ingestion pipeline (C9).
type IngestConfig struct {
	// DedupWindow is the sliding window within which identical utterances for
	// the same user are coalesced to a single memory.
	DedupWindow time.Duration `yaml:"dedup_window_ms"`

	// Timeouts bound individual suspension points per spec §5.
	EmbedTimeout     time.Duration `yaml:"embed_timeout"`
	BlobTimeout      time.Duration `yaml:"blob_timeout"`
	KeyServerTimeout time.Duration `yaml:"key_server_timeout"`
	LLMTimeout       time.Duration `yaml:"llm_timeout"`
}
