// Package app wires together every memoryplane component into a single
// running Core, the process-level session object. It is grounded on the
// teacher's session-manager lifecycle: a sync.Mutex-guarded active bool plus
// a reverse-order closers slice run on Stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/memoryplane/memoryplane/internal/config"
	"github.com/memoryplane/memoryplane/internal/observe"
	"github.com/memoryplane/memoryplane/internal/resilience"
	"github.com/memoryplane/memoryplane/pkg/batch"
	"github.com/memoryplane/memoryplane/pkg/blobstore"
	"github.com/memoryplane/memoryplane/pkg/cache"
	"github.com/memoryplane/memoryplane/pkg/classifier"
	"github.com/memoryplane/memoryplane/pkg/embedding"
	"github.com/memoryplane/memoryplane/pkg/graph"
	"github.com/memoryplane/memoryplane/pkg/ingest"
	"github.com/memoryplane/memoryplane/pkg/metadata"
	"github.com/memoryplane/memoryplane/pkg/permission"
	"github.com/memoryplane/memoryplane/pkg/provider/embeddings"
	"github.com/memoryplane/memoryplane/pkg/provider/llm"
	"github.com/memoryplane/memoryplane/pkg/retrieval"
	"github.com/memoryplane/memoryplane/pkg/seal"
	"github.com/memoryplane/memoryplane/pkg/vectorindex"
)

// Stats summarises the current state of every component, for the stats()
// control-surface operation.
type Stats struct {
	CacheL1Evictions int64
	VectorIndexState map[string]vectorindex.State
}

// Core is the single process-level object wiring config, providers, and
// every domain package into the ingest()/search()/grant()/revoke()/
// rotate_keys()/flush()/checkpoint()/stats() control surface.
type Core struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	log     *slog.Logger
	metrics *observe.Metrics

	blobs         blobstore.Store
	content       *cache.Cache
	envelope      *seal.Envelope
	embedder      *embedding.Service
	vectorBatcher *batch.Batcher[vectorindex.Entry]
	vectorIndex   *vectorindex.Manager
	graphMgr      *graph.Manager
	classifierSvc *classifier.Classifier
	permissions   *permission.Checker
	metadataStore *metadata.Store
	ingestPipe    *ingest.Pipeline
	retrievalEng  *retrieval.Engine

	// users tracks every user seen by Ingest, so FlushAllIdle and Stats can
	// sweep "all known users" without a registry elsewhere in the system.
	mu    sync.Mutex
	users map[string]bool

	lifecycleMu sync.Mutex
	active      bool
	closers     []func() error
}

// consentLister is the narrow slice of *metadata.Store that
// metadataGrantStore depends on, so tests can supply a fake instead of a
// live Postgres connection.
type consentLister interface {
	ListConsentGrants(ctx context.Context, requestingIdentity, targetIdentity, scope string) ([]metadata.ConsentGrant, error)
}

// metadataGrantStore adapts a consentLister to permission.GrantStore. The
// latter's synchronous, ctx-less shape predates this DB-backed
// implementation; Checker already caches Allows decisions for its TTL, so a
// background context per lookup does not cost correctness, only (bounded)
// latency on a cache miss.
type metadataGrantStore struct {
	store consentLister
	log   *slog.Logger
}

func (g *metadataGrantStore) Grants(requestingIdentity, targetAddress, scope string) []permission.ConsentGrant {
	rows, err := g.store.ListConsentGrants(context.Background(), requestingIdentity, targetAddress, scope)
	if err != nil {
		g.log.Warn("grant lookup failed", "requesting_identity", requestingIdentity, "target", targetAddress, "scope", scope, "err", err)
		return nil
	}
	out := make([]permission.ConsentGrant, len(rows))
	for i, r := range rows {
		out[i] = permission.ConsentGrant{
			RequestingIdentity: r.RequestingIdentity,
			TargetAddress:      r.TargetIdentity,
			Scope:              r.Scope,
			GrantedAt:          r.GrantedAt,
			ExpiresAt:          r.ExpiresAt,
		}
	}
	return out
}

// New builds every component from cfg and registry, and returns a started
// Core. Callers must call Stop when done to release the metadata pool,
// envelope session state, and blob client.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, metrics *observe.Metrics, log *slog.Logger) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	c := &Core{cfg: cfg, log: log, metrics: metrics, users: make(map[string]bool)}

	blobs, err := buildBlobStore(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("app: blob store: %w", err)
	}
	c.blobs = blobs

	content, err := cache.New(blobs, cache.Config{
		L1Entries: cfg.Cache.L1Entries,
		L2Bytes:   cfg.Cache.L2Bytes,
		TTL:       cfg.Cache.TTL,
		Recorder:  metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: content cache: %w", err)
	}
	c.content = content
	c.pushCloser(func() error { content.Close(); return nil })

	envelope, err := buildEnvelope(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: seal envelope: %w", err)
	}
	c.envelope = envelope
	c.pushCloser(func() error { envelope.Close(); return nil })

	llmProvider, err := buildLLMProvider(registry, cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: llm provider: %w", err)
	}

	embedProvider, err := buildEmbeddingsProvider(registry, cfg.Providers.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("app: embeddings provider: %w", err)
	}

	embedder, err := embedding.New(embedProvider, embedding.Config{
		Model:        cfg.Embedding.Model,
		CacheEntries: cfg.Embedding.CacheEntries,
		RPM:          cfg.Embedding.RPM,
	})
	if err != nil {
		return nil, fmt.Errorf("app: embedding service: %w", err)
	}
	c.embedder = embedder

	c.vectorBatcher = batch.New[vectorindex.Entry](batch.Config{
		MaxBatchSize:   cfg.Index.BatchSize,
		MaxBatchAge:    cfg.Index.BatchAge,
		MaxPending:     cfg.Batch.MaxPending,
		EnqueueTimeout: cfg.Batch.EnqueueTimeout,
	}, metrics)
	c.pushCloser(func() error { return c.vectorBatcher.Shutdown(context.Background()) })

	c.vectorIndex = vectorindex.New(blobs, c.vectorBatcher, vectorindex.Config{
		Dimension:         cfg.Index.Dimension,
		M:                 cfg.Index.M,
		EFConstruction:    cfg.Index.EFConstruction,
		EFSearchDefault:   cfg.Index.EFSearchDefault,
		SnapshotThreshold: cfg.Index.SnapshotThreshold,
		SnapshotIdle:      cfg.Index.SnapshotIdle,
	})

	c.graphMgr = graph.New(graph.Config{
		Extractor:       llmProvider,
		Store:           blobs,
		CheckpointEvery: cfg.Graph.CheckpointEvery,
		IdleFlush:       cfg.Graph.IdleFlush,
	})

	c.classifierSvc = classifier.New(llmProvider, log)

	metadataStore, err := metadata.Open(ctx, cfg.Metadata.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: metadata store: %w", err)
	}
	if cfg.Metadata.MigrateOnStart {
		if err := metadataStore.Migrate(ctx); err != nil {
			metadataStore.Close()
			return nil, fmt.Errorf("app: metadata migrate: %w", err)
		}
	}
	c.metadataStore = metadataStore
	c.pushCloser(func() error { metadataStore.Close(); return nil })

	c.permissions = permission.New(permission.Config{
		Grants: &metadataGrantStore{store: metadataStore, log: log},
		TTL:    cfg.Retrieval.PermissionCacheTTL,
	})

	c.ingestPipe = ingest.New(ingest.Config{
		Classifier:  c.classifierSvc,
		Embedder:    c.embedder,
		Envelope:    c.envelope,
		Blobs:       c.blobs,
		VectorIndex: c.vectorIndex,
		Graph:       c.graphMgr,
		Metadata:    c.metadataStore,
		Recorder:    metrics,
		Log:         log,
		DedupWindow: cfg.Ingest.DedupWindow,
	})

	c.retrievalEng = retrieval.New(retrieval.Config{
		Embedder:    c.embedder,
		VectorIndex: c.vectorIndex,
		Graph:       c.graphMgr,
		Metadata:    c.metadataStore,
		Content:     c.content,
		Envelope:    c.envelope,
		Permissions: c.permissions,
	})

	c.lifecycleMu.Lock()
	c.active = true
	c.lifecycleMu.Unlock()

	return c, nil
}

func (c *Core) pushCloser(fn func() error) {
	c.closers = append(c.closers, fn)
}

func buildBlobStore(ctx context.Context, bc config.BlobConfig) (*blobstore.S3Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if bc.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(bc.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if bc.Endpoint != "" {
			o.BaseEndpoint = &bc.Endpoint
		}
		o.UsePathStyle = bc.ForcePathStyle
	})

	return blobstore.NewS3Store(client, blobstore.Config{
		Bucket:         bc.Bucket,
		RequestTimeout: bc.RequestTimeout,
		MaxRetries:     bc.MaxRetries,
		RetentionEpoch: bc.RetentionEpoch,
	}), nil
}

// sealMasterSecretEnv names the environment variable holding the envelope's
// master secret. Deliberately kept out of YAML config so it never ends up
// committed alongside the rest of the config tree.
const sealMasterSecretEnv = "MEMORYPLANE_SEAL_MASTER_SECRET"

func buildEnvelope(cfg *config.Config) (*seal.Envelope, error) {
	secret := os.Getenv(sealMasterSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s must be set", sealMasterSecretEnv)
	}

	servers := make([]seal.KeyServer, 0, len(cfg.Seal.Servers))
	for _, s := range cfg.Seal.Servers {
		servers = append(servers, seal.NewHTTPKeyServer(s.ID, s.URL, s.Weight, cfg.Ingest.KeyServerTimeout))
	}
	return seal.New(seal.Config{
		MasterSecret:  []byte(secret),
		SessionTTL:    cfg.Seal.SessionTTL,
		KeyServers:    servers,
		Quorum:        cfg.Seal.Quorum,
		VerifyServers: cfg.Seal.VerifyServers,
	}), nil
}

// buildLLMProvider constructs the configured LLM backend and wraps it in a
// circuit breaker via resilience.LLMFallback, even with a single backend:
// the breaker alone is worth having on every external call.
func buildLLMProvider(registry *config.Registry, entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, errors.New("providers.llm.name is not configured")
	}
	provider, err := registry.CreateLLM(entry)
	if err != nil {
		return nil, err
	}
	return resilience.NewLLMFallback(provider, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "llm:" + entry.Name, MaxFailures: 5, ResetTimeout: 30 * time.Second},
	}), nil
}

func buildEmbeddingsProvider(registry *config.Registry, entry config.ProviderEntry) (embeddings.Provider, error) {
	if entry.Name == "" {
		return nil, errors.New("providers.embeddings.name is not configured")
	}
	provider, err := registry.CreateEmbeddings(entry)
	if err != nil {
		return nil, err
	}
	return resilience.NewEmbeddingsFallback(provider, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "embeddings:" + entry.Name, MaxFailures: 5, ResetTimeout: 30 * time.Second},
	}), nil
}

// Ingest runs the ingestion pipeline for user.
func (c *Core) Ingest(ctx context.Context, user, utterance string, importanceHint *float64) (ingest.Result, error) {
	c.markUser(user)
	return c.ingestPipe.Ingest(ctx, user, utterance, importanceHint)
}

// Search runs hybrid retrieval on behalf of requestingIdentity over user's
// memories, filling in unset Opts/Filters fields from the configured
// retrieval defaults (§4.10) before delegating to the engine.
func (c *Core) Search(ctx context.Context, query, user, requestingIdentity string, filters retrieval.Filters, opts retrieval.Opts) (retrieval.Response, error) {
	retrievalCfg := c.Config().Retrieval

	if opts.K <= 0 {
		opts.K = retrievalCfg.DefaultK
	}
	if filters.SimilarityThreshold <= 0 {
		filters.SimilarityThreshold = retrievalCfg.Threshold
	}
	if len(opts.Modes) > 1 && opts.Weights == nil {
		opts.Weights = make(map[retrieval.Mode]float64, len(retrievalCfg.ModeWeights))
		for mode, weight := range retrievalCfg.ModeWeights {
			opts.Weights[retrieval.Mode(mode)] = weight
		}
	}
	return c.retrievalEng.Search(ctx, query, user, requestingIdentity, filters, opts)
}

// Config returns the currently-active configuration. Safe for concurrent use
// alongside ApplyConfigUpdate.
func (c *Core) Config() *config.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// ApplyConfigUpdate swaps in newCfg for every config read Core does at
// request time (retrieval defaults, idle-eviction threshold). It does not
// reconstruct providers, the blob client, or the metadata pool — those
// require a process restart, per [config.Diff]'s restart-safe/unsafe split.
func (c *Core) ApplyConfigUpdate(newCfg *config.Config) {
	c.cfgMu.Lock()
	c.cfg = newCfg
	c.cfgMu.Unlock()
}

// Grant records a consent grant and invalidates the permission decision
// cache so the new grant takes effect immediately.
func (c *Core) Grant(ctx context.Context, requestingIdentity, targetIdentity, scope string, expiresAt *time.Time) error {
	if err := c.metadataStore.PutConsentGrant(ctx, requestingIdentity, targetIdentity, scope, time.Now(), expiresAt); err != nil {
		return err
	}
	c.permissions.Invalidate()
	return nil
}

// Revoke deletes a consent grant and invalidates the permission decision cache.
func (c *Core) Revoke(ctx context.Context, requestingIdentity, targetIdentity, scope string) error {
	if err := c.metadataStore.RevokeConsentGrant(ctx, requestingIdentity, targetIdentity, scope); err != nil {
		return err
	}
	c.permissions.Invalidate()
	return nil
}

// RotateKeys rotates userAddress's session key and invalidates cached
// permission decisions, per spec §4.11 ("called on rotation events").
func (c *Core) RotateKeys(userAddress string) {
	c.envelope.RotateKeys(userAddress)
	c.permissions.Invalidate()
}

// Flush flushes the vector index for user, writing a snapshot to blob storage.
func (c *Core) Flush(ctx context.Context, user string) error {
	return c.vectorIndex.Flush(ctx, user)
}

// Checkpoint flushes the knowledge graph for user, writing a snapshot to blob storage.
func (c *Core) Checkpoint(ctx context.Context, user string) error {
	return c.graphMgr.Checkpoint(ctx, user)
}

// RetryDeferred re-attempts any vector-enqueue or graph-extract steps that
// were deferred by a prior Ingest call for user, per spec §4.9.
func (c *Core) RetryDeferred(ctx context.Context, user string) {
	c.ingestPipe.RetryDeferred(ctx, user)
}

func (c *Core) markUser(user string) {
	c.mu.Lock()
	c.users[user] = true
	c.mu.Unlock()
}

// Stats reports a point-in-time summary across every known user.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	users := make([]string, 0, len(c.users))
	for u := range c.users {
		users = append(users, u)
	}
	c.mu.Unlock()

	states := make(map[string]vectorindex.State, len(users))
	for _, u := range users {
		states[u] = c.vectorIndex.State(u)
	}

	l1Evictions := c.content.Stats()
	return Stats{CacheL1Evictions: l1Evictions, VectorIndexState: states}
}

// FlushAllIdle sweeps every known user, flushing and checkpointing any index
// or graph that has crossed its configured threshold or idle deadline.
// Intended to be called periodically (e.g. from a ticker in cmd/memoryplane).
func (c *Core) FlushAllIdle(ctx context.Context) {
	c.vectorIndex.EvictIdle(c.Config().Index.EvictIdle)

	c.mu.Lock()
	users := make([]string, 0, len(c.users))
	for u := range c.users {
		users = append(users, u)
	}
	c.mu.Unlock()

	for _, u := range users {
		if c.vectorIndex.NeedsFlush(u) {
			if err := c.vectorIndex.Flush(ctx, u); err != nil {
				c.log.Warn("periodic vector flush failed", "user", u, "err", err)
			}
		}
		if c.graphMgr.NeedsIdleFlush(u) {
			if err := c.graphMgr.Checkpoint(ctx, u); err != nil {
				c.log.Warn("periodic graph checkpoint failed", "user", u, "err", err)
			}
		}
	}
}

// Stop runs every registered closer in reverse-registration order, so later
// components (which may depend on earlier ones) shut down first. The first
// error from any closer is returned; Stop always attempts every closer.
func (c *Core) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.active {
		return nil
	}
	c.active = false

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active reports whether Stop has not yet been called.
func (c *Core) Active() bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.active
}
