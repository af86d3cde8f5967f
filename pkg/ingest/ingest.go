// Package ingest implements the Ingestion Pipeline (C9): the ordered
// classify→dedup→embed→encrypt→store→index→extract→persist sequence, with
// per-step partial-failure isolation and per-user content-hash dedup. See
// spec §4.9.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memoryplane/memoryplane/pkg/blobstore"
	"github.com/memoryplane/memoryplane/pkg/classifier"
	"github.com/memoryplane/memoryplane/pkg/embedding"
	"github.com/memoryplane/memoryplane/pkg/graph"
	"github.com/memoryplane/memoryplane/pkg/identity"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/metadata"
	"github.com/memoryplane/memoryplane/pkg/seal"
	"github.com/memoryplane/memoryplane/pkg/vectorindex"
)

// Outcome is the top-level disposition of an Ingest call (spec §4.9).
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeSkipped  Outcome = "skipped"
)

// Result is the return value of Ingest.
type Result struct {
	Outcome Outcome

	// Populated when Outcome == OutcomeSkipped.
	Reason           string // "low_value" | "duplicate"
	ExistingMemoryID string // set when Reason == "duplicate"

	// Populated when Outcome == OutcomeAccepted.
	MemoryID   string
	VectorRef  *int64
	ContentRef string
}

// Recorder observes ingest outcomes, for metrics.
type Recorder interface {
	RecordIngestResult(ctx context.Context, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) RecordIngestResult(context.Context, string) {}

// MemoryStore is the subset of *metadata.Store the pipeline needs, broken
// out as an interface so tests can substitute an in-memory stand-in rather
// than requiring a live Postgres instance.
type MemoryStore interface {
	PutMemory(ctx context.Context, m metadata.Memory) error
	GetMemory(ctx context.Context, memoryID string) (metadata.Memory, error)
}

// Config wires the pipeline's component dependencies.
type Config struct {
	Classifier  *classifier.Classifier
	Embedder    *embedding.Service
	Envelope    *seal.Envelope
	Blobs       blobstore.Store
	VectorIndex *vectorindex.Manager
	Graph       *graph.Manager
	Metadata    MemoryStore
	Recorder    Recorder
	Log         *slog.Logger

	// DedupWindow bounds how long a content hash is remembered for
	// duplicate detection (spec §4.9, I6). Default 10 minutes.
	DedupWindow time.Duration
}

type dedupEntry struct {
	memoryID string
	at       time.Time
}

// pendingVector is a vector-enqueue failure retained for retry on the next
// idle-flush (spec §4.9, "Vector-enqueue failure").
type pendingVector struct {
	memoryID string
	vectorID int64
	vector   []float32
	meta     map[string]string
}

// pendingGraph is an extract/graph-add failure retained for retry.
type pendingGraph struct {
	memoryID  string
	utterance string
}

// Pipeline runs the ingest() operation for every user.
type Pipeline struct {
	cfg Config

	mu             sync.Mutex
	dedup          map[string]map[string]dedupEntry // user -> content hash -> entry
	vectorCounters map[string]int64                 // user -> last-assigned vector_ref
	needsReindex   map[string][]pendingVector        // user -> pending vector adds
	needsGraph     map[string][]pendingGraph         // user -> pending graph extracts
}

// New builds a [Pipeline].
func New(cfg Config) *Pipeline {
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	return &Pipeline{
		cfg:            cfg,
		dedup:          make(map[string]map[string]dedupEntry),
		vectorCounters: make(map[string]int64),
		needsReindex:   make(map[string][]pendingVector),
		needsGraph:     make(map[string][]pendingGraph),
	}
}

func contentHash(utterance string) string {
	sum := sha256.Sum256([]byte(utterance))
	return hex.EncodeToString(sum[:])
}

// Ingest runs the full pipeline for one utterance (spec §4.9). importanceHint
// is optional; zero means "let the classifier's confidence stand in".
func (p *Pipeline) Ingest(ctx context.Context, user, utterance string, importanceHint *float64) (Result, error) {
	// Step 1: classify. A classifier failure already degrades to
	// should_save=false inside Classify itself (spec's own partial-failure
	// policy for this step), so there is nothing further to isolate here.
	cls := p.cfg.Classifier.Classify(ctx, utterance)
	if !cls.ShouldSave {
		p.cfg.Recorder.RecordIngestResult(ctx, "skipped")
		return Result{Outcome: OutcomeSkipped, Reason: "low_value"}, nil
	}

	// Step 2: content-hash dedup within the sliding window (I6).
	hash := contentHash(utterance)
	if existing, dup := p.checkDedup(user, hash); dup {
		p.cfg.Recorder.RecordIngestResult(ctx, "skipped")
		return Result{Outcome: OutcomeSkipped, Reason: "duplicate", ExistingMemoryID: existing}, nil
	}

	// Step 3: embed (memoised/rate-limited by the Embedding Service itself).
	vector, err := p.cfg.Embedder.Embed(ctx, utterance)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: embed: %w", err)
	}

	// Step 4: encrypt under self(user). Abort on failure (spec §4.9): no
	// blob written.
	selfID := identity.NewSelf(user)
	ciphertext, err := p.cfg.Envelope.Encrypt([]byte(utterance), selfID)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: encrypt: %w: %v", memerr.ErrEncryptionFailed, err)
	}

	importance := cls.Confidence
	if importanceHint != nil {
		importance = *importanceHint
	}

	// Step 5: blob-put. Abort on failure (spec §4.9): no vector/graph side
	// effects, safe to retry.
	putResult, err := p.cfg.Blobs.Put(ctx, ciphertext, blobstore.Tags{
		Owner:          user,
		Category:       cls.Category,
		Importance:     importance,
		ContentType:    "text/plain",
		ContentSize:    int64(len(ciphertext)),
		CreatedMS:      time.Now().UnixMilli(),
		IsEncrypted:    true,
		EncryptionType: "ibe",
	})
	if err != nil {
		return Result{}, fmt.Errorf("ingest: blob put: %w", err)
	}

	memoryID := uuid.NewString()

	// Step 6: assign a monotonic per-user vector_ref.
	vectorRef := p.nextVectorRef(user)

	// Step 7: enqueue into the Vector Index Manager. A failure here does not
	// abort ingestion (spec §4.9): the memory is retained with
	// vector_ref=null and queued for retry on the next idle-flush.
	meta := map[string]string{"memory_id": memoryID, "category": cls.Category}
	storedVectorRef := &vectorRef
	if err := p.cfg.VectorIndex.Add(ctx, user, vectorRef, vector, meta); err != nil {
		p.cfg.Log.Warn("ingest: vector enqueue failed, deferring", "user", user, "memory_id", memoryID, "error", err)
		storedVectorRef = nil
		p.mu.Lock()
		p.needsReindex[user] = append(p.needsReindex[user], pendingVector{memoryID: memoryID, vectorID: vectorRef, vector: vector, meta: meta})
		p.mu.Unlock()
	}

	// Step 8: extract entities/edges and enqueue into the Knowledge Graph
	// Manager. Failure here also does not abort ingestion (spec §4.9): the
	// memory is fully ingested and the graph update is retried later.
	var graphRefs []string
	if extracted, err := p.cfg.Graph.Extract(ctx, utterance); err != nil {
		p.cfg.Log.Warn("ingest: graph extract failed, deferring", "user", user, "memory_id", memoryID, "error", err)
		p.mu.Lock()
		p.needsGraph[user] = append(p.needsGraph[user], pendingGraph{memoryID: memoryID, utterance: utterance})
		p.mu.Unlock()
	} else if err := p.cfg.Graph.Add(ctx, user, extracted); err != nil {
		p.cfg.Log.Warn("ingest: graph add failed, deferring", "user", user, "memory_id", memoryID, "error", err)
		p.mu.Lock()
		p.needsGraph[user] = append(p.needsGraph[user], pendingGraph{memoryID: memoryID, utterance: utterance})
		p.mu.Unlock()
	} else {
		for _, n := range extracted.Nodes {
			graphRefs = append(graphRefs, n.Name)
		}
	}

	// Step 9: persist the Memory record and mark the dedup entry.
	now := time.Now().UTC()
	record := metadata.Memory{
		MemoryID:       memoryID,
		Owner:          user,
		Category:       cls.Category,
		CreatedAt:      now,
		UpdatedAt:      now,
		Importance:     importance,
		ContentRef:     putResult.Address,
		VectorRef:      storedVectorRef,
		EmbeddingModel: p.cfg.Embedder.ModelID(),
		Encryption: metadata.Encryption{
			Kind:           "ibe",
			IdentityString: selfID.String(),
		},
		GraphRefs: graphRefs,
	}
	if err := p.cfg.Metadata.PutMemory(ctx, record); err != nil {
		return Result{}, fmt.Errorf("ingest: persist memory: %w", err)
	}

	p.recordDedup(user, hash, memoryID)
	p.cfg.Recorder.RecordIngestResult(ctx, "accepted")

	return Result{
		Outcome:    OutcomeAccepted,
		MemoryID:   memoryID,
		VectorRef:  storedVectorRef,
		ContentRef: putResult.Address,
	}, nil
}

func (p *Pipeline) checkDedup(user, hash string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byHash := p.dedup[user]
	if byHash == nil {
		return "", false
	}
	e, ok := byHash[hash]
	if !ok || time.Since(e.at) > p.cfg.DedupWindow {
		return "", false
	}
	return e.memoryID, true
}

func (p *Pipeline) recordDedup(user, hash, memoryID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byHash := p.dedup[user]
	if byHash == nil {
		byHash = make(map[string]dedupEntry)
		p.dedup[user] = byHash
	}
	byHash[hash] = dedupEntry{memoryID: memoryID, at: time.Now()}
}

func (p *Pipeline) nextVectorRef(user string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.vectorCounters[user] + 1
	p.vectorCounters[user] = next
	return next
}

// RetryDeferred re-attempts every outstanding vector-enqueue and
// graph-extract failure for user, as driven by an idle-flush scheduler
// (spec §4.9). Entries that succeed are removed; entries that fail again
// remain queued for the next call.
func (p *Pipeline) RetryDeferred(ctx context.Context, user string) {
	p.mu.Lock()
	vectors := p.needsReindex[user]
	p.needsReindex[user] = nil
	graphs := p.needsGraph[user]
	p.needsGraph[user] = nil
	p.mu.Unlock()

	var stillPendingVectors []pendingVector
	for _, v := range vectors {
		if err := p.cfg.VectorIndex.Add(ctx, user, v.vectorID, v.vector, v.meta); err != nil {
			stillPendingVectors = append(stillPendingVectors, v)
			continue
		}
		if mem, err := p.cfg.Metadata.GetMemory(ctx, v.memoryID); err == nil {
			id := v.vectorID
			mem.VectorRef = &id
			_ = p.cfg.Metadata.PutMemory(ctx, mem)
		}
	}

	var stillPendingGraphs []pendingGraph
	for _, g := range graphs {
		extracted, err := p.cfg.Graph.Extract(ctx, g.utterance)
		if err != nil {
			stillPendingGraphs = append(stillPendingGraphs, g)
			continue
		}
		if err := p.cfg.Graph.Add(ctx, user, extracted); err != nil {
			stillPendingGraphs = append(stillPendingGraphs, g)
			continue
		}
	}

	p.mu.Lock()
	p.needsReindex[user] = append(p.needsReindex[user], stillPendingVectors...)
	p.needsGraph[user] = append(p.needsGraph[user], stillPendingGraphs...)
	p.mu.Unlock()
}

// PendingRetryCount reports how many deferred vector and graph operations
// remain queued for user, for observability/tests.
func (p *Pipeline) PendingRetryCount(user string) (vectors, graphs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.needsReindex[user]), len(p.needsGraph[user])
}
