package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/memoryplane/memoryplane/pkg/batch"
	"github.com/memoryplane/memoryplane/pkg/blobstore"
	"github.com/memoryplane/memoryplane/pkg/classifier"
	"github.com/memoryplane/memoryplane/pkg/embedding"
	"github.com/memoryplane/memoryplane/pkg/graph"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/metadata"
	"github.com/memoryplane/memoryplane/pkg/provider/llm"
	"github.com/memoryplane/memoryplane/pkg/seal"
	"github.com/memoryplane/memoryplane/pkg/types"
	"github.com/memoryplane/memoryplane/pkg/vectorindex"
)

// fakeMemoryStore is an in-memory stand-in for *metadata.Store, letting
// ingest tests run without a live Postgres instance.
type fakeMemoryStore struct {
	mu   sync.Mutex
	byID map[string]metadata.Memory
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{byID: make(map[string]metadata.Memory)}
}

func (f *fakeMemoryStore) PutMemory(ctx context.Context, m metadata.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[m.MemoryID] = m
	return nil
}

func (f *fakeMemoryStore) GetMemory(ctx context.Context, memoryID string) (metadata.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[memoryID]
	if !ok {
		return metadata.Memory{}, memerr.ErrNotFound
	}
	return m, nil
}

// --- fakes shared by this package's tests ---

type fakeLLM struct {
	content string
	err     error
}

func (f *fakeLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	panic("not used")
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.content}, nil
}

func (f *fakeLLM) CountTokens(messages []types.Message) (int, error) { return 0, nil }
func (f *fakeLLM) Capabilities() types.ModelCapabilities                                  { return types.ModelCapabilities{} }

type fakeEmbeddingProvider struct {
	dims int
}

func (f *fakeEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dims), nil
}

func (f *fakeEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

func (f *fakeEmbeddingProvider) Dimensions() int { return f.dims }
func (f *fakeEmbeddingProvider) ModelID() string { return "fake-embed" }

type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(ctx context.Context, data []byte, tags blobstore.Tags) (blobstore.PutResult, error) {
	addr := blobstore.ContentAddress(data)
	f.mu.Lock()
	f.blobs[addr] = append([]byte(nil), data...)
	f.mu.Unlock()
	return blobstore.PutResult{Address: addr, Size: int64(len(data)), StoredAt: time.Now()}, nil
}

func (f *fakeBlobStore) Get(ctx context.Context, address string) ([]byte, blobstore.Tags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[address], blobstore.Tags{}, nil
}

func (f *fakeBlobStore) Head(ctx context.Context, address string) (blobstore.Tags, error) {
	return blobstore.Tags{}, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, address string) (bool, error) { return true, nil }

func (f *fakeBlobStore) List(ctx context.Context, ownerFilter string, tagFilter map[string]string, limit int, cursor string) ([]string, string, error) {
	return nil, "", nil
}

func newAcceptingPipeline(t *testing.T, classifyContent string) (*Pipeline, *fakeBlobStore) {
	t.Helper()
	store := newFakeBlobStore()

	embedder, err := embedding.New(&fakeEmbeddingProvider{dims: 4}, embedding.Config{Model: "fake-embed"})
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}

	env := seal.New(seal.Config{
		MasterSecret: []byte("test-master-secret-spanning-32-bytes!!"),
		SessionTTL:   time.Minute,
	})

	batcher := batch.New[vectorindex.Entry](batch.Config{MaxBatchSize: 1000, MaxBatchAge: time.Hour}, nil)
	vidx := vectorindex.New(store, batcher, vectorindex.Config{Dimension: 4})

	gm := graph.New(graph.Config{Extractor: &fakeLLM{content: `{"nodes":[],"edges":[]}`}, Store: store})

	cls := classifier.New(&fakeLLM{content: classifyContent}, nil)

	p := New(Config{
		Classifier:  cls,
		Embedder:    embedder,
		Envelope:    env,
		Blobs:       store,
		VectorIndex: vidx,
		Graph:       gm,
		Metadata:    newFakeMemoryStore(),
	})
	return p, store
}

func TestIngest_LowValueUtteranceIsSkipped(t *testing.T) {
	p, _ := newAcceptingPipeline(t, `{"should_save":false,"category":"other","confidence":0}`)
	res, err := p.Ingest(context.Background(), "u1", "what time is it", nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeSkipped || res.Reason != "low_value" {
		t.Fatalf("res = %+v, want skipped{low_value}", res)
	}
}

func TestIngest_DuplicateWithinWindowIsSkipped(t *testing.T) {
	p, _ := newAcceptingPipeline(t, `{"should_save":true,"category":"fact","confidence":0.8}`)
	ctx := context.Background()

	first, err := p.Ingest(ctx, "u1", "My dog's name is Pepper", nil)
	if err != nil {
		t.Fatalf("Ingest (first): %v", err)
	}
	if first.Outcome != OutcomeAccepted {
		t.Fatalf("first.Outcome = %v, want accepted", first.Outcome)
	}

	second, err := p.Ingest(ctx, "u1", "My dog's name is Pepper", nil)
	if err != nil {
		t.Fatalf("Ingest (second): %v", err)
	}
	if second.Outcome != OutcomeSkipped || second.Reason != "duplicate" || second.ExistingMemoryID != first.MemoryID {
		t.Fatalf("second = %+v, want skipped{duplicate, %s}", second, first.MemoryID)
	}
}

func TestIngest_AcceptedAssignsVectorRefAndContentRef(t *testing.T) {
	p, store := newAcceptingPipeline(t, `{"should_save":true,"category":"personal","confidence":0.9}`)
	res, err := p.Ingest(context.Background(), "u1", "I was born in Lisbon", nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("Outcome = %v, want accepted", res.Outcome)
	}
	if res.VectorRef == nil || *res.VectorRef != 1 {
		t.Fatalf("VectorRef = %v, want 1", res.VectorRef)
	}
	store.mu.Lock()
	_, ok := store.blobs[res.ContentRef]
	store.mu.Unlock()
	if !ok {
		t.Fatalf("ContentRef %q not found in blob store", res.ContentRef)
	}
}

func TestIngest_VectorRefsAreMonotonicPerUser(t *testing.T) {
	p, _ := newAcceptingPipeline(t, `{"should_save":true,"category":"fact","confidence":0.8}`)
	ctx := context.Background()

	first, err := p.Ingest(ctx, "u1", "first utterance", nil)
	if err != nil {
		t.Fatalf("Ingest (first): %v", err)
	}
	second, err := p.Ingest(ctx, "u1", "second utterance", nil)
	if err != nil {
		t.Fatalf("Ingest (second): %v", err)
	}
	if *first.VectorRef != 1 || *second.VectorRef != 2 {
		t.Fatalf("vector refs = %d, %d, want 1, 2", *first.VectorRef, *second.VectorRef)
	}
}

func TestIngest_ImportanceHintOverridesClassifierConfidence(t *testing.T) {
	p, store := newAcceptingPipeline(t, `{"should_save":true,"category":"fact","confidence":0.1}`)
	hint := 0.95
	res, err := p.Ingest(context.Background(), "u1", "a deliberately important fact", &hint)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	store.mu.Lock()
	_, ok := store.blobs[res.ContentRef]
	store.mu.Unlock()
	if !ok {
		t.Fatalf("expected blob to be written")
	}
	mem, err := p.cfg.Metadata.GetMemory(context.Background(), res.MemoryID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if mem.Importance != hint {
		t.Fatalf("Importance = %v, want %v", mem.Importance, hint)
	}
}
