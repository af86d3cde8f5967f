package retrieval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/memoryplane/memoryplane/pkg/batch"
	"github.com/memoryplane/memoryplane/pkg/blobstore"
	"github.com/memoryplane/memoryplane/pkg/cache"
	"github.com/memoryplane/memoryplane/pkg/embedding"
	"github.com/memoryplane/memoryplane/pkg/graph"
	"github.com/memoryplane/memoryplane/pkg/identity"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/metadata"
	"github.com/memoryplane/memoryplane/pkg/permission"
	"github.com/memoryplane/memoryplane/pkg/provider/llm"
	"github.com/memoryplane/memoryplane/pkg/seal"
	"github.com/memoryplane/memoryplane/pkg/types"
	"github.com/memoryplane/memoryplane/pkg/vectorindex"
)

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
	data, ok := f.blobs[address]
	if !ok {
		return nil, blobstore.Tags{}, memerr.ErrNotFound
	}
	return data, blobstore.Tags{}, nil
}

func (f *fakeBlobStore) Head(ctx context.Context, address string) (blobstore.Tags, error) {
	return blobstore.Tags{}, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, address string) (bool, error) { return true, nil }

func (f *fakeBlobStore) List(ctx context.Context, ownerFilter string, tagFilter map[string]string, limit int, cursor string) ([]string, string, error) {
	return nil, "", nil
}

type fakeMemoryLister struct {
	mu  sync.Mutex
	all []metadata.Memory
}

func (f *fakeMemoryLister) GetMemory(ctx context.Context, memoryID string) (metadata.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.all {
		if m.MemoryID == memoryID {
			return m, nil
		}
	}
	return metadata.Memory{}, memerr.ErrNotFound
}

func (f *fakeMemoryLister) ListByOwner(ctx context.Context, owner string, limit int) ([]metadata.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []metadata.Memory
	for _, m := range f.all {
		if m.Owner == owner {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeEmbeddingProvider struct{ dims int }

func (f *fakeEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	// Deterministic: map text to a one-hot-ish vector by its first byte, so
	// different query texts produce distinguishably different vectors.
	v := make([]float32, f.dims)
	if len(text) > 0 {
		v[int(text[0])%f.dims] = 1
	}
	return v, nil
}

func (f *fakeEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

func (f *fakeEmbeddingProvider) Dimensions() int { return f.dims }
func (f *fakeEmbeddingProvider) ModelID() string { return "fake-embed" }

type fakeExtractor struct{}

func (f *fakeExtractor) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	panic("not used")
}
func (f *fakeExtractor) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: `{"nodes":[],"edges":[]}`}, nil
}
func (f *fakeExtractor) CountTokens(messages []types.Message) (int, error) {
	return 0, nil
}
func (f *fakeExtractor) Capabilities() types.ModelCapabilities { return types.ModelCapabilities{} }

type fakeSigner struct{}

func (fakeSigner) Sign(ctx context.Context, userAddress string, challenge []byte) ([]byte, error) {
	return append([]byte("sig:"), challenge...), nil
}

type noGrants struct{}

func (noGrants) Grants(requestingIdentity, targetAddress, scope string) []permission.ConsentGrant {
	return nil
}

// testHarness builds a fully-wired Engine with fake blob/metadata backing.
type testHarness struct {
	store    *fakeBlobStore
	lister   *fakeMemoryLister
	envelope *seal.Envelope
	engine   *Engine
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store := newFakeBlobStore()
	lister := &fakeMemoryLister{}

	embedder, err := embedding.New(&fakeEmbeddingProvider{dims: 8}, embedding.Config{Model: "fake-embed"})
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}

	batcher := batch.New[vectorindex.Entry](batch.Config{MaxBatchSize: 1000, MaxBatchAge: time.Hour}, nil)
	vidx := vectorindex.New(store, batcher, vectorindex.Config{Dimension: 8})

	gm := graph.New(graph.Config{Extractor: &fakeExtractor{}, Store: store})

	contentCache, err := cache.New(store, cache.Config{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	env := seal.New(seal.Config{MasterSecret: []byte("test-master-secret-spanning-32-bytes!!"), SessionTTL: time.Minute, Signer: fakeSigner{}})

	perms := permission.New(permission.Config{Grants: noGrants{}})

	engine := New(Config{
		Embedder:    embedder,
		VectorIndex: vidx,
		Graph:       gm,
		Metadata:    lister,
		Content:     contentCache,
		Envelope:    env,
		Permissions: perms,
	})

	return &testHarness{store: store, lister: lister, envelope: env, engine: engine}
}

// seedMemory encrypts plaintext under self(owner), blob-puts it, and appends
// a Memory record whose VectorRef is vectorID — mirroring what pkg/ingest
// does, without going through the full pipeline. It does not add the vector
// to the index; tests that search by vector call VectorIndex.Add themselves.
func (h *testHarness) seedMemory(t *testing.T, owner, memoryID, plaintext, category string, vectorID int64, vector []float32) metadata.Memory {
	t.Helper()
	ctx := context.Background()
	id := identity.NewSelf(owner)
	ciphertext, err := h.envelope.Encrypt([]byte(plaintext), id)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	res, err := h.store.Put(ctx, ciphertext, blobstore.Tags{Owner: owner, Category: category, IsEncrypted: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	mem := metadata.Memory{
		MemoryID:   memoryID,
		Owner:      owner,
		Category:   category,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		ContentRef: res.Address,
		VectorRef:  &vectorID,
		Encryption: metadata.Encryption{Kind: "ibe", IdentityString: id.String()},
	}
	h.lister.mu.Lock()
	h.lister.all = append(h.lister.all, mem)
	h.lister.mu.Unlock()
	return mem
}

func TestSearch_VectorMode_ReturnsNearestByMemoryID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	vecA := make([]float32, 8)
	vecA['a'%8] = 1
	vecB := make([]float32, 8)
	vecB['b'%8] = 1

	h.seedMemory(t, "u1", "mem-a", "apple content", "fact", 1, vecA)
	h.seedMemory(t, "u1", "mem-b", "banana content", "fact", 2, vecB)
	if err := h.engine.cfg.VectorIndex.Add(ctx, "u1", 1, vecA, map[string]string{"memory_id": "mem-a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.engine.cfg.VectorIndex.Add(ctx, "u1", 2, vecB, map[string]string{"memory_id": "mem-b"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.engine.cfg.VectorIndex.Flush(ctx, "u1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	resp, err := h.engine.Search(ctx, "a", "u1", "u1", Filters{}, Opts{Modes: []Mode{ModeVector}, K: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].MemoryID != "mem-a" {
		t.Fatalf("Results = %+v, want mem-a first", resp.Results)
	}
}

func TestSearch_KeywordMode_RequiresAllTerms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedMemory(t, "u1", "mem-1", "my dog loves the park", "pet", 1, make([]float32, 8))
	h.seedMemory(t, "u1", "mem-2", "my cat loves the couch", "pet", 2, make([]float32, 8))

	resp, err := h.engine.Search(ctx, "dog park", "u1", "u1", Filters{}, Opts{Modes: []Mode{ModeKeyword}, K: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].MemoryID != "mem-1" {
		t.Fatalf("Results = %+v, want only mem-1", resp.Results)
	}
}

func TestSearch_PermissionDeniedExcludesCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedMemory(t, "u1", "mem-1", "owner-only content", "fact", 1, make([]float32, 8))

	resp, err := h.engine.Search(ctx, "owner-only content", "u1", "u2", Filters{}, Opts{Modes: []Mode{ModeKeyword}, K: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("Results = %+v, want empty (requester u2 != owner u1)", resp.Results)
	}
}

func TestSearch_IncludeContentDecryptsMatchingCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedMemory(t, "u1", "mem-1", "a secret about penguins", "fact", 1, make([]float32, 8))

	resp, err := h.engine.Search(ctx, "penguins", "u1", "u1", Filters{}, Opts{Modes: []Mode{ModeKeyword}, K: 10, IncludeContent: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("Results = %+v, want one", resp.Results)
	}
	if resp.Results[0].Plaintext != "a secret about penguins" {
		t.Fatalf("Plaintext = %q, want decrypted original", resp.Results[0].Plaintext)
	}
	if resp.Stats.DecryptionCount != 1 {
		t.Fatalf("DecryptionCount = %d, want 1", resp.Stats.DecryptionCount)
	}
}

func TestSearch_FacetsComputedOverPostPermissionSet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedMemory(t, "u1", "mem-1", "fact one about dogs", "fact", 1, make([]float32, 8))
	h.seedMemory(t, "u1", "mem-2", "preference note about dogs", "preference", 2, make([]float32, 8))

	resp, err := h.engine.Search(ctx, "dogs", "u1", "u1", Filters{}, Opts{Modes: []Mode{ModeKeyword}, K: 10, IncludeFacets: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Facets["category"]["fact"] != 1 || resp.Facets["category"]["preference"] != 1 {
		t.Fatalf("Facets = %+v, want one of each category", resp.Facets)
	}
}
