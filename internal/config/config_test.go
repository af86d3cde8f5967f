package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/memoryplane/memoryplane/internal/config"
	"github.com/memoryplane/memoryplane/pkg/provider/embeddings"
	"github.com/memoryplane/memoryplane/pkg/provider/llm"
	"github.com/memoryplane/memoryplane/pkg/types"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  embeddings:
    name: openai
    api_key: sk-test
    model: text-embedding-3-small

blob:
  bucket: memoryplane
  region: us-east-1

index:
  dimension: 1536

metadata:
  dsn: postgres://localhost/memoryplane_test

seal:
  quorum: 2
  servers:
    - {id: s1, url: https://s1.example, weight: 1}
    - {id: s2, url: https://s2.example, weight: 1}
    - {id: s3, url: https://s3.example, weight: 1}
`

func TestLoadFromReader_FullSample(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Name != "openai" {
		t.Errorf("Providers.LLM.Name = %q, want openai", cfg.Providers.LLM.Name)
	}
	if cfg.Blob.Bucket != "memoryplane" {
		t.Errorf("Blob.Bucket = %q, want memoryplane", cfg.Blob.Bucket)
	}
	if cfg.Index.Dimension != 1536 {
		t.Errorf("Index.Dimension = %d, want 1536", cfg.Index.Dimension)
	}
	if cfg.Seal.Quorum != 2 {
		t.Errorf("Seal.Quorum = %d, want 2", cfg.Seal.Quorum)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

type stubLLM struct{}

func (s *stubLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}
func (s *stubLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}
func (s *stubLLM) CountTokens(_ []types.Message) (int, error)   { return 0, nil }
func (s *stubLLM) Capabilities() types.ModelCapabilities        { return types.ModelCapabilities{} }

type stubEmbeddings struct{}

func (s *stubEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0, 0}, nil
}
func (s *stubEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0, 0}
	}
	return out, nil
}
func (s *stubEmbeddings) Dimensions() int   { return 2 }
func (s *stubEmbeddings) ModelID() string   { return "stub" }

var _ llm.Provider = (*stubLLM)(nil)
var _ embeddings.Provider = (*stubEmbeddings)(nil)

func TestRegistry_CreateLLM(t *testing.T) {
	r := config.NewRegistry()
	r.RegisterLLM("stub", func(config.ProviderEntry) (llm.Provider, error) {
		return &stubLLM{}, nil
	})

	p, err := r.CreateLLM(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*stubLLM); !ok {
		t.Fatalf("got %T, want *stubLLM", p)
	}
}

func TestRegistry_CreateLLM_NotRegistered(t *testing.T) {
	r := config.NewRegistry()
	_, err := r.CreateLLM(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_CreateEmbeddings(t *testing.T) {
	r := config.NewRegistry()
	r.RegisterEmbeddings("stub", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &stubEmbeddings{}, nil
	})

	p, err := r.CreateEmbeddings(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Dimensions() != 2 {
		t.Fatalf("Dimensions() = %d, want 2", p.Dimensions())
	}
}

func TestRegistry_CreateEmbeddings_NotRegistered(t *testing.T) {
	r := config.NewRegistry()
	_, err := r.CreateEmbeddings(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}
