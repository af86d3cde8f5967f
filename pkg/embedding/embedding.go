// Package embedding implements the Embedding Service (C4): a memoising,
// rate-controlled wrapper around [embeddings.Provider]. See spec §4.4.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/provider/embeddings"
)

// cacheEntry is the memoised value for a (text, model) pair.
type cacheEntry struct {
	vector      []float32
	createdAt   time.Time
	accessCount int64
}

// Config configures a [Service].
type Config struct {
	Model        string
	CacheEntries int
	RPM          int
}

// Service wraps an [embeddings.Provider] with content-hash memoisation and a
// token-bucket rate limiter, per spec §4.4.
type Service struct {
	provider embeddings.Provider
	model    string
	limiter  *rate.Limiter

	mu    sync.Mutex
	cache *lru.Cache[uint64, *cacheEntry]
}

// New builds a [Service]. cacheEntries bounds the LRU memoisation table; rpm
// bounds sustained requests-per-minute (burst equals one second's worth
// plus one, so a short burst at the steady-state rate does not block).
func New(provider embeddings.Provider, cfg Config) (*Service, error) {
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 10_000
	}
	if cfg.RPM <= 0 {
		cfg.RPM = 1500
	}
	cache, err := lru.New[uint64, *cacheEntry](cfg.CacheEntries)
	if err != nil {
		return nil, err
	}
	everySecond := rate.Limit(float64(cfg.RPM) / 60.0)
	burst := cfg.RPM/60 + 1
	return &Service{
		provider: provider,
		model:    cfg.Model,
		limiter:  rate.NewLimiter(everySecond, burst),
		cache:    cache,
	}, nil
}

// cacheKey returns the stable 64-bit hash of (text, model) per spec §4.4.
func cacheKey(text, model string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum64()
}

// Embed returns the embedding for text, serving from the memoisation cache
// when available. On a cache miss, it blocks cooperatively on the rate
// limiter before calling the underlying provider.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text, s.model)

	s.mu.Lock()
	if e, ok := s.cache.Get(key); ok {
		e.accessCount++
		s.mu.Unlock()
		return e.vector, nil
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: provider embed: %w: %v", memerr.ErrEmbeddingUnavailable, err)
	}

	s.mu.Lock()
	s.cache.Add(key, &cacheEntry{vector: vec, createdAt: time.Now(), accessCount: 1})
	s.mu.Unlock()
	return vec, nil
}

// EmbedBatch embeds a batch of texts, serving memoised hits directly and
// issuing a single provider call for the combined miss set.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	s.mu.Lock()
	for i, text := range texts {
		key := cacheKey(text, s.model)
		if e, ok := s.cache.Get(key); ok {
			e.accessCount++
			results[i] = e.vector
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	s.mu.Unlock()

	if len(missTexts) == 0 {
		return results, nil
	}

	if err := s.limiter.WaitN(ctx, 1); err != nil {
		return nil, err
	}

	vecs, err := s.provider.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, fmt.Errorf("embedding: provider embed batch: %w: %v", memerr.ErrEmbeddingUnavailable, err)
	}

	s.mu.Lock()
	for j, idx := range missIdx {
		results[idx] = vecs[j]
		key := cacheKey(texts[idx], s.model)
		s.cache.Add(key, &cacheEntry{vector: vecs[j], createdAt: time.Now(), accessCount: 1})
	}
	s.mu.Unlock()

	return results, nil
}

// Dimensions delegates to the underlying provider.
func (s *Service) Dimensions() int { return s.provider.Dimensions() }

// ModelID returns the configured model name recorded into Memory.embedding_model.
func (s *Service) ModelID() string { return s.model }

var _ embeddings.Provider = (*Service)(nil)
