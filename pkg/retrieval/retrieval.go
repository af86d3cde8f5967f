// Package retrieval implements the Retrieval Engine (C10): hybrid search
// over vector/keyword/graph/temporal modes, permission-filtered and
// decrypt-on-read, per spec §4.10.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/memoryplane/memoryplane/pkg/cache"
	"github.com/memoryplane/memoryplane/pkg/embedding"
	"github.com/memoryplane/memoryplane/pkg/graph"
	"github.com/memoryplane/memoryplane/pkg/identity"
	"github.com/memoryplane/memoryplane/pkg/metadata"
	"github.com/memoryplane/memoryplane/pkg/permission"
	"github.com/memoryplane/memoryplane/pkg/seal"
	"github.com/memoryplane/memoryplane/pkg/vectorindex"
)

// Mode names one of spec §4.10's search modes.
type Mode string

const (
	ModeVector   Mode = "vector"
	ModeKeyword  Mode = "keyword"
	ModeGraph    Mode = "graph"
	ModeTemporal Mode = "temporal"
)

// readScope is the fixed permission scope for every retrieval candidate
// (spec §4.10 step 4).
const readScope = "read:memories"

// defaultPackageID is the session-consolidation key used for every decrypt
// call issued by the retrieval engine (spec leaves this unspecified; one
// fixed package covers all retrieval-driven decrypts).
const defaultPackageID = "retrieval"

// DateRange bounds Filters.DateRange.
type DateRange struct {
	From, To time.Time
}

// Filters narrows the candidate set before mode scoring (spec §4.10 step 1).
type Filters struct {
	Categories          []string
	DateRange           *DateRange
	MinImportance       float64
	MaxImportance       float64
	Tags                []string
	SimilarityK         int
	SimilarityThreshold float64
}

// Opts configures one search call.
type Opts struct {
	Modes          []Mode
	Weights        map[Mode]float64 // used only when len(Modes) > 1 ("hybrid")
	K              int
	MaxHops        int
	IncludeContent bool
	IncludeFacets  bool
}

// Result is one ranked candidate.
type Result struct {
	MemoryID         string
	Score            float64
	Memory           metadata.Memory
	Plaintext        string
	IsEncrypted      bool
	DecryptionFailed bool
}

// Stats reports per-search observability data (spec §4.10, "Stats").
type Stats struct {
	ModeTimings        map[Mode]time.Duration
	PermissionPassRate float64
	DecryptionCount    int
	DecryptionFailures int
}

// Response is the full result of a Search call.
type Response struct {
	Results []Result
	Facets  map[string]map[string]int
	Stats   Stats
}

// MemoryLister is the subset of *metadata.Store retrieval needs beyond
// MemoryStore, broken out as an interface for the same testability reason
// as pkg/ingest.MemoryStore.
type MemoryLister interface {
	GetMemory(ctx context.Context, memoryID string) (metadata.Memory, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]metadata.Memory, error)
}

// Config wires the engine's dependencies.
type Config struct {
	Embedder    *embedding.Service
	VectorIndex *vectorindex.Manager
	Graph       *graph.Manager
	Metadata    MemoryLister
	Content     *cache.Cache
	Envelope    *seal.Envelope
	Permissions *permission.Checker
}

// Engine runs search().
type Engine struct {
	cfg Config
}

// New builds an [Engine].
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

type scored struct {
	memoryID string
	score    float64
}

// Search runs the spec §4.10 pipeline: score each active mode, merge by
// memory_id, apply the permission filter, optionally decrypt content,
// sort, optionally compute facets over the full permitted set, and truncate.
func (e *Engine) Search(ctx context.Context, query, user string, requestingIdentity string, filters Filters, opts Opts) (Response, error) {
	if opts.K <= 0 {
		opts.K = 20
	}
	if len(opts.Modes) == 0 {
		opts.Modes = []Mode{ModeVector}
	}

	timings := make(map[Mode]time.Duration, len(opts.Modes))
	scoreByMemory := make(map[string]float64)

	for _, mode := range opts.Modes {
		start := time.Now()
		var hits []scored
		var err error
		switch mode {
		case ModeVector:
			hits, err = e.vectorMode(ctx, query, user, filters, opts)
		case ModeKeyword:
			hits, err = e.keywordMode(ctx, query, user, filters)
		case ModeGraph:
			hits, err = e.graphMode(ctx, query, user, opts)
		case ModeTemporal:
			hits, err = e.temporalMode(ctx, user, filters)
		}
		timings[mode] = time.Since(start)
		if err != nil {
			continue // a failing mode contributes nothing rather than aborting the whole search
		}

		weight := 1.0
		if len(opts.Modes) > 1 {
			if w, ok := opts.Weights[mode]; ok {
				weight = w
			}
		}
		for _, h := range hits {
			scoreByMemory[h.memoryID] += h.score * weight
		}
	}

	candidates := make([]scored, 0, len(scoreByMemory))
	for id, score := range scoreByMemory {
		candidates = append(candidates, scored{memoryID: id, score: score})
	}

	// Step 4: permission filter.
	var passed []scored
	var memories []metadata.Memory
	for _, c := range candidates {
		mem, err := e.cfg.Metadata.GetMemory(ctx, c.memoryID)
		if err != nil {
			continue
		}
		if !e.allowed(requestingIdentity, mem) {
			continue
		}
		if !matchesFilters(mem, filters) {
			continue
		}
		passed = append(passed, c)
		memories = append(memories, mem)
	}

	passRate := 0.0
	if len(candidates) > 0 {
		passRate = float64(len(passed)) / float64(len(candidates))
	}

	results := make([]Result, len(passed))
	for i, c := range passed {
		results[i] = Result{MemoryID: c.memoryID, Score: c.score, Memory: memories[i], IsEncrypted: memories[i].Encryption.Kind == "ibe"}
	}

	// Step 5: decrypt-on-read.
	decryptCount, decryptFailures := 0, 0
	if opts.IncludeContent {
		for i := range results {
			if results[i].Memory.ContentRef == "" {
				continue
			}
			plaintext, err := e.fetchPlaintext(ctx, requestingIdentity, results[i].Memory)
			if err != nil {
				results[i].DecryptionFailed = true
				decryptFailures++
				continue
			}
			results[i].Plaintext = plaintext
			if results[i].IsEncrypted {
				decryptCount++
			}
		}
	}

	// Step 6: sort desc score, memory_id asc for ties; truncate.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].MemoryID < results[j].MemoryID
	})

	var facets map[string]map[string]int
	if opts.IncludeFacets {
		facets = computeFacets(results)
	}

	if opts.K < len(results) {
		results = results[:opts.K]
	}

	return Response{
		Results: results,
		Facets:  facets,
		Stats: Stats{
			ModeTimings:        timings,
			PermissionPassRate: passRate,
			DecryptionCount:    decryptCount,
			DecryptionFailures: decryptFailures,
		},
	}, nil
}

func (e *Engine) allowed(requestingIdentity string, mem metadata.Memory) bool {
	if mem.Encryption.IdentityString == "" {
		return true // plaintext memory with no identity gate
	}
	target, err := identity.Parse(mem.Encryption.IdentityString)
	if err != nil {
		return false
	}
	return e.cfg.Permissions.Allows(requestingIdentity, target, readScope)
}

func (e *Engine) fetchPlaintext(ctx context.Context, requestingIdentity string, mem metadata.Memory) (string, error) {
	ciphertext, _, err := e.cfg.Content.Get(ctx, mem.ContentRef)
	if err != nil {
		return "", err
	}
	if mem.Encryption.Kind != "ibe" {
		return string(ciphertext), nil
	}
	target, err := identity.Parse(mem.Encryption.IdentityString)
	if err != nil {
		return "", err
	}
	plaintext, err := e.cfg.Envelope.Decrypt(ctx, ciphertext, target, requestingIdentity, defaultPackageID)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (e *Engine) vectorMode(ctx context.Context, query, user string, filters Filters, opts Opts) ([]scored, error) {
	vec, err := e.cfg.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	k := filters.SimilarityK
	if k <= 0 {
		k = opts.K
	}
	hits, err := e.cfg.VectorIndex.Search(ctx, user, vec, k, nil)
	if err != nil {
		return nil, err
	}
	out := make([]scored, 0, len(hits))
	for _, h := range hits {
		if filters.SimilarityThreshold > 0 && h.Score < filters.SimilarityThreshold {
			continue
		}
		memoryID := h.Meta["memory_id"]
		if memoryID == "" {
			continue
		}
		out = append(out, scored{memoryID: memoryID, score: h.Score})
	}
	return out, nil
}

// keywordMode does an AND-of-terms substring match over decrypted content,
// per spec §4.10. It must read every candidate memory's plaintext to score
// it, so it is the most expensive mode and is intended for smaller corpora
// or narrowed-by-filter candidate sets.
func (e *Engine) keywordMode(ctx context.Context, query, user string, filters Filters) ([]scored, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	memories, err := e.cfg.Metadata.ListByOwner(ctx, user, 0)
	if err != nil {
		return nil, err
	}
	var out []scored
	for _, mem := range memories {
		plaintext, err := e.fetchPlaintext(ctx, identity.NewSelf(user).String(), mem)
		if err != nil {
			continue
		}
		lower := strings.ToLower(plaintext)
		matchedAll := true
		matches := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matches++
			} else {
				matchedAll = false
			}
		}
		if !matchedAll {
			continue
		}
		out = append(out, scored{memoryID: mem.MemoryID, score: float64(matches) / float64(len(terms))})
	}
	return out, nil
}

// graphMode seeds nodes from query terms and expands to max_hops, then
// matches memories whose content mentions one of the resulting node names.
// Linking a graph node directly to the memories that produced it is not
// modeled by pkg/graph (nodes are deduplicated and shared across many
// memories), so this mode falls back to a name-membership scan over
// content rather than a direct node→memory index.
func (e *Engine) graphMode(ctx context.Context, query, user string, opts Opts) ([]scored, error) {
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = 2
	}
	terms := strings.Fields(query)
	var seeds []string
	for _, term := range terms {
		seeds = append(seeds, e.cfg.Graph.FindByName(user, term, "")...)
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	nodes := e.cfg.Graph.Neighbours(user, seeds, maxHops, nil)
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, strings.ToLower(n.Name))
	}

	memories, err := e.cfg.Metadata.ListByOwner(ctx, user, 0)
	if err != nil {
		return nil, err
	}
	var out []scored
	for _, mem := range memories {
		plaintext, err := e.fetchPlaintext(ctx, identity.NewSelf(user).String(), mem)
		if err != nil {
			continue
		}
		lower := strings.ToLower(plaintext)
		hits := 0
		for _, name := range names {
			if name != "" && strings.Contains(lower, name) {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, scored{memoryID: mem.MemoryID, score: float64(hits)})
		}
	}
	return out, nil
}

func (e *Engine) temporalMode(ctx context.Context, user string, filters Filters) ([]scored, error) {
	memories, err := e.cfg.Metadata.ListByOwner(ctx, user, 0)
	if err != nil {
		return nil, err
	}
	var out []scored
	for _, mem := range memories {
		if filters.DateRange != nil {
			if mem.CreatedAt.Before(filters.DateRange.From) || mem.CreatedAt.After(filters.DateRange.To) {
				continue
			}
		}
		// More recent memories score higher; exact ranking within range is
		// left to the caller's own sort if a different recency curve is wanted.
		out = append(out, scored{memoryID: mem.MemoryID, score: float64(mem.CreatedAt.Unix())})
	}
	return out, nil
}

func matchesFilters(mem metadata.Memory, filters Filters) bool {
	if len(filters.Categories) > 0 && !contains(filters.Categories, mem.Category) {
		return false
	}
	if len(filters.Tags) > 0 {
		found := false
		for _, want := range filters.Tags {
			if contains(mem.Tags, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filters.MaxImportance > 0 && mem.Importance > filters.MaxImportance {
		return false
	}
	if filters.MinImportance > 0 && mem.Importance < filters.MinImportance {
		return false
	}
	if filters.DateRange != nil {
		if mem.CreatedAt.Before(filters.DateRange.From) || mem.CreatedAt.After(filters.DateRange.To) {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// computeFacets aggregates category and tag counts over the post-permission
// candidate set, per spec §4.10 step 7.
func computeFacets(results []Result) map[string]map[string]int {
	facets := map[string]map[string]int{
		"category": {},
		"tags":     {},
	}
	for _, r := range results {
		facets["category"][r.Memory.Category]++
		for _, tag := range r.Memory.Tags {
			facets["tags"][tag]++
		}
	}
	return facets
}
