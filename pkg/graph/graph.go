// Package graph implements the Knowledge Graph Manager (C7): a per-user
// directed labelled multigraph with LLM-based extraction from free text,
// BFS neighbour queries, and periodic blob-snapshot checkpointing. See
// spec §4.7.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memoryplane/memoryplane/pkg/blobstore"
	"github.com/memoryplane/memoryplane/pkg/provider/llm"
	"github.com/memoryplane/memoryplane/pkg/types"
)

// Node is a single entity in a user's knowledge graph.
type Node struct {
	ID    string
	Kind  string
	Name  string
	Props map[string]string
}

// Edge is a directed, weighted, labelled relation between two nodes.
type Edge struct {
	From   string
	To     string
	Label  string
	Weight float64
	Props  map[string]string
}

// Extracted is the structured result of extract(text), per spec §4.7.
type Extracted struct {
	Nodes []ExtractedNode
	Edges []ExtractedEdge
}

// ExtractedNode names a node by kind+name rather than by id, since ids are
// assigned (or reused) at upsert time.
type ExtractedNode struct {
	Kind  string
	Name  string
	Props map[string]string
}

// ExtractedEdge references nodes by name, resolved against the upserted
// node set during add().
type ExtractedEdge struct {
	FromName string
	ToName   string
	Label    string
	Weight   float64
}

// graphState is the serialised snapshot format written to blob storage.
type graphState struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// userGraph holds one user's in-memory graph plus checkpoint bookkeeping.
type userGraph struct {
	mu sync.Mutex

	nodes   map[string]Node            // id -> node
	byKey   map[string]string          // "kind\x00normalized_name" -> id
	edges   map[string]*Edge           // "from\x00to\x00label" -> edge (for weight increment)
	edgeAll []*Edge                    // insertion-ordered for subgraph/neighbours output

	mutationsSinceCheckpoint int
	lastMutation             time.Time
	snapshotRef              string
}

// Config configures a [Manager].
type Config struct {
	Extractor llm.Provider
	Store     blobstore.Store
	// CheckpointEvery flushes to blob storage after this many mutations.
	CheckpointEvery int
	// IdleFlush flushes after this much time with no new mutations, checked
	// lazily on the next call rather than via a background timer.
	IdleFlush time.Duration
}

// Manager owns one knowledge graph per user.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	graphs map[string]*userGraph
}

// New builds a [Manager].
func New(cfg Config) *Manager {
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 50
	}
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = 30 * time.Second
	}
	return &Manager{cfg: cfg, graphs: make(map[string]*userGraph)}
}

func (m *Manager) graphFor(user string) *userGraph {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[user]
	if !ok {
		g = &userGraph{
			nodes: make(map[string]Node),
			byKey: make(map[string]string),
			edges: make(map[string]*Edge),
		}
		m.graphs[user] = g
	}
	return g
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func nodeKey(kind, normalizedName string) string {
	return kind + "\x00" + normalizedName
}

func edgeKey(from, to, label string) string {
	return from + "\x00" + to + "\x00" + label
}

const extractSystemPrompt = `Extract entities and relations from the user's text for a personal knowledge graph.
Respond with a single JSON object and nothing else, in the form:
{"nodes": [{"kind": "...", "name": "...", "props": {}}], "edges": [{"from_name": "...", "to_name": "...", "label": "...", "weight": 1.0}]}
Use short, stable kind labels (e.g. "person", "place", "pet", "organization"). Omit edges whose endpoints aren't in nodes.`

type wireExtracted struct {
	Nodes []struct {
		Kind  string            `json:"kind"`
		Name  string            `json:"name"`
		Props map[string]string `json:"props"`
	} `json:"nodes"`
	Edges []struct {
		FromName string  `json:"from_name"`
		ToName   string  `json:"to_name"`
		Label    string  `json:"label"`
		Weight   float64 `json:"weight"`
	} `json:"edges"`
}

// Extract asks the configured LLM provider to pull nodes/edges out of text.
func (m *Manager) Extract(ctx context.Context, text string) (Extracted, error) {
	resp, err := m.cfg.Extractor.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: text}},
		SystemPrompt: extractSystemPrompt,
		Temperature:  0,
		MaxTokens:    1024,
	})
	if err != nil {
		return Extracted{}, fmt.Errorf("graph: extract: %w", err)
	}

	content := extractJSONObject(resp.Content)
	var w wireExtracted
	if err := json.Unmarshal([]byte(content), &w); err != nil {
		return Extracted{}, fmt.Errorf("graph: parse extraction response: %w", err)
	}

	out := Extracted{}
	for _, n := range w.Nodes {
		out.Nodes = append(out.Nodes, ExtractedNode{Kind: n.Kind, Name: n.Name, Props: n.Props})
	}
	for _, e := range w.Edges {
		out.Edges = append(out.Edges, ExtractedEdge{FromName: e.FromName, ToName: e.ToName, Label: e.Label, Weight: e.Weight})
	}
	return out, nil
}

func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return "{}"
	}
	return s[start : end+1]
}

// Add upserts nodes by (kind, normalized name) and appends/merges edges,
// per spec §4.7's mutation rules: duplicate (from, to, label) edges
// increment weight instead of creating parallel edges.
func (m *Manager) Add(ctx context.Context, user string, extracted Extracted) error {
	g := m.graphFor(user)
	g.mu.Lock()
	defer g.mu.Unlock()

	nameToID := make(map[string]string, len(extracted.Nodes))
	for _, n := range extracted.Nodes {
		norm := normalize(n.Name)
		key := nodeKey(n.Kind, norm)
		id, ok := g.byKey[key]
		if !ok {
			id = uuid.NewString()
			g.byKey[key] = id
			g.nodes[id] = Node{ID: id, Kind: n.Kind, Name: n.Name, Props: n.Props}
		}
		nameToID[normalize(n.Name)] = id
	}

	for _, e := range extracted.Edges {
		fromID, ok1 := nameToID[normalize(e.FromName)]
		toID, ok2 := nameToID[normalize(e.ToName)]
		if !ok1 || !ok2 {
			continue // edge referencing a node not present in this extraction is dropped
		}
		key := edgeKey(fromID, toID, e.Label)
		if existing, ok := g.edges[key]; ok {
			existing.Weight += e.Weight
			continue
		}
		weight := e.Weight
		if weight == 0 {
			weight = 1
		}
		edge := &Edge{From: fromID, To: toID, Label: e.Label, Weight: weight}
		g.edges[key] = edge
		g.edgeAll = append(g.edgeAll, edge)
	}

	g.mutationsSinceCheckpoint++
	g.lastMutation = time.Now()

	if g.mutationsSinceCheckpoint >= m.cfg.CheckpointEvery {
		return m.checkpointLocked(ctx, user, g)
	}
	return nil
}

// Neighbours runs a BFS from seedIDs bounded by maxHops and a global
// node-visit budget, per spec §4.7.
func (m *Manager) Neighbours(user string, seedIDs []string, maxHops int, edgeFilter func(Edge) bool) []Node {
	const visitBudget = 10_000

	g := m.graphFor(user)
	g.mu.Lock()
	defer g.mu.Unlock()

	visited := make(map[string]bool, len(seedIDs))
	frontier := append([]string(nil), seedIDs...)
	for _, id := range frontier {
		visited[id] = true
	}

	visitCount := len(visited)
	for hop := 0; hop < maxHops && len(frontier) > 0 && visitCount < visitBudget; hop++ {
		var next []string
		for _, id := range frontier {
			for _, e := range g.edgeAll {
				if edgeFilter != nil && !edgeFilter(*e) {
					continue
				}
				var other string
				switch id {
				case e.From:
					other = e.To
				case e.To:
					other = e.From
				default:
					continue
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				next = append(next, other)
				visitCount++
				if visitCount >= visitBudget {
					break
				}
			}
		}
		frontier = next
	}

	out := make([]Node, 0, len(visited))
	for id := range visited {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// FindByName looks up nodes by normalized name, optionally filtered by kind.
func (m *Manager) FindByName(user, name string, kind string) []string {
	g := m.graphFor(user)
	g.mu.Lock()
	defer g.mu.Unlock()

	norm := normalize(name)
	var out []string
	if kind != "" {
		if id, ok := g.byKey[nodeKey(kind, norm)]; ok {
			out = append(out, id)
		}
		return out
	}
	for key, id := range g.byKey {
		if strings.HasSuffix(key, "\x00"+norm) {
			out = append(out, id)
		}
	}
	return out
}

// Subgraph returns the induced node/edge set over nodeIDs.
func (m *Manager) Subgraph(user string, nodeIDs []string) ([]Node, []Edge) {
	g := m.graphFor(user)
	g.mu.Lock()
	defer g.mu.Unlock()

	want := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = true
	}

	var nodes []Node
	for _, id := range nodeIDs {
		if n, ok := g.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	var edges []Edge
	for _, e := range g.edgeAll {
		if want[e.From] && want[e.To] {
			edges = append(edges, *e)
		}
	}
	return nodes, edges
}

// Checkpoint synchronously writes the user's graph to blob storage. A
// successful return means the on-blob graph reflects all prior Add calls
// (spec §4.7).
func (m *Manager) Checkpoint(ctx context.Context, user string) error {
	g := m.graphFor(user)
	g.mu.Lock()
	defer g.mu.Unlock()
	return m.checkpointLocked(ctx, user, g)
}

func (m *Manager) checkpointLocked(ctx context.Context, user string, g *userGraph) error {
	state := graphState{Nodes: make([]Node, 0, len(g.nodes))}
	for _, n := range g.nodes {
		state.Nodes = append(state.Nodes, n)
	}
	for _, e := range g.edgeAll {
		state.Edges = append(state.Edges, *e)
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("graph: marshal snapshot for %s: %w", user, err)
	}

	result, err := m.cfg.Store.Put(ctx, payload, blobstore.Tags{
		Owner:       user,
		ContentType: "application/json",
		ContentSize: int64(len(payload)),
		CreatedMS:   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("graph: checkpoint %s: %w", user, err)
	}

	g.snapshotRef = result.Address
	g.mutationsSinceCheckpoint = 0
	return nil
}

// NeedsIdleFlush reports whether user's graph has pending mutations older
// than the configured IdleFlush interval.
func (m *Manager) NeedsIdleFlush(user string) bool {
	g := m.graphFor(user)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mutationsSinceCheckpoint > 0 && time.Since(g.lastMutation) >= m.cfg.IdleFlush
}
