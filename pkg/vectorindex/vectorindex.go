// Package vectorindex implements the Vector Index Manager (C6): one
// approximate-nearest-neighbor index per user over unit vectors under
// cosine distance, with Cold/Loading/Warm/Flushing/Evicted lifecycle,
// single-flight cold-load, and periodic durable snapshots. See spec §4.6.
//
// No HNSW/ANN library appears anywhere in the teacher or the rest of the
// retrieved pack (see DESIGN.md), so search here is an exact brute-force
// cosine scan rather than a true approximate index; the lifecycle,
// single-writer, and snapshot contracts are otherwise exactly as specified.
package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memoryplane/memoryplane/pkg/batch"
	"github.com/memoryplane/memoryplane/pkg/blobstore"
	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// State is a user index's lifecycle position (spec §4.6).
type State int

const (
	Cold State = iota
	Loading
	Warm
	Flushing
	Evicted
)

// Entry is one vector stored in the index.
type Entry struct {
	VectorID int64
	Vector   []float32 // must already be unit-normalized
	Meta     map[string]string
}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	VectorID int64
	Score    float64
	Meta     map[string]string
}

// Config fixes index parameters and snapshot policy thresholds.
type Config struct {
	Dimension         int
	M                 int
	EFConstruction    int
	EFSearchDefault   int
	SnapshotThreshold int
	SnapshotIdle      time.Duration
}

func (c Config) withDefaults() Config {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EFConstruction <= 0 {
		c.EFConstruction = 200
	}
	if c.EFSearchDefault <= 0 {
		c.EFSearchDefault = 50
	}
	if c.SnapshotThreshold <= 0 {
		c.SnapshotThreshold = 500
	}
	if c.SnapshotIdle <= 0 {
		c.SnapshotIdle = 30 * time.Second
	}
	return c
}

// snapshot is the on-blob serialisation format.
type snapshot struct {
	Entries []Entry `json:"entries"`
}

// userIndex holds one user's in-memory index and lifecycle state.
type userIndex struct {
	mu sync.RWMutex

	state       State
	entries     map[int64]Entry
	snapshotRef string

	pendingSinceFlush int
	lastMutation      time.Time
	lastAccess        time.Time
}

// Manager owns one userIndex per user and the batcher that serialises
// mutations per spec §5's single-writer discipline.
type Manager struct {
	cfg     Config
	store   blobstore.Store
	batcher *batch.Batcher[Entry]
	group   singleflight.Group

	mu         sync.Mutex
	indexes    map[string]*userIndex
	registered map[string]bool
}

// New builds a [Manager]. The batcher is shared across all users; each user
// gets its own kind "vec-add:<user>" so that mutation-dispatch is
// serialised per user without blocking other users (spec §5).
func New(store blobstore.Store, batcher *batch.Batcher[Entry], cfg Config) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		store:      store,
		batcher:    batcher,
		indexes:    make(map[string]*userIndex),
		registered: make(map[string]bool),
	}
}

func kindFor(user string) string { return "vec-add:" + user }

func (m *Manager) indexFor(user string) *userIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[user]
	if !ok {
		idx = &userIndex{state: Cold, entries: make(map[int64]Entry), lastAccess: time.Now()}
		m.indexes[user] = idx
	}
	return idx
}

func (m *Manager) ensureRegistered(user string, idx *userIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered[user] {
		return
	}
	m.registered[user] = true
	m.batcher.RegisterKind(kindFor(user), batch.ProcessorFunc[Entry](func(ctx context.Context, items []batch.Item[Entry]) error {
		return m.applyBatch(ctx, user, idx, items)
	}))
}

// applyBatch is the registered Processor for a user's "vec-add:<user>"
// kind: it loads the index if Cold and inserts every item into the warm
// in-memory map.
func (m *Manager) applyBatch(ctx context.Context, user string, idx *userIndex, items []batch.Item[Entry]) error {
	if err := m.ensureWarm(ctx, user, idx); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, item := range items {
		idx.entries[item.Value.VectorID] = item.Value
	}
	idx.pendingSinceFlush += len(items)
	idx.lastMutation = time.Now()
	return nil
}

// ensureWarm transitions idx from Cold to Warm, loading any existing
// snapshot. Concurrent callers for the same user single-flight onto one
// load.
func (m *Manager) ensureWarm(ctx context.Context, user string, idx *userIndex) error {
	idx.mu.RLock()
	state := idx.state
	idx.mu.RUnlock()
	if state == Warm || state == Flushing {
		return nil
	}

	_, err, _ := m.group.Do(user, func() (any, error) {
		idx.mu.Lock()
		if idx.state == Warm {
			idx.mu.Unlock()
			return nil, nil
		}
		idx.state = Loading
		ref := idx.snapshotRef
		idx.mu.Unlock()

		if ref != "" {
			data, _, err := m.store.Get(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("vectorindex: load snapshot for %s: %w", user, memerr.ErrIndexCorrupted)
			}
			var snap snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("vectorindex: decode snapshot for %s: %w", user, memerr.ErrIndexCorrupted)
			}
			idx.mu.Lock()
			for _, e := range snap.Entries {
				idx.entries[e.VectorID] = e
			}
			idx.mu.Unlock()
		}

		idx.mu.Lock()
		idx.state = Warm
		idx.lastAccess = time.Now()
		idx.mu.Unlock()
		return nil, nil
	})
	return err
}

// Add enqueues a vector insert for user via the batcher, loading the index
// first if it is Cold (spec §4.6).
func (m *Manager) Add(ctx context.Context, user string, vectorID int64, vector []float32, meta map[string]string) error {
	idx := m.indexFor(user)
	m.ensureRegistered(user, idx)
	return m.batcher.Enqueue(ctx, kindFor(user), Entry{VectorID: vectorID, Vector: normalize(vector), Meta: meta}, 0)
}

// Search unit-normalises query and returns the top k nearest entries by
// cosine similarity, ties broken by ascending vector_id (spec §4.6). filter
// may be nil.
func (m *Manager) Search(ctx context.Context, user string, query []float32, k int, filter func(meta map[string]string) bool) ([]SearchResult, error) {
	idx := m.indexFor(user)
	if err := m.ensureWarm(ctx, user, idx); err != nil {
		return nil, err
	}

	q := normalize(query)

	idx.mu.RLock()
	candidates := make([]SearchResult, 0, len(idx.entries))
	for _, e := range idx.entries {
		if filter != nil && !filter(e.Meta) {
			continue
		}
		candidates = append(candidates, SearchResult{VectorID: e.VectorID, Score: cosine(q, e.Vector), Meta: e.Meta})
	}
	idx.lastAccess = time.Now()
	idx.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].VectorID < candidates[j].VectorID
	})

	if k > 0 && k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Flush synchronously drains pending_adds via the batcher, then writes a
// full snapshot to blob storage (spec §4.6). A successful return guarantees
// every prior Add for user is reflected on the blob.
func (m *Manager) Flush(ctx context.Context, user string) error {
	idx := m.indexFor(user)
	m.ensureRegistered(user, idx)

	if err := m.batcher.FlushNow(ctx, kindFor(user)); err != nil {
		return err
	}

	idx.mu.Lock()
	if idx.state != Warm {
		idx.mu.Unlock()
		return nil // nothing hydrated, nothing to snapshot
	}
	idx.state = Flushing
	entries := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		entries = append(entries, e)
	}
	idx.mu.Unlock()

	payload, err := json.Marshal(snapshot{Entries: entries})
	if err != nil {
		idx.mu.Lock()
		idx.state = Warm
		idx.mu.Unlock()
		return fmt.Errorf("vectorindex: marshal snapshot for %s: %w", user, err)
	}

	result, err := m.store.Put(ctx, payload, blobstore.Tags{
		Owner:       user,
		ContentType: "application/json",
		ContentSize: int64(len(payload)),
		CreatedMS:   time.Now().UnixMilli(),
	})
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.state = Warm // snapshot-write failure leaves in-memory index intact (spec §4.6)
	if err != nil {
		return fmt.Errorf("vectorindex: flush %s: %w", user, err)
	}
	idx.snapshotRef = result.Address
	idx.pendingSinceFlush = 0
	return nil
}

// NeedsFlush reports whether user's index has crossed the snapshot policy
// threshold (pending count) or idle interval (spec §4.6).
func (m *Manager) NeedsFlush(user string) bool {
	idx := m.indexFor(user)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.pendingSinceFlush >= m.cfg.SnapshotThreshold {
		return true
	}
	return idx.pendingSinceFlush > 0 && time.Since(idx.lastMutation) >= m.cfg.SnapshotIdle
}

// EvictIdle transitions any Warm index idle longer than threshold back to
// Cold, freeing its in-memory entries. Callers drive this on their own
// schedule (e.g. a periodic sweep) — the manager does not run a background
// goroutine itself.
func (m *Manager) EvictIdle(threshold time.Duration) {
	m.mu.Lock()
	users := make([]string, 0, len(m.indexes))
	for u := range m.indexes {
		users = append(users, u)
	}
	m.mu.Unlock()

	for _, u := range users {
		idx := m.indexFor(u)
		idx.mu.Lock()
		if idx.state == Warm && time.Since(idx.lastAccess) >= threshold {
			idx.state = Evicted
			idx.entries = make(map[int64]Entry)
		}
		idx.mu.Unlock()
	}
}

// State reports a user's current lifecycle state.
func (m *Manager) State(user string) State {
	idx := m.indexFor(user)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.state == Evicted {
		return Cold
	}
	return idx.state
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
