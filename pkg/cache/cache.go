// Package cache implements the three-tier Content Cache (C2): an in-process
// LRU (L1), a shared hot-set (L2), and the Blob Store Adapter itself as the
// source of truth (L3). See spec §4.2.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memoryplane/memoryplane/pkg/blobstore"
)

// Recorder receives tier-hit/miss observations. [internal/observe.Metrics]
// satisfies this via its RecordCacheAccess method; tests may supply a no-op.
type Recorder interface {
	RecordCacheAccess(ctx context.Context, tier, result string)
}

type noopRecorder struct{}

func (noopRecorder) RecordCacheAccess(context.Context, string, string) {}

// entry is the value stored in both L1 and L2.
type entry struct {
	data     []byte
	tags     blobstore.Tags
	cachedAt time.Time
}

// Config configures a [Cache].
type Config struct {
	L1Entries int
	L2Bytes   int64
	TTL       time.Duration
	Recorder  Recorder
}

// Cache is the three-tier content cache. Safe for concurrent use.
type Cache struct {
	l1       *lru.Cache[string, entry]
	l2       *ristretto.Cache[string, entry]
	l3       blobstore.Store
	ttl      time.Duration
	recorder Recorder

	mu      sync.Mutex
	evictL1 int64
}

// New builds a [Cache] backed by store as its L3 tier.
func New(store blobstore.Store, cfg Config) (*Cache, error) {
	if cfg.L1Entries <= 0 {
		cfg.L1Entries = 4096
	}
	if cfg.L2Bytes <= 0 {
		cfg.L2Bytes = 256 << 20
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}

	c := &Cache{l3: store, ttl: cfg.TTL, recorder: cfg.Recorder}

	l1, err := lru.NewWithEvict[string, entry](cfg.L1Entries, c.onL1Evict)
	if err != nil {
		return nil, err
	}
	c.l1 = l1

	l2, err := ristretto.NewCache(&ristretto.Config[string, entry]{
		NumCounters: cfg.L2Bytes / 100 * 10, // ~10x expected entry count, per ristretto guidance
		MaxCost:     cfg.L2Bytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	c.l2 = l2

	return c, nil
}

// onL1Evict demotes an evicted L1 entry into L2 (spec §4.2: "on eviction from
// L1 the entry is demoted to L2").
func (c *Cache) onL1Evict(address string, e entry) {
	c.mu.Lock()
	c.evictL1++
	c.mu.Unlock()
	c.l2.Set(address, e, int64(len(e.data)))
}

// Get probes L1, then L2, then L3, promoting on lower-tier hits per spec §4.2.
func (c *Cache) Get(ctx context.Context, address string) ([]byte, blobstore.Tags, error) {
	if e, ok := c.l1.Get(address); ok {
		if !c.expired(e) {
			c.recorder.RecordCacheAccess(ctx, "l1", "hit")
			return e.data, e.tags, nil
		}
		c.l1.Remove(address)
	}
	c.recorder.RecordCacheAccess(ctx, "l1", "miss")

	if e, ok := c.l2.Get(address); ok {
		if !c.expired(e) {
			c.recorder.RecordCacheAccess(ctx, "l2", "hit")
			c.l1.Add(address, e)
			return e.data, e.tags, nil
		}
		c.l2.Del(address)
	}
	c.recorder.RecordCacheAccess(ctx, "l2", "miss")

	data, tags, err := c.l3.Get(ctx, address)
	if err != nil {
		c.recorder.RecordCacheAccess(ctx, "l3", "miss")
		return nil, blobstore.Tags{}, err
	}
	c.recorder.RecordCacheAccess(ctx, "l3", "hit")

	e := entry{data: data, tags: tags, cachedAt: time.Now()}
	c.l2.Set(address, e, int64(len(data)))
	c.l1.Add(address, e)
	return data, tags, nil
}

// Put writes through to L3 and seeds both cache tiers with the result, since
// addresses are content-addressed and therefore never stale.
func (c *Cache) Put(ctx context.Context, data []byte, tags blobstore.Tags) (blobstore.PutResult, error) {
	res, err := c.l3.Put(ctx, data, tags)
	if err != nil {
		return res, err
	}
	e := entry{data: data, tags: tags, cachedAt: time.Now()}
	c.l2.Set(res.Address, e, int64(len(data)))
	c.l1.Add(res.Address, e)
	return res, nil
}

// expired reports whether e has outlived the advisory TTL.
func (c *Cache) expired(e entry) bool {
	return c.ttl > 0 && time.Since(e.cachedAt) > c.ttl
}

// Stats reports the L1 eviction count recorded via onL1Evict; L2's own
// eviction counters are exposed through ristretto's Metrics when enabled.
func (c *Cache) Stats() (l1Evictions int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictL1
}

// Close releases L2's background goroutines.
func (c *Cache) Close() {
	c.l2.Close()
}
