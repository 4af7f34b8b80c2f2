package registry

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dhannusch/pincer/internal/manifest"
)

// cache holds a short-lived in-isolate read cache: the index itself (a
// singleton, so a plain mutex-guarded field suffices) and
// a materialized adapterId -> active manifest map backing the
// getAdapterAction hot path. Best-effort only: every mutation invalidates
// it, and a cold cache simply costs one extra KV read.
type cache struct {
	ttl time.Duration

	mu          sync.Mutex
	index       *Index
	indexExpiry time.Time

	manifests *expirable.LRU[string, *manifest.Manifest]
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		ttl:       ttl,
		manifests: expirable.NewLRU[string, *manifest.Manifest](256, nil, ttl),
	}
}

func (c *cache) getIndex() (*Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil || time.Now().After(c.indexExpiry) {
		return nil, false
	}
	return c.index, true
}

func (c *cache) putIndex(idx *Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = idx
	c.indexExpiry = time.Now().Add(c.ttl)
}

func (c *cache) getManifest(adapterID string) (*manifest.Manifest, bool) {
	return c.manifests.Get(adapterID)
}

func (c *cache) putManifest(adapterID string, m *manifest.Manifest) {
	c.manifests.Add(adapterID, m)
}

// invalidate drops everything. Called after any registry mutation so a
// stale entry never outlives its TTL by being served past a write.
func (c *cache) invalidate() {
	c.mu.Lock()
	c.index = nil
	c.mu.Unlock()
	c.manifests.Purge()
}
