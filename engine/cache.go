package engine

import (
	"sync"

	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/loadresult"
	"github.com/r3e-labs/entitystore/pkg/metrics"
)

// RevisionCache is the storage engine's map from identifier to
// (load-result, epoch), held in process by memoryRevisionCache or shared
// through Redis by RedisRevisionCache. It is grounded on the teacher stack's
// mutex-guarded cache shape but stripped of TTL/versioning: the
// specification calls for a best-effort cache where a concurrent update may
// rarely replace a newer entry with an older one, not a timed cache.
type RevisionCache interface {
	Get(id identity.EntityIdentifier) (loadresult.Result, identity.Epoch, bool)
	Set(id identity.EntityIdentifier, result loadresult.Result, epoch identity.Epoch)
	Invalidate(id identity.EntityIdentifier)
}

// memoryRevisionCache is the reference RevisionCache: one mutex, one map.
// Results are always stored scope-free (global scope); callers scope on
// retrieval.
type memoryRevisionCache struct {
	mu      sync.Mutex
	entries map[identity.EntityIdentifier]cacheEntry
}

type cacheEntry struct {
	result loadresult.Result
	epoch  identity.Epoch
}

// NewMemoryRevisionCache builds the reference in-process RevisionCache.
func NewMemoryRevisionCache() RevisionCache {
	return &memoryRevisionCache{entries: make(map[identity.EntityIdentifier]cacheEntry)}
}

func (c *memoryRevisionCache) Get(id identity.EntityIdentifier) (loadresult.Result, identity.Epoch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		metrics.IncRevisionCacheOutcome("miss")
		return loadresult.Result{}, 0, false
	}
	metrics.IncRevisionCacheOutcome("hit")
	return e.result, e.epoch, true
}

func (c *memoryRevisionCache) Set(id identity.EntityIdentifier, result loadresult.Result, epoch identity.Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = cacheEntry{result: result, epoch: epoch}
}

func (c *memoryRevisionCache) Invalidate(id identity.EntityIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
