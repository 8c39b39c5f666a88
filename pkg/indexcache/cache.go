// Package indexcache bounds the number of loaded HNSW indexes kept warm in
// memory per §4.F, grounded on the teacher's pkg/index usage pattern of one
// hnsw.Index per collection, generalized into an explicit LRU with
// write-back-on-evict semantics using hashicorp/golang-lru's eviction
// callback instead of a hand-rolled linked list.
package indexcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/liliang-cn/vectrix/pkg/hnsw"
	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/logging"
)

// DefaultMaxSize matches §4.F's default max_cache_size.
const DefaultMaxSize = 5

// Persister writes back a dirty index, keyed by index id.
type Persister interface {
	SaveIndex(indexID string, idx *hnsw.Index) error
	LoadIndex(indexID string, metric kernel.Kernel) (*hnsw.Index, error)
}

type entry struct {
	index  *hnsw.Index
	metric kernel.Kernel
	dirty  bool
}

// Cache is a bounded, write-back LRU of opened HNSW indexes.
type Cache struct {
	inner     *lru.Cache[string, *entry]
	persister Persister
	logger    logging.Logger
}

// New constructs a Cache with the given capacity (DefaultMaxSize if <= 0).
func New(maxSize int, persister Persister, logger logging.Logger) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = logging.Nop
	}
	c := &Cache{persister: persister, logger: logger}
	// The eviction callback runs synchronously inside lru.Add; write-back
	// happens here, outside any caller-held lock (§5).
	inner, err := lru.NewWithEvict[string, *entry](maxSize, c.onEvict)
	if err != nil {
		// Only returns an error for non-positive size, already guarded above.
		inner, _ = lru.New[string, *entry](DefaultMaxSize)
	}
	c.inner = inner
	return c
}

func (c *Cache) onEvict(indexID string, e *entry) {
	if !e.dirty {
		return
	}
	if err := c.persister.SaveIndex(indexID, e.index); err != nil {
		c.logger.Warn("index cache eviction write-back failed", "index_id", indexID, "error", err)
	}
}

// Get returns the cached index, loading it from the persister on a miss.
func (c *Cache) Get(indexID string, metric kernel.Kernel) (*hnsw.Index, error) {
	if e, ok := c.inner.Get(indexID); ok {
		return e.index, nil
	}
	idx, err := c.persister.LoadIndex(indexID, metric)
	if err != nil {
		return nil, err
	}
	c.inner.Add(indexID, &entry{index: idx, metric: metric})
	return idx, nil
}

// Put installs or replaces an index in the cache, marking it dirty so a
// future eviction or FlushDirty writes it back.
func (c *Cache) Put(indexID string, idx *hnsw.Index, metric kernel.Kernel) {
	c.inner.Add(indexID, &entry{index: idx, metric: metric, dirty: true})
}

// MarkDirty flags an already-cached index as needing write-back.
func (c *Cache) MarkDirty(indexID string) {
	if e, ok := c.inner.Peek(indexID); ok {
		e.dirty = true
	}
}

// FlushDirty persists every dirty entry without evicting it.
func (c *Cache) FlushDirty() error {
	var firstErr error
	for _, indexID := range c.inner.Keys() {
		e, ok := c.inner.Peek(indexID)
		if !ok || !e.dirty {
			continue
		}
		if err := c.persister.SaveIndex(indexID, e.index); err != nil {
			c.logger.Warn("flush_dirty write-back failed", "index_id", indexID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.dirty = false
	}
	return firstErr
}

// Clear empties the cache. When saveFirst is true (the normal shutdown
// path) every dirty entry is flushed before the cache is purged.
func (c *Cache) Clear(saveFirst bool) error {
	if saveFirst {
		if err := c.FlushDirty(); err != nil {
			return err
		}
	}
	c.inner.Purge()
	return nil
}

// Len reports the number of currently cached indexes.
func (c *Cache) Len() int {
	return c.inner.Len()
}
