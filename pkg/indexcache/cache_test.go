package indexcache_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/hnsw"
	"github.com/liliang-cn/vectrix/pkg/indexcache"
	"github.com/liliang-cn/vectrix/pkg/kernel"
)

type fakePersister struct {
	mu    sync.Mutex
	saved map[string]int
	fail  map[string]bool
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: make(map[string]int), fail: make(map[string]bool)}
}

func (f *fakePersister) SaveIndex(indexID string, idx *hnsw.Index) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[indexID] {
		return assert.AnError
	}
	f.saved[indexID]++
	return nil
}

func (f *fakePersister) LoadIndex(indexID string, metric kernel.Kernel) (*hnsw.Index, error) {
	return hnsw.New(hnsw.DefaultConfig(), metric), nil
}

func metricFor(t *testing.T) kernel.Kernel {
	t.Helper()
	k, err := kernel.For(kernel.Cosine)
	require.NoError(t, err)
	return k
}

func TestGetLoadsOnMiss(t *testing.T) {
	p := newFakePersister()
	c := indexcache.New(2, p, nil)
	idx, err := c.Get("ns-a", metricFor(t))
	require.NoError(t, err)
	assert.NotNil(t, idx)
	assert.Equal(t, 1, c.Len())
}

func TestEvictionWritesBackDirtyEntries(t *testing.T) {
	p := newFakePersister()
	c := indexcache.New(1, p, nil)

	k := metricFor(t)
	c.Put("ns-a", hnsw.New(hnsw.DefaultConfig(), k), k)
	c.Put("ns-b", hnsw.New(hnsw.DefaultConfig(), k), k) // evicts ns-a, dirty

	assert.Equal(t, 1, p.saved["ns-a"])
	assert.Equal(t, 1, c.Len())
}

func TestFlushDirtyPersistsWithoutEviction(t *testing.T) {
	p := newFakePersister()
	c := indexcache.New(5, p, nil)
	k := metricFor(t)
	c.Put("ns-a", hnsw.New(hnsw.DefaultConfig(), k), k)

	require.NoError(t, c.FlushDirty())
	assert.Equal(t, 1, p.saved["ns-a"])
	assert.Equal(t, 1, c.Len()) // still cached
}

func TestClearSaveFirstFlushesBeforePurge(t *testing.T) {
	p := newFakePersister()
	c := indexcache.New(5, p, nil)
	k := metricFor(t)
	c.Put("ns-a", hnsw.New(hnsw.DefaultConfig(), k), k)

	require.NoError(t, c.Clear(true))
	assert.Equal(t, 1, p.saved["ns-a"])
	assert.Equal(t, 0, c.Len())
}
