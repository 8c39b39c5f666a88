package search_test

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/filter"
	"github.com/liliang-cn/vectrix/pkg/hnsw"
	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/search"
	"github.com/liliang-cn/vectrix/pkg/storage"
)

func newEngine(t *testing.T) (*search.Engine, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ns.db")
	s, err := storage.OpenSQLiteStore(ctx, storage.SQLiteConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	k, err := kernel.For(kernel.Euclidean)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		v := []float32{float32(i), float32(i) * 2}
		group := "A"
		if i%2 == 1 {
			group = "B"
		}
		require.NoError(t, s.Put(ctx, &storage.Record{
			ID:       fmt.Sprintf("v%d", i),
			Values:   v,
			Metadata: map[string]any{"group": group},
		}))
	}

	return &search.Engine{Store: s, Metric: k}, ctx
}

func TestSequentialSearchRanksByDistance(t *testing.T) {
	e, ctx := newEngine(t)
	results, err := e.Search(ctx, []float32{10, 20}, 3, search.Options{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "v10", results[0].ID)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestSearchWithFilterSkipsIndex(t *testing.T) {
	e, ctx := newEngine(t)
	k, err := kernel.For(kernel.Euclidean)
	require.NoError(t, err)
	idx := hnsw.New(hnsw.DefaultConfig(), k)
	// An index hit the filter would reject: it can only be returned if the
	// filtered search goes through the index.
	require.NoError(t, idx.Insert("v10", []float32{10, 20}))
	e.Index = idx
	e.IndexEnabled = true

	evalAlwaysFalse, err := filter.Compile(map[string]any{"nonexistent": "value"})
	require.NoError(t, err)

	results, err := e.Search(ctx, []float32{10, 20}, 5, search.Options{Filter: evalAlwaysFalse})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRangeCapsByDistance(t *testing.T) {
	e, ctx := newEngine(t)
	results, err := e.SearchRange(ctx, []float32{0, 0}, 5, search.Options{})
	require.NoError(t, err)
	for _, r := range results {
		assert.LessOrEqual(t, r.Distance, float32(5))
	}
}

func TestSearchStreamNonProgressiveChunks(t *testing.T) {
	e, ctx := newEngine(t)
	var batches int
	var total int
	err := e.SearchStream(ctx, []float32{0, 0}, 20, false, search.Options{}, func(b search.StreamBatch) bool {
		batches++
		total += len(b.Results)
		return true
	})
	require.NoError(t, err)
	assert.Greater(t, batches, 0)
	assert.LessOrEqual(t, total, 20)
}

func TestAddAndRemoveVectorFromIndex(t *testing.T) {
	e, _ := newEngine(t)
	k, err := kernel.For(kernel.Euclidean)
	require.NoError(t, err)
	e.Index = hnsw.New(hnsw.DefaultConfig(), k)

	require.NoError(t, e.AddVectorToIndex("new1", []float32{1, 1}))
	require.NoError(t, e.RemoveVectorFromIndex("new1"))
}

type fakeGPU struct {
	scores []float32
}

func (g fakeGPU) Available() bool { return true }

func (g fakeGPU) ScoreBatch(ctx context.Context, query []float32, candidates [][]float32, k kernel.Kernel) ([]float32, error) {
	return g.scores, nil
}

func TestGPUDispatchUsedAboveThreshold(t *testing.T) {
	e, ctx := newEngine(t)
	scores := make([]float32, 50)
	for i := range scores {
		scores[i] = float32(i)
	}
	e.GPU = fakeGPU{scores: scores}

	results, err := e.Search(ctx, []float32{0, 0}, 3, search.Options{GPUThreshold: 10})
	require.NoError(t, err)
	require.Len(t, results, 3)
	// The fake GPU's score, not the Euclidean distance (sqrt(5) for v1).
	assert.Equal(t, float32(1), results[1].Distance)
}

func TestGPUNonFiniteScoreFails(t *testing.T) {
	e, ctx := newEngine(t)
	scores := make([]float32, 50)
	scores[5] = float32(math.NaN())
	e.GPU = fakeGPU{scores: scores}

	_, err := e.Search(ctx, []float32{0, 0}, 3, search.Options{GPUThreshold: 10})
	require.Error(t, err)
}

func TestSetDistanceMetricInvalidatesIndex(t *testing.T) {
	e, _ := newEngine(t)
	k, err := kernel.For(kernel.Euclidean)
	require.NoError(t, err)
	e.Index = hnsw.New(hnsw.DefaultConfig(), k)
	e.IndexEnabled = true

	cos, err := kernel.For(kernel.Cosine)
	require.NoError(t, err)
	e.SetDistanceMetric(cos)
	assert.False(t, e.IndexEnabled)
}
