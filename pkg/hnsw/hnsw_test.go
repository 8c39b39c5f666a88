package hnsw_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/hnsw"
	"github.com/liliang-cn/vectrix/pkg/kernel"
)

func euclideanKernel(t *testing.T) kernel.Kernel {
	t.Helper()
	k, err := kernel.For(kernel.Euclidean)
	require.NoError(t, err)
	return k
}

func randVectors(n, dim int, seed int64) map[string][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make(map[string][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()
		}
		out[fmt.Sprintf("v%d", i)] = v
	}
	return out
}

func TestInsertAndSearchRecallsExactNeighbor(t *testing.T) {
	k := euclideanKernel(t)
	ix := hnsw.New(hnsw.DefaultConfig(), k)

	vectors := randVectors(200, 16, 7)
	for id, v := range vectors {
		require.NoError(t, ix.Insert(id, v))
	}

	query := vectors["v42"]
	results, err := ix.Search(query, 5, 50)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "v42", results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-5)
}

func TestSearchOnEmptyIndexFails(t *testing.T) {
	ix := hnsw.New(hnsw.DefaultConfig(), euclideanKernel(t))
	_, err := ix.Search([]float32{1, 2, 3}, 5, 10)
	require.Error(t, err)
}

func TestDeleteRemovesFromResults(t *testing.T) {
	k := euclideanKernel(t)
	ix := hnsw.New(hnsw.DefaultConfig(), k)

	vectors := randVectors(100, 8, 3)
	for id, v := range vectors {
		require.NoError(t, ix.Insert(id, v))
	}

	target := vectors["v10"]
	require.NoError(t, ix.Delete("v10"))

	results, err := ix.Search(target, 10, 50)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "v10", r.ID)
	}
}

func TestDeleteReassignsEntryPoint(t *testing.T) {
	k := euclideanKernel(t)
	ix := hnsw.New(hnsw.Config{M: 16, EfConstruction: 100, MaxLayer: 5, Seed: 1}, k)
	vectors := randVectors(50, 4, 11)
	for id, v := range vectors {
		require.NoError(t, ix.Insert(id, v))
	}
	for id := range vectors {
		require.NoError(t, ix.Delete(id))
		delete(vectors, id)
		if len(vectors) <= 1 {
			break
		}
	}
	stats := ix.Stats()
	assert.Equal(t, stats.ActiveNodes, len(vectors))

	// The surviving node must have been promoted to entry point, or the
	// search would find nothing.
	for id, v := range vectors {
		results, err := ix.Search(v, 1, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, id, results[0].ID)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	k := euclideanKernel(t)
	ix := hnsw.New(hnsw.DefaultConfig(), k)
	vectors := randVectors(30, 6, 5)
	for id, v := range vectors {
		require.NoError(t, ix.Insert(id, v))
	}

	blob, err := ix.Save()
	require.NoError(t, err)

	reloaded, err := hnsw.Load(blob, k, vectors)
	require.NoError(t, err)

	query := vectors["v0"]
	before, err := ix.Search(query, 3, 50)
	require.NoError(t, err)
	after, err := reloaded.Search(query, 3, 50)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}
}

func TestInsertDuplicateIDFails(t *testing.T) {
	ix := hnsw.New(hnsw.DefaultConfig(), euclideanKernel(t))
	require.NoError(t, ix.Insert("a", []float32{1, 2}))
	require.Error(t, ix.Insert("a", []float32{3, 4}))
}
