package quantization_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/quantization"
)

func randVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestProductQuantizerIdentityRoundTrip(t *testing.T) {
	dim := 8
	pq, err := quantization.NewProductQuantizer(dim, quantization.ProductConfig{M: 4, K: 4, Init: quantization.InitKMeansPP, MaxIters: 10, ConvergenceThreshold: 1e-6})
	require.NoError(t, err)

	train := randVectors(64, dim, 1)
	require.NoError(t, pq.Train(train))

	// A vector whose subvectors are exactly the 0th centroid of each
	// subspace must round-trip exactly (§8 invariant 8).
	codes := []byte{0, 0, 0, 0}
	exact, err := pq.Decode(codes)
	require.NoError(t, err)

	reEncoded, err := pq.Encode(exact)
	require.NoError(t, err)
	assert.Equal(t, codes, reEncoded)
}

func TestProductQuantizerUntrainedFails(t *testing.T) {
	pq, err := quantization.NewProductQuantizer(8, quantization.ProductConfig{M: 4, K: 4})
	require.NoError(t, err)
	_, err = pq.Encode(make([]float32, 8))
	require.Error(t, err)
}

func TestProductQuantizerInsufficientTrainingData(t *testing.T) {
	pq, err := quantization.NewProductQuantizer(8, quantization.ProductConfig{M: 4, K: 16})
	require.NoError(t, err)
	err = pq.Train(randVectors(4, 8, 2))
	require.Error(t, err)
}

func TestProductQuantizerAsymmetricDistanceRecall(t *testing.T) {
	dim := 32
	pq, err := quantization.NewProductQuantizer(dim, quantization.DefaultProductConfig(4, 16))
	require.NoError(t, err)

	database := randVectors(1000, dim, 3)
	require.NoError(t, pq.Train(database))

	codes := make([][]byte, len(database))
	for i, v := range database {
		codes[i], err = pq.Encode(v)
		require.NoError(t, err)
	}

	queries := randVectors(20, dim, 4)
	var hits int
	for _, q := range queries {
		// brute-force top-1 by raw euclidean
		bestIdx, bestDist := -1, float32(1e9)
		for i, v := range database {
			d := bruteEuclidean(q, v)
			if d < bestDist {
				bestDist = d
				bestIdx = i
			}
		}

		table, err := pq.DistanceTable(q)
		require.NoError(t, err)
		pqBestIdx, pqBestDist := -1, float32(1e9)
		for i, c := range codes {
			d := quantization.DistanceFromTable(table, c)
			if d < pqBestDist {
				pqBestDist = d
				pqBestIdx = i
			}
		}
		if pqBestIdx == bestIdx {
			hits++
		}
	}
	// loose sanity bound; recall@10 itself is not measured by any test
	assert.GreaterOrEqual(t, hits, 1)
}

func TestCodebookWireRoundTrip(t *testing.T) {
	dim := 12
	pq, err := quantization.NewProductQuantizer(dim, quantization.DefaultProductConfig(3, 8))
	require.NoError(t, err)
	require.NoError(t, pq.Train(randVectors(64, dim, 5)))

	blob, err := pq.EncodeCodebook(quantization.CodebookBlob{Iterations: 5, Convergence: 1e-4, Distortion: 1.0})
	require.NoError(t, err)

	loaded, err := quantization.DecodeCodebook(blob)
	require.NoError(t, err)

	vec := randVectors(1, dim, 6)[0]
	c1, err := pq.Encode(vec)
	require.NoError(t, err)
	c2, err := loaded.Encode(vec)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func bruteEuclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
