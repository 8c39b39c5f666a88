package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/kernel"
)

func TestCosineS1Scenario(t *testing.T) {
	k, err := kernel.For(kernel.Cosine)
	require.NoError(t, err)

	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	c := []float32{float32(1 / 1.4142135623730951), float32(1 / 1.4142135623730951), 0}
	q := []float32{1, 0, 0}

	da, err := k.Distance(q, a)
	require.NoError(t, err)
	dc, err := k.Distance(q, c)
	require.NoError(t, err)
	db, err := k.Distance(q, b)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, k.Score(da), 1e-6)
	assert.InDelta(t, 0.8535533, k.Score(dc), 1e-3)
	assert.InDelta(t, 0.5, k.Score(db), 1e-6)
}

func TestDotScoreIsNegatedDistance(t *testing.T) {
	k, err := kernel.For(kernel.Dot)
	require.NoError(t, err)
	d, err := k.Distance([]float32{1, 2}, []float32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, -d, k.Score(d))
}

func TestDimensionMismatch(t *testing.T) {
	k, _ := kernel.For(kernel.Euclidean)
	_, err := k.Distance([]float32{1, 2}, []float32{1})
	require.Error(t, err)
}

func TestScoreMonotonicity(t *testing.T) {
	k, _ := kernel.For(kernel.Euclidean)
	var lastScore float32 = 1e9
	for d := float32(0); d <= 5; d += 0.5 {
		score := k.Score(d)
		assert.LessOrEqual(t, score, lastScore)
		lastScore = score
	}
}

func TestUnknownMetric(t *testing.T) {
	_, err := kernel.For("nope")
	require.Error(t, err)
}
