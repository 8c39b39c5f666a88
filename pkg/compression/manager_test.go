package compression_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/compression"
)

func TestAutoSelectPrefersScalarForSmallDenseVectors(t *testing.T) {
	m := compression.NewManager(compression.Config{})
	v := make([]float32, 16)
	for i := range v {
		v[i] = float32(i) * 0.01
	}
	rec := m.AutoSelect(v)
	assert.Equal(t, compression.StrategyScalar, rec.Strategy)
	assert.NotEmpty(t, rec.Reasoning)
	assert.Len(t, rec.Alternatives, 2)
}

func TestAutoSelectPrefersBinaryForSparseVectors(t *testing.T) {
	m := compression.NewManager(compression.Config{})
	v := make([]float32, 64)
	v[0] = 1
	v[10] = 1
	rec := m.AutoSelect(v)
	assert.Equal(t, compression.StrategyBinary, rec.Strategy)
}

func TestCompressFallsBackToScalarWithoutTrainingSet(t *testing.T) {
	m := compression.NewManager(compression.Config{})
	v := []float32{0.1, 0.2, 0.3, 0.4}
	out, err := m.Compress(v, compression.StrategyProduct, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, compression.StrategyScalar, out.Strategy)
	require.NotNil(t, out.Scalar)
}

func TestRecordObservationInfluencesFutureScores(t *testing.T) {
	m := compression.NewManager(compression.Config{})
	v := make([]float32, 512)
	for i := range v {
		v[i] = float32(i%7) * 0.37
	}
	before := m.AutoSelect(v)
	for i := 0; i < 10; i++ {
		m.RecordObservation(compression.StrategyProduct, 20, 1.0, 1.2)
	}
	after := m.AutoSelect(v)
	assert.Equal(t, compression.StrategyScalar, before.Strategy)
	assert.Equal(t, compression.StrategyProduct, after.Strategy)
}
