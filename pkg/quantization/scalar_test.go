package quantization_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/quantization"
)

func TestScalarRoundTripWithinBound(t *testing.T) {
	q, err := quantization.NewScalarQuantizer(quantization.ScalarConfig{BitDepth: 8, Strategy: quantization.StrategyUniform})
	require.NoError(t, err)

	vec := []float32{-1, -0.5, 0, 0.25, 0.9, 1}
	quantized, err := q.Compress(vec)
	require.NoError(t, err)

	decoded, err := quantization.Decompress(quantized)
	require.NoError(t, err)
	require.Len(t, decoded, len(vec))

	bound := quantization.MaxReconstructionError(2, 8) // range [-1,1] => width 2
	for i := range vec {
		assert.LessOrEqual(t, absf(vec[i]-decoded[i]), bound+1e-5)
	}
}

func TestScalarAdaptiveBitsSelectsSmallestSufficient(t *testing.T) {
	q, err := quantization.NewScalarQuantizer(quantization.ScalarConfig{
		AdaptiveBits:     true,
		MaxPrecisionLoss: 0.2,
	})
	require.NoError(t, err)

	vec := make([]float32, 16)
	for i := range vec {
		vec[i] = float32(i) / 16
	}
	quantized, err := q.Compress(vec)
	require.NoError(t, err)
	assert.LessOrEqual(t, quantized.BitDepth, 8)
}

func TestScalarAdaptiveBitsFailsWhenUnattainable(t *testing.T) {
	q, err := quantization.NewScalarQuantizer(quantization.ScalarConfig{
		AdaptiveBits:     true,
		MaxPrecisionLoss: -1, // unattainable
	})
	require.NoError(t, err)
	_, err = q.Compress([]float32{1, 2, 3})
	require.Error(t, err)
}

func TestScalarWireRoundTrip(t *testing.T) {
	q, _ := quantization.NewScalarQuantizer(quantization.DefaultScalarConfig())
	quantized, err := q.Compress([]float32{0.1, 0.2, 0.3, 0.4})
	require.NoError(t, err)

	wire := quantization.Encode(quantized)
	back, err := quantization.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, quantized.BitDepth, back.BitDepth)
	assert.Equal(t, quantized.Min, back.Min)
	assert.Equal(t, quantized.Codes, back.Codes)
}

func absf(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
