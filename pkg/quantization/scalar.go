// Package quantization implements the scalar and product quantization
// codecs of SPEC_FULL §4.B, grounded on the teacher's
// pkg/quantization/scalar_quantization.go and product_quantization.go,
// generalized from the teacher's fixed 1-8 bit per-dimension layout to
// the spec's per-vector 4/8/12/16-bit uniform-or-percentile scheme with
// adaptive bit selection.
package quantization

import (
	"fmt"
	"math"
	"sort"

	"github.com/liliang-cn/vectrix/internal/encoding"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// Strategy selects how a scalar quantizer derives its (min, max) range.
type Strategy string

const (
	StrategyUniform    Strategy = "uniform"
	StrategyPercentile Strategy = "percentile"
)

// allowedBitDepths are the only bit depths SPEC_FULL §4.B permits.
var allowedBitDepths = []int{4, 8, 12, 16}

func validBitDepth(b int) bool {
	for _, v := range allowedBitDepths {
		if v == b {
			return true
		}
	}
	return false
}

// ScalarConfig configures a ScalarQuantizer.
type ScalarConfig struct {
	BitDepth         int // one of 4, 8, 12, 16; ignored when AdaptiveBits is set
	Strategy         Strategy
	PercentileLo     float64 // used when Strategy == StrategyPercentile
	PercentileHi     float64
	AdaptiveBits     bool
	MaxPrecisionLoss float32 // max acceptable per-component reconstruction error when AdaptiveBits is set
}

// DefaultScalarConfig returns the teacher-style 8-bit uniform default.
func DefaultScalarConfig() ScalarConfig {
	return ScalarConfig{BitDepth: 8, Strategy: StrategyUniform}
}

// Quantized is a scalar-quantized vector: packed n-bit codes plus the
// (min, scale) needed to reconstruct floats, matching the §6 persisted layout.
type Quantized struct {
	Dim      int
	BitDepth int
	Strategy Strategy
	Min      float32
	Scale    float32 // (max-min) / (2^bits - 1)
	Codes    []byte
}

// ScalarQuantizer compresses/decompresses vectors to a shared bit depth and
// range-derivation strategy.
type ScalarQuantizer struct {
	cfg ScalarConfig
}

// NewScalarQuantizer validates cfg and returns a quantizer.
func NewScalarQuantizer(cfg ScalarConfig) (*ScalarQuantizer, error) {
	if !cfg.AdaptiveBits && !validBitDepth(cfg.BitDepth) {
		return nil, fmt.Errorf("bit depth must be one of %v, got %d", allowedBitDepths, cfg.BitDepth)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyUniform
	}
	if cfg.Strategy == StrategyPercentile && (cfg.PercentileLo < 0 || cfg.PercentileHi > 1 || cfg.PercentileLo >= cfg.PercentileHi) {
		return nil, fmt.Errorf("invalid percentile range [%f, %f]", cfg.PercentileLo, cfg.PercentileHi)
	}
	return &ScalarQuantizer{cfg: cfg}, nil
}

// deriveRange computes (min, max) for vector under the configured strategy.
func (q *ScalarQuantizer) deriveRange(vector []float32) (float32, float32) {
	switch q.cfg.Strategy {
	case StrategyPercentile:
		sorted := append([]float32(nil), vector...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		lo := percentileAt(sorted, q.cfg.PercentileLo)
		hi := percentileAt(sorted, q.cfg.PercentileHi)
		if hi <= lo {
			hi = lo + 1e-6
		}
		return lo, hi
	default:
		min, max := vector[0], vector[0]
		for _, v := range vector[1:] {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		if max == min {
			max = min + 1e-6
		}
		return min, max
	}
}

func percentileAt(sorted []float32, p float64) float32 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func maxCode(bits int) float32 { return float32((1 << uint(bits)) - 1) }

func pack(values []uint32, bits, dim int) []byte {
	bitsNeeded := dim * bits
	out := make([]byte, (bitsNeeded+7)/8)
	offset := 0
	for _, v := range values {
		for b := 0; b < bits; b++ {
			if v&(1<<uint(b)) != 0 {
				out[offset/8] |= 1 << uint(offset%8)
			}
			offset++
		}
	}
	return out
}

func unpack(codes []byte, bits, dim int) ([]uint32, error) {
	bitsNeeded := dim * bits
	if len(codes) < (bitsNeeded+7)/8 {
		return nil, verrors.New("quantization.Decompress", verrors.CodeInvalidFormat, "encoded data too short")
	}
	out := make([]uint32, dim)
	offset := 0
	for i := 0; i < dim; i++ {
		var v uint32
		for b := 0; b < bits; b++ {
			if codes[offset/8]&(1<<uint(offset%8)) != 0 {
				v |= 1 << uint(b)
			}
			offset++
		}
		out[i] = v
	}
	return out, nil
}

func (q *ScalarQuantizer) compressAtBits(vector []float32, bits int, min, max float32) *Quantized {
	scale := (max - min) / maxCode(bits)
	if scale == 0 {
		scale = 1e-6
	}
	codes := make([]uint32, len(vector))
	for i, v := range vector {
		normalized := (v - min) / (max - min)
		if normalized < 0 {
			normalized = 0
		} else if normalized > 1 {
			normalized = 1
		}
		codes[i] = uint32(math.Round(float64(normalized * maxCode(bits))))
	}
	return &Quantized{
		Dim:      len(vector),
		BitDepth: bits,
		Strategy: q.cfg.Strategy,
		Min:      min,
		Scale:    scale,
		Codes:    pack(codes, bits, len(vector)),
	}
}

func reconstructionError(vector []float32, quantized *Quantized) float32 {
	decoded, err := Decompress(quantized)
	if err != nil {
		return math.MaxFloat32
	}
	var maxErr float32
	for i := range vector {
		e := vector[i] - decoded[i]
		if e < 0 {
			e = -e
		}
		if e > maxErr {
			maxErr = e
		}
	}
	return maxErr
}

// Compress quantizes vector at the configured (or, if AdaptiveBits, the
// smallest sufficient) bit depth.
func (q *ScalarQuantizer) Compress(vector []float32) (*Quantized, error) {
	if len(vector) == 0 {
		return nil, verrors.New("quantization.Compress", verrors.CodeInvalidFormat, "empty vector")
	}
	min, max := q.deriveRange(vector)

	if !q.cfg.AdaptiveBits {
		return q.compressAtBits(vector, q.cfg.BitDepth, min, max), nil
	}

	for _, bits := range allowedBitDepths {
		candidate := q.compressAtBits(vector, bits, min, max)
		if reconstructionError(vector, candidate) <= q.cfg.MaxPrecisionLoss {
			return candidate, nil
		}
	}
	return nil, verrors.New("quantization.Compress", verrors.CodeQualityBelowThresh,
		"no bit depth in %v satisfies max precision loss %f", allowedBitDepths, q.cfg.MaxPrecisionLoss)
}

// CompressBatch quantizes a batch of equal-length vectors, sharing one
// (min, max) across the batch when ranges are comparable (within 2x of
// each other), matching §4.B's "batch path may share one range" allowance.
func (q *ScalarQuantizer) CompressBatch(vectors [][]float32) ([]*Quantized, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	if q.cfg.AdaptiveBits {
		out := make([]*Quantized, len(vectors))
		for i, v := range vectors {
			qv, err := q.Compress(v)
			if err != nil {
				return nil, err
			}
			out[i] = qv
		}
		return out, nil
	}

	mins := make([]float32, len(vectors))
	maxs := make([]float32, len(vectors))
	for i, v := range vectors {
		mins[i], maxs[i] = q.deriveRange(v)
	}
	globalMin, globalMax := mins[0], maxs[0]
	minRange, maxRange := maxs[0]-mins[0], maxs[0]-mins[0]
	for i := range vectors {
		if mins[i] < globalMin {
			globalMin = mins[i]
		}
		if maxs[i] > globalMax {
			globalMax = maxs[i]
		}
		if r := maxs[i] - mins[i]; r < minRange {
			minRange = r
		} else if r > maxRange {
			maxRange = r
		}
	}
	comparable := maxRange <= 2*(minRange+1e-9)

	out := make([]*Quantized, len(vectors))
	for i, v := range vectors {
		if comparable {
			out[i] = q.compressAtBits(v, q.cfg.BitDepth, globalMin, globalMax)
		} else {
			out[i] = q.compressAtBits(v, q.cfg.BitDepth, mins[i], maxs[i])
		}
	}
	return out, nil
}

// Decompress reverses Compress.
func Decompress(q *Quantized) ([]float32, error) {
	codes, err := unpack(q.Codes, q.BitDepth, q.Dim)
	if err != nil {
		return nil, err
	}
	out := make([]float32, q.Dim)
	for i, c := range codes {
		out[i] = q.Min + float32(c)*q.Scale
	}
	return out, nil
}

// MaxReconstructionError returns the theoretical bound from §8 invariant 7:
// R/(2*(2^b - 1)) for a uniform b-bit quantizer over range R.
func MaxReconstructionError(rangeWidth float32, bits int) float32 {
	return rangeWidth / (2 * maxCode(bits))
}

// --- §6 persisted layout: 256-byte header then packed codes ---

const scalarMagic = uint32(0x53515631) // "SQV1"

// Encode serializes q into the fixed 256-byte-header wire format.
func Encode(q *Quantized) []byte {
	header := make([]byte, encoding.ScalarHeaderSize)
	encoding.PutUint32(header, 0, scalarMagic)
	encoding.PutUint32(header, 4, 1) // version
	encoding.PutUint32(header, 8, uint32(q.BitDepth))
	strategyTag := uint32(0)
	if q.Strategy == StrategyPercentile {
		strategyTag = 1
	}
	encoding.PutUint32(header, 12, strategyTag)
	encoding.PutUint32(header, 16, uint32(q.Dim))
	encoding.PutFloat32(header, 20, q.Min)
	encoding.PutFloat32(header, 24, q.Scale)
	return append(header, q.Codes...)
}

// Decode parses the §6 scalar-quantized wire format.
func Decode(data []byte) (*Quantized, error) {
	if len(data) < encoding.ScalarHeaderSize {
		return nil, verrors.New("quantization.Decode", verrors.CodeInvalidFormat, "truncated scalar header")
	}
	if encoding.Uint32(data, 0) != scalarMagic {
		return nil, verrors.New("quantization.Decode", verrors.CodeInvalidFormat, "bad scalar magic")
	}
	bits := int(encoding.Uint32(data, 8))
	strategy := StrategyUniform
	if encoding.Uint32(data, 12) == 1 {
		strategy = StrategyPercentile
	}
	dim := int(encoding.Uint32(data, 16))
	min := encoding.Float32(data, 20)
	scale := encoding.Float32(data, 24)
	return &Quantized{
		Dim:      dim,
		BitDepth: bits,
		Strategy: strategy,
		Min:      min,
		Scale:    scale,
		Codes:    append([]byte(nil), data[encoding.ScalarHeaderSize:]...),
	}, nil
}
