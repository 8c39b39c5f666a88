package compression

import (
	"sync"

	"github.com/liliang-cn/vectrix/pkg/logging"
	"github.com/liliang-cn/vectrix/pkg/quantization"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// Strategy names a compression codec.
type Strategy string

const (
	StrategyNone    Strategy = "none"
	StrategyScalar  Strategy = "scalar"
	StrategyProduct Strategy = "product"
	StrategyBinary  Strategy = "binary"
)

// Recommendation is the duck-typed output of auto-selection (§9 "model the
// recommendation as a plain record").
type Recommendation struct {
	Strategy    Strategy
	EstRatio    float64
	EstLoss     float64
	Reasoning   []string
	Confidence  float64
	Alternatives []Strategy
}

// Thresholds are the adaptive knobs §4.C drifts toward observed workload values.
type Thresholds struct {
	DimensionLarge int
	SparsityHigh   float64
	ComplexityHigh float64
	EntropyHigh    float64
}

func defaultThresholds() Thresholds {
	return Thresholds{DimensionLarge: 256, SparsityHigh: 0.6, ComplexityHigh: 0.6, EntropyHigh: 0.7}
}

// QualityBias biases codec scoring toward quality (product quantization)
// over speed/ratio (scalar quantization) when the caller favors recall.
type QualityBias float64

const (
	BiasSpeed   QualityBias = 0.0
	BiasBalanced QualityBias = 0.5
	BiasQuality QualityBias = 1.0
)

type codecStats struct {
	ratios    []float64
	qualities []float64
	times     []float64
}

func (s *codecStats) record(ratio, quality, ms float64) {
	const window = 100
	s.ratios = appendWindowed(s.ratios, ratio, window)
	s.qualities = appendWindowed(s.qualities, quality, window)
	s.times = appendWindowed(s.times, ms, window)
}

func appendWindowed(xs []float64, v float64, window int) []float64 {
	xs = append(xs, v)
	if len(xs) > window {
		xs = xs[len(xs)-window:]
	}
	return xs
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Config configures a Manager.
type Config struct {
	MemoryBudget int64 // bytes; codecs whose estimated footprint exceeds this incur a memory penalty
	Bias         QualityBias
	Logger       logging.Logger
}

// Manager analyzes vectors, scores candidate codecs, and tracks per-codec
// rolling performance so future recommendations adapt to the workload
// (§4.C). It also dispatches compress/decompress calls to the chosen codec.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	thresholds Thresholds
	stats      map[Strategy]*codecStats
	pqCache    map[string]*quantization.ProductQuantizer // keyed by "M:K" for on-demand training
	learnRate  float64
}

// NewManager constructs a Manager with the default adaptive thresholds.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop
	}
	return &Manager{
		cfg:        cfg,
		thresholds: defaultThresholds(),
		stats:      make(map[Strategy]*codecStats),
		pqCache:    make(map[string]*quantization.ProductQuantizer),
		learnRate:  0.05,
	}
}

// AutoSelect scores every candidate codec against the vector's analysis and
// the manager's rolling performance stats, returning a Recommendation.
func (m *Manager) AutoSelect(v []float32) Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := Analyze(v)
	m.adapt(a)

	scores := map[Strategy]float64{
		StrategyScalar:  m.score(StrategyScalar, a),
		StrategyProduct: m.score(StrategyProduct, a),
		StrategyBinary:  m.score(StrategyBinary, a),
	}

	best, bestScore := StrategyScalar, -1.0
	var reasoning []string
	for _, s := range []Strategy{StrategyScalar, StrategyProduct, StrategyBinary} {
		if scores[s] > bestScore {
			bestScore = scores[s]
			best = s
		}
	}

	switch best {
	case StrategyScalar:
		reasoning = append(reasoning, "default codec for moderate dimension and low complexity")
	case StrategyProduct:
		reasoning = append(reasoning, "large, high-entropy, or complex vector favors product quantization")
	case StrategyBinary:
		reasoning = append(reasoning, "sparse or binary-like pattern favors binary quantization")
	}

	alternatives := make([]Strategy, 0, 2)
	for _, s := range []Strategy{StrategyScalar, StrategyProduct, StrategyBinary} {
		if s != best {
			alternatives = append(alternatives, s)
		}
	}

	return Recommendation{
		Strategy:     best,
		EstRatio:     estimateRatio(best, a.Dimension),
		EstLoss:      estimateLoss(best, a),
		Reasoning:    reasoning,
		Confidence:   clamp01(bestScore),
		Alternatives: alternatives,
	}
}

// score implements base_score(strategy, analysis) + performance_bonus - memory_penalty, clamped to [0,1].
func (m *Manager) score(s Strategy, a Analysis) float64 {
	base := m.baseScore(s, a)
	bonus := m.performanceBonus(s)
	penalty := m.memoryPenalty(s, a)
	return clamp01(base + bonus - penalty)
}

func (m *Manager) baseScore(s Strategy, a Analysis) float64 {
	switch s {
	case StrategyScalar:
		score := 0.7
		if a.Dimension < m.thresholds.DimensionLarge {
			score += 0.1
		}
		if a.Sparsity < m.thresholds.SparsityHigh {
			score += 0.05
		}
		if a.Complexity < m.thresholds.ComplexityHigh {
			score += 0.1
		}
		return score
	case StrategyProduct:
		score := 0.4
		if a.Dimension >= m.thresholds.DimensionLarge {
			score += 0.2
		}
		if a.Entropy >= m.thresholds.EntropyHigh {
			score += 0.15
		}
		if a.Complexity >= m.thresholds.ComplexityHigh {
			score += 0.1
		}
		score += 0.2 * float64(m.cfg.Bias)
		return score
	case StrategyBinary:
		score := 0.2
		if a.Sparsity >= m.thresholds.SparsityHigh {
			score += 0.4
		}
		if a.BinaryLike {
			score += 0.4
		}
		return score
	default:
		return 0
	}
}

func (m *Manager) performanceBonus(s Strategy) float64 {
	stats, ok := m.stats[s]
	if !ok || len(stats.qualities) == 0 {
		return 0
	}
	// Reward codecs that have historically delivered good ratio and quality together.
	return 0.1 * mean(stats.qualities) * clamp01(mean(stats.ratios)/20)
}

func (m *Manager) memoryPenalty(s Strategy, a Analysis) float64 {
	if s != StrategyProduct || m.cfg.MemoryBudget <= 0 {
		return 0
	}
	// Codebook footprint: M * K * subDim * 4 bytes; assume a typical M=8,K=256 codebook.
	const assumedM, assumedK = 8, 256
	subDim := (a.Dimension + assumedM - 1) / assumedM
	footprint := int64(assumedM * assumedK * subDim * 4)
	if footprint > m.cfg.MemoryBudget {
		return 0.3
	}
	return 0
}

// adapt drifts the thresholds toward the observed analysis with a fixed
// learning rate so "large" and "complex" track the workload (§4.C).
func (m *Manager) adapt(a Analysis) {
	m.thresholds.DimensionLarge = int((1-m.learnRate)*float64(m.thresholds.DimensionLarge) + m.learnRate*float64(a.Dimension))
	m.thresholds.SparsityHigh = (1-m.learnRate)*m.thresholds.SparsityHigh + m.learnRate*a.Sparsity
	m.thresholds.ComplexityHigh = (1-m.learnRate)*m.thresholds.ComplexityHigh + m.learnRate*a.Complexity
	m.thresholds.EntropyHigh = (1-m.learnRate)*m.thresholds.EntropyHigh + m.learnRate*a.Entropy
}

func estimateRatio(s Strategy, dim int) float64 {
	switch s {
	case StrategyScalar:
		return 4.0 // 32-bit float -> 8-bit code, default config
	case StrategyProduct:
		if dim <= 0 {
			return 1
		}
		return float64(dim*4) / float64(8) // typical M=8 codes
	case StrategyBinary:
		return 32.0
	default:
		return 1
	}
}

func estimateLoss(s Strategy, a Analysis) float64 {
	switch s {
	case StrategyScalar:
		return 0.01 + a.Variance*0.001
	case StrategyProduct:
		return 0.05 + (1-a.Entropy)*0.05
	case StrategyBinary:
		return 0.2
	default:
		return 0
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// RecordObservation feeds an actual compression outcome back into the
// rolling per-codec stats AutoSelect's performance_bonus reads from.
func (m *Manager) RecordObservation(s Strategy, ratio, quality, ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[s]
	if !ok {
		st = &codecStats{}
		m.stats[s] = st
	}
	st.record(ratio, quality, ms)
}

// Compressed is the result of Compress: the chosen strategy and its payload.
type Compressed struct {
	Strategy Strategy
	Scalar   *quantization.Quantized
	Product  []byte // PQ codes; requires the namespace-level codebook to decode
}

// Compress dispatches to the recommended (or explicitly requested) codec.
// If strategy is StrategyProduct but no trained codebook/training set is
// supplied, it falls back to scalar with a logged warning (§4.C).
// StrategyBinary and StrategyNone are encoded with the scalar codec: there
// is no binary codec, and the returned Compressed reports StrategyScalar.
func (m *Manager) Compress(v []float32, strategy Strategy, pq *quantization.ProductQuantizer, trainingSet [][]float32) (*Compressed, error) {
	if strategy == "" {
		strategy = m.AutoSelect(v).Strategy
	}

	switch strategy {
	case StrategyProduct:
		if pq == nil {
			if len(trainingSet) == 0 {
				m.cfg.Logger.Warn("product quantization requested without a trained codebook or training set; falling back to scalar")
				return m.compressScalar(v)
			}
			newPQ, err := quantization.NewProductQuantizer(len(v), quantization.DefaultProductConfig(8, 256))
			if err != nil {
				return nil, err
			}
			if err := newPQ.Train(trainingSet); err != nil {
				return nil, err
			}
			pq = newPQ
		}
		codes, err := pq.Encode(v)
		if err != nil {
			return nil, err
		}
		return &Compressed{Strategy: StrategyProduct, Product: codes}, nil
	case StrategyScalar, StrategyBinary, StrategyNone:
		return m.compressScalar(v)
	default:
		return nil, verrors.New("compression.Compress", verrors.CodeInvalidFormat, "unknown strategy %q", strategy)
	}
}

func (m *Manager) compressScalar(v []float32) (*Compressed, error) {
	sq, err := quantization.NewScalarQuantizer(quantization.DefaultScalarConfig())
	if err != nil {
		return nil, err
	}
	q, err := sq.Compress(v)
	if err != nil {
		return nil, err
	}
	return &Compressed{Strategy: StrategyScalar, Scalar: q}, nil
}
