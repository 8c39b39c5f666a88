// Package compression implements the compression manager of SPEC_FULL §4.C:
// it analyzes vectors, scores the quantization codecs in pkg/quantization
// against observed performance, and auto-selects one. Grounded on the
// teacher's aggregation/stats style (pkg/core/aggregations.go) for the
// reasoning-string texture, since the teacher has no direct equivalent
// of a codec selector.
package compression

import "math"

const epsilon = 1e-6

// Analysis is the computed feature vector the selector scores codecs against.
type Analysis struct {
	Dimension       int
	Sparsity        float64 // fraction of |v| < epsilon
	Entropy         float64 // Shannon entropy over 32 bins, normalized to [0,1]
	Complexity      float64 // fraction of adjacent positions changing by > epsilon
	UniqueValues    int
	ClusterCount    int // gap-based cluster count
	BinaryLike      bool
	Periodic        bool
	DynamicRange    float32
	Variance        float64
}

// Analyze computes the statistical profile §4.C uses for codec selection.
func Analyze(v []float32) Analysis {
	a := Analysis{Dimension: len(v)}
	if len(v) == 0 {
		return a
	}

	var zeros int
	min, max := v[0], v[0]
	var sum float64
	for _, x := range v {
		if math.Abs(float64(x)) < epsilon {
			zeros++
		}
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
		sum += float64(x)
	}
	a.Sparsity = float64(zeros) / float64(len(v))
	a.DynamicRange = max - min
	mean := sum / float64(len(v))

	var varSum float64
	for _, x := range v {
		d := float64(x) - mean
		varSum += d * d
	}
	a.Variance = varSum / float64(len(v))

	a.Entropy = shannonEntropy(v, min, max)

	var changes int
	for i := 1; i < len(v); i++ {
		if math.Abs(float64(v[i]-v[i-1])) > epsilon {
			changes++
		}
	}
	if len(v) > 1 {
		a.Complexity = float64(changes) / float64(len(v)-1)
	}

	uniq := make(map[float32]struct{}, len(v))
	for _, x := range v {
		uniq[x] = struct{}{}
	}
	a.UniqueValues = len(uniq)
	a.ClusterCount = gapClusterCount(v)

	a.BinaryLike = isBinaryLike(v)
	a.Periodic = isPeriodic(v)

	return a
}

// shannonEntropy bins v into 32 equal-width buckets across [min,max] and
// returns the normalized (0..1) Shannon entropy of the resulting histogram.
func shannonEntropy(v []float32, min, max float32) float64 {
	const bins = 32
	if max-min < epsilon {
		return 0
	}
	counts := make([]int, bins)
	width := float64(max-min) / bins
	for _, x := range v {
		idx := int(float64(x-min) / width)
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}
	var h float64
	n := float64(len(v))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	maxEntropy := math.Log2(bins)
	if maxEntropy == 0 {
		return 0
	}
	return h / maxEntropy
}

// gapClusterCount sorts values and counts runs separated by a gap larger
// than twice the average gap, a cheap proxy for "how clustered are the values".
func gapClusterCount(v []float32) int {
	if len(v) < 2 {
		return len(v)
	}
	sorted := append([]float32(nil), v...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	var totalGap float64
	for i := 1; i < len(sorted); i++ {
		totalGap += float64(sorted[i] - sorted[i-1])
	}
	avgGap := totalGap / float64(len(sorted)-1)
	if avgGap <= 0 {
		return 1
	}
	clusters := 1
	for i := 1; i < len(sorted); i++ {
		if float64(sorted[i]-sorted[i-1]) > avgGap*2 {
			clusters++
		}
	}
	return clusters
}

func isBinaryLike(v []float32) bool {
	for _, x := range v {
		if math.Abs(float64(x)) > epsilon && math.Abs(float64(x)-1) > epsilon && math.Abs(float64(x)+1) > epsilon {
			return false
		}
	}
	return true
}

// isPeriodic checks whether the sign pattern of v repeats with a short period.
func isPeriodic(v []float32) bool {
	if len(v) < 8 {
		return false
	}
	for period := 2; period <= len(v)/4; period++ {
		matches, total := 0, 0
		for i := period; i < len(v); i++ {
			total++
			if (v[i] >= 0) == (v[i-period] >= 0) {
				matches++
			}
		}
		if total > 0 && float64(matches)/float64(total) > 0.9 {
			return true
		}
	}
	return false
}
