package quantization

import (
	"math"
	"math/rand"

	"github.com/liliang-cn/vectrix/internal/encoding"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// Init selects how PQ training seeds its initial centroids.
type Init string

const (
	InitRandom   Init = "random"
	InitKMeansPP Init = "kmeans++"
)

// ProductConfig configures a ProductQuantizer.
type ProductConfig struct {
	M                     int // number of subspaces
	K                     int // centroids per subspace, <= 256
	Init                  Init
	MaxIters              int
	ConvergenceThreshold  float64 // relative decrease in total distortion that stops training
}

// DefaultProductConfig mirrors the teacher's 20-iteration k-means budget.
func DefaultProductConfig(m, k int) ProductConfig {
	return ProductConfig{M: m, K: k, Init: InitKMeansPP, MaxIters: 20, ConvergenceThreshold: 1e-4}
}

// SubspaceStats records per-subspace training diagnostics (§4.B "record
// per-subspace distortion and iteration count").
type SubspaceStats struct {
	Distortion float64
	Iterations int
}

// ProductQuantizer implements M-subspace, K-centroid product quantization,
// generalized from the teacher's fixed-euclidean ProductQuantizer to
// support ceil(D/M) subspace sizing, k-means++ seeding, convergence-based
// stopping, and asymmetric query-to-code distance.
type ProductQuantizer struct {
	cfg       ProductConfig
	dim       int
	subDim    int // ceil(D/M); the last subspace is padded conceptually but sliced to its true width
	subDims   []int
	codebooks [][][]float32 // [m][k][subDim]
	trained   bool
	stats     []SubspaceStats
}

// NewProductQuantizer constructs an untrained quantizer for vectors of
// dimension dim, split into cfg.M subspaces of cfg.K centroids each.
func NewProductQuantizer(dim int, cfg ProductConfig) (*ProductQuantizer, error) {
	if cfg.M <= 0 || dim < cfg.M {
		return nil, verrors.New("quantization.NewProductQuantizer", verrors.CodeInvalidFormat, "invalid M=%d for dimension %d", cfg.M, dim)
	}
	if cfg.K <= 0 || cfg.K > 256 {
		return nil, verrors.New("quantization.NewProductQuantizer", verrors.CodeInvalidFormat, "K must be in (0,256], got %d", cfg.K)
	}
	if cfg.MaxIters <= 0 {
		cfg.MaxIters = 20
	}
	if cfg.Init == "" {
		cfg.Init = InitKMeansPP
	}

	subDim := (dim + cfg.M - 1) / cfg.M
	subDims := make([]int, cfg.M)
	remaining := dim
	for m := 0; m < cfg.M; m++ {
		w := subDim
		if w > remaining {
			w = remaining
		}
		subDims[m] = w
		remaining -= w
	}

	return &ProductQuantizer{cfg: cfg, dim: dim, subDim: subDim, subDims: subDims}, nil
}

func (pq *ProductQuantizer) subspaceBounds(m int) (start, end int) {
	start = 0
	for i := 0; i < m; i++ {
		start += pq.subDims[i]
	}
	return start, start + pq.subDims[m]
}

// Train learns the M codebooks from training vectors, independently per
// subspace, stopping each subspace when the relative decrease in total
// squared distortion falls below cfg.ConvergenceThreshold or cfg.MaxIters
// is reached.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return verrors.New("quantization.Train", verrors.CodeInvalidFormat, "no training vectors")
	}
	for _, v := range vectors {
		if len(v) != pq.dim {
			return verrors.DimensionMismatch("quantization.Train", pq.dim, len(v))
		}
	}

	pq.codebooks = make([][][]float32, pq.cfg.M)
	pq.stats = make([]SubspaceStats, pq.cfg.M)

	for m := 0; m < pq.cfg.M; m++ {
		start, end := pq.subspaceBounds(m)
		if len(vectors) < pq.cfg.K {
			return verrors.New("quantization.Train", verrors.CodeInvalidFormat,
				"insufficient training data: need >= %d vectors for subspace %d, got %d", pq.cfg.K, m, len(vectors))
		}
		sub := make([][]float32, len(vectors))
		for i, v := range vectors {
			sub[i] = v[start:end]
		}
		centroids, distortion, iters := kMeans(sub, pq.cfg.K, pq.cfg.MaxIters, pq.cfg.ConvergenceThreshold, pq.cfg.Init)
		pq.codebooks[m] = centroids
		pq.stats[m] = SubspaceStats{Distortion: distortion, Iterations: iters}
	}
	pq.trained = true
	return nil
}

// Stats returns per-subspace training diagnostics; nil until Train succeeds.
func (pq *ProductQuantizer) Stats() []SubspaceStats { return pq.stats }

// Encode finds, per subspace, the nearest centroid and returns one byte per subspace.
func (pq *ProductQuantizer) Encode(vector []float32) ([]byte, error) {
	if !pq.trained {
		return nil, verrors.Wrap("quantization.Encode", verrors.CodeCodebookUntrained, verrors.ErrCodebookUntrained)
	}
	if len(vector) != pq.dim {
		return nil, verrors.DimensionMismatch("quantization.Encode", pq.dim, len(vector))
	}

	codes := make([]byte, pq.cfg.M)
	for m := 0; m < pq.cfg.M; m++ {
		start, end := pq.subspaceBounds(m)
		sub := vector[start:end]
		best, bestDist := 0, float32(math.MaxFloat32)
		for k, centroid := range pq.codebooks[m] {
			d := euclideanDistance(sub, centroid)
			if d < bestDist {
				bestDist = d
				best = k
			}
		}
		codes[m] = byte(best)
	}
	return codes, nil
}

// Decode concatenates the selected centroid subvectors.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.trained {
		return nil, verrors.Wrap("quantization.Decode", verrors.CodeCodebookUntrained, verrors.ErrCodebookUntrained)
	}
	if len(codes) != pq.cfg.M {
		return nil, verrors.New("quantization.Decode", verrors.CodeInvalidFormat, "codes length %d != M %d", len(codes), pq.cfg.M)
	}
	out := make([]float32, pq.dim)
	for m := 0; m < pq.cfg.M; m++ {
		idx := int(codes[m])
		if idx >= len(pq.codebooks[m]) {
			return nil, verrors.New("quantization.Decode", verrors.CodeInvalidFormat, "code %d out of range for subspace %d", idx, m)
		}
		start, _ := pq.subspaceBounds(m)
		copy(out[start:], pq.codebooks[m][idx])
	}
	return out, nil
}

// AsymmetricDistance computes distance between a raw query and a PQ-encoded
// vector without decoding it: sum over subspaces of the (squared) distance
// between the query's subvector and the selected centroid, square-rooted
// at the end (§4.B).
func (pq *ProductQuantizer) AsymmetricDistance(query []float32, codes []byte) (float32, error) {
	if !pq.trained {
		return 0, verrors.Wrap("quantization.AsymmetricDistance", verrors.CodeCodebookUntrained, verrors.ErrCodebookUntrained)
	}
	if len(query) != pq.dim {
		return 0, verrors.DimensionMismatch("quantization.AsymmetricDistance", pq.dim, len(query))
	}
	if len(codes) != pq.cfg.M {
		return 0, verrors.New("quantization.AsymmetricDistance", verrors.CodeInvalidFormat, "codes length %d != M %d", len(codes), pq.cfg.M)
	}

	var sumSq float64
	for m := 0; m < pq.cfg.M; m++ {
		start, end := pq.subspaceBounds(m)
		sub := query[start:end]
		centroid := pq.codebooks[m][int(codes[m])]
		for i := range sub {
			diff := float64(sub[i]) - float64(centroid[i])
			sumSq += diff * diff
		}
	}
	return float32(math.Sqrt(sumSq)), nil
}

// DistanceTable precomputes, for one query, the distance from each
// subspace's subquery to every centroid in that subspace, so a batch of
// codes can be scored with M table lookups each instead of M*K recomputes.
func (pq *ProductQuantizer) DistanceTable(query []float32) ([][]float32, error) {
	if !pq.trained {
		return nil, verrors.Wrap("quantization.DistanceTable", verrors.CodeCodebookUntrained, verrors.ErrCodebookUntrained)
	}
	table := make([][]float32, pq.cfg.M)
	for m := 0; m < pq.cfg.M; m++ {
		start, end := pq.subspaceBounds(m)
		sub := query[start:end]
		table[m] = make([]float32, len(pq.codebooks[m]))
		for k, centroid := range pq.codebooks[m] {
			table[m][k] = euclideanDistance(sub, centroid)
		}
	}
	return table, nil
}

// DistanceFromTable sums a precomputed DistanceTable against codes.
func DistanceFromTable(table [][]float32, codes []byte) float32 {
	var sum float32
	for m, c := range codes {
		sum += table[m][int(c)]
	}
	return sum
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}

// kMeans runs Lloyd's algorithm with the requested seeding strategy,
// stopping when the relative decrease in total squared distortion falls
// below convergenceThreshold or maxIters is reached.
func kMeans(vectors [][]float32, k, maxIters int, convergenceThreshold float64, init Init) (centroids [][]float32, distortion float64, iterations int) {
	dim := len(vectors[0])
	if init == InitKMeansPP {
		centroids = kMeansPlusPlusSeed(vectors, k)
	} else {
		centroids = make([][]float32, k)
		perm := rand.Perm(len(vectors))
		for i := 0; i < k; i++ {
			centroids[i] = append([]float32(nil), vectors[perm[i%len(perm)]]...)
		}
	}

	assignments := make([]int, len(vectors))
	prevDistortion := math.MaxFloat64

	for iter := 0; iter < maxIters; iter++ {
		iterations = iter + 1
		var totalDistortion float64
		for i, vec := range vectors {
			best, bestDist := 0, float32(math.MaxFloat32)
			for j, c := range centroids {
				d := euclideanDistance(vec, c)
				if d < bestDist {
					bestDist = d
					best = j
				}
			}
			assignments[i] = best
			totalDistortion += float64(bestDist) * float64(bestDist)
		}

		counts := make([]int, k)
		next := make([][]float32, k)
		for i := range next {
			next[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				next[c][d] += vec[d]
			}
		}
		for c := range next {
			if counts[c] > 0 {
				for d := 0; d < dim; d++ {
					next[c][d] /= float32(counts[c])
				}
			} else {
				next[c] = centroids[c] // keep empty clusters anchored
			}
		}
		centroids = next

		if prevDistortion > 0 && prevDistortion < math.MaxFloat64 {
			relDecrease := (prevDistortion - totalDistortion) / prevDistortion
			if relDecrease >= 0 && relDecrease < convergenceThreshold {
				distortion = totalDistortion
				break
			}
		}
		prevDistortion = totalDistortion
		distortion = totalDistortion
	}
	return centroids, distortion, iterations
}

// kMeansPlusPlusSeed implements the k-means++ seeding heuristic: pick the
// first centroid uniformly, then each subsequent centroid with probability
// proportional to its squared distance from the nearest already-chosen centroid.
func kMeansPlusPlusSeed(vectors [][]float32, k int) [][]float32 {
	n := len(vectors)
	centroids := make([][]float32, 0, k)
	first := rand.Intn(n)
	centroids = append(centroids, append([]float32(nil), vectors[first]...))

	distSq := make([]float64, n)
	for len(centroids) < k {
		var total float64
		for i, v := range vectors {
			d := euclideanDistance(v, centroids[len(centroids)-1])
			dd := float64(d) * float64(d)
			if len(centroids) == 1 || dd < distSq[i] {
				distSq[i] = dd
			}
			total += distSq[i]
		}
		if total == 0 {
			// all remaining points coincide with chosen centroids; pad randomly
			centroids = append(centroids, append([]float32(nil), vectors[rand.Intn(n)]...))
			continue
		}
		target := rand.Float64() * total
		var cum float64
		chosen := n - 1
		for i, d := range distSq {
			cum += d
			if cum >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, append([]float32(nil), vectors[chosen]...))
	}
	return centroids
}

// --- §6 persisted codebook layout: 256-byte header then M*K*subDim float32s ---

const codebookMagic = uint32(0x50515631) // "PQV1"

// CodebookBlob is the §6 on-disk shape of a trained PQ codebook.
type CodebookBlob struct {
	M, K, D         int
	Iterations      int
	Convergence     float64
	TrainingTimeMs  int64
	Distortion      float64
}

// EncodeCodebook serializes the trained codebooks to the fixed-header wire format.
func (pq *ProductQuantizer) EncodeCodebook(meta CodebookBlob) ([]byte, error) {
	if !pq.trained {
		return nil, verrors.Wrap("quantization.EncodeCodebook", verrors.CodeCodebookUntrained, verrors.ErrCodebookUntrained)
	}
	header := make([]byte, encoding.CodebookHeaderSize)
	encoding.PutUint32(header, 0, codebookMagic)
	encoding.PutUint32(header, 4, 1)
	encoding.PutUint32(header, 8, uint32(pq.cfg.M))
	encoding.PutUint32(header, 12, uint32(pq.cfg.K))
	encoding.PutUint32(header, 16, uint32(pq.dim))
	encoding.PutUint32(header, 20, uint32(meta.Iterations))
	encoding.PutFloat32(header, 24, float32(meta.Convergence))
	encoding.PutFloat32(header, 28, float32(meta.Distortion))
	encoding.PutUint32(header, 32, uint32(uint64(meta.TrainingTimeMs)))
	encoding.PutUint32(header, 36, uint32(uint64(meta.TrainingTimeMs)>>32))

	payload := make([]byte, 0, pq.cfg.M*pq.cfg.K*pq.subDim*4)
	buf := make([]byte, 4)
	for m := 0; m < pq.cfg.M; m++ {
		for k := 0; k < pq.cfg.K; k++ {
			centroid := pq.codebooks[m][k]
			for d := 0; d < pq.subDims[m]; d++ {
				encoding.PutFloat32(buf, 0, centroid[d])
				payload = append(payload, buf...)
			}
			for d := pq.subDims[m]; d < pq.subDim; d++ {
				payload = append(payload, 0, 0, 0, 0) // pad shorter final subspace to uniform width on disk
			}
		}
	}
	return append(header, payload...), nil
}

// DecodeCodebook loads a trained ProductQuantizer from the §6 wire format.
func DecodeCodebook(data []byte) (*ProductQuantizer, error) {
	if len(data) < encoding.CodebookHeaderSize {
		return nil, verrors.New("quantization.DecodeCodebook", verrors.CodeInvalidFormat, "truncated codebook header")
	}
	if encoding.Uint32(data, 0) != codebookMagic {
		return nil, verrors.New("quantization.DecodeCodebook", verrors.CodeInvalidFormat, "bad codebook magic")
	}
	m := int(encoding.Uint32(data, 8))
	k := int(encoding.Uint32(data, 12))
	d := int(encoding.Uint32(data, 16))

	pq, err := NewProductQuantizer(d, ProductConfig{M: m, K: k, Init: InitKMeansPP, MaxIters: 20, ConvergenceThreshold: 1e-4})
	if err != nil {
		return nil, err
	}

	pq.codebooks = make([][][]float32, m)
	offset := encoding.CodebookHeaderSize
	for mi := 0; mi < m; mi++ {
		pq.codebooks[mi] = make([][]float32, k)
		for ki := 0; ki < k; ki++ {
			centroid := make([]float32, pq.subDim)
			for di := 0; di < pq.subDim; di++ {
				if offset+4 > len(data) {
					return nil, verrors.New("quantization.DecodeCodebook", verrors.CodeInvalidFormat, "truncated codebook payload")
				}
				centroid[di] = encoding.Float32(data, offset)
				offset += 4
			}
			pq.codebooks[mi][ki] = centroid[:pq.subDims[mi]]
		}
	}
	pq.trained = true
	return pq, nil
}
