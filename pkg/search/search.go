// Package search implements the §4.H dispatch ladder: metadata-filtered
// scan, HNSW, or brute-force (sequential/parallel/GPU), grounded on the
// teacher's pkg/core/store_search.go Search/SearchWithFilter dispatch
// shape (HNSW-if-enabled, else linear scan, with a filter short-circuit),
// generalized to the spec's three-tier brute-force fallback and explicit
// ParallelExecutor abstraction.
package search

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/vectrix/pkg/filter"
	"github.com/liliang-cn/vectrix/pkg/hnsw"
	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/storage"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// Options configure a single search call (§6 SearchResult inclusion gating
// and §4.H dispatch thresholds).
type Options struct {
	Filter          filter.Evaluator
	IncludeMetadata bool
	IncludeVector   bool
	MaxResults      int
	GPUThreshold    int
	ParallelThresh  int
	EfSearch        int
}

// Result is a single ranked hit.
type Result struct {
	ID       string
	Score    float32
	Distance float32
	Metadata map[string]any
	Vector   []float32
}

// GPUBackend is an optional accelerator; when absent the dispatch ladder
// falls through to the thread-pool or sequential tiers.
type GPUBackend interface {
	Available() bool
	ScoreBatch(ctx context.Context, query []float32, candidates [][]float32, k kernel.Kernel) ([]float32, error)
}

// Engine runs searches against one namespace's store and optional index.
type Engine struct {
	Store        storage.Store
	Index        *hnsw.Index
	IndexEnabled bool
	Metric       kernel.Kernel
	GPU          GPUBackend
	Executor     *ParallelExecutor
}

const (
	defaultGPUThreshold     = 10000
	defaultParallelThresh   = 1000
	defaultEfSearchFloor    = 50
	progressiveStageOne     = 100
	progressiveStageTwo     = 1000
	progressiveStageThree   = 10000
)

func (e *Engine) efSearch(k int, opts Options) int {
	ef := opts.EfSearch
	if ef < k {
		ef = k
	}
	if ef < defaultEfSearchFloor {
		ef = defaultEfSearchFloor
	}
	return ef
}

// Search implements the §4.H dispatch ladder and returns the top-k results
// sorted ascending by distance.
func (e *Engine) Search(ctx context.Context, query []float32, k int, opts Options) ([]Result, error) {
	if e.Metric.RequiresNormalized() {
		query = kernel.Normalize(query)
	}

	// Step 1: a metadata filter present skips the index — it could prune
	// below ef_search and silently under-return.
	if opts.Filter == nil && e.IndexEnabled && e.Index != nil {
		hits, err := e.Index.Search(query, k, e.efSearch(k, opts))
		if err == nil {
			return e.hydrate(ctx, hits, opts)
		}
		if err != verrors.ErrIndexEmpty {
			return nil, err
		}
	}

	candidates, err := e.scanCandidates(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}
	return e.scoreAndRank(ctx, query, candidates, k, opts)
}

func (e *Engine) scanCandidates(ctx context.Context, f filter.Evaluator) ([]*storage.Record, error) {
	var out []*storage.Record
	err := e.Store.Scan(ctx, func(r *storage.Record) bool {
		if f == nil || f(r.Metadata) {
			out = append(out, r)
		}
		return true
	})
	return out, err
}

// scoreAndRank dispatches to GPU, parallel, or sequential scoring by
// candidate count per §4.H step 3, then sorts and truncates.
func (e *Engine) scoreAndRank(ctx context.Context, query []float32, candidates []*storage.Record, k int, opts Options) ([]Result, error) {
	gpuThreshold := opts.GPUThreshold
	if gpuThreshold <= 0 {
		gpuThreshold = defaultGPUThreshold
	}
	parallelThresh := opts.ParallelThresh
	if parallelThresh <= 0 {
		parallelThresh = defaultParallelThresh
	}

	var scored []Result
	var err error
	switch {
	case len(candidates) >= gpuThreshold && e.GPU != nil && e.GPU.Available():
		scored, err = e.scoreGPU(ctx, query, candidates, opts)
	case len(candidates) >= parallelThresh && e.Executor != nil:
		scored, err = e.scoreParallel(ctx, query, candidates, opts)
	default:
		scored, err = e.scoreSequential(query, candidates, opts)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Distance != scored[j].Distance {
			return scored[i].Distance < scored[j].Distance
		}
		return scored[i].ID < scored[j].ID
	})
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (e *Engine) scoreSequential(query []float32, candidates []*storage.Record, opts Options) ([]Result, error) {
	out := make([]Result, 0, len(candidates))
	for _, r := range candidates {
		res, err := e.scoreOne(query, r, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (e *Engine) scoreOne(query []float32, r *storage.Record, opts Options) (Result, error) {
	d, err := e.Metric.Distance(query, r.Values)
	if err != nil {
		return Result{}, err
	}
	res := Result{ID: r.ID, Distance: d, Score: e.Metric.Score(d)}
	if opts.IncludeMetadata {
		res.Metadata = r.Metadata
	}
	if opts.IncludeVector {
		res.Vector = r.Values
	}
	return res, nil
}

func (e *Engine) scoreParallel(ctx context.Context, query []float32, candidates []*storage.Record, opts Options) ([]Result, error) {
	results := make([]Result, len(candidates))
	errs := make([]error, len(candidates))
	e.Executor.Run(ctx, len(candidates), func(i int) {
		res, err := e.scoreOne(query, candidates[i], opts)
		results[i] = res
		errs[i] = err
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Engine) scoreGPU(ctx context.Context, query []float32, candidates []*storage.Record, opts Options) ([]Result, error) {
	vectors := make([][]float32, len(candidates))
	for i, r := range candidates {
		vectors[i] = r.Values
	}
	distances, err := e.GPU.ScoreBatch(ctx, query, vectors, e.Metric)
	if err != nil {
		return nil, verrors.Wrap("search.scoreGPU", verrors.CodeInternal, err)
	}
	out := make([]Result, len(candidates))
	for i, r := range candidates {
		d := distances[i]
		if math.IsNaN(float64(d)) || math.IsInf(float64(d), 0) {
			return nil, verrors.New("search.scoreGPU", verrors.CodeInternal, "GPU backend returned a non-finite distance for id %q", r.ID)
		}
		out[i] = Result{ID: r.ID, Distance: d, Score: e.Metric.Score(d)}
		if opts.IncludeMetadata {
			out[i].Metadata = r.Metadata
		}
		if opts.IncludeVector {
			out[i].Vector = r.Values
		}
	}
	return out, nil
}

func (e *Engine) hydrate(ctx context.Context, hits []hnsw.Result, opts Options) ([]Result, error) {
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		res := Result{ID: h.ID, Distance: h.Distance, Score: e.Metric.Score(h.Distance)}
		if opts.IncludeMetadata || opts.IncludeVector {
			r, err := e.Store.Get(ctx, h.ID)
			if err != nil {
				continue // deleted from the store but still live in the index
			}
			if opts.IncludeMetadata {
				res.Metadata = r.Metadata
			}
			if opts.IncludeVector {
				res.Vector = r.Values
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// SearchRange enumerates every candidate within dMax, sorted ascending by
// distance and capped by opts.MaxResults.
func (e *Engine) SearchRange(ctx context.Context, query []float32, dMax float32, opts Options) ([]Result, error) {
	if e.Metric.RequiresNormalized() {
		query = kernel.Normalize(query)
	}
	candidates, err := e.scanCandidates(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, r := range candidates {
		res, err := e.scoreOne(query, r, opts)
		if err != nil {
			return nil, err
		}
		if res.Distance <= dMax {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}

// StreamBatch is one progressively-widened yield from SearchStream.
type StreamBatch struct {
	Results []Result
	Final   bool
}

// SearchStream yields progressively better results by widening the scanned
// sample through min(100,N), min(1000,N), min(10000,N), N, deduping ids
// already yielded and capping at opts.MaxResults, when progressive=true;
// otherwise it performs a single full search and chunks the result.
func (e *Engine) SearchStream(ctx context.Context, query []float32, k int, progressive bool, opts Options, yield func(StreamBatch) bool) error {
	if !progressive {
		results, err := e.Search(ctx, query, k, opts)
		if err != nil {
			return err
		}
		const chunkSize = 100
		for start := 0; start < len(results); start += chunkSize {
			end := start + chunkSize
			if end > len(results) {
				end = len(results)
			}
			if !yield(StreamBatch{Results: results[start:end], Final: end == len(results)}) {
				return nil
			}
		}
		if len(results) == 0 {
			yield(StreamBatch{Final: true})
		}
		return nil
	}

	total, err := e.Store.Count(ctx)
	if err != nil {
		return err
	}
	n := int(total)
	stages := []int{min(progressiveStageOne, n), min(progressiveStageTwo, n), min(progressiveStageThree, n), n}

	seen := make(map[string]bool)
	prevStage := 0
	for i, stage := range stages {
		if stage <= prevStage {
			continue
		}
		prevStage = stage

		candidates, err := e.sampleCandidates(ctx, opts.Filter, stage)
		if err != nil {
			return err
		}
		scored, err := e.scoreAndRank(ctx, query, candidates, k, opts)
		if err != nil {
			return err
		}

		fresh := make([]Result, 0, len(scored))
		for _, r := range scored {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			fresh = append(fresh, r)
			if opts.MaxResults > 0 && len(seen) >= opts.MaxResults {
				break
			}
		}
		if len(fresh) > 0 {
			if !yield(StreamBatch{Results: fresh, Final: i == len(stages)-1}) {
				return nil
			}
		}
		if opts.MaxResults > 0 && len(seen) >= opts.MaxResults {
			return nil
		}
	}
	return nil
}

func (e *Engine) sampleCandidates(ctx context.Context, f filter.Evaluator, limit int) ([]*storage.Record, error) {
	var out []*storage.Record
	err := e.Store.Scan(ctx, func(r *storage.Record) bool {
		if f == nil || f(r.Metadata) {
			out = append(out, r)
		}
		return len(out) < limit
	})
	return out, err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ParallelExecutor fans work across a bounded goroutine pool using
// golang.org/x/sync/errgroup, following the spec's explicit worker-pool
// dispatch tier.
type ParallelExecutor struct {
	Concurrency int
}

// Run invokes fn(i) for i in [0,n) across a bounded set of goroutines,
// blocking until all complete.
func (p *ParallelExecutor) Run(ctx context.Context, n int, fn func(i int)) {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	sem := make(chan struct{}, concurrency)
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
