package search

import (
	"context"

	"github.com/liliang-cn/vectrix/pkg/hnsw"
	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/storage"
)

// AddVectorToIndex mirrors a successful store insert into the HNSW index.
func (e *Engine) AddVectorToIndex(id string, vector []float32) error {
	if e.Index == nil {
		return nil
	}
	return e.Index.Insert(id, vector)
}

// RemoveVectorFromIndex mirrors a store delete into the HNSW index.
func (e *Engine) RemoveVectorFromIndex(id string) error {
	if e.Index == nil {
		return nil
	}
	return e.Index.Delete(id)
}

// RebuildIndex discards the current index and reinserts every record from
// the backing scan, per §4.H.
func (e *Engine) RebuildIndex(ctx context.Context, cfg hnsw.Config) error {
	fresh := hnsw.New(cfg, e.Metric)
	err := e.Store.Scan(ctx, func(r *storage.Record) bool {
		_ = fresh.Insert(r.ID, r.Values)
		return true
	})
	if err != nil {
		return err
	}
	e.Index = fresh
	e.IndexEnabled = true
	return nil
}

// SetDistanceMetric swaps the scoring kernel and invalidates the index: a
// rebuild is required before the indexed path is trusted again, since the
// existing graph's topology was built against distances under the old
// metric.
func (e *Engine) SetDistanceMetric(m kernel.Kernel) {
	e.Metric = m
	e.IndexEnabled = false
}
