// Package vectrix implements an embedded vector database: namespaced
// storage of high-dimensional vectors with metadata, HNSW-indexed and
// brute-force nearest-neighbor search, scalar/product quantization, a
// storage-quota monitor, and pluggable eviction. Grounded on the teacher's
// pkg/core.SQLiteStore as the single facade that wires storage, indexing,
// and search together, generalized from one shared database to a
// namespace-per-store registry (§4.K).
package vectrix

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/vectrix/pkg/compression"
	"github.com/liliang-cn/vectrix/pkg/eviction"
	"github.com/liliang-cn/vectrix/pkg/filter"
	"github.com/liliang-cn/vectrix/pkg/hnsw"
	"github.com/liliang-cn/vectrix/pkg/indexcache"
	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/namespace"
	"github.com/liliang-cn/vectrix/pkg/quota"
	"github.com/liliang-cn/vectrix/pkg/search"
	"github.com/liliang-cn/vectrix/pkg/storage"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// DB is the top-level handle returned by Open; it owns the namespace
// registry and every subsystem a namespace's operations dispatch into.
type DB struct {
	cfg      Config
	registry *sqliteRegistry
	opener   *sqliteOpener
	nsMgr    *namespace.Manager
	quota    *quota.Monitor
	compress *compression.Manager

	mu      sync.Mutex
	engines map[string]*namespaceRuntime
}

// namespaceRuntime bundles one namespace's live search engine and index cache.
type namespaceRuntime struct {
	handle *namespace.Handle
	metric kernel.Kernel
	engine *search.Engine
	cache  *indexcache.Cache
}

// Open initializes a DB rooted at cfg.RootPath, creating the root directory
// and registry if needed (§6 "init").
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.RootPath == "" {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, verrors.Wrap("vectrix.Open", verrors.CodeInternal, err)
	}

	reg, err := openRegistry(ctx, cfg.RootPath)
	if err != nil {
		return nil, err
	}
	opener := &sqliteOpener{rootPath: cfg.RootPath, logger: cfg.Logger}
	nsMgr := namespace.New(cfg.RootName, reg, opener, cfg.NamespaceCacheSize, cfg.Logger)

	db := &DB{
		cfg:      cfg,
		registry: reg,
		opener:   opener,
		nsMgr:    nsMgr,
		compress: compression.NewManager(compression.Config{Logger: cfg.Logger}),
		engines:  make(map[string]*namespaceRuntime),
	}

	if cfg.QuotaLimitBytes > 0 {
		db.quota = quota.New(quota.Config{
			LimitBytes: cfg.QuotaLimitBytes,
			UsageFunc:  db.diskUsage,
		})
	}

	if cfg.DefaultNamespace != "" {
		if _, err := nsMgr.EnsureDefault(ctx, cfg.DefaultNamespace); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (db *DB) diskUsage() (int64, error) {
	var total int64
	entries, err := os.ReadDir(db.cfg.RootPath)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// CreateNamespace registers and opens a new namespace.
func (db *DB) CreateNamespace(ctx context.Context, name string, dim int, metric kernel.Metric) error {
	if metric == "" {
		metric = db.cfg.DefaultMetric
	}
	_, err := db.nsMgr.Create(ctx, name, namespace.Config{
		Dimension:      dim,
		DistanceMetric: metric,
		IndexStrategy:  namespace.IndexAuto,
		Compression:    namespace.CompressionNone,
	})
	return err
}

// GetNamespace returns the runtime for an existing (or lazily resolved)
// namespace, building its search engine on first access.
func (db *DB) GetNamespace(ctx context.Context, name string) (*namespaceRuntime, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if rt, ok := db.engines[name]; ok {
		return rt, nil
	}

	handle, err := db.nsMgr.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	k, err := kernel.For(handle.Row.Config.DistanceMetric)
	if err != nil {
		return nil, err
	}

	rt := &namespaceRuntime{
		handle: handle,
		metric: k,
		cache:  indexcache.New(db.cfg.IndexCacheSize, &blobPersister{store: handle.Store}, db.cfg.Logger),
	}
	rt.engine = &search.Engine{
		Store:    handle.Store,
		Metric:   k,
		Executor: &search.ParallelExecutor{},
	}
	if idx, err := rt.cache.Get(name, k); err == nil {
		rt.engine.Index = idx
		rt.engine.IndexEnabled = handle.Row.Config.IndexStrategy != namespace.IndexBrute
	}
	db.engines[name] = rt
	return rt, nil
}

// DeleteNamespace closes and destroys a namespace entirely.
func (db *DB) DeleteNamespace(ctx context.Context, name string) error {
	db.mu.Lock()
	delete(db.engines, name)
	db.mu.Unlock()
	return db.nsMgr.Delete(ctx, name)
}

// ListNamespaces returns every registered namespace's row.
func (db *DB) ListNamespaces(ctx context.Context) ([]*namespace.Row, error) {
	return db.nsMgr.List(ctx)
}

// FindNamespaces returns namespaces whose name matches pattern.
func (db *DB) FindNamespaces(ctx context.Context, pattern string) ([]*namespace.Row, error) {
	return db.nsMgr.Find(ctx, pattern)
}

// AddVector inserts or replaces a single vector record and mirrors it into
// the namespace's index when indexing is enabled. An empty id auto-generates
// one (grounded on the teacher's use of google/uuid for unkeyed inserts).
func (db *DB) AddVector(ctx context.Context, ns, id string, values []float32, metadata map[string]any) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := storage.NowMillis()
	rec := &storage.Record{ID: id, Values: values, CreatedAt: now, LastAccessedAt: now, Metadata: metadata}
	if rt.handle.Row.Config.Compression != namespace.CompressionNone {
		rec.CodecTag = string(db.compress.AutoSelect(values).Strategy)
	}
	if err := rt.handle.Store.Put(ctx, rec); err != nil {
		return err
	}
	if rt.engine.IndexEnabled {
		if err := rt.engine.AddVectorToIndex(id, values); err != nil {
			db.cfg.Logger.Warn("failed to index vector on insert", "namespace", ns, "id", id, "error", err)
		} else {
			rt.cache.MarkDirty(ns)
		}
	}
	db.recordOperation()
	return nil
}

// AddBatch inserts many records via the backing store's chunked PutBatch.
func (db *DB) AddBatch(ctx context.Context, ns string, records []*storage.Record, opts storage.BatchOptions) (*storage.BatchResult, error) {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	now := storage.NowMillis()
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt == 0 {
			r.CreatedAt = now
		}
		if r.LastAccessedAt == 0 {
			r.LastAccessedAt = now
		}
	}
	result, err := rt.handle.Store.PutBatch(ctx, records, opts)
	if err != nil {
		return result, err
	}
	if rt.engine.IndexEnabled {
		for _, id := range result.Succeeded {
			for _, r := range records {
				if r.ID == id {
					_ = rt.engine.AddVectorToIndex(id, r.Values)
					break
				}
			}
		}
		rt.cache.MarkDirty(ns)
	}
	return result, nil
}

// GetVector reads a single record, bumping its access bookkeeping.
func (db *DB) GetVector(ctx context.Context, ns, id string) (*storage.Record, error) {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	return rt.handle.Store.Get(ctx, id)
}

// GetMany reads several records by id, omitting ones that don't exist.
func (db *DB) GetMany(ctx context.Context, ns string, ids []string) ([]*storage.Record, error) {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Record, 0, len(ids))
	for _, id := range ids {
		r, err := rt.handle.Store.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteVector removes a record and mirrors the deletion into the index.
func (db *DB) DeleteVector(ctx context.Context, ns, id string) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	if err := rt.handle.Store.Delete(ctx, id); err != nil {
		return err
	}
	if rt.engine.IndexEnabled {
		if err := rt.engine.RemoveVectorFromIndex(id); err != nil {
			db.cfg.Logger.Warn("failed to remove vector from index", "namespace", ns, "id", id, "error", err)
		} else {
			rt.cache.MarkDirty(ns)
		}
	}
	db.recordOperation()
	return nil
}

// DeleteMany removes several records by id, collecting per-id errors.
func (db *DB) DeleteMany(ctx context.Context, ns string, ids []string) map[string]error {
	errs := make(map[string]error)
	for _, id := range ids {
		if err := db.DeleteVector(ctx, ns, id); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// UpdateVector replaces a record's values (Magnitude is left as stored); the
// caller must rebuild the index afterward as values changed, since the
// HNSW graph's neighbor selections were made against the old vector.
func (db *DB) UpdateVector(ctx context.Context, ns, id string, values []float32) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	return rt.handle.Store.UpdateInPlace(ctx, id, func(r *storage.Record) error {
		r.Values = values
		return nil
	})
}

// UpdateMetadata replaces a record's metadata in place.
func (db *DB) UpdateMetadata(ctx context.Context, ns, id string, metadata map[string]any) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	return rt.handle.Store.UpdateInPlace(ctx, id, func(r *storage.Record) error {
		r.Metadata = metadata
		return nil
	})
}

// UpdateBatch applies a metadata mutator to several ids, collecting errors.
func (db *DB) UpdateBatch(ctx context.Context, ns string, ids []string, mutate func(*storage.Record) error) map[string]error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		errs := make(map[string]error, len(ids))
		for _, id := range ids {
			errs[id] = err
		}
		return errs
	}
	errs := make(map[string]error)
	for _, id := range ids {
		if err := rt.handle.Store.UpdateInPlace(ctx, id, mutate); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// RecommendCompression returns the compression manager's codec
// recommendation for a sample vector, without persisting anything.
func (db *DB) RecommendCompression(values []float32) compression.Recommendation {
	return db.compress.AutoSelect(values)
}

// SearchOptions is the public search parameter bundle, translating a
// declarative filter expression into a compiled evaluator once per call.
type SearchOptions struct {
	FilterExpr      map[string]any
	IncludeMetadata bool
	IncludeVector   bool
	MaxResults      int
	EfSearch        int
}

func (o SearchOptions) toEngineOptions(db *DB) (search.Options, error) {
	var eval filter.Evaluator
	if len(o.FilterExpr) > 0 {
		compiled, err := filter.Compile(o.FilterExpr)
		if err != nil {
			return search.Options{}, err
		}
		eval = compiled
	}
	return search.Options{
		Filter:          eval,
		IncludeMetadata: o.IncludeMetadata,
		IncludeVector:   o.IncludeVector,
		MaxResults:      o.MaxResults,
		GPUThreshold:    db.cfg.GPUThreshold,
		ParallelThresh:  db.cfg.ParallelThreshold,
		EfSearch:        o.EfSearch,
	}, nil
}

// Search runs a top-k nearest-neighbor query (§4.H).
func (db *DB) Search(ctx context.Context, ns string, query []float32, k int, opts SearchOptions) ([]search.Result, error) {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	engineOpts, err := opts.toEngineOptions(db)
	if err != nil {
		return nil, err
	}
	return rt.engine.Search(ctx, query, k, engineOpts)
}

// SearchRange enumerates all candidates within dMax.
func (db *DB) SearchRange(ctx context.Context, ns string, query []float32, dMax float32, opts SearchOptions) ([]search.Result, error) {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	engineOpts, err := opts.toEngineOptions(db)
	if err != nil {
		return nil, err
	}
	return rt.engine.SearchRange(ctx, query, dMax, engineOpts)
}

// SearchStream yields progressively widened result batches.
func (db *DB) SearchStream(ctx context.Context, ns string, query []float32, k int, progressive bool, opts SearchOptions, yield func(search.StreamBatch) bool) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	engineOpts, err := opts.toEngineOptions(db)
	if err != nil {
		return err
	}
	return rt.engine.SearchStream(ctx, query, k, progressive, engineOpts, yield)
}

// SetDistanceMetric swaps a namespace's kernel and invalidates its index.
func (db *DB) SetDistanceMetric(ctx context.Context, ns string, metric kernel.Metric) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	k, err := kernel.For(metric)
	if err != nil {
		return err
	}
	rt.metric = k
	rt.engine.SetDistanceMetric(k)
	return nil
}

// SetIndexing enables or disables the HNSW path for a namespace.
func (db *DB) SetIndexing(ctx context.Context, ns string, enabled bool) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	rt.engine.IndexEnabled = enabled
	return nil
}

// RebuildIndex reconstructs a namespace's HNSW graph from its store scan.
func (db *DB) RebuildIndex(ctx context.Context, ns string) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	if err := rt.engine.RebuildIndex(ctx, hnsw.DefaultConfig()); err != nil {
		return err
	}
	rt.cache.Put(ns, rt.engine.Index, rt.metric)
	rt.cache.MarkDirty(ns)
	return nil
}

// IndexStats reports the active namespace index's topology summary.
func (db *DB) IndexStats(ctx context.Context, ns string) (hnsw.Stats, error) {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return hnsw.Stats{}, err
	}
	if rt.engine.Index == nil {
		return hnsw.Stats{}, verrors.ErrIndexEmpty
	}
	return rt.engine.Index.Stats(), nil
}

// GetStorageQuota forces an immediate quota sample.
func (db *DB) GetStorageQuota(ctx context.Context) (*quota.Event, error) {
	if db.quota == nil {
		return nil, verrors.New("vectrix.GetStorageQuota", verrors.CodeInvalidFormat, "quota monitoring is disabled (QuotaLimitBytes unset)")
	}
	return db.quota.Sample()
}

// OnQuotaWarning registers a listener for quota events.
func (db *DB) OnQuotaWarning(fn func(quota.Event)) (cancel func(), err error) {
	if db.quota == nil {
		return nil, verrors.New("vectrix.OnQuotaWarning", verrors.CodeInvalidFormat, "quota monitoring is disabled")
	}
	return db.quota.OnWarning(fn), nil
}

func (db *DB) recordOperation() {
	if db.quota == nil {
		return
	}
	if _, err := db.quota.RecordOperation(); err != nil {
		db.cfg.Logger.Warn("quota sample failed", "error", err)
	}
}

// EvictVectors runs an eviction sweep against a namespace using strategy
// (empty selects eviction.SuggestStrategy's recommendation).
func (db *DB) EvictVectors(ctx context.Context, ns string, strategy eviction.Strategy, cfg eviction.Config) (eviction.Result, error) {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return eviction.Result{}, err
	}

	var candidates []eviction.Candidate
	err = rt.handle.Store.Scan(ctx, func(r *storage.Record) bool {
		permanent := false
		if r.Metadata != nil {
			if v, ok := r.Metadata["permanent"].(bool); ok {
				permanent = v
			}
		}
		priority := 0.5
		if r.Metadata != nil {
			if v, ok := r.Metadata["priority"].(float64); ok {
				priority = v
			}
		}
		candidates = append(candidates, eviction.Candidate{
			ID: r.ID, Bytes: int64(len(r.Values) * 4),
			// record timestamps are ms; eviction works in unix seconds
			CreatedAt: r.CreatedAt / 1000, LastAccessedAt: r.LastAccessedAt / 1000,
			AccessCount: r.AccessCount, Permanent: permanent, Priority: priority,
		})
		return true
	})
	if err != nil {
		return eviction.Result{}, err
	}

	if strategy == "" {
		stats := db.evictionStats(candidates)
		strategy, _ = eviction.SuggestStrategy(stats)
	}

	nowUnix := uint64(time.Now().Unix())
	res := eviction.Run(ctx, rt.handle.Store, candidates, strategy, cfg, nowUnix)

	if rt.engine.IndexEnabled {
		for _, c := range candidates {
			_ = rt.engine.RemoveVectorFromIndex(c.ID)
		}
		rt.cache.MarkDirty(ns)
	}
	return res, nil
}

func (db *DB) evictionStats(candidates []eviction.Candidate) eviction.Stats {
	nowUnix := uint64(time.Now().Unix())
	var expired int
	var totalAccess uint64
	for _, c := range candidates {
		if nowUnix > c.LastAccessedAt && nowUnix-c.LastAccessedAt > 7*24*3600 {
			expired++
		}
		totalAccess += c.AccessCount
	}
	meanAccess := 0.0
	if len(candidates) > 0 {
		meanAccess = float64(totalAccess) / float64(len(candidates))
	}
	return eviction.Stats{TotalRecords: len(candidates), ExpiredCount: expired, MeanAccessRate: meanAccess}
}

// GetEvictionStats summarizes a namespace's population for suggest_strategy.
func (db *DB) GetEvictionStats(ctx context.Context, ns string) (eviction.Stats, error) {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return eviction.Stats{}, err
	}
	var candidates []eviction.Candidate
	err = rt.handle.Store.Scan(ctx, func(r *storage.Record) bool {
		candidates = append(candidates, eviction.Candidate{ID: r.ID, LastAccessedAt: r.LastAccessedAt / 1000, AccessCount: r.AccessCount})
		return true
	})
	if err != nil {
		return eviction.Stats{}, err
	}
	return db.evictionStats(candidates), nil
}

// SetAutoEviction wires a quota-warning listener that triggers an eviction
// sweep on the given namespace (§5's "eviction runs after the triggering
// write completes" ordering guarantee is honored by the listener firing
// outside the quota monitor's lock).
func (db *DB) SetAutoEviction(ns string, cfg eviction.Config) (cancel func(), err error) {
	return db.OnQuotaWarning(func(evt quota.Event) {
		if evt.Severity == quota.SeverityWarning {
			return
		}
		ctx := context.Background()
		if _, err := db.EvictVectors(ctx, ns, "", cfg); err != nil {
			db.cfg.Logger.Warn("auto-eviction sweep failed", "namespace", ns, "error", err)
		}
	})
}

// Clear deletes every record in a namespace without deleting the namespace itself.
func (db *DB) Clear(ctx context.Context, ns string) error {
	rt, err := db.GetNamespace(ctx, ns)
	if err != nil {
		return err
	}
	var ids []string
	err = rt.handle.Store.Scan(ctx, func(r *storage.Record) bool {
		ids = append(ids, r.ID)
		return true
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := rt.handle.Store.Delete(ctx, id); err != nil {
			return err
		}
	}
	rt.engine.Index = hnsw.New(hnsw.DefaultConfig(), rt.metric)
	rt.cache.Put(ns, rt.engine.Index, rt.metric)
	return nil
}

// Close flushes dirty indexes and closes every cached namespace.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	for name, rt := range db.engines {
		if err := rt.cache.Clear(true); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("namespace %s: %w", name, err)
		}
	}
	db.nsMgr.CloseAll()
	if err := db.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Delete destroys the entire database: every namespace and the registry.
func (db *DB) Delete(ctx context.Context) error {
	if err := db.nsMgr.DeleteAll(ctx); err != nil {
		return err
	}
	return db.Close()
}

// blobPersister adapts a namespace's SQLiteStore blob table to
// indexcache.Persister, grounded on the teacher's index_snapshots table.
type blobPersister struct {
	store storage.Store
}

const hnswBlobType = "hnsw_index"

func (p *blobPersister) SaveIndex(indexID string, idx *hnsw.Index) error {
	sqliteStore, ok := p.store.(*storage.SQLiteStore)
	if !ok {
		return verrors.New("indexcache.SaveIndex", verrors.CodeInternal, "backing store does not support blob persistence")
	}
	data, err := idx.Save()
	if err != nil {
		return err
	}
	return sqliteStore.SaveBlob(context.Background(), hnswBlobType, data)
}

func (p *blobPersister) LoadIndex(indexID string, metric kernel.Kernel) (*hnsw.Index, error) {
	sqliteStore, ok := p.store.(*storage.SQLiteStore)
	if !ok {
		return hnsw.New(hnsw.DefaultConfig(), metric), nil
	}
	ctx := context.Background()
	data, err := sqliteStore.LoadBlob(ctx, hnswBlobType)
	if err != nil {
		return hnsw.New(hnsw.DefaultConfig(), metric), nil
	}
	vectors := make(map[string][]float32)
	_ = p.store.Scan(ctx, func(r *storage.Record) bool {
		vectors[r.ID] = r.Values
		return true
	})
	return hnsw.Load(data, metric, vectors)
}
